package memory

import (
	"context"
	"time"

	"moltregistry/internal/model"
)

func (s *Store) CreateSession(ctx context.Context, sess model.RegistrationSession) (model.RegistrationSession, error) {
	defer s.lock(ctx)()
	if sess.ID == "" {
		sess.ID = newID()
	}
	for _, other := range s.sessions {
		if other.TokenHash == sess.TokenHash {
			return model.RegistrationSession{}, model.ErrDuplicate
		}
	}
	sess.StoredProof = cloneProof(sess.StoredProof)
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (model.RegistrationSession, error) {
	defer s.lock(ctx)()
	for _, sess := range s.sessions {
		if sess.TokenHash == tokenHash {
			sess.StoredProof = cloneProof(sess.StoredProof)
			return sess, nil
		}
	}
	return model.RegistrationSession{}, model.ErrNotFound
}

// UpdateSession refuses to touch a completed or expired session and never
// replaces a verified proof with an unverified one.
func (s *Store) UpdateSession(ctx context.Context, sess model.RegistrationSession) error {
	defer s.lock(ctx)()
	current, ok := s.sessions[sess.ID]
	if !ok {
		return model.ErrNotFound
	}
	if current.Status == model.SessionCompleted || current.Status == model.SessionExpired {
		return model.ErrImmutable
	}
	if verified(current.StoredProof) && !verified(sess.StoredProof) {
		sess.StoredProof = current.StoredProof
	}
	sess.StoredProof = cloneProof(sess.StoredProof)
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock(ctx)()
	var n int64
	for id, sess := range s.sessions {
		if (sess.Status == model.SessionPending || sess.Status == model.SessionFailed) && now.After(sess.ExpiresAt) {
			sess.Status = model.SessionExpired
			sess.UpdatedAt = now
			s.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock(ctx)()
	var n int64
	for id, sess := range s.sessions {
		if sess.Status != model.SessionPending && sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func cloneProof(p *model.Proof) *model.Proof {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func verified(p *model.Proof) bool {
	return p != nil && p.Verified
}
