package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"moltregistry/internal/model"
)

const sessionColumns = `id::text, token_hash, device_id, public_key, signature, message, status,
	stored_proof, last_error, identity_id::text, created_at, updated_at, expires_at, completed_at`

func scanSession(row pgx.Row) (model.RegistrationSession, error) {
	var sess model.RegistrationSession
	var status string
	err := row.Scan(
		&sess.ID,
		&sess.TokenHash,
		&sess.DeviceID,
		&sess.PublicKey,
		&sess.Signature,
		&sess.Message,
		&status,
		&sess.StoredProof,
		&sess.LastError,
		&sess.IdentityID,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.ExpiresAt,
		&sess.CompletedAt,
	)
	sess.Status = model.SessionStatus(status)
	return sess, err
}

func (s *Store) CreateSession(ctx context.Context, sess model.RegistrationSession) (model.RegistrationSession, error) {
	row := s.db(ctx).QueryRow(ctx, `
		INSERT INTO registration_sessions (token_hash, device_id, public_key, signature, message, status,
			stored_proof, last_error, identity_id, created_at, updated_at, expires_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id::text
	`, sess.TokenHash, sess.DeviceID, sess.PublicKey, sess.Signature, sess.Message, string(sess.Status),
		sess.StoredProof, sess.LastError, sess.IdentityID, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt, sess.CompletedAt)
	if err := row.Scan(&sess.ID); err != nil {
		return model.RegistrationSession{}, translate(err)
	}
	return sess, nil
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (model.RegistrationSession, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+sessionColumns+` FROM registration_sessions WHERE token_hash = $1`, tokenHash)
	sess, err := scanSession(row)
	if err != nil {
		return model.RegistrationSession{}, translate(err)
	}
	return sess, nil
}

// UpdateSession refuses to touch a completed or expired session and never
// replaces a verified proof with an unverified one.
func (s *Store) UpdateSession(ctx context.Context, sess model.RegistrationSession) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE registration_sessions
		SET status = $2,
			stored_proof = CASE
				WHEN COALESCE((stored_proof->>'verified')::boolean, false)
					AND NOT COALESCE(($3::jsonb->>'verified')::boolean, false)
				THEN stored_proof
				ELSE $3::jsonb
			END,
			last_error = $4, identity_id = $5,
			updated_at = $6, expires_at = $7, completed_at = $8
		WHERE id = $1 AND status NOT IN ('completed', 'expired')
	`, sess.ID, string(sess.Status), sess.StoredProof, sess.LastError, sess.IdentityID,
		sess.UpdatedAt, sess.ExpiresAt, sess.CompletedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err = s.db(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM registration_sessions WHERE id = $1)`, sess.ID).Scan(&exists)
	if err != nil {
		return translate(err)
	}
	if exists {
		return model.ErrImmutable
	}
	return model.ErrNotFound
}

func (s *Store) ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE registration_sessions
		SET status = 'expired', updated_at = $1
		WHERE status IN ('pending', 'failed') AND expires_at < $1
	`, now)
	if err != nil {
		return 0, errors.Wrap(err, "postgres.ExpireStaleSessions")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db(ctx).Exec(ctx, `
		DELETE FROM registration_sessions
		WHERE status <> 'pending' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "postgres.DeleteSessionsBefore")
	}
	return tag.RowsAffected(), nil
}
