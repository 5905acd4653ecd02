// Package memory is an in-process store with the same uniqueness rules as the
// Postgres schema. It backs STORE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"moltregistry/internal/model"
)

type txKey struct{}

type Store struct {
	mu         sync.Mutex
	identities map[string]model.Identity
	sessions   map[string]model.RegistrationSession
	posts      map[string]model.ForumPost
	votes      map[string]model.ForumVote

	// FailCounterDeltas makes ApplyCounterDelta fail, to exercise the
	// recompute fallback.
	FailCounterDeltas bool
}

func New() *Store {
	return &Store{
		identities: make(map[string]model.Identity),
		sessions:   make(map[string]model.RegistrationSession),
		posts:      make(map[string]model.ForumPost),
		votes:      make(map[string]model.ForumVote),
	}
}

// WithinTx runs fn under the store lock; on error every map is restored.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	identities := maps.Clone(s.identities)
	sessions := maps.Clone(s.sessions)
	posts := maps.Clone(s.posts)
	votes := maps.Clone(s.votes)

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.identities, s.sessions, s.posts, s.votes = identities, sessions, posts, votes
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store lock unless ctx already holds it through WithinTx.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func newID() string {
	return uuid.NewString()
}
