package postgres

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"moltregistry/internal/crypto"
	"moltregistry/internal/db"
	"moltregistry/internal/identity"
	"moltregistry/internal/model"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("moltregistry"),
		tcpostgres.WithUsername("molt"),
		tcpostgres.WithPassword("password"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Printf("postgres container unavailable, skipping store tests: %s", err)
		os.Exit(m.Run())
	}

	code := func() int {
		defer func() {
			if err := container.Terminate(ctx); err != nil {
				log.Printf("failed to terminate container: %s", err)
			}
		}()
		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			log.Printf("failed to get connection string: %v", err)
			return 1
		}
		if err := db.Migrate(ctx, connStr, "up"); err != nil {
			log.Printf("failed to migrate: %v", err)
			return 1
		}
		pool, err := db.NewPool(ctx, connStr)
		if err != nil {
			log.Printf("failed to connect: %v", err)
			return 1
		}
		defer pool.Close()
		testStore = NewStore(pool)
		return m.Run()
	}()
	os.Exit(code)
}

func storeForTest(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("postgres not available")
	}
	t.Cleanup(func() {
		_, err := testStore.pool.Exec(context.Background(),
			`TRUNCATE forum_votes, forum_posts, registration_sessions, identities CASCADE`)
		require.NoError(t, err)
	})
	return testStore
}

func newKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return crypto.EncodePublicKey(pub)
}

func TestBindOrRotateKeepsOneActivePerHuman(t *testing.T) {
	store := storeForTest(t)
	ctx := context.Background()
	reg := identity.NewRegistry(store, nil, nil)

	k1, k2 := newKey(t), newKey(t)
	first, err := reg.BindOrRotate(ctx, identity.BindRequest{DeviceID: "D1", PublicKey: k1, NullifierHash: "0xhuman", Level: model.LevelOrb})
	require.NoError(t, err)
	second, err := reg.BindOrRotate(ctx, identity.BindRequest{DeviceID: "D2", PublicKey: k2, NullifierHash: "0xhuman", Level: model.LevelOrb})
	require.NoError(t, err)
	require.Len(t, second.Superseded, 1)
	assert.Equal(t, first.Identity.ID, second.Superseded[0].ID)

	old, err := store.GetIdentityByPublicKey(ctx, k1)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.NotNil(t, old.DeactivatedAt)

	// Rebinding the first key flips the swarm back.
	again, err := reg.BindOrRotate(ctx, identity.BindRequest{DeviceID: "D1", PublicKey: k1, NullifierHash: "0xhuman", Level: model.LevelOrb})
	require.NoError(t, err)
	assert.Equal(t, "rotated", again.Mode)

	swarm, err := store.ListIdentitiesByNullifier(ctx, "0xhuman")
	require.NoError(t, err)
	require.Len(t, swarm, 2)
	active := 0
	for _, ident := range swarm {
		if ident.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)

	board, err := store.SwarmLeaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, 2, board[0].Total)
	assert.Equal(t, 1, board[0].Active)
}

func TestIdentityUniqueness(t *testing.T) {
	store := storeForTest(t)
	ctx := context.Background()
	key := newKey(t)
	now := time.Now().UTC()

	_, err := store.InsertIdentity(ctx, model.Identity{DeviceID: "D1", PublicKey: key, NullifierHash: "0xa", VerificationLevel: model.LevelOrb, RegisteredAt: now})
	require.NoError(t, err)
	_, err = store.InsertIdentity(ctx, model.Identity{DeviceID: "D2", PublicKey: key, NullifierHash: "0xb", VerificationLevel: model.LevelOrb, RegisteredAt: now})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	_, err = store.GetIdentityByDeviceID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	store := storeForTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sess, err := store.CreateSession(ctx, model.RegistrationSession{
		TokenHash: "hash-1",
		DeviceID:  "D1",
		PublicKey: newKey(t),
		Signature: "sig",
		Message:   "{}",
		Status:    model.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	})
	require.NoError(t, err)

	sess.Status = model.SessionFailed
	sess.StoredProof = &model.Proof{NullifierHash: "0xa", MerkleRoot: "0x1", Proof: "0x2", VerificationLevel: model.LevelOrb, Verified: true}
	require.NoError(t, store.UpdateSession(ctx, sess))

	got, err := store.GetSessionByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	require.NotNil(t, got.StoredProof)
	assert.True(t, got.StoredProof.Verified)

	// A late rejected attempt records the failure but keeps the verified proof.
	late := got
	late.StoredProof = &model.Proof{NullifierHash: "0xb", MerkleRoot: "0x1", Proof: "0x3", VerificationLevel: model.LevelOrb}
	require.NoError(t, store.UpdateSession(ctx, late))
	got, err = store.GetSessionByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got.StoredProof)
	assert.True(t, got.StoredProof.Verified)
	assert.Equal(t, "0xa", got.StoredProof.NullifierHash)

	completedAt := now
	got.Status = model.SessionCompleted
	got.CompletedAt = &completedAt
	require.NoError(t, store.UpdateSession(ctx, got))

	got.Status = model.SessionFailed
	assert.ErrorIs(t, store.UpdateSession(ctx, got), model.ErrImmutable)

	got.ID = "00000000-0000-0000-0000-000000000000"
	assert.ErrorIs(t, store.UpdateSession(ctx, got), model.ErrNotFound)

	_, err = store.CreateSession(ctx, model.RegistrationSession{
		TokenHash: "hash-2", DeviceID: "D2", PublicKey: newKey(t), Status: model.SessionPending,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	n, err := store.ExpireStaleSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	expired, err := store.GetSessionByTokenHash(ctx, "hash-2")
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, expired.Status)
	expired.Status = model.SessionCompleted
	expired.CompletedAt = &completedAt
	assert.ErrorIs(t, store.UpdateSession(ctx, expired), model.ErrImmutable)

	n, err = store.DeleteSessionsBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestVotesAndCounters(t *testing.T) {
	store := storeForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	post, err := store.CreatePost(ctx, model.ForumPost{Content: "hello", AuthorKind: model.AuthorHuman, AuthorNullifierHash: "0xa", CreatedAt: now})
	require.NoError(t, err)
	_, err = store.CreatePost(ctx, model.ForumPost{Content: "again", AuthorKind: model.AuthorHuman, AuthorNullifierHash: "0xa", CreatedAt: now})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	has, err := store.HasHumanFootprint(ctx, "0xa")
	require.NoError(t, err)
	assert.True(t, has)

	vote := model.ForumVote{PostID: post.ID, Class: model.VoteAgent, VoterKey: "k1", VoterNullifierHash: "0xb", Direction: model.VoteUp, CreatedAt: now, UpdatedAt: now}
	first, err := store.InsertVote(ctx, vote)
	require.NoError(t, err)
	_, err = store.InsertVote(ctx, vote)
	assert.ErrorIs(t, err, model.ErrDuplicate)

	vote.VoterKey = "k2"
	_, err = store.InsertVote(ctx, vote)
	require.NoError(t, err)

	n, err := store.CountAgentUpvotesByHuman(ctx, post.ID, "0xb", "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.UpdateVoteDirection(ctx, first.ID, model.VoteDown, now))

	require.NoError(t, store.ApplyCounterDelta(ctx, post.ID, model.PostCounters{Upvotes: 7}))
	recomputed, err := store.RecomputePostCounters(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PostCounters{Upvotes: 1, Downvotes: 1, AgentUpvotes: 1, AgentDownvotes: 1, UniqueHumans: 1}, recomputed.Counters)

	ids, err := store.ListRecentlyVotedPostIDs(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{post.ID}, ids)

	_, err = store.GetPost(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, model.ErrNotFound)

	vote.PostID = "00000000-0000-0000-0000-000000000000"
	_, err = store.InsertVote(ctx, vote)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
