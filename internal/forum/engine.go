// Package forum implements posting and voting for humans, registered agents
// and unverified keys, and keeps per-post vote counters consistent.
package forum

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"moltregistry/internal/apperr"
	"moltregistry/internal/crypto"
	"moltregistry/internal/envelope"
	"moltregistry/internal/events"
	"moltregistry/internal/guard"
	"moltregistry/internal/model"
	"moltregistry/internal/telemetry"
	"moltregistry/internal/worldid"
)

type Repository interface {
	GetIdentityByPublicKey(ctx context.Context, publicKey string) (model.Identity, error)

	CreatePost(ctx context.Context, post model.ForumPost) (model.ForumPost, error)
	GetPost(ctx context.Context, id string) (model.ForumPost, error)
	ListPosts(ctx context.Context, sortBy string, limit, offset int) ([]model.ForumPost, error)
	HasHumanPost(ctx context.Context, nullifierHash string) (bool, error)
	HasHumanFootprint(ctx context.Context, nullifierHash string) (bool, error)

	GetVote(ctx context.Context, postID string, class model.VoteClass, voterKey string) (model.ForumVote, error)
	InsertVote(ctx context.Context, vote model.ForumVote) (model.ForumVote, error)
	UpdateVoteDirection(ctx context.Context, voteID string, direction model.VoteDirection, at time.Time) error
	CountAgentUpvotesByHuman(ctx context.Context, postID, nullifierHash, excludeVoterKey string) (int, error)

	// ApplyCounterDelta adds delta to the post's counters atomically.
	ApplyCounterDelta(ctx context.Context, postID string, delta model.PostCounters) error
	RecomputePostCounters(ctx context.Context, postID string) (model.ForumPost, error)
	ListRecentlyVotedPostIDs(ctx context.Context, since time.Time) ([]string, error)
}

const (
	DefaultMaxContentLength = 2000
	unverifiedPrefix        = "unverified:"

	SortNew = "new"
	SortTop = "top"
)

var (
	ErrBadSignature          = apperr.Authentication("signature_invalid", "signature does not verify for this public key")
	ErrContentMismatch       = apperr.Validation("content_mismatch", "signed content does not match the submitted content")
	ErrPostMismatch          = apperr.Validation("post_mismatch", "signed post id does not match the target post")
	ErrInvalidContent        = apperr.Validation("invalid_content", "content is empty or too long")
	ErrInvalidDirection      = apperr.Validation("invalid_direction", "direction must be up or down")
	ErrIdentityInactive      = apperr.Authentication("identity_inactive", "this key was superseded by a newer registration")
	ErrVerifiedAgentRequired = apperr.Authentication("verified_identity_required", "voting requires a verified, active molt")
	ErrHumanAlreadyPosted    = apperr.Conflict("human_already_posted", "each human may create one post")
	ErrAlreadyVoted          = apperr.Conflict("already_voted", "vote already recorded in this direction")
	ErrPostNotFound          = apperr.NotFound("post_not_found", "post not found")
	ErrUnverifiedRateLimited = apperr.RateLimited("unverified_rate_limited", "too many posts from an unverified key, try again later")
)

type Options struct {
	FreshnessWindow      time.Duration
	MaxContentLength     int
	UnverifiedPostLimit  int
	UnverifiedPostWindow time.Duration
}

type Engine struct {
	repo      Repository
	verifier  worldid.Verifier
	nonces    guard.NonceGuard
	limiter   guard.RateLimiter
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger
	nowF      func() time.Time
}

func NewEngine(repo Repository, verifier worldid.Verifier, nonces guard.NonceGuard, limiter guard.RateLimiter, publisher events.Publisher, opts Options, logger *slog.Logger) *Engine {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = envelope.DefaultWindow
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.UnverifiedPostWindow <= 0 {
		opts.UnverifiedPostWindow = time.Hour
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:      repo,
		verifier:  verifier,
		nonces:    nonces,
		limiter:   limiter,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		nowF:      time.Now,
	}
}

// SignedRequest is an agent or unverified request: an envelope signed by
// the key.
type SignedRequest struct {
	PublicKey string
	Signature string
	Message   string
}

// Actor is the authenticated author of a signed request.
type Actor struct {
	Kind          model.AuthorKind
	PublicKey     string
	NullifierHash string
	IdentityID    string
}

// PseudoIdentity names an unverified key without linking it to a human.
func PseudoIdentity(publicKey string) (string, error) {
	digest, err := crypto.CalculateDeviceID(publicKey)
	if err != nil {
		return "", err
	}
	return unverifiedPrefix + digest[:16], nil
}

func (e *Engine) authenticateSigned(ctx context.Context, req SignedRequest, expectedAction string) (Actor, Action, error) {
	if !crypto.IsValidPublicKey(req.PublicKey) {
		return Actor{}, nil, apperr.Validation("invalid_public_key", "public key is not a valid Ed25519 key")
	}
	if !crypto.IsValidSignature(req.Signature) {
		return Actor{}, nil, apperr.Validation("invalid_signature", "signature must be a base64 Ed25519 signature")
	}
	if !crypto.Verify(req.Message, req.Signature, req.PublicKey) {
		return Actor{}, nil, ErrBadSignature
	}
	action, env, err := ParseAction(req.Message, expectedAction, e.nowF(), e.opts.FreshnessWindow)
	if err != nil {
		return Actor{}, nil, err
	}
	publicKey, err := crypto.CanonicalPublicKey(req.PublicKey)
	if err != nil {
		return Actor{}, nil, apperr.Validation("invalid_public_key", "public key is not a valid Ed25519 key")
	}
	if err := envelope.ClaimNonce(ctx, e.nonces, publicKey, env, e.opts.FreshnessWindow); err != nil {
		return Actor{}, nil, err
	}

	ident, err := e.repo.GetIdentityByPublicKey(ctx, publicKey)
	switch {
	case errors.Is(err, model.ErrNotFound) || (err == nil && !ident.Verified):
		pseudo, err := PseudoIdentity(publicKey)
		if err != nil {
			return Actor{}, nil, apperr.Validation("invalid_public_key", "public key is not a valid Ed25519 key")
		}
		return Actor{Kind: model.AuthorUnverified, PublicKey: publicKey, NullifierHash: pseudo}, action, nil
	case err != nil:
		return Actor{}, nil, apperr.Store(err)
	case !ident.Active:
		return Actor{}, nil, ErrIdentityInactive
	}
	return Actor{
		Kind:          model.AuthorAgent,
		PublicKey:     publicKey,
		NullifierHash: ident.NullifierHash,
		IdentityID:    ident.ID,
	}, action, nil
}

func (e *Engine) validateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || utf8.RuneCountInString(content) > e.opts.MaxContentLength {
		return "", ErrInvalidContent
	}
	return content, nil
}

// CreateSignedPost posts as a registered agent, or as an unverified key
// under a rate limit.
func (e *Engine) CreateSignedPost(ctx context.Context, req SignedRequest, content string) (model.ForumPost, error) {
	content, err := e.validateContent(content)
	if err != nil {
		return model.ForumPost{}, err
	}
	actor, action, err := e.authenticateSigned(ctx, req, envelope.ActionForumPost)
	if err != nil {
		return model.ForumPost{}, err
	}
	if action.(PostAction).Content != content {
		return model.ForumPost{}, ErrContentMismatch
	}
	if actor.Kind == model.AuthorUnverified && e.limiter != nil {
		ok, err := e.limiter.Allow(ctx, "unverified_post:"+actor.NullifierHash, e.opts.UnverifiedPostLimit, e.opts.UnverifiedPostWindow)
		if err != nil {
			return model.ForumPost{}, apperr.Store(err)
		}
		if !ok {
			return model.ForumPost{}, ErrUnverifiedRateLimited
		}
	}
	author := actor.PublicKey
	return e.createPost(ctx, model.ForumPost{
		Content:             content,
		AuthorKind:          actor.Kind,
		AuthorPublicKey:     &author,
		AuthorNullifierHash: actor.NullifierHash,
	})
}

// CreateHumanPost posts as a human. Each human gets one post.
func (e *Engine) CreateHumanPost(ctx context.Context, auth HumanAuthentication, content string) (model.ForumPost, error) {
	content, err := e.validateContent(content)
	if err != nil {
		return model.ForumPost{}, err
	}
	human, err := e.authenticateHuman(ctx, auth)
	if err != nil {
		return model.ForumPost{}, err
	}
	posted, err := e.repo.HasHumanPost(ctx, human.NullifierHash)
	if err != nil {
		return model.ForumPost{}, apperr.Store(err)
	}
	if posted {
		return model.ForumPost{}, ErrHumanAlreadyPosted
	}
	post, err := e.createPost(ctx, model.ForumPost{
		Content:             content,
		AuthorKind:          model.AuthorHuman,
		AuthorNullifierHash: human.NullifierHash,
	})
	if errors.Is(err, model.ErrDuplicate) {
		return model.ForumPost{}, ErrHumanAlreadyPosted
	}
	return post, err
}

func (e *Engine) authenticateHuman(ctx context.Context, auth HumanAuthentication) (Human, error) {
	if auth == nil {
		return Human{}, ErrHumanAuthRequired
	}
	return auth.authenticate(ctx, e)
}

func (e *Engine) createPost(ctx context.Context, post model.ForumPost) (model.ForumPost, error) {
	post.CreatedAt = e.nowF().UTC()
	created, err := e.repo.CreatePost(ctx, post)
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return model.ForumPost{}, err
		}
		return model.ForumPost{}, apperr.Store(err)
	}
	telemetry.ForumPosts.WithLabelValues(string(created.AuthorKind)).Inc()
	_ = e.publisher.Publish(ctx, events.Event{
		Type:          events.TypeForumPostCreated,
		PostID:        created.ID,
		NullifierHash: created.AuthorNullifierHash,
		Detail:        string(created.AuthorKind),
		OccurredAt:    created.CreatedAt,
	})
	return created, nil
}

func (e *Engine) GetPost(ctx context.Context, id string) (model.ForumPost, error) {
	post, err := e.repo.GetPost(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.ForumPost{}, ErrPostNotFound
	}
	if err != nil {
		return model.ForumPost{}, apperr.Store(err)
	}
	return post, nil
}

func (e *Engine) ListPosts(ctx context.Context, sortBy string, limit, offset int) ([]model.ForumPost, error) {
	if sortBy != SortTop {
		sortBy = SortNew
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	posts, err := e.repo.ListPosts(ctx, sortBy, limit, offset)
	if err != nil {
		return nil, apperr.Store(err)
	}
	return posts, nil
}
