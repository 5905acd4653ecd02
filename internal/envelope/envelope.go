package envelope

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"moltregistry/internal/apperr"
	"moltregistry/internal/guard"
)

const (
	ActionRegister      = "register"
	ActionForumPost     = "forum_post"
	ActionForumUpvote   = "forum_upvote"
	ActionForumDownvote = "forum_downvote"
)

const DefaultWindow = 5 * time.Minute

// Timestamps below this are taken as Unix seconds rather than milliseconds.
const secondsCutoff = 100_000_000_000

var (
	ErrMalformed      = apperr.Validation("malformed_message", "signed message must be a JSON object")
	ErrActionMismatch = apperr.Validation("action_mismatch", "signed message is for a different action")
	ErrStale          = apperr.Validation("stale_timestamp", "signed message timestamp is outside the accepted window")
	ErrInvalidNonce   = apperr.Validation("invalid_nonce", "nonce must be a version 4 UUID")
	ErrReplayed       = apperr.Conflict("nonce_replayed", "this signed message was already used")
)

// Envelope is the signed anti-replay wrapper shared by registration and forum
// actions. Content and PostID are only present for forum actions.
type Envelope struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Content   string `json:"content,omitempty"`
	PostID    string `json:"postId,omitempty"`
}

func (e Envelope) Time() time.Time {
	if e.Timestamp < secondsCutoff {
		return time.Unix(e.Timestamp, 0)
	}
	return time.UnixMilli(e.Timestamp)
}

// Parse decodes message and checks the action, freshness and nonce format.
// Freshness is symmetric: future-dated messages are rejected like stale ones.
func Parse(message, expectedAction string, now time.Time, window time.Duration) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(strings.NewReader(message))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, ErrMalformed.WithCause(err)
	}
	if env.Action == "" || env.Timestamp <= 0 || env.Nonce == "" {
		return Envelope{}, ErrMalformed
	}
	if env.Action != expectedAction {
		return Envelope{}, ErrActionMismatch
	}
	if window <= 0 {
		window = DefaultWindow
	}
	skew := now.Sub(env.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return Envelope{}, ErrStale
	}
	if !IsV4Nonce(env.Nonce) {
		return Envelope{}, ErrInvalidNonce
	}
	return env, nil
}

// ClaimNonce records env's nonce under scope. The guard keeps it for twice the
// window since a message stays acceptable from ts-window until ts+window.
func ClaimNonce(ctx context.Context, g guard.NonceGuard, scope string, env Envelope, window time.Duration) error {
	if g == nil {
		return nil
	}
	if window <= 0 {
		window = DefaultWindow
	}
	ok, err := g.Claim(ctx, scope, env.Nonce, 2*window)
	if err != nil {
		return apperr.Store(err)
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}

func IsV4Nonce(nonce string) bool {
	id, err := uuid.Parse(nonce)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// New builds a fresh envelope stamped with now and a random v4 nonce.
func New(action string, now time.Time) (Envelope, error) {
	nonce, err := uuid.NewRandom()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Action: action, Timestamp: now.UnixMilli(), Nonce: nonce.String()}, nil
}

func (e Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
