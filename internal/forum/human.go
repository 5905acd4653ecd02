package forum

import (
	"context"
	"strings"

	"moltregistry/internal/apperr"
	"moltregistry/internal/model"
	"moltregistry/internal/worldid"
)

type TrustLevel string

const (
	TrustFreshProof      TrustLevel = "fresh_proof"
	TrustCachedNullifier TrustLevel = "cached_nullifier"
)

// Human is an authenticated person, identified only by nullifier.
type Human struct {
	NullifierHash string
	Trust         TrustLevel
}

// HumanAuthentication is either FreshProof or CachedNullifier.
type HumanAuthentication interface {
	authenticate(ctx context.Context, e *Engine) (Human, error)
}

// FreshProof is a just-generated orb proof for the forum action.
type FreshProof struct {
	Proof model.Proof
}

// CachedNullifier is a nullifier the caller proved earlier. It is accepted
// only if that human already left a post or vote.
type CachedNullifier struct {
	NullifierHash string
}

var (
	ErrOrbRequired       = apperr.Authentication("orb_verification_required", "forum participation as a human requires an orb-level proof")
	ErrHumanUnknown      = apperr.Authentication("human_not_recognized", "no forum activity found for this nullifier, submit a fresh proof")
	ErrHumanAuthRequired = apperr.Validation("human_auth_required", "a proof or a nullifier hash is required")
)

func (f FreshProof) authenticate(ctx context.Context, e *Engine) (Human, error) {
	p := f.Proof
	if p.NullifierHash == "" || p.MerkleRoot == "" || p.Proof == "" {
		return Human{}, apperr.Validation("invalid_proof_payload", "merkle_root, nullifier_hash and proof are required")
	}
	if p.VerificationLevel != model.LevelOrb {
		return Human{}, ErrOrbRequired
	}
	if e.verifier == nil {
		return Human{}, worldid.ErrNotConfigured
	}
	if err := e.verifier.VerifyProof(ctx, p, ""); err != nil {
		return Human{}, err
	}
	return Human{NullifierHash: p.NullifierHash, Trust: TrustFreshProof}, nil
}

func (c CachedNullifier) authenticate(ctx context.Context, e *Engine) (Human, error) {
	nullifier := strings.TrimSpace(c.NullifierHash)
	if nullifier == "" {
		return Human{}, ErrHumanAuthRequired
	}
	known, err := e.repo.HasHumanFootprint(ctx, nullifier)
	if err != nil {
		return Human{}, apperr.Store(err)
	}
	if !known {
		return Human{}, ErrHumanUnknown
	}
	return Human{NullifierHash: nullifier, Trust: TrustCachedNullifier}, nil
}
