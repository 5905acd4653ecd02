package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"moltregistry/internal/apperr"
	"moltregistry/internal/crypto"
	"moltregistry/internal/events"
	"moltregistry/internal/model"
	"moltregistry/internal/telemetry"
)

type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetIdentityByPublicKey(ctx context.Context, publicKey string) (model.Identity, error)
	GetIdentityByDeviceID(ctx context.Context, deviceID string) (model.Identity, error)
	InsertIdentity(ctx context.Context, ident model.Identity) (model.Identity, error)
	UpdateIdentity(ctx context.Context, ident model.Identity) error
	// DeactivateSiblingIdentities flips every active identity of the nullifier
	// except keepPublicKey to inactive and returns the rows it changed.
	DeactivateSiblingIdentities(ctx context.Context, nullifierHash, keepPublicKey string, at time.Time) ([]model.Identity, error)
}

var (
	ErrIdentityConflict = apperr.Conflict("identity_conflict", "identity changed concurrently, retry verification")
	ErrDeviceBound      = apperr.Conflict("device_bound_to_other_key", "device is already bound to a different active key")
)

const (
	modeInserted    = "inserted"
	modeRotated     = "rotated"
	modeDeviceReuse = "device_reused"
)

type BindRequest struct {
	DeviceID      string
	PublicKey     string
	NullifierHash string
	Level         model.VerificationLevel
	Signature     string
}

type BindResult struct {
	Identity   model.Identity
	Superseded []model.Identity
	Mode       string
}

type Registry struct {
	repo      Repository
	publisher events.Publisher
	logger    *slog.Logger
	nowF      func() time.Time
}

func NewRegistry(repo Repository, publisher events.Publisher, logger *slog.Logger) *Registry {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, publisher: publisher, logger: logger, nowF: time.Now}
}

// BindOrRotate makes publicKey the active, verified identity of the human
// behind nullifierHash. An existing row for the key is updated in place;
// otherwise a row is inserted. Other active identities of the same human are
// deactivated in the same transaction.
func (r *Registry) BindOrRotate(ctx context.Context, req BindRequest) (BindResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "identity.BindOrRotate")
	defer span.End()

	if req.DeviceID == "" || req.NullifierHash == "" {
		return BindResult{}, apperr.Validation("invalid_bind_request", "device id and nullifier hash are required")
	}
	if _, ok := model.ParseVerificationLevel(string(req.Level)); !ok {
		return BindResult{}, apperr.Validation("invalid_verification_level", "unknown verification level")
	}
	publicKey, err := crypto.CanonicalPublicKey(req.PublicKey)
	if err != nil {
		return BindResult{}, apperr.Validation("invalid_public_key", "public key is not a valid Ed25519 key")
	}

	now := r.nowF().UTC()
	var result BindResult
	err = r.repo.WithinTx(ctx, func(ctx context.Context) error {
		// Siblings go first so the one-active-per-human index never sees two.
		superseded, err := r.repo.DeactivateSiblingIdentities(ctx, req.NullifierHash, publicKey, now)
		if err != nil {
			return err
		}
		ident, mode, err := r.upsert(ctx, req, publicKey, now)
		if err != nil {
			return err
		}
		result = BindResult{Identity: ident, Superseded: superseded, Mode: mode}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return BindResult{}, mapStoreError(err)
	}

	span.SetAttributes(
		attribute.String("identity.mode", result.Mode),
		attribute.Int("identity.superseded", len(result.Superseded)),
	)
	telemetry.IdentityBindings.WithLabelValues(result.Mode).Inc()
	telemetry.IdentitiesSuperseded.Add(float64(len(result.Superseded)))
	r.logger.Info("identity bound",
		"identity_id", result.Identity.ID,
		"device_id", result.Identity.DeviceID,
		"mode", result.Mode,
		"superseded", len(result.Superseded),
	)
	r.publish(ctx, result)
	return result, nil
}

func (r *Registry) upsert(ctx context.Context, req BindRequest, publicKey string, now time.Time) (model.Identity, string, error) {
	existing, err := r.repo.GetIdentityByPublicKey(ctx, publicKey)
	switch {
	case err == nil:
		bindFields(&existing, req, now)
		if err := r.repo.UpdateIdentity(ctx, existing); err != nil {
			return model.Identity{}, "", err
		}
		return existing, modeRotated, nil
	case !errors.Is(err, model.ErrNotFound):
		return model.Identity{}, "", err
	}

	// The key is new. A device slot left behind by a superseded or never
	// verified key is reused rather than tripping the device uniqueness.
	byDevice, err := r.repo.GetIdentityByDeviceID(ctx, req.DeviceID)
	switch {
	case err == nil:
		if byDevice.Active && byDevice.Verified {
			return model.Identity{}, "", ErrDeviceBound
		}
		byDevice.PublicKey = publicKey
		byDevice.RegisteredAt = now
		bindFields(&byDevice, req, now)
		if err := r.repo.UpdateIdentity(ctx, byDevice); err != nil {
			return model.Identity{}, "", err
		}
		return byDevice, modeDeviceReuse, nil
	case !errors.Is(err, model.ErrNotFound):
		return model.Identity{}, "", err
	}

	ident := model.Identity{PublicKey: publicKey, RegisteredAt: now}
	bindFields(&ident, req, now)
	inserted, err := r.repo.InsertIdentity(ctx, ident)
	if err != nil {
		return model.Identity{}, "", err
	}
	return inserted, modeInserted, nil
}

func bindFields(ident *model.Identity, req BindRequest, now time.Time) {
	verifiedAt := now
	ident.DeviceID = req.DeviceID
	ident.NullifierHash = req.NullifierHash
	ident.VerificationLevel = req.Level
	ident.Verified = true
	ident.Active = true
	ident.Signature = req.Signature
	ident.LastVerifiedAt = &verifiedAt
	ident.DeactivatedAt = nil
}

func (r *Registry) publish(ctx context.Context, result BindResult) {
	ident := result.Identity
	_ = r.publisher.Publish(ctx, events.Event{
		Type:          events.TypeIdentityBound,
		IdentityID:    ident.ID,
		DeviceID:      ident.DeviceID,
		PublicKey:     ident.PublicKey,
		NullifierHash: ident.NullifierHash,
		Detail:        result.Mode,
		OccurredAt:    r.nowF().UTC(),
	})
	for _, old := range result.Superseded {
		_ = r.publisher.Publish(ctx, events.Event{
			Type:          events.TypeIdentitySuperseded,
			IdentityID:    old.ID,
			DeviceID:      old.DeviceID,
			PublicKey:     old.PublicKey,
			NullifierHash: old.NullifierHash,
			Detail:        "superseded_by:" + ident.ID,
			OccurredAt:    r.nowF().UTC(),
		})
	}
}

func mapStoreError(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, model.ErrDuplicate) {
		return ErrIdentityConflict.WithCause(err)
	}
	if errors.Is(err, model.ErrNotFound) {
		return apperr.NotFound("identity_not_found", "identity not found")
	}
	return apperr.Store(err)
}
