// Package lookup answers read-only registry queries for other services.
package lookup

import (
	"context"
	"errors"
	"strings"

	"moltregistry/internal/apperr"
	"moltregistry/internal/crypto"
	"moltregistry/internal/model"
)

type Reader interface {
	GetIdentityByDeviceID(ctx context.Context, deviceID string) (model.Identity, error)
	GetIdentityByPublicKey(ctx context.Context, publicKey string) (model.Identity, error)
	ListIdentitiesByNullifier(ctx context.Context, nullifierHash string) ([]model.Identity, error)
	SwarmLeaderboard(ctx context.Context, limit int) ([]model.SwarmSummary, error)
}

var ErrIdentityNotFound = apperr.NotFound("identity_not_found", "no molt registered for this identifier")

const (
	defaultLeaderboardLimit = 20
	maxLeaderboardLimit     = 100
)

// Status is the public verification view of a molt.
type Status struct {
	Registered        bool
	Verified          bool
	Active            bool
	VerificationLevel model.VerificationLevel
	Identity          *model.Identity
}

type Swarm struct {
	NullifierHash string
	Molts         []model.Identity
	Active        int
}

type Service struct {
	reader Reader
}

func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

func (s *Service) ByDevice(ctx context.Context, deviceID string) (model.Identity, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return model.Identity{}, apperr.Validation("invalid_device_id", "device id is required")
	}
	return wrap(s.reader.GetIdentityByDeviceID(ctx, deviceID))
}

// ByPublicKey accepts any supported key encoding.
func (s *Service) ByPublicKey(ctx context.Context, publicKey string) (model.Identity, error) {
	canonical, err := crypto.CanonicalPublicKey(publicKey)
	if err != nil {
		return model.Identity{}, apperr.Validation("invalid_public_key", "public key is not a valid Ed25519 key")
	}
	return wrap(s.reader.GetIdentityByPublicKey(ctx, canonical))
}

// ByNullifier returns every molt the human ever bound, newest first.
func (s *Service) ByNullifier(ctx context.Context, nullifierHash string) (Swarm, error) {
	nullifierHash = strings.TrimSpace(nullifierHash)
	if nullifierHash == "" {
		return Swarm{}, apperr.Validation("invalid_nullifier_hash", "nullifier hash is required")
	}
	molts, err := s.reader.ListIdentitiesByNullifier(ctx, nullifierHash)
	if err != nil {
		return Swarm{}, apperr.Store(err)
	}
	swarm := Swarm{NullifierHash: nullifierHash, Molts: molts}
	for _, m := range molts {
		if m.Active {
			swarm.Active++
		}
	}
	return swarm, nil
}

func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.SwarmSummary, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	rows, err := s.reader.SwarmLeaderboard(ctx, limit)
	if err != nil {
		return nil, apperr.Store(err)
	}
	return rows, nil
}

// StatusByDevice never reports not-found; unknown devices are unregistered.
func (s *Service) StatusByDevice(ctx context.Context, deviceID string) (Status, error) {
	ident, err := s.ByDevice(ctx, deviceID)
	if errors.Is(err, ErrIdentityNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		Registered:        true,
		Verified:          ident.Verified,
		Active:            ident.Active,
		VerificationLevel: ident.VerificationLevel,
		Identity:          &ident,
	}, nil
}

func wrap(ident model.Identity, err error) (model.Identity, error) {
	if errors.Is(err, model.ErrNotFound) {
		return model.Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return model.Identity{}, apperr.Store(err)
	}
	return ident, nil
}
