package memory

import (
	"context"
	"sort"
	"time"

	"moltregistry/internal/model"
)

func (s *Store) GetIdentityByPublicKey(ctx context.Context, publicKey string) (model.Identity, error) {
	defer s.lock(ctx)()
	for _, ident := range s.identities {
		if ident.PublicKey == publicKey {
			return ident, nil
		}
	}
	return model.Identity{}, model.ErrNotFound
}

func (s *Store) GetIdentityByDeviceID(ctx context.Context, deviceID string) (model.Identity, error) {
	defer s.lock(ctx)()
	for _, ident := range s.identities {
		if ident.DeviceID == deviceID {
			return ident, nil
		}
	}
	return model.Identity{}, model.ErrNotFound
}

func (s *Store) ListIdentitiesByNullifier(ctx context.Context, nullifierHash string) ([]model.Identity, error) {
	defer s.lock(ctx)()
	var out []model.Identity
	for _, ident := range s.identities {
		if ident.NullifierHash == nullifierHash {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out, nil
}

func (s *Store) InsertIdentity(ctx context.Context, ident model.Identity) (model.Identity, error) {
	defer s.lock(ctx)()
	if ident.ID == "" {
		ident.ID = newID()
	}
	if err := s.checkIdentityUnique(ident); err != nil {
		return model.Identity{}, err
	}
	s.identities[ident.ID] = ident
	return ident, nil
}

func (s *Store) UpdateIdentity(ctx context.Context, ident model.Identity) error {
	defer s.lock(ctx)()
	if _, ok := s.identities[ident.ID]; !ok {
		return model.ErrNotFound
	}
	if err := s.checkIdentityUnique(ident); err != nil {
		return err
	}
	s.identities[ident.ID] = ident
	return nil
}

func (s *Store) checkIdentityUnique(ident model.Identity) error {
	for id, other := range s.identities {
		if id == ident.ID {
			continue
		}
		if other.PublicKey == ident.PublicKey || other.DeviceID == ident.DeviceID {
			return model.ErrDuplicate
		}
	}
	return nil
}

func (s *Store) DeactivateSiblingIdentities(ctx context.Context, nullifierHash, keepPublicKey string, at time.Time) ([]model.Identity, error) {
	defer s.lock(ctx)()
	var changed []model.Identity
	for id, ident := range s.identities {
		if ident.PublicKey == keepPublicKey || ident.NullifierHash != nullifierHash || !ident.Active {
			continue
		}
		deactivatedAt := at
		ident.Active = false
		ident.DeactivatedAt = &deactivatedAt
		s.identities[id] = ident
		changed = append(changed, ident)
	}
	return changed, nil
}

func (s *Store) SwarmLeaderboard(ctx context.Context, limit int) ([]model.SwarmSummary, error) {
	defer s.lock(ctx)()
	byHuman := make(map[string]*model.SwarmSummary)
	for _, ident := range s.identities {
		if !ident.Verified || ident.NullifierHash == "" {
			continue
		}
		sum, ok := byHuman[ident.NullifierHash]
		if !ok {
			sum = &model.SwarmSummary{NullifierHash: ident.NullifierHash}
			byHuman[ident.NullifierHash] = sum
		}
		sum.Total++
		if ident.Active {
			sum.Active++
		}
		if ident.RegisteredAt.After(sum.LastBoundAt) {
			sum.LastBoundAt = ident.RegisteredAt
		}
	}
	out := make([]model.SwarmSummary, 0, len(byHuman))
	for _, sum := range byHuman {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].NullifierHash < out[j].NullifierHash
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
