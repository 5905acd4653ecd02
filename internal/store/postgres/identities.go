package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"moltregistry/internal/model"
)

const identityColumns = `id::text, device_id, public_key, nullifier_hash, verification_level,
	verified, active, signature, registered_at, last_verified_at, deactivated_at`

func scanIdentity(row pgx.Row) (model.Identity, error) {
	var ident model.Identity
	var level string
	err := row.Scan(
		&ident.ID,
		&ident.DeviceID,
		&ident.PublicKey,
		&ident.NullifierHash,
		&level,
		&ident.Verified,
		&ident.Active,
		&ident.Signature,
		&ident.RegisteredAt,
		&ident.LastVerifiedAt,
		&ident.DeactivatedAt,
	)
	ident.VerificationLevel = model.VerificationLevel(level)
	return ident, err
}

func (s *Store) GetIdentityByPublicKey(ctx context.Context, publicKey string) (model.Identity, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE public_key = $1`, publicKey)
	ident, err := scanIdentity(row)
	if err != nil {
		return model.Identity{}, translate(err)
	}
	return ident, nil
}

func (s *Store) GetIdentityByDeviceID(ctx context.Context, deviceID string) (model.Identity, error) {
	row := s.db(ctx).QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE device_id = $1`, deviceID)
	ident, err := scanIdentity(row)
	if err != nil {
		return model.Identity{}, translate(err)
	}
	return ident, nil
}

func (s *Store) ListIdentitiesByNullifier(ctx context.Context, nullifierHash string) ([]model.Identity, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE nullifier_hash = $1
		ORDER BY registered_at DESC, id DESC
	`, nullifierHash)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.ListIdentitiesByNullifier")
	}
	defer rows.Close()
	return collectIdentities(rows)
}

func (s *Store) InsertIdentity(ctx context.Context, ident model.Identity) (model.Identity, error) {
	row := s.db(ctx).QueryRow(ctx, `
		INSERT INTO identities (device_id, public_key, nullifier_hash, verification_level,
			verified, active, signature, registered_at, last_verified_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id::text
	`, ident.DeviceID, ident.PublicKey, ident.NullifierHash, string(ident.VerificationLevel),
		ident.Verified, ident.Active, ident.Signature, ident.RegisteredAt, ident.LastVerifiedAt, ident.DeactivatedAt)
	if err := row.Scan(&ident.ID); err != nil {
		return model.Identity{}, translate(err)
	}
	return ident, nil
}

func (s *Store) UpdateIdentity(ctx context.Context, ident model.Identity) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE identities
		SET device_id = $2, public_key = $3, nullifier_hash = $4, verification_level = $5,
			verified = $6, active = $7, signature = $8, registered_at = $9,
			last_verified_at = $10, deactivated_at = $11
		WHERE id = $1
	`, ident.ID, ident.DeviceID, ident.PublicKey, ident.NullifierHash, string(ident.VerificationLevel),
		ident.Verified, ident.Active, ident.Signature, ident.RegisteredAt, ident.LastVerifiedAt, ident.DeactivatedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) DeactivateSiblingIdentities(ctx context.Context, nullifierHash, keepPublicKey string, at time.Time) ([]model.Identity, error) {
	rows, err := s.db(ctx).Query(ctx, `
		UPDATE identities
		SET active = false, deactivated_at = $3
		WHERE nullifier_hash = $1 AND public_key <> $2 AND active
		RETURNING `+identityColumns,
		nullifierHash, keepPublicKey, at)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.DeactivateSiblingIdentities")
	}
	defer rows.Close()
	return collectIdentities(rows)
}

func (s *Store) SwarmLeaderboard(ctx context.Context, limit int) ([]model.SwarmSummary, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT nullifier_hash, COUNT(*), COUNT(*) FILTER (WHERE active), MAX(registered_at)
		FROM identities
		WHERE verified AND nullifier_hash <> ''
		GROUP BY nullifier_hash
		ORDER BY COUNT(*) DESC, nullifier_hash
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.SwarmLeaderboard")
	}
	defer rows.Close()

	var out []model.SwarmSummary
	for rows.Next() {
		var sum model.SwarmSummary
		if err := rows.Scan(&sum.NullifierHash, &sum.Total, &sum.Active, &sum.LastBoundAt); err != nil {
			return nil, errors.Wrap(err, "postgres.SwarmLeaderboard")
		}
		out = append(out, sum)
	}
	return out, errors.Wrap(rows.Err(), "postgres.SwarmLeaderboard")
}

func collectIdentities(rows pgx.Rows) ([]model.Identity, error) {
	var out []model.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}
