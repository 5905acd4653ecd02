// Package registration runs the two-step molt registration: key possession
// (Init) followed by proof of personhood (SubmitProof).
package registration

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"moltregistry/internal/apperr"
	"moltregistry/internal/crypto"
	"moltregistry/internal/envelope"
	"moltregistry/internal/guard"
	"moltregistry/internal/identity"
	"moltregistry/internal/model"
	"moltregistry/internal/telemetry"
	"moltregistry/internal/worldid"
)

const (
	DefaultSessionTTL = 15 * time.Minute
	maxDeviceIDLength = 128
)

type Repository interface {
	CreateSession(ctx context.Context, sess model.RegistrationSession) (model.RegistrationSession, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (model.RegistrationSession, error)
	// UpdateSession returns model.ErrImmutable when the stored row is completed.
	UpdateSession(ctx context.Context, sess model.RegistrationSession) error
	GetIdentityByPublicKey(ctx context.Context, publicKey string) (model.Identity, error)
	GetIdentityByDeviceID(ctx context.Context, deviceID string) (model.Identity, error)
}

type Binder interface {
	BindOrRotate(ctx context.Context, req identity.BindRequest) (identity.BindResult, error)
}

var (
	ErrSessionNotFound  = apperr.NotFound("session_not_found", "registration session not found")
	ErrSessionCompleted = apperr.Conflict("session_completed", "registration session already completed")
	ErrSessionExpired   = apperr.Expired("session_expired", "registration session expired, start a new one")
	ErrBadSignature     = apperr.Authentication("signature_invalid", "signature does not verify for this public key")
	ErrKeyBound         = apperr.Conflict("public_key_bound_to_other_device", "public key is already registered to another device")
	ErrDeviceBound      = apperr.Conflict("device_bound_to_other_key", "device is already registered with another public key")
)

type Options struct {
	SessionTTL      time.Duration
	FreshnessWindow time.Duration
}

type Manager struct {
	repo     Repository
	binder   Binder
	verifier worldid.Verifier
	nonces   guard.NonceGuard
	opts     Options
	logger   *slog.Logger
	nowF     func() time.Time
}

func NewManager(repo Repository, binder Binder, verifier worldid.Verifier, nonces guard.NonceGuard, opts Options, logger *slog.Logger) *Manager {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = envelope.DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		binder:   binder,
		verifier: verifier,
		nonces:   nonces,
		opts:     opts,
		logger:   logger,
		nowF:     time.Now,
	}
}

type InitRequest struct {
	DeviceID  string
	PublicKey string
	Message   string
	Signature string
}

type InitResult struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// Init proves possession of the key and opens a pending session.
func (m *Manager) Init(ctx context.Context, req InitRequest) (InitResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "registration.Init")
	defer span.End()

	res, err := m.init(ctx, req)
	telemetry.RegistrationOutcomes.WithLabelValues("init", outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (m *Manager) init(ctx context.Context, req InitRequest) (InitResult, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" || len(deviceID) > maxDeviceIDLength {
		return InitResult{}, apperr.Validation("invalid_device_id", "device id is required")
	}
	if !crypto.IsValidPublicKey(req.PublicKey) {
		return InitResult{}, apperr.Validation("invalid_public_key", "public key is not a valid Ed25519 key")
	}
	if !crypto.IsValidSignature(req.Signature) {
		return InitResult{}, apperr.Validation("invalid_signature", "signature must be a base64 Ed25519 signature")
	}
	if !crypto.Verify(req.Message, req.Signature, req.PublicKey) {
		return InitResult{}, ErrBadSignature
	}

	now := m.nowF().UTC()
	env, err := envelope.Parse(req.Message, envelope.ActionRegister, now, m.opts.FreshnessWindow)
	if err != nil {
		return InitResult{}, err
	}
	publicKey, err := crypto.CanonicalPublicKey(req.PublicKey)
	if err != nil {
		return InitResult{}, apperr.Validation("invalid_public_key", "public key is not a valid Ed25519 key")
	}
	if err := envelope.ClaimNonce(ctx, m.nonces, publicKey, env, m.opts.FreshnessWindow); err != nil {
		return InitResult{}, err
	}
	if err := m.checkBindings(ctx, deviceID, publicKey); err != nil {
		return InitResult{}, err
	}

	token, err := crypto.IssueSessionToken()
	if err != nil {
		return InitResult{}, err
	}
	sess, err := m.repo.CreateSession(ctx, model.RegistrationSession{
		TokenHash: token.Hash,
		DeviceID:  deviceID,
		PublicKey: publicKey,
		Signature: req.Signature,
		Message:   req.Message,
		Status:    model.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.opts.SessionTTL),
	})
	if err != nil {
		return InitResult{}, apperr.Store(err)
	}
	m.logger.Info("registration session opened", "session_id", sess.ID, "device_id", deviceID)
	return InitResult{SessionID: sess.ID, Token: token.Value, ExpiresAt: sess.ExpiresAt}, nil
}

// checkBindings lets the same device re-register the same key but refuses to
// move an active key or device to a different partner.
func (m *Manager) checkBindings(ctx context.Context, deviceID, publicKey string) error {
	byKey, err := m.repo.GetIdentityByPublicKey(ctx, publicKey)
	switch {
	case err == nil:
		if byKey.Active && byKey.Verified && byKey.DeviceID != deviceID {
			return ErrKeyBound
		}
	case !errors.Is(err, model.ErrNotFound):
		return apperr.Store(err)
	}

	byDevice, err := m.repo.GetIdentityByDeviceID(ctx, deviceID)
	switch {
	case err == nil:
		if byDevice.Active && byDevice.Verified && byDevice.PublicKey != publicKey {
			return ErrDeviceBound
		}
	case !errors.Is(err, model.ErrNotFound):
		return apperr.Store(err)
	}
	return nil
}

type ProofResult struct {
	SessionID   string
	Identity    model.Identity
	Superseded  []model.Identity
	ReusedProof bool
}

// SubmitProof verifies proof with the oracle and binds the session's key to
// the proven human. A session whose verified proof is already stored skips the
// oracle, so retries after a failed bind do not spend the single-use proof.
func (m *Manager) SubmitProof(ctx context.Context, token string, proof model.Proof, expectedSignal string) (ProofResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "registration.SubmitProof")
	defer span.End()

	res, err := m.submitProof(ctx, token, proof, expectedSignal)
	telemetry.RegistrationOutcomes.WithLabelValues("submit_proof", outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.Bool("registration.reused_proof", res.ReusedProof))
	}
	return res, err
}

func (m *Manager) submitProof(ctx context.Context, token string, proof model.Proof, expectedSignal string) (ProofResult, error) {
	sess, err := m.load(ctx, token)
	if err != nil {
		return ProofResult{}, err
	}
	switch sess.Status {
	case model.SessionCompleted:
		return ProofResult{}, ErrSessionCompleted
	case model.SessionExpired:
		return ProofResult{}, ErrSessionExpired
	}
	if expectedSignal != "" && expectedSignal != sess.DeviceID {
		return ProofResult{}, worldid.ErrSignalMismatch
	}
	if err := validateProof(proof); err != nil {
		return ProofResult{}, err
	}

	reused := sess.StoredProof != nil && sess.StoredProof.Verified && sess.StoredProof.NullifierHash == proof.NullifierHash
	if reused {
		proof = *sess.StoredProof
	} else {
		proof.Verified = false
		if err := m.verifier.VerifyProof(ctx, proof, expectedSignal); err != nil {
			m.markFailed(ctx, sess, &proof, err)
			return ProofResult{}, err
		}
		proof.Verified = true
		sess.StoredProof = &proof
		sess.UpdatedAt = m.nowF().UTC()
		// The oracle has spent the proof. A failed save must not abort the
		// bind: the completion or failure write below persists it again.
		if err := m.repo.UpdateSession(ctx, sess); err != nil {
			if errors.Is(err, model.ErrImmutable) {
				return ProofResult{}, m.terminalError(ctx, sess.TokenHash)
			}
			m.logger.Warn("failed to store verified proof", "session_id", sess.ID, "err", err)
		}
	}

	bound, err := m.binder.BindOrRotate(ctx, identity.BindRequest{
		DeviceID:      sess.DeviceID,
		PublicKey:     sess.PublicKey,
		NullifierHash: proof.NullifierHash,
		Level:         proof.VerificationLevel,
		Signature:     sess.Signature,
	})
	if err != nil {
		m.markFailed(ctx, sess, nil, err)
		return ProofResult{}, err
	}

	now := m.nowF().UTC()
	identityID := bound.Identity.ID
	sess.Status = model.SessionCompleted
	sess.IdentityID = &identityID
	sess.CompletedAt = &now
	sess.UpdatedAt = now
	sess.LastError = nil
	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		if errors.Is(err, model.ErrImmutable) {
			return ProofResult{}, m.terminalError(ctx, sess.TokenHash)
		}
		// Keep the verified proof so a retry rebinds without the oracle.
		sess.IdentityID = nil
		sess.CompletedAt = nil
		m.markFailed(ctx, sess, nil, apperr.Store(err))
		return ProofResult{}, apperr.Store(err)
	}

	m.logger.Info("registration completed",
		"session_id", sess.ID,
		"identity_id", identityID,
		"reused_proof", reused,
		"superseded", len(bound.Superseded),
	)
	return ProofResult{
		SessionID:   sess.ID,
		Identity:    bound.Identity,
		Superseded:  bound.Superseded,
		ReusedProof: reused,
	}, nil
}

// Status returns the session, expiring it first when its deadline passed.
func (m *Manager) Status(ctx context.Context, token string) (model.RegistrationSession, error) {
	return m.load(ctx, token)
}

func (m *Manager) load(ctx context.Context, token string) (model.RegistrationSession, error) {
	if strings.TrimSpace(token) == "" {
		return model.RegistrationSession{}, ErrSessionNotFound
	}
	tokenHash := crypto.HashSessionToken(token)
	sess, err := m.repo.GetSessionByTokenHash(ctx, tokenHash)
	if errors.Is(err, model.ErrNotFound) {
		return model.RegistrationSession{}, ErrSessionNotFound
	}
	if err != nil {
		return model.RegistrationSession{}, apperr.Store(err)
	}

	now := m.nowF().UTC()
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionExpired || !now.After(sess.ExpiresAt) {
		return sess, nil
	}
	sess.Status = model.SessionExpired
	sess.UpdatedAt = now
	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		if errors.Is(err, model.ErrImmutable) {
			// Completed concurrently; report what is stored.
			return m.reload(ctx, tokenHash)
		}
		return model.RegistrationSession{}, apperr.Store(err)
	}
	return sess, nil
}

func (m *Manager) reload(ctx context.Context, tokenHash string) (model.RegistrationSession, error) {
	sess, err := m.repo.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return model.RegistrationSession{}, apperr.Store(err)
	}
	return sess, nil
}

// markFailed records a failed attempt. A proof the oracle already accepted is
// never replaced by one it rejected.
func (m *Manager) markFailed(ctx context.Context, sess model.RegistrationSession, attempted *model.Proof, cause error) {
	if attempted != nil && (sess.StoredProof == nil || !sess.StoredProof.Verified) {
		sess.StoredProof = attempted
	}
	reason := cause.Error()
	if appErr, ok := apperr.As(cause); ok {
		reason = appErr.Reason
	}
	sess.Status = model.SessionFailed
	sess.LastError = &reason
	sess.UpdatedAt = m.nowF().UTC()
	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		m.logger.Warn("failed to record registration failure", "session_id", sess.ID, "err", err)
	}
}

// terminalError reports why a write was refused: the row went completed or
// expired under us.
func (m *Manager) terminalError(ctx context.Context, tokenHash string) error {
	sess, err := m.repo.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return apperr.Store(err)
	}
	if sess.Status == model.SessionExpired {
		return ErrSessionExpired
	}
	return ErrSessionCompleted
}

func validateProof(proof model.Proof) error {
	if proof.NullifierHash == "" || proof.MerkleRoot == "" || proof.Proof == "" {
		return apperr.Validation("invalid_proof_payload", "merkle_root, nullifier_hash and proof are required")
	}
	if _, ok := model.ParseVerificationLevel(string(proof.VerificationLevel)); !ok {
		return apperr.Validation("invalid_verification_level", "verification_level must be orb, device or face")
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if appErr, ok := apperr.As(err); ok {
		return appErr.Reason
	}
	return "error"
}
