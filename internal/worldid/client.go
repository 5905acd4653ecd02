// Package worldid verifies proof-of-personhood proofs against the World ID
// developer API.
package worldid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"moltregistry/internal/apperr"
	"moltregistry/internal/model"
	"moltregistry/internal/telemetry"
)

const (
	DefaultBaseURL = "https://developer.worldcoin.org"
	defaultTimeout = 10 * time.Second
)

var (
	ErrProofRejected    = apperr.Authentication("invalid_proof", "proof of personhood was rejected")
	ErrProofAlreadyUsed = apperr.Authentication("proof_already_used", "this proof has already been used, generate a new one")
	ErrSignalMismatch   = apperr.Authentication("signal_mismatch", "proof signal does not match the expected value")
	ErrNotConfigured    = apperr.Validation("oracle_not_configured", "proof verification is not configured")
)

//go:generate mockgen -destination=mocks/mock_verifier.go -package=mocks moltregistry/internal/worldid Verifier

// Verifier is the oracle contract: nil on success, a typed error otherwise.
type Verifier interface {
	VerifyProof(ctx context.Context, proof model.Proof, signal string) error
}

type Client struct {
	AppID      string
	Action     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(appID, action, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		AppID:      appID,
		Action:     action,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	NullifierHash     string `json:"nullifier_hash"`
	MerkleRoot        string `json:"merkle_root"`
	Proof             string `json:"proof"`
	VerificationLevel string `json:"verification_level"`
	Action            string `json:"action"`
	SignalHash        string `json:"signal_hash"`
}

type errorResponse struct {
	Code      string `json:"code"`
	Detail    string `json:"detail"`
	Attribute string `json:"attribute"`
}

func (c *Client) VerifyProof(ctx context.Context, proof model.Proof, signal string) error {
	err := c.verify(ctx, proof, signal)
	telemetry.OracleVerifications.WithLabelValues(c.Action, outcomeLabel(err)).Inc()
	return err
}

func (c *Client) verify(ctx context.Context, proof model.Proof, signal string) error {
	if c.AppID == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(verifyRequest{
		NullifierHash:     proof.NullifierHash,
		MerkleRoot:        proof.MerkleRoot,
		Proof:             proof.Proof,
		VerificationLevel: string(proof.VerificationLevel),
		Action:            c.Action,
		SignalHash:        HashToField([]byte(signal)),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v2/verify/"+c.AppID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "moltregistry")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return apperr.Upstream(err, "proof verification service unreachable")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode >= 500 {
		return apperr.Upstream(fmt.Errorf("oracle status=%d body=%s", resp.StatusCode, raw), "proof verification service failed")
	}
	var oracleErr errorResponse
	if err := json.Unmarshal(raw, &oracleErr); err != nil {
		return apperr.Upstream(fmt.Errorf("oracle status=%d undecodable body: %w", resp.StatusCode, err), "proof verification service returned an invalid response")
	}
	return classify(oracleErr)
}

func classify(resp errorResponse) error {
	cause := fmt.Errorf("oracle code=%s detail=%s", resp.Code, resp.Detail)
	switch resp.Code {
	case "max_verifications_reached", "already_verified":
		return ErrProofAlreadyUsed.WithCause(cause)
	case "invalid_signal", "signal_mismatch":
		return ErrSignalMismatch.WithCause(cause)
	}
	if resp.Attribute == "signal_hash" || strings.Contains(strings.ToLower(resp.Detail), "signal") {
		return ErrSignalMismatch.WithCause(cause)
	}
	return ErrProofRejected.WithCause(cause)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrProofAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrSignalMismatch):
		return "signal_mismatch"
	case errors.Is(err, ErrProofRejected):
		return "rejected"
	case apperr.CategoryOf(err) == apperr.CategoryUpstream:
		return "upstream_error"
	}
	return "error"
}
