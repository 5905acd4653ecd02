package worldid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"moltregistry/internal/apperr"
	"moltregistry/internal/model"
	"moltregistry/internal/telemetry"
)

var testProof = model.Proof{
	MerkleRoot:        "0x1f38b57f3bdf96f05ea62fa68814871bf0ca8ce4dbe073d8497d5a6b0a53e5e0",
	NullifierHash:     "0x2bf8406809dcefb1486dadc96c0a897db9bab002053054cf64272db512c6fbd8",
	Proof:             "0x0deadbeef",
	VerificationLevel: model.LevelOrb,
}

func TestHashToFieldEmptySignal(t *testing.T) {
	const want = "0x00c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a4"
	if got := HashToField(nil); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if HashToField([]byte("device-1")) == want {
		t.Fatalf("expected non-empty signal to hash differently")
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("app_1", "verify-molt", "", 0)
	if client.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want default", client.BaseURL)
	}
	if client.HTTPClient.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want %v", client.HTTPClient.Timeout, defaultTimeout)
	}
}

func TestVerifyProofSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/verify/app_1" {
			t.Errorf("path = %q, want /api/v2/verify/app_1", r.URL.Path)
		}
		var body verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Action != "verify-molt" {
			t.Errorf("action = %q, want verify-molt", body.Action)
		}
		if body.NullifierHash != testProof.NullifierHash {
			t.Errorf("nullifier = %q", body.NullifierHash)
		}
		if body.SignalHash != HashToField([]byte("device-1")) {
			t.Errorf("unexpected signal hash %q", body.SignalHash)
		}
		if body.VerificationLevel != "orb" {
			t.Errorf("verification_level = %q, want orb", body.VerificationLevel)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"action":"verify-molt"}`))
	}))
	defer server.Close()

	client := NewClient("app_1", "verify-molt", server.URL, time.Second)
	if err := client.VerifyProof(context.Background(), testProof, "device-1"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerifyProofErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rejected", http.StatusBadRequest, `{"code":"invalid_proof","detail":"The provided proof is invalid."}`, ErrProofRejected},
		{"reused", http.StatusBadRequest, `{"code":"max_verifications_reached","detail":"This person has already verified for this action."}`, ErrProofAlreadyUsed},
		{"signal", http.StatusBadRequest, `{"code":"invalid_proof","detail":"bad input","attribute":"signal_hash"}`, ErrSignalMismatch},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))
		client := NewClient("app_1", "verify-molt", server.URL, time.Second)
		err := client.VerifyProof(context.Background(), testProof, "")
		server.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if apperr.Retryable(err) {
			t.Fatalf("%s: oracle rejection must not be retryable", tc.name)
		}
	}
}

func TestVerifyProofUpstreamFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	client := NewClient("app_1", "verify-molt", server.URL, time.Second)
	err := client.VerifyProof(context.Background(), testProof, "")
	if apperr.CategoryOf(err) != apperr.CategoryUpstream {
		t.Fatalf("expected upstream error for 5xx, got %v", err)
	}
	server.Close()

	// Closed server: transport failure.
	err = client.VerifyProof(context.Background(), testProof, "")
	if !apperr.Retryable(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}

func TestVerifyProofRequiresAppID(t *testing.T) {
	client := NewClient("", "verify-molt", "http://127.0.0.1:1", time.Second)
	if err := client.VerifyProof(context.Background(), testProof, ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestVerifyProofCountsOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"max_verifications_reached","detail":"used"}`))
	}))
	defer server.Close()

	client := NewClient("app_1", "outcome-count", server.URL, time.Second)
	alreadyUsed := telemetry.OracleVerifications.WithLabelValues("outcome-count", "already_used")
	before := testutil.ToFloat64(alreadyUsed)

	if err := client.VerifyProof(context.Background(), testProof, ""); !errors.Is(err, ErrProofAlreadyUsed) {
		t.Fatalf("expected ErrProofAlreadyUsed, got %v", err)
	}
	if got := testutil.ToFloat64(alreadyUsed) - before; got != 1 {
		t.Fatalf("already_used counter moved by %v, want 1", got)
	}
}
