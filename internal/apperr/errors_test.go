package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

var errSessionCompleted = Conflict("session_completed", "session already completed")

func TestIsMatchesCategoryAndReason(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", errSessionCompleted.WithCause(errors.New("row locked")))
	if !errors.Is(wrapped, errSessionCompleted) {
		t.Fatalf("expected wrapped error to match sentinel")
	}
	if errors.Is(wrapped, Conflict("already_voted", "")) {
		t.Fatalf("expected different reason not to match")
	}
	if errors.Is(wrapped, Validation("session_completed", "")) {
		t.Fatalf("expected different category not to match")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Store(errors.New("conn reset")), true},
		{Upstream(errors.New("timeout"), "oracle unreachable"), true},
		{Conflict("already_voted", ""), false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v): expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(CategoryExpired); got != http.StatusGone {
		t.Fatalf("expected 410, got %d", got)
	}
	if got := HTTPStatus(CategoryOf(errors.New("x"))); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown error, got %d", got)
	}
}
