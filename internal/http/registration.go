package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"moltregistry/internal/model"
	"moltregistry/internal/registration"
)

type registerInitRequest struct {
	DeviceID  string `json:"deviceId"`
	PublicKey string `json:"publicKey"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type registerInitResponse struct {
	SessionID    string    `json:"sessionId"`
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type registerCompleteRequest struct {
	SessionToken string      `json:"sessionToken"`
	Proof        model.Proof `json:"proof"`
	Signal       string      `json:"signal,omitempty"`
}

type registerCompleteResponse struct {
	SessionID   string     `json:"sessionId"`
	Molt        moltView   `json:"molt"`
	Superseded  []moltView `json:"superseded"`
	ReusedProof bool       `json:"reusedProof"`
}

func (s *Server) handleRegisterInit(w http.ResponseWriter, r *http.Request) {
	var req registerInitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, errInvalidBody)
		return
	}
	res, err := s.registration.Init(r.Context(), registration.InitRequest{
		DeviceID:  req.DeviceID,
		PublicKey: req.PublicKey,
		Message:   req.Message,
		Signature: req.Signature,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerInitResponse{
		SessionID:    res.SessionID,
		SessionToken: res.Token,
		ExpiresAt:    res.ExpiresAt,
	})
}

func (s *Server) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	var req registerCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, errInvalidBody)
		return
	}
	// Clients cannot assert that a proof was verified.
	req.Proof.Verified = false
	res, err := s.registration.SubmitProof(r.Context(), req.SessionToken, req.Proof, req.Signal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerCompleteResponse{
		SessionID:   res.SessionID,
		Molt:        toMoltView(res.Identity),
		Superseded:  toMoltViews(res.Superseded),
		ReusedProof: res.ReusedProof,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registration.Status(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}
