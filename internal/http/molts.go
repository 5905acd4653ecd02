package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type moltStatusResponse struct {
	Registered        bool      `json:"registered"`
	Verified          bool      `json:"verified"`
	Active            bool      `json:"active"`
	VerificationLevel string    `json:"verificationLevel,omitempty"`
	Molt              *moltView `json:"molt,omitempty"`
}

type swarmResponse struct {
	NullifierHash string     `json:"nullifierHash"`
	Total         int        `json:"total"`
	Active        int        `json:"active"`
	Molts         []moltView `json:"molts"`
}

type leaderboardEntry struct {
	NullifierHash string    `json:"nullifierHash"`
	Total         int       `json:"total"`
	Active        int       `json:"active"`
	LastBoundAt   time.Time `json:"lastBoundAt"`
}

func (s *Server) handleMoltByDevice(w http.ResponseWriter, r *http.Request) {
	status, err := s.lookup.StatusByDevice(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := moltStatusResponse{
		Registered:        status.Registered,
		Verified:          status.Verified,
		Active:            status.Active,
		VerificationLevel: string(status.VerificationLevel),
	}
	if status.Identity != nil {
		view := toMoltView(*status.Identity)
		resp.Molt = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMoltByKey(w http.ResponseWriter, r *http.Request) {
	ident, err := s.lookup.ByPublicKey(r.Context(), r.URL.Query().Get("publicKey"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMoltView(ident))
}

func (s *Server) handleHumanMolts(w http.ResponseWriter, r *http.Request) {
	swarm, err := s.lookup.ByNullifier(r.Context(), chi.URLParam(r, "nullifierHash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swarmResponse{
		NullifierHash: swarm.NullifierHash,
		Total:         len(swarm.Molts),
		Active:        swarm.Active,
		Molts:         toMoltViews(swarm.Molts),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.lookup.Leaderboard(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries := make([]leaderboardEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, leaderboardEntry{
			NullifierHash: row.NullifierHash,
			Total:         row.Total,
			Active:        row.Active,
			LastBoundAt:   row.LastBoundAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]leaderboardEntry{"entries": entries})
}
