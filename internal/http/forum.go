package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"moltregistry/internal/forum"
	"moltregistry/internal/model"
)

type signedPostRequest struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Content   string `json:"content"`
}

// humanAuthRequest carries either a fresh proof or a previously proven
// nullifier.
type humanAuthRequest struct {
	Proof         *model.Proof `json:"proof,omitempty"`
	NullifierHash string       `json:"nullifierHash,omitempty"`
}

func (h humanAuthRequest) authentication() (forum.HumanAuthentication, error) {
	if h.Proof != nil {
		proof := *h.Proof
		proof.Verified = false
		return forum.FreshProof{Proof: proof}, nil
	}
	if strings.TrimSpace(h.NullifierHash) != "" {
		return forum.CachedNullifier{NullifierHash: h.NullifierHash}, nil
	}
	return nil, forum.ErrHumanAuthRequired
}

type humanPostRequest struct {
	humanAuthRequest
	Content string `json:"content"`
}

type signedVoteRequest struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Direction string `json:"direction"`
}

type humanVoteRequest struct {
	humanAuthRequest
	Direction string `json:"direction"`
}

type voteResponse struct {
	Vote     voteView `json:"vote"`
	Switched bool     `json:"switched"`
	Post     postView `json:"post"`
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, err)
		return
	}
	posts, err := s.forum.ListPosts(r.Context(), r.URL.Query().Get("sort"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]postView, 0, len(posts))
	for _, post := range posts {
		views = append(views, toPostView(post))
	}
	writeJSON(w, http.StatusOK, map[string][]postView{"posts": views})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.forum.GetPost(r.Context(), chi.URLParam(r, "postId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostView(post))
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req signedPostRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, errInvalidBody)
		return
	}
	post, err := s.forum.CreateSignedPost(r.Context(), forum.SignedRequest{
		PublicKey: req.PublicKey,
		Signature: req.Signature,
		Message:   req.Message,
	}, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostView(post))
}

func (s *Server) handleCreateHumanPost(w http.ResponseWriter, r *http.Request) {
	var req humanPostRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, errInvalidBody)
		return
	}
	authn, err := req.authentication()
	if err != nil {
		s.writeError(w, err)
		return
	}
	post, err := s.forum.CreateHumanPost(r.Context(), authn, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostView(post))
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req signedVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, errInvalidBody)
		return
	}
	direction, err := forum.ParseDirection(req.Direction)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.forum.CastSignedVote(r.Context(), chi.URLParam(r, "postId"), direction, forum.SignedRequest{
		PublicKey: req.PublicKey,
		Signature: req.Signature,
		Message:   req.Message,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoteResponse(res))
}

func (s *Server) handleHumanVote(w http.ResponseWriter, r *http.Request) {
	var req humanVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, errInvalidBody)
		return
	}
	direction, err := forum.ParseDirection(req.Direction)
	if err != nil {
		s.writeError(w, err)
		return
	}
	authn, err := req.authentication()
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.forum.CastHumanVote(r.Context(), chi.URLParam(r, "postId"), direction, authn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoteResponse(res))
}

func (s *Server) handleRecount(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postId")
	post, err := s.forum.RecomputeCounts(r.Context(), postID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		s.logger.Info("post counters recomputed", "post_id", postID, "operator", claims.Operator)
	}
	writeJSON(w, http.StatusOK, toPostView(post))
}

func toVoteResponse(res forum.VoteResult) voteResponse {
	return voteResponse{
		Vote:     toVoteView(res.Vote),
		Switched: res.Switched,
		Post:     toPostView(res.Post),
	}
}
