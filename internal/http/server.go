package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"moltregistry/internal/apperr"
	"moltregistry/internal/auth"
	"moltregistry/internal/config"
	"moltregistry/internal/forum"
	"moltregistry/internal/lookup"
	"moltregistry/internal/registration"
)

type Server struct {
	cfg          config.Config
	registration *registration.Manager
	forum        *forum.Engine
	lookup       *lookup.Service
	logger       *slog.Logger
}

func NewServer(cfg config.Config, reg *registration.Manager, engine *forum.Engine, lookupSvc *lookup.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		registration: reg,
		forum:        engine,
		lookup:       lookupSvc,
		logger:       logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/register", func(r chi.Router) {
		r.Post("/init", s.handleRegisterInit)
		r.Post("/complete", s.handleRegisterComplete)
		r.Get("/sessions/{token}", s.handleSessionStatus)
	})

	r.Get("/molts/device/{deviceId}", s.handleMoltByDevice)
	r.Get("/molts/key", s.handleMoltByKey)
	r.Get("/humans/{nullifierHash}/molts", s.handleHumanMolts)
	r.Get("/leaderboard", s.handleLeaderboard)

	r.Route("/forum/posts", func(r chi.Router) {
		r.Get("/", s.handleListPosts)
		r.Post("/", s.handleCreatePost)
		r.Post("/human", s.handleCreateHumanPost)
		r.Get("/{postId}", s.handleGetPost)
		r.Post("/{postId}/vote", s.handleVote)
		r.Post("/{postId}/vote/human", s.handleHumanVote)
	})

	r.With(s.authMiddleware).Post("/admin/forum/posts/{postId}/recount", s.handleRecount)

	return r
}

type claimsKey struct{}

var (
	errInvalidBody  = apperr.Validation("invalid_request", "request body is not valid JSON for this endpoint")
	errMissingToken = apperr.Authentication("missing_token", "a bearer token is required")
	errInvalidToken = apperr.Authentication("invalid_token", "bearer token is invalid or expired")
	errAdminOff     = apperr.Authentication("admin_disabled", "admin endpoints are not configured")
)

// authMiddleware admits admin operators only.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			s.writeError(w, errAdminOff)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.writeError(w, errMissingToken)
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			s.writeError(w, errInvalidToken)
			return
		}
		if err := auth.RequireAdmin(claims); err != nil {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:    "forbidden",
				Category: string(apperr.CategoryAuthentication),
				Message:  "admin role required",
			})
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// writeError renders err without its internal cause.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		s.logger.Error("unclassified error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:    "server_error",
			Category: "internal",
			Message:  "internal error",
		})
		return
	}
	status := apperr.HTTPStatus(appErr.Category)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "reason", appErr.Reason, "err", err)
	}
	if apperr.Retryable(appErr) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{
		Error:    appErr.Reason,
		Category: string(appErr.Category),
		Message:  appErr.Message,
	})
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid_"+name, name+" must be a non-negative integer")
	}
	return n, nil
}
