package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"khetmabot/internal/actortoken"
	"khetmabot/internal/ratelimit"
	"khetmabot/internal/util"
	"khetmabot/pkg/domain"
	"khetmabot/pkg/engine"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Engine  *engine.Engine
	Tokens  *actortoken.Codec
	Limiter *ratelimit.ActorLimiter
}

// Server exposes the reservation engine to the messaging adapter.
type Server struct {
	engine  *engine.Engine
	tokens  *actortoken.Codec
	limiter *ratelimit.ActorLimiter
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("server: token codec is required")
	}
	s := &Server{
		engine:  cfg.Engine,
		tokens:  cfg.Tokens,
		limiter: cfg.Limiter,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("khetma", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/khetmas", s.withActor(s.handleKhetmas))
	s.mux.Handle("/khetmas/", s.withActor(s.handleKhetmaByID))
	s.mux.Handle("/groups/", s.withActor(s.handleGroupKhetmas))
	s.mux.Handle("/finish-all", s.withActor(s.handleFinishAllEverywhere))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorHandler func(http.ResponseWriter, *http.Request, actortoken.Claims)

func (s *Server) withActor(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if r.Method != http.MethodGet && s.limiter != nil && !s.limiter.Allow(claims.Actor.ID) {
			writeFailure(w, domain.ErrRateLimited)
			return
		}
		next(w, r, claims)
	})
}

// POST /khetmas
func (s *Server) handleKhetmas(w http.ResponseWriter, r *http.Request, claims actortoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	khetma, err := s.engine.CreateKhetma(r.Context(), claims.GroupID, claims.Actor, claims.Admin)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, khetma)
}

// /khetmas/{id}, /khetmas/{id}/events, /khetmas/{id}/finish-all,
// /khetmas/{id}/chapters/{n}/{action}
func (s *Server) handleKhetmaByID(w http.ResponseWriter, r *http.Request, claims actortoken.Claims) {
	path := strings.TrimPrefix(r.URL.Path, "/khetmas/")
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		notFound(w, "not found")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetKhetma(w, r, id)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleEvents(w, r, id)
	case len(parts) == 2 && parts[1] == "finish-all":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleFinishAll(w, r, claims, id)
	case len(parts) == 4 && parts[1] == "chapters":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		number, err := strconv.Atoi(parts[2])
		if err != nil {
			notFound(w, "not found")
			return
		}
		s.handleChapterAction(w, r, claims, id, number, parts[3])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleGetKhetma(w http.ResponseWriter, r *http.Request, id int64) {
	khetma, err := s.engine.GetKhetma(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, khetma)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id int64) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.engine.ListEvents(r.Context(), id, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}

func (s *Server) handleChapterAction(w http.ResponseWriter, r *http.Request, claims actortoken.Claims, id int64, number int, action string) {
	var (
		chapter domain.Chapter
		err     error
	)
	switch action {
	case "reserve":
		chapter, err = s.engine.Reserve(r.Context(), id, number, claims.Actor)
	case "finish":
		chapter, err = s.engine.Finish(r.Context(), id, number, claims.Actor)
	case "withdraw":
		chapter, err = s.engine.Withdraw(r.Context(), id, number, claims.Actor, claims.Admin)
	default:
		notFound(w, "not found")
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chapter)
}

// POST /khetmas/{id}/finish-all
func (s *Server) handleFinishAll(w http.ResponseWriter, r *http.Request, claims actortoken.Claims, id int64) {
	result, err := s.engine.FinishAll(r.Context(), claims.Actor, id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /finish-all finishes the actor's reservations across every khetma.
func (s *Server) handleFinishAllEverywhere(w http.ResponseWriter, r *http.Request, claims actortoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	result, err := s.engine.FinishAll(r.Context(), claims.Actor, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// /groups/{gid}/khetmas with optional ?seq=N or ?latest=true
func (s *Server) handleGroupKhetmas(w http.ResponseWriter, r *http.Request, _ actortoken.Claims) {
	path := strings.TrimPrefix(r.URL.Path, "/groups/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "khetmas" {
		notFound(w, "not found")
		return
	}
	groupID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || groupID == 0 {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	if v := query.Get("seq"); v != "" {
		sequence, err := strconv.Atoi(v)
		if err != nil || sequence <= 0 {
			writeError(w, http.StatusBadRequest, "invalid seq")
			return
		}
		khetma, err := s.engine.GetKhetmaBySequence(r.Context(), groupID, sequence)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, khetma)
		return
	}
	if query.Get("latest") == "true" {
		khetma, err := s.engine.GetLatestKhetma(r.Context(), groupID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, khetma)
		return
	}

	khetmas, err := s.engine.ListKhetmas(r.Context(), groupID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": khetmas,
		"count": len(khetmas),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}
