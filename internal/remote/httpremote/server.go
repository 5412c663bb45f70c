package httpremote

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

// Backend is the record store the server fronts.
type Backend interface {
	remote.Store
	remote.Fetcher
}

// Server serves the sync protocol over a Backend.
type Server struct {
	backend Backend
	secret  []byte
	now     func() time.Time
	logger  *slog.Logger
	router  chi.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSecret requires HS256 bearer tokens signed with secret on every
// sync route. Without it the server accepts anonymous requests.
func WithSecret(secret []byte) ServerOption {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithServerClock sets the time used to check token expiry.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer builds the router.
func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(pathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Group(func(r chi.Router) {
		if len(s.secret) > 0 {
			r.Use(s.authenticate)
		}
		r.Post(pathOperations, s.handleSubmit)
		r.Get(pathRecords+"/{type}/{id}", s.handleFetch)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var op model.Operation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&op); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(remote.CodePermanent), Message: fmt.Sprintf("decode operation: %v", err)})
		return
	}

	receipt, err := s.backend.Submit(r.Context(), op)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	et, err := model.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(remote.CodePermanent), Message: err.Error()})
		return
	}
	rec, err := s.backend.Fetch(r.Context(), et, chi.URLParam(r, "id"))
	if errors.Is(err, remote.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	re, ok := remote.AsError(err)
	if !ok {
		re = remote.Transient(err)
	}
	body := errorBody{Code: string(re.Code), Message: re.Error()}

	status := http.StatusServiceUnavailable
	switch re.Code {
	case remote.CodeConflict:
		status = http.StatusConflict
		body.Record = re.Server
	case remote.CodePermanent:
		status = http.StatusUnprocessableEntity
	case remote.CodeUnauthorized:
		status = http.StatusUnauthorized
	case remote.CodeRateLimited:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(re.RetryAfter.Seconds()))))
	}
	if status >= 500 {
		s.logger.Warn("submit failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, body)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: string(remote.CodeUnauthorized), Message: "missing bearer token"})
			return
		}
		subject, err := ValidateToken(token, s.secret, s.now())
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: string(remote.CodeUnauthorized), Message: err.Error()})
			return
		}
		s.logger.Debug("authenticated", "request_id", middleware.GetReqID(r.Context()), "subject", subject)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
