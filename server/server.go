// Package server exposes governator over HTTP. Every failure is rendered as
// {"error":{"code","message","details"}} with a stable code.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"governator/discord"
	"governator/eligibility"
	"governator/gateway/auth"
	"governator/gateway/middleware"
	"governator/identity"
	"governator/observability/metrics"
	"governator/polls"
	"governator/session"
	"governator/voting"
)

// Rate limit route names.
const (
	RouteChallenge = "challenge"
	RouteVerify    = "verify"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	DB          *gorm.DB
	Sessions    *session.Manager
	Verifier    *identity.Verifier
	Links       *identity.Registry
	Discovery   *discord.Discovery
	Builder     *polls.Builder
	Polls       *polls.Store
	Voting      *voting.Service
	Strategies  *eligibility.Registry
	ServiceAuth *auth.Authenticator
	Idempotency *middleware.Idempotency
	Metrics     *metrics.GovernatorMetrics
	// Registerer receives the HTTP metrics; Gatherer backs /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Config holds the HTTP surface settings that do not come from Deps.
type Config struct {
	ServiceName    string
	AllowedOrigins []string
	RateLimits     map[string]middleware.RateLimit
	LogRequests    bool
}

// Server is the governator HTTP API.
type Server struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
}

// New validates deps and mounts every route.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Server, error) {
	switch {
	case deps.DB == nil:
		return nil, errors.New("server: database required")
	case deps.Sessions == nil:
		return nil, errors.New("server: session manager required")
	case deps.Verifier == nil || deps.Links == nil:
		return nil, errors.New("server: identity components required")
	case deps.Discovery == nil:
		return nil, errors.New("server: guild discovery required")
	case deps.Builder == nil || deps.Polls == nil || deps.Voting == nil:
		return nil, errors.New("server: poll components required")
	case deps.Strategies == nil:
		return nil, errors.New("server: strategy registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Idempotency == nil {
		deps.Idempotency = middleware.NewIdempotency(deps.DB, 0, logger)
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: s.cfg.ServiceName,
		LogRequests: s.cfg.LogRequests,
	}, s.deps.Registerer, s.logger)
	limiter := middleware.NewRateLimiter(s.cfg.RateLimits, s.writeError)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(obs.Middleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins, AllowCredentials: true}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": errorBody{
			Code: "NOT_FOUND", Message: "route not found", Details: map[string]any{},
		}})
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireService)
		r.Post("/sessions", s.handleOpenSession)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(s.deps.Sessions, s.writeError))
		r.Use(s.deps.Idempotency.Middleware)

		r.Get("/me", s.handleMe)
		r.Post("/logout", s.handleLogout)
		r.Get("/strategies", s.handleStrategies)

		r.Get("/guilds", s.handleGuilds)
		r.Get("/guilds/{guildID}/channels", s.handleChannels)
		r.Get("/guilds/{guildID}/roles", s.handleRoles)
		r.Get("/guilds/{guildID}/channels/{channelID}/polls", s.handleChannelPolls)

		r.With(limiter.Middleware(RouteChallenge)).Post("/challenge", s.handleChallenge)
		r.With(limiter.Middleware(RouteVerify)).Post("/verify", s.handleVerify)
		r.Get("/links", s.handleListLinks)
		r.Post("/links", s.handleCreateLink)
		r.Post("/links/{address}", s.handleRemoveLink)
		r.Delete("/links/{address}", s.handleRemoveLink)

		r.Post("/polls", s.handleCreatePoll)
		r.Get("/polls/{pollID}", s.handleGetPoll)
		r.Put("/polls/{pollID}", s.handleUpdatePoll)
		r.Post("/polls/{pollID}/votes", s.handleCastVote)
		r.Get("/polls/{pollID}/votes/me", s.handleMyBallot)
		r.Get("/polls/{pollID}/results", s.handleResults)
	})
	return r
}

// requireService rejects internal calls unless service keys are configured
// and the request is signed with one of them.
func (s *Server) requireService(next http.Handler) http.Handler {
	if !s.deps.ServiceAuth.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.writeError(w, r, auth.ErrUnauthorized)
		})
	}
	return s.deps.ServiceAuth.Middleware(s.writeError)(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.deps.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func principalFrom(r *http.Request) session.Principal {
	p, _ := session.FromContext(r.Context())
	return p
}
