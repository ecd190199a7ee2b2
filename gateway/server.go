package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pulsemarket/archive"
	"pulsemarket/gateway/middleware"
	"pulsemarket/native/market"
	"pulsemarket/native/oracle"
	"pulsemarket/state"
)

// ScopeAdmin is the JWT scope required by every mutating admin route.
const ScopeAdmin = "market.admin"

// Config wires the operator surface: market registry, collateral ledger,
// score submission and the historical archive.
type Config struct {
	Registry *market.Registry
	Engine   *market.Engine
	Ledger   *state.Manager
	// Scores receives operator-submitted oracle observations.
	Scores oracle.Submitter
	// Oracles indexes the bindable score sources by name for rebinding.
	Oracles map[string]market.ScoreOracle
	Archive *archive.Archive

	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimit
	Logger    *slog.Logger
}

// Server is the REST admin gateway. Read routes are open; mutating routes
// sit behind JWT auth with the market.admin scope.
type Server struct {
	registry *market.Registry
	engine   *market.Engine
	ledger   *state.Manager
	scores   oracle.Submitter
	oracles  map[string]market.ScoreOracle
	store    *archive.Archive
	logger   *slog.Logger
	router   chi.Router
	nowFn    func() time.Time
}

// New assembles the gateway router with its middleware chain.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: cfg.Registry,
		engine:   cfg.Engine,
		ledger:   cfg.Ledger,
		scores:   cfg.Scores,
		oracles:  cfg.Oracles,
		store:    cfg.Archive,
		logger:   logger,
		nowFn:    time.Now,
	}
	auth := middleware.NewAuthenticator(cfg.Auth, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	s.router = s.buildRouter(auth, limiter)
	return s
}

// SetNowFunc overrides the clock used for relative deadlines.
func (s *Server) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "pulsemarket.gateway")
}

func (s *Server) buildRouter(auth *middleware.Authenticator, limiter *middleware.RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", middleware.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(q chi.Router) {
			q.Use(limiter.Middleware("query"))
			q.Use(middleware.Observe("query"))
			q.Get("/markets", s.listMarkets)
			q.Get("/markets/{id}", s.getMarket)
			q.Get("/markets/{id}/trades", s.marketTrades)
			q.Get("/markets/{id}/claims", s.marketClaims)
			q.Get("/markets/{id}/settlement", s.marketSettlement)
			q.Get("/markets/{id}/reconciliation", s.marketReconciliation)
			q.Get("/oracle/samples/{subject}", s.oracleSamples)
		})
		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(limiter.Middleware("admin"))
			admin.Use(auth.Middleware(ScopeAdmin))
			admin.Use(middleware.Observe("admin"))
			admin.Post("/markets", s.createMarket)
			admin.Post("/oracle/scores", s.submitScore)
			admin.Put("/registry/alpha", s.setDefaultAlpha)
			admin.Put("/registry/oracle", s.rebindOracle)
			admin.Post("/markets/{id}/fees/withdraw", s.withdrawFees)
			admin.Post("/accounts/{address}/credit", s.creditAccount)
		})
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForMarketError picks the admin-facing status for engine sentinels.
func statusForMarketError(err error) int {
	switch {
	case errors.Is(err, market.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrInvalidParams),
		errors.Is(err, market.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrDuplicateMarket),
		errors.Is(err, market.ErrNoFees),
		errors.Is(err, market.ErrAlreadySettled),
		errors.Is(err, market.ErrNotSettled),
		errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
