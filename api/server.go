// Package api serves the off-chain claim surface over HTTP: campaign
// listings, per-recipient eligibility with Merkle proofs, claim
// submission against the ledger, and the operational health and metrics
// endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/merkledrop/merkledrop/ledger"
	"github.com/merkledrop/merkledrop/log"
	"github.com/merkledrop/merkledrop/merkle"
	"github.com/merkledrop/merkledrop/metrics"
)

// Server defaults.
const (
	// DefaultBindAddr is the default listen address.
	DefaultBindAddr = "127.0.0.1:8080"

	// DefaultRateLimit is the default per-IP request rate, in requests
	// per second, applied to the /v1 routes.
	DefaultRateLimit = 25

	// DefaultRateBurst is the default per-IP burst size.
	DefaultRateBurst = 50

	// DefaultHTTPTimeout bounds both reading a request and writing its
	// response.
	DefaultHTTPTimeout = 30 * time.Second
)

// ErrRootMismatch is returned by AddCampaign when the supplied tree does
// not commit to the campaign's Merkle root.
var ErrRootMismatch = errors.New("api: tree root does not match campaign merkle root")

// Config configures a Server.
type Config struct {
	// BindAddr is the listen address. Empty gets DefaultBindAddr.
	BindAddr string

	// Registry holds the served campaigns. Nil gets a fresh registry.
	Registry *ledger.Registry

	// Logger receives request and lifecycle events. Nil gets the default
	// api module logger.
	Logger *log.Logger

	// Metrics is the registry exposed at /metrics. Nil gets
	// metrics.DefaultRegistry.
	Metrics *metrics.Registry

	// Clock supplies the eligibility preview time. Nil gets the real
	// clock.
	Clock clockwork.Clock

	// RateLimit is the per-IP request rate for /v1 routes, in requests
	// per second. Zero gets DefaultRateLimit; negative disables limiting.
	RateLimit float64

	// RateBurst is the per-IP burst size. Zero gets DefaultRateBurst.
	RateBurst int

	// AllowedOrigins is the CORS origin allowlist. Nil allows all
	// origins.
	AllowedOrigins []string

	// ReadTimeout and WriteTimeout bound request handling. Zero gets
	// DefaultHTTPTimeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:     DefaultBindAddr,
		RateLimit:    DefaultRateLimit,
		RateBurst:    DefaultRateBurst,
		ReadTimeout:  DefaultHTTPTimeout,
		WriteTimeout: DefaultHTTPTimeout,
	}
}

// Server is the HTTP claim service. Campaigns are added with AddCampaign;
// each pairs a ledger with the Merkle tree the eligibility endpoint
// produces proofs from.
type Server struct {
	registry *ledger.Registry
	logger   *log.Logger
	clock    clockwork.Clock
	exporter *metrics.PrometheusExporter
	limiter  *ClientLimiter
	router   *chi.Mux
	srv      *http.Server

	mu    sync.RWMutex
	trees map[common.Address]*merkle.Tree
}

// NewServer creates a Server. Nil collaborators are backfilled per the
// Config field docs.
func NewServer(cfg Config) *Server {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.Registry == nil {
		cfg.Registry = ledger.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().Module("api")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultHTTPTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultHTTPTimeout
	}

	s := &Server{
		registry: cfg.Registry,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		exporter: metrics.NewPrometheusExporter(cfg.Metrics, metrics.DefaultPrometheusConfig()),
		router:   chi.NewRouter(),
		trees:    make(map[common.Address]*merkle.Tree),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.setupRoutes(cfg.AllowedOrigins)

	s.srv = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// setupRoutes wires the middleware chain and the endpoint tree. The
// health and metrics endpoints bypass rate limiting so scrapers are
// never throttled.
func (s *Server) setupRoutes(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(s.observe)
	s.router.Use(chimw.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.exporter.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.throttle)
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Route("/{campaign}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Get("/eligibility/{recipient}", s.handleEligibility)
				r.Post("/claims", s.handleClaim)
			})
		})
	})
}

// AddCampaign registers a ledger and the tree proofs are produced from.
// The tree must commit to the campaign's Merkle root.
func (s *Server) AddCampaign(led *ledger.Ledger, tree *merkle.Tree) error {
	camp := led.Campaign()
	if tree.Root() != camp.MerkleRoot {
		return fmt.Errorf("%w: campaign %s", ErrRootMismatch, camp.Address)
	}
	if err := s.registry.Register(led); err != nil {
		return err
	}

	s.mu.Lock()
	s.trees[camp.Address] = tree
	s.mu.Unlock()

	s.logger.Info("campaign added",
		"campaign", camp.Address, "name", camp.Name,
		"shape", camp.Shape, "leaves", tree.Len())
	return nil
}

// tree returns the Merkle tree for a registered campaign.
func (s *Server) tree(addr common.Address) (*merkle.Tree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trees[addr]
	return t, ok
}

// Router returns the server's handler, for serving through a custom
// listener or in tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}

// observe wraps every request with latency and status accounting plus a
// debug-level access log line.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := float64(time.Since(start).Microseconds()) / 1000
		metrics.APIRequests.Inc()
		if ww.Status() >= http.StatusBadRequest {
			metrics.APIErrors.Inc()
		}
		metrics.APILatency.Observe(elapsed)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "elapsed_ms", elapsed, "ip", clientIP(r))
	})
}

// throttle enforces the per-IP rate limit on the wrapped routes.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		allowed, retryAfter := s.limiter.Allow(ip)
		if !allowed {
			metrics.APIRateLimited.Inc()
			secs := int(retryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the originating client address, preferring the first
// X-Forwarded-For hop when a proxy added one.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
