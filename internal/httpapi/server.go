// Package httpapi exposes the raffle over HTTP: read-only views, player
// entry, the automation and oracle callbacks, withdrawals and the event feed.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/raffle_layer/internal/httputil"
	"github.com/R3E-Network/raffle_layer/internal/metrics"
	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// ServiceName is reported by /health.
const ServiceName = "raffled"

// Options configures the HTTP surface. OracleSecret signs the bearer tokens
// accepted by /raffle/fulfill. EntrantSecret signs the player tokens accepted
// by /raffle/enter, whose subject must name the entering participant. Each
// route is left unregistered when its secret is empty.
type Options struct {
	OracleSecret   []byte
	EntrantSecret  []byte
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	Version        string
}

// Server routes HTTP requests to a raffle service.
type Server struct {
	svc      *raffle.Service
	opts     Options
	router   *mux.Router
	limiter  *middleware.RateLimiter
	origins  *middleware.OriginPolicy
	upgrader websocket.Upgrader
	log      *logger.Logger
	started  time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New builds the router for svc.
func New(svc *raffle.Service, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		svc:     svc,
		opts:    opts,
		router:  mux.NewRouter(),
		log:     log,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst, log.Named("ratelimit"))
	}
	s.origins = middleware.NewOriginPolicy(opts.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.CheckOrigin,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	router := s.router
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	router.HandleFunc("/raffle", s.handleSnapshot).Methods("GET")
	router.HandleFunc("/raffle/players", s.handlePlayers).Methods("GET")
	router.HandleFunc("/raffle/players/{index}", s.handlePlayer).Methods("GET")
	router.HandleFunc("/raffle/winner", s.handleWinner).Methods("GET")
	router.HandleFunc("/raffle/upkeep", s.handleCheckUpkeep).Methods("GET")
	router.HandleFunc("/raffle/upkeep", s.handlePerformUpkeep).Methods("POST")
	router.HandleFunc("/raffle/withdraw", s.handleWithdraw).Methods("POST")
	router.HandleFunc("/raffle/events", s.handleEvents).Methods("GET")
	router.HandleFunc("/raffle/events/stream", s.handleStream).Methods("GET")

	if len(s.opts.EntrantSecret) > 0 {
		auth := middleware.NewAuthMiddleware(s.opts.EntrantSecret, middleware.RolePlayer, s.log.Named("auth"))
		router.Handle("/raffle/enter", auth.Handler(http.HandlerFunc(s.handleEnter))).Methods("POST")
	} else {
		s.log.Warn("entrant secret not configured; /raffle/enter is disabled")
	}
	if len(s.opts.OracleSecret) > 0 {
		auth := middleware.NewAuthMiddleware(s.opts.OracleSecret, middleware.RoleOracle, s.log.Named("auth"))
		router.Handle("/raffle/fulfill", auth.Handler(http.HandlerFunc(s.handleFulfill))).Methods("POST")
	} else {
		s.log.Warn("oracle secret not configured; /raffle/fulfill is disabled")
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
	})
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = metrics.InstrumentHandler(h)
	if s.limiter != nil {
		h = s.limiter.Handler(h)
	}
	h = s.origins.Handler(h)
	h = middleware.NewTracingMiddleware(s.log.Named("http")).Handler(h)
	return h
}

// StartCleanup evicts idle rate limiter entries until stop is closed.
func (s *Server) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	if s.limiter != nil {
		s.limiter.StartCleanup(interval, stop)
	}
}

// Close ends open event streams with a normal closure frame. http.Server's
// Shutdown does not wait for hijacked connections, so call Close first.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
