// Package api is the hub's REST query surface: instance registry, telemetry
// and log queries, presence, and SSE live streams.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pacphi/sindri-console/internal/auth"
	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/store"
	"github.com/pacphi/sindri-console/internal/otel"
)

// AgentAuthConfig holds the bearer tokens agents present on registration.
type AgentAuthConfig struct {
	Enabled bool     `json:"enabled"`
	Tokens  []string `json:"tokens"`
}

type Server struct {
	store             *store.Store
	bus               *channels.Bus
	presence          *channels.Presence
	logger            *slog.Logger
	server            *http.Server
	listener          net.Listener
	mu                sync.Mutex
	running           bool
	addr              string
	customHandlers    map[string]http.HandlerFunc
	agentSocket       http.Handler
	authConfig        *auth.Config
	authMiddleware    *auth.Middleware
	agentAuthConfig   *AgentAuthConfig
	rateLimiter       *rateLimiter
	rateLimiterConfig *RateLimiterConfig
}

func NewServer(addr string, st *store.Store) *Server {
	return &Server{
		store:             st,
		addr:              addr,
		logger:            slog.Default(),
		authConfig:        auth.DefaultConfig(),
		rateLimiterConfig: DefaultRateLimiterConfig(),
	}
}

func (s *Server) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

func (s *Server) SetBus(bus *channels.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

func (s *Server) SetPresence(p *channels.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = p
}

func (s *Server) SetAuthConfig(config *auth.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authConfig = config
	s.authMiddleware = nil
}

func (s *Server) SetAgentAuthConfig(config *AgentAuthConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentAuthConfig = config
}

// SetRateLimiterConfig configures the rate limiter.
// Must be called before Start() for changes to take effect.
func (s *Server) SetRateLimiterConfig(config *RateLimiterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimiterConfig = config
	s.rateLimiter = nil
}

// SetAgentSocket mounts the agent websocket endpoint at /ws/agent. The
// endpoint does its own bearer auth, so no operator middleware applies.
func (s *Server) SetAgentSocket(handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentSocket = handler
}

func (s *Server) SetCustomHandler(pattern string, handler http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customHandlers == nil {
		s.customHandlers = make(map[string]http.HandlerFunc)
	}
	s.customHandlers[pattern] = handler
}

func (s *Server) getAuthMiddleware() *auth.Middleware {
	if s.authMiddleware != nil {
		return s.authMiddleware
	}
	if s.authConfig == nil {
		s.authConfig = auth.DefaultConfig()
	}

	var authenticator auth.Authenticator
	if s.authConfig.Mode == auth.ModeAPIKey {
		authenticator = auth.NewAPIKeyAuthenticator(s.authConfig)
	}
	s.authMiddleware = auth.NewMiddleware(s.authConfig, authenticator)
	return s.authMiddleware
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()

	// Registration comes from agents; everything else on the collection is
	// an operator query.
	register := s.agentAuthMiddleware(s.strictRateLimitMiddleware(http.HandlerFunc(s.handleRegisterInstance)))
	list := s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handleListInstances)))
	mux.HandleFunc("/api/v1/instances", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			register.ServeHTTP(w, r)
			return
		}
		list.ServeHTTP(w, r)
	})
	mux.HandleFunc("/api/v1/instances/", s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.routeInstances))).ServeHTTP)
	mux.HandleFunc("/api/v1/logs", s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handleQueryLogs))).ServeHTTP)
	mux.HandleFunc("/api/v1/logs/stats", s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handleLogStats))).ServeHTTP)
	mux.HandleFunc("/api/v1/logs/stats/fleet", s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handleFleetLogStats))).ServeHTTP)
	mux.HandleFunc("/api/v1/presence", s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handlePresence))).ServeHTTP)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)

	if s.agentSocket != nil {
		mux.Handle("/ws/agent", s.agentSocket)
	}

	for pattern, handler := range s.customHandlers {
		mux.HandleFunc(pattern, s.rbacMiddleware(s.rateLimitMiddleware(http.HandlerFunc(handler))).ServeHTTP)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           otel.Middleware(otel.GetGlobalTracer())(mux),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) routeInstances(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/instances/")
	if path == "" || path == "/" {
		s.handleListInstances(w, r)
		return
	}

	parts := strings.Split(path, "/")
	instanceID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetInstance(w, r, instanceID)
		case http.MethodDelete:
			s.handleDeleteInstance(w, r, instanceID)
		default:
			s.writeMethodNotAllowed(w, r.Method, "GET, DELETE")
		}
		return
	}

	switch parts[1] {
	case "metrics":
		s.handleInstanceMetrics(w, r, instanceID)
	case "heartbeats":
		s.handleInstanceHeartbeats(w, r, instanceID)
	case "stream":
		s.handleStreamInstance(w, r, instanceID)
	case "commands":
		s.handleDispatchCommand(w, r, instanceID)
	case "sessions":
		if len(parts) >= 3 {
			s.handleCloseSession(w, r, instanceID, parts[2])
			return
		}
		s.handleOpenSession(w, r, instanceID)
	default:
		s.writeError(w, http.StatusNotFound, &ErrorResponse{
			ErrorType:    ErrorTypeNotFound,
			ErrorCode:    ErrorCodeEndpointNotFound,
			ErrorMessage: "Endpoint not found",
			Retryable:    false,
			Details:      map[string]interface{}{"path": r.URL.Path},
		})
	}
}

func (s *Server) rbacMiddleware(next http.Handler) http.Handler {
	return s.getAuthMiddleware().Handler(next)
}

// agentAuthMiddleware checks the Bearer token agents present on registration.
func (s *Server) agentAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.agentAuthConfig == nil || !s.agentAuthConfig.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			s.writeError(w, http.StatusUnauthorized, &ErrorResponse{
				ErrorType:    ErrorTypeUnauthorized,
				ErrorCode:    "MISSING_AUTH_TOKEN",
				ErrorMessage: "Authorization header with Bearer scheme is required",
				Retryable:    false,
			})
			return
		}

		valid := false
		for _, allowed := range s.agentAuthConfig.Tokens {
			if token == allowed {
				valid = true
				break
			}
		}
		if !valid {
			s.writeError(w, http.StatusUnauthorized, &ErrorResponse{
				ErrorType:    ErrorTypeUnauthorized,
				ErrorCode:    "INVALID_AUTH_TOKEN",
				ErrorMessage: "Invalid or expired token",
				Retryable:    false,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return s.limitWith(next, func(rl *rateLimiter, key string) decision {
		return rl.allow(key)
	})
}

// strictRateLimitMiddleware applies the tighter registration tier.
func (s *Server) strictRateLimitMiddleware(next http.Handler) http.Handler {
	return s.limitWith(next, func(rl *rateLimiter, key string) decision {
		return rl.allowStrict(key)
	})
}

func (s *Server) limitWith(next http.Handler, check func(*rateLimiter, string) decision) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Lazy initialize rate limiter
		s.mu.Lock()
		if s.rateLimiter == nil {
			s.rateLimiter = newRateLimiter(s.rateLimiterConfig, s.logger)
		}
		rl := s.rateLimiter
		s.mu.Unlock()

		d := check(rl, clientKey(r))

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.reset.Unix()))

		if !d.allowed {
			retryAfter := int(d.retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			s.writeError(w, http.StatusTooManyRequests, &ErrorResponse{
				ErrorType:    ErrorTypeRateLimited,
				ErrorCode:    ErrorCodeRateLimitExceeded,
				ErrorMessage: "Too many requests. Please slow down.",
				Retryable:    true,
				Details: map[string]interface{}{
					"retry_after_seconds": retryAfter,
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientKey extracts the client address without the ephemeral port so all
// connections from one host share a window.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StartTestServer creates a test server on an ephemeral port and returns it
// with a cleanup function. Returns an error if the server fails to start.
func StartTestServer(st *store.Store) (*Server, func(), error) {
	server := NewServer("127.0.0.1:0", st)
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start test server: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
