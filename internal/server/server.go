package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/infra/auth"
	"github.com/xela07ax/spaceai-browser-bridge/internal/server/handler"
)

// Pinger: зависимость, без которой мост не считается здоровым (Postgres).
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Tasks        handler.TaskService
	Approvals    handler.ApprovalService
	KillSwitch   handler.KillSwitch
	Validator    auth.TokenValidator
	WebSocket    http.Handler
	PublicKeyPEM []byte
	Gatherer     prometheus.Gatherer
	Health       Pinger
	Capabilities []string // каталог для /v1/capabilities
}

// Server держит HTTP-периметр моста: API задач и подтверждений, /ws для браузеров,
// служебные /health и /metrics.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *zap.Logger

	taskHandler     *handler.TaskHandler     // /v1/tasks
	approvalHandler *handler.ApprovalHandler // /v1/approvals (HITL)
	agentHandler    *handler.AgentHandler    // /v1/agents (kill-switch)
}

func New(deps Deps, logger *zap.Logger) *Server {
	logger = logger.Named("http")
	s := &Server{
		router:          chi.NewRouter(),
		deps:            deps,
		logger:          logger,
		taskHandler:     handler.NewTaskHandler(deps.Tasks, TraceIDFromContext, logger),
		approvalHandler: handler.NewApprovalHandler(deps.Approvals, logger),
		agentHandler:    handler.NewAgentHandler(deps.KillSwitch, logger),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/v1/signer/public-key", handler.PublicKey(s.deps.PublicKeyPEM))
		r.Get("/v1/capabilities", handler.Capabilities(s.deps.Capabilities))
		if s.deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
		}
		// Аутентификация внутри протокола: authenticate / dashboard_connect
		r.Handle("/ws", s.deps.WebSocket)
	})

	// --- Защищенный периметр (пользовательский RS256 JWT) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))
		r.Use(middleware.Timeout(90 * time.Second))

		r.Post("/v1/tasks", s.taskHandler.Create)

		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List)
			r.Post("/{id}/decide", s.approvalHandler.Decide)
		})

		r.Route("/v1/agents/{id}", func(r chi.Router) {
			r.Get("/", s.agentHandler.Status)
			r.Post("/block", s.agentHandler.Block)
			r.Post("/unblock", s.agentHandler.Unblock)
		})
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
