package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/config"
	"github.com/wisbric/loom/pkg/scheduler"
)

// Server holds the HTTP server dependencies. Loom is row-level
// multi-tenant, not schema-per-tenant, so unlike the package this was
// adapted from there is no tenant-resolution middleware: org scoping is
// enforced per-handler against the authenticated caller's memberships
// (internal/org), not by switching connections.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // authenticated /api/v1 sub-router
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	Kube      kubernetes.Interface // nil when no cluster is configured
	Scheduler *scheduler.Scheduler
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints mounted. Domain handlers are mounted onto APIRouter by the
// caller after construction.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, kube kubernetes.Interface, sched *scheduler.Scheduler, sessionMgr *auth.SessionManager, authStore auth.Storage, devMode bool) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		Kube:      kube,
		Scheduler: sched,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated).
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated).
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Authenticated control-plane routes.
	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(sessionMgr, authStore, logger, devMode))
		r.Use(auth.RequireAuth)
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz fans out across every infrastructure dependency the control
// plane needs to actually serve traffic: the database, Redis (peer-notify
// resync), the Kubernetes API (weaver provisioning), and the scheduler's own
// job health (spec §4.11's job health feeds the control plane's readiness).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]string{}
	ready := true

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		checks["database"] = "unavailable"
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		checks["redis"] = "unavailable"
		ready = false
	} else {
		checks["redis"] = "ok"
	}

	if s.Kube != nil {
		if _, err := s.Kube.Discovery().ServerVersion(); err != nil {
			s.Logger.Error("readiness check: kubernetes api unreachable", "error", err)
			checks["kubernetes"] = "unavailable"
			ready = false
		} else {
			checks["kubernetes"] = "ok"
		}
	} else {
		checks["kubernetes"] = "not_configured"
	}

	if s.Scheduler != nil {
		unhealthy := 0
		for _, st := range s.Scheduler.List() {
			if st.Health == scheduler.HealthUnhealthy {
				unhealthy++
			}
		}
		if unhealthy > 0 {
			checks["scheduler"] = "degraded"
			ready = false
		} else {
			checks["scheduler"] = "ok"
		}
	}

	status := http.StatusOK
	overall := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		overall = "not_ready"
	}
	Respond(w, status, map[string]any{"status": overall, "checks": checks})
}
