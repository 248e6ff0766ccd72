// Package app wires configuration, infrastructure, and domain packages
// together and runs Loom in one of its operating modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/wisbric/loom/internal/audit"
	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/authadapter"
	"github.com/wisbric/loom/internal/config"
	"github.com/wisbric/loom/internal/httpserver"
	"github.com/wisbric/loom/internal/org"
	"github.com/wisbric/loom/internal/platform"
	"github.com/wisbric/loom/internal/seed"
	"github.com/wisbric/loom/internal/telemetry"
	"github.com/wisbric/loom/pkg/abac"
	"github.com/wisbric/loom/pkg/apikey"
	"github.com/wisbric/loom/pkg/derpmap"
	"github.com/wisbric/loom/pkg/device"
	"github.com/wisbric/loom/pkg/ipalloc"
	"github.com/wisbric/loom/pkg/peernotify"
	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/scheduler"
	"github.com/wisbric/loom/pkg/secret"
	"github.com/wisbric/loom/pkg/session"
	"github.com/wisbric/loom/pkg/weaver"
	"github.com/wisbric/loom/pkg/workloadid"
)

const serviceName = "loom"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting loom", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db)
	case "seed":
		return seed.Run(ctx, db, logger)
	case "seed-demo":
		return seed.RunDemo(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Session manager.
	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		return fmt.Errorf("LOOM_SESSION_SECRET must be set")
	}
	sessionMaxAge, err := time.ParseDuration(cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("parsing session max age %q: %w", cfg.SessionMaxAge, err)
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	// OIDC authenticator (optional — nil if not configured).
	var oidcAuth *auth.OIDCAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("OIDC authentication disabled (OIDC_ISSUER_URL not set)")
	}

	authStore := authadapter.New(db)

	// Kubernetes client (optional — nil disables weaver provisioning and
	// workload-identity validation, but session/secret/device/org endpoints
	// still serve).
	kube, err := platform.NewKubeClient(cfg.KubeInCluster, cfg.KubeConfigPath)
	if err != nil {
		logger.Warn("kubernetes client unavailable, weaver provisioning disabled", "error", err)
		kube = nil
	}

	ulaPrefix, err := netip.ParsePrefix(cfg.ULAPrefix)
	if err != nil {
		return fmt.Errorf("parsing ULA prefix %q: %w", cfg.ULAPrefix, err)
	}
	ips, err := ipalloc.New(ctx, db, ulaPrefix)
	if err != nil {
		return fmt.Errorf("initializing IP allocator: %w", err)
	}

	derpFetcher := derpmap.New(cfg.DERPMapURL, cfg.DERPMapLocalFile)
	derpMap, err := derpFetcher.Fetch(ctx)
	if err != nil {
		logger.Warn("fetching DERP map, continuing with an empty map", "error", err)
	}

	orgs := org.NewStore(db)

	defaultTTL, err := time.ParseDuration(cfg.WeaverTTLDefault)
	if err != nil {
		return fmt.Errorf("parsing weaver TTL default %q: %w", cfg.WeaverTTLDefault, err)
	}
	maxTTL, err := time.ParseDuration(cfg.WeaverTTLMax)
	if err != nil {
		return fmt.Errorf("parsing weaver TTL max %q: %w", cfg.WeaverTTLMax, err)
	}
	policy := org.NewPolicyStore(orgs, cfg.WeaverQuotaDefault, defaultTTL, maxTTL)

	reg := registry.NewStore(db)
	hub := peernotify.New(logger)
	abacEngine := abac.New(logger)
	broker := session.New(db, ips, hub, derpMap, abacEngine, logger)

	// Audit bus: relational sink always, webhook sink if configured.
	auditBus := audit.NewBus(logger)
	auditBus.Register(audit.NewRelationalSink(db))
	if cfg.AuditWebhookURL != "" {
		auditBus.Register(audit.NewWebhookSink(cfg.AuditWebhookURL, cfg.AuditWebhookSecret, audit.Filter{}))
		logger.Info("audit webhook sink enabled", "url", cfg.AuditWebhookURL)
	}
	auditBus.Start(ctx)
	defer auditBus.Close()
	auditReader := audit.NewReader(db)

	readyTimeout, err := time.ParseDuration(cfg.WeaverReadyTimeout)
	if err != nil {
		return fmt.Errorf("parsing weaver ready timeout %q: %w", cfg.WeaverReadyTimeout, err)
	}

	var provisioner *weaver.Provisioner
	var workloads *workloadid.Validator
	if kube != nil {
		provisioner = weaver.New(kube, reg, ips, policy, auditBus, weaver.Config{
			Namespace:       cfg.KubeNamespace,
			ImageDefault:    cfg.WeaverImageDefault,
			AuditSidecarImg: cfg.WeaverAuditImage,
			ReadyTimeout:    readyTimeout,
		}, logger)
		workloads = workloadid.New(kube, reg, cfg.KubeNamespace, []string{"loom-weaver"})
	} else {
		logger.Info("weaver provisioning disabled (no kubernetes client)")
	}

	secretStore := secret.NewStore(db)
	secretSvc, err := secret.NewService(secretStore, cfg.SecretKeyID, cfg.SecretKey, logger)
	if err != nil {
		return fmt.Errorf("initializing secret service: %w", err)
	}

	// Background scheduler: session/weaver cleanup and retention jobs (spec
	// §4.11's list/trigger/history surface is mounted below at /admin/jobs).
	sched := scheduler.New(logger)
	sched.Register(&scheduler.DeviceSessionCleanupJob{Broker: broker, Registry: reg}, 5*time.Minute, true)
	if provisioner != nil {
		sched.Register(&scheduler.WeaverCleanupJob{Provisioner: provisioner}, 5*time.Minute, true)
	}
	sched.Register(&scheduler.IPAllocationRetentionJob{Allocator: ips, RetainFor: 30 * 24 * time.Hour}, 24*time.Hour, true)
	sched.Register(&scheduler.AuditRetentionJob{Reader: auditReader, RetainFor: 180 * 24 * time.Hour}, 24*time.Hour, true)
	go sched.Run(ctx)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, kube, sched, sessionMgr, authStore, cfg.DevMode)

	// --- Auth routes (public, pre-authentication) ---
	if oidcAuth != nil && cfg.OIDCClientSecret != "" {
		oauth2Cfg := &oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OIDCIssuerURL + "/authorize",
				TokenURL: cfg.OIDCIssuerURL + "/oauth/token",
			},
		}
		oidcFlow := auth.NewOIDCFlowHandler(oauth2Cfg, oidcAuth, sessionMgr, authStore, rdb, logger)
		srv.Router.Get("/auth/oidc/login", oidcFlow.HandleLogin)
		srv.Router.Get("/auth/oidc/callback", oidcFlow.HandleCallback)
		srv.Router.Get("/auth/config", oidcFlow.HandleAuthConfig)
		srv.Router.Post("/auth/logout", oidcFlow.HandleLogout)
		logger.Info("OIDC Authorization Code flow enabled", "redirect_url", cfg.OIDCRedirectURL)
	} else {
		logger.Info("OIDC Authorization Code flow disabled, bearer session/API-key auth only")
	}

	// --- Domain handlers (authenticated, /api/v1) ---
	apikeySvc := apikey.NewService(db, logger)

	deviceHandler := device.NewHandler(logger, auditBus, db, apikeySvc)
	srv.APIRouter.Mount("/devices", deviceHandler.Routes())

	sessionHandler := session.NewHandler(logger, auditBus, broker, reg, hub, derpMap)
	srv.APIRouter.Mount("/sessions", sessionHandler.Routes())

	peerStreamHandler := session.NewPeerStreamHandler(logger, hub)
	srv.APIRouter.Mount("/weavers", peerStreamHandler.Routes())

	if provisioner != nil {
		weaverHandler := weaver.NewHandler(logger, provisioner, reg, orgs, abacEngine)
		srv.APIRouter.Mount("/weavers", weaverHandler.Routes())
	}

	secretHandler := secret.NewHandler(logger, auditBus, secretSvc, secretStore, orgs, abacEngine, workloads)
	srv.APIRouter.Mount("/secrets", secretHandler.Routes())

	apikeyHandler := apikey.NewHandler(logger, auditBus, apikeySvc)
	srv.APIRouter.Mount("/api-keys", apikeyHandler.Routes())

	auditHandler := audit.NewHandler(auditReader)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	schedulerHandler := scheduler.NewHandler(sched)
	srv.APIRouter.Mount("/admin/jobs", schedulerHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the background scheduler standalone, without serving HTTP.
// Used when an operator wants to split job execution onto its own replica.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	logger.Info("worker started")

	ulaPrefix, err := netip.ParsePrefix(cfg.ULAPrefix)
	if err != nil {
		return fmt.Errorf("parsing ULA prefix %q: %w", cfg.ULAPrefix, err)
	}
	ips, err := ipalloc.New(ctx, db, ulaPrefix)
	if err != nil {
		return fmt.Errorf("initializing IP allocator: %w", err)
	}

	derpFetcher := derpmap.New(cfg.DERPMapURL, cfg.DERPMapLocalFile)
	derpMap, err := derpFetcher.Fetch(ctx)
	if err != nil {
		logger.Warn("fetching DERP map, continuing with an empty map", "error", err)
	}

	hub := peernotify.New(logger)
	reg := registry.NewStore(db)
	broker := session.New(db, ips, hub, derpMap, abac.New(logger), logger)

	auditBus := audit.NewBus(logger)
	auditBus.Register(audit.NewRelationalSink(db))
	auditBus.Start(ctx)
	defer auditBus.Close()
	auditReader := audit.NewReader(db)

	orgs := org.NewStore(db)
	defaultTTL, err := time.ParseDuration(cfg.WeaverTTLDefault)
	if err != nil {
		return fmt.Errorf("parsing weaver TTL default %q: %w", cfg.WeaverTTLDefault, err)
	}
	maxTTL, err := time.ParseDuration(cfg.WeaverTTLMax)
	if err != nil {
		return fmt.Errorf("parsing weaver TTL max %q: %w", cfg.WeaverTTLMax, err)
	}
	policy := org.NewPolicyStore(orgs, cfg.WeaverQuotaDefault, defaultTTL, maxTTL)

	readyTimeout, err := time.ParseDuration(cfg.WeaverReadyTimeout)
	if err != nil {
		return fmt.Errorf("parsing weaver ready timeout %q: %w", cfg.WeaverReadyTimeout, err)
	}

	var provisioner *weaver.Provisioner
	kube, err := platform.NewKubeClient(cfg.KubeInCluster, cfg.KubeConfigPath)
	if err != nil {
		logger.Warn("kubernetes client unavailable, weaver cleanup job disabled", "error", err)
	} else {
		provisioner = weaver.New(kube, reg, ips, policy, auditBus, weaver.Config{
			Namespace:       cfg.KubeNamespace,
			ImageDefault:    cfg.WeaverImageDefault,
			AuditSidecarImg: cfg.WeaverAuditImage,
			ReadyTimeout:    readyTimeout,
		}, logger)
	}

	sched := scheduler.New(logger)
	sched.Register(&scheduler.DeviceSessionCleanupJob{Broker: broker, Registry: reg}, 5*time.Minute, true)
	if provisioner != nil {
		sched.Register(&scheduler.WeaverCleanupJob{Provisioner: provisioner}, 5*time.Minute, true)
	}
	sched.Register(&scheduler.IPAllocationRetentionJob{Allocator: ips, RetainFor: 30 * 24 * time.Hour}, 24*time.Hour, true)
	sched.Register(&scheduler.AuditRetentionJob{Reader: auditReader, RetainFor: 180 * 24 * time.Hour}, 24*time.Hour, true)

	sched.Run(ctx)
	logger.Info("worker shut down")
	return nil
}
