package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kubilitics/team-onboarding/internal/api/middleware"
	"github.com/kubilitics/team-onboarding/internal/api/rest"
	"github.com/kubilitics/team-onboarding/internal/audit"
	"github.com/kubilitics/team-onboarding/internal/bootstrap"
	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/lease"
	"github.com/kubilitics/team-onboarding/internal/pkg/tracing"
	"github.com/kubilitics/team-onboarding/internal/rbac"
	"github.com/kubilitics/team-onboarding/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the onboarding API and the request reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

// newCluster connects to the API server with the configured timeout, rate limit and breaker.
func (a *app) newCluster() (*k8s.Client, error) {
	client, err := k8s.NewClient(a.cfg.KubeconfigPath, a.cfg.KubeContext)
	if err != nil {
		return nil, err
	}
	client.SetTimeout(a.cfg.K8sTimeout())
	client.SetBreakerSettings(a.cfg.BreakerFailures, time.Duration(a.cfg.BreakerOpenSec)*time.Second)
	if a.cfg.K8sRateLimitPerSec > 0 {
		burst := a.cfg.K8sRateLimitBurst
		if burst <= 0 {
			burst = int(a.cfg.K8sRateLimitPerSec) + 1
		}
		client.SetLimiter(rate.NewLimiter(rate.Limit(a.cfg.K8sRateLimitPerSec), burst))
	}
	return client, nil
}

// newLocker builds the configured lease backend. The returned func releases its resources.
func (a *app) newLocker(client *k8s.Client) (lease.Locker, func(), error) {
	switch a.cfg.LeaseBackend {
	case "redis":
		l, err := lease.NewRedisLocker(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, a.log)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "memory":
		a.log.Warn("using in-process leases; run a single replica only")
		return lease.NewMemoryLocker(), func() {}, nil
	default:
		return lease.NewKubernetesLocker(client, a.cfg.LeaseNamespace), func() {}, nil
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	shutdownTracing, err := tracing.Init("team-onboarding", cfg.TracingEndpoint, cfg.TracingProtocol, cfg.TracingSamplingRate)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	client, err := a.newCluster()
	if err != nil {
		return err
	}
	policy, err := rbac.NewPolicy(cfg.AllowedRoles)
	if err != nil {
		return fmt.Errorf("allowed_roles: %w", err)
	}
	for _, role := range cfg.DefaultRoles {
		if _, err := policy.Resolve(role, "default"); err != nil {
			return fmt.Errorf("default_roles: %w", err)
		}
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, cfg.K8sTimeout())
	gaps, err := rbac.NewPermissionChecker(client.Clientset).CheckDelegation(checkCtx, policy.ClusterRoles())
	cancelCheck()
	if err != nil {
		log.Warn("could not verify service permissions", "error", err)
	}
	for _, gap := range gaps {
		log.Warn("service account lacks a permission onboarding needs",
			"verb", gap.Verb, "group", gap.Group, "resource", gap.Resource, "name", gap.Name)
	}

	locker, closeLocker, err := a.newLocker(client)
	if err != nil {
		return err
	}
	defer closeLocker()

	auditLog := audit.New(repo, log.With("stream", "audit"))
	instanceID := a.instanceID()
	orch := service.NewOrchestrator(repo,
		bootstrap.New(client, log),
		rbac.NewDelegator(client, repo, policy, log),
		auditLog, locker, a.serviceOptions(instanceID), log)
	defer orch.Close()

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		orch.Run(ctx)
	}()

	router := mux.NewRouter()
	router.Use(
		middleware.Recover(log),
		middleware.RequestID,
		middleware.Identity,
		middleware.StructuredLog,
		middleware.SecureHeaders,
		middleware.MaxBodySize(cfg.MaxBodyBytes),
		middleware.RateLimitWrites(cfg.WriteRateLimit),
	)
	rest.SetupRoutes(router, rest.NewHandler(orch, auditLog, log))
	rest.SetupHealthRoutes(router, rest.NewHealthzHandler(repo, client))
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", middleware.RemoteUserHeader, rest.IdempotencyKeyHeader, middleware.ResponseRequestIDHeader},
		ExposedHeaders: []string{middleware.ResponseRequestIDHeader, middleware.TraceIDHeader, "Location", "X-Next-Cursor"},
	})

	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      middleware.Tracing(c.Handler(router)),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("onboarding server listening", "port", cfg.Port, "instance_id", instanceID,
			"database", cfg.DatabaseDriver, "lease_backend", locker.Backend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}
	<-reconcileDone
	return nil
}
