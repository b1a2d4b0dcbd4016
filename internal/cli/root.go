// Package cli implements the onboarding-server command line: the HTTP service and its
// operator subcommands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/team-onboarding/internal/config"
	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/logger"
	"github.com/kubilitics/team-onboarding/internal/repository"
	"github.com/kubilitics/team-onboarding/internal/service"
)

type app struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "onboarding-server",
		Short:         "Onboards teams onto a shared Kubernetes cluster",
		Long:          "onboarding-server provisions a namespace, quota and limit range per team, delegates namespace-scoped roles, and keeps a tamper-evident audit log.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.NewWithWriter(a.stderr, cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a config file (default: search /etc/team-onboarding, $HOME/.team-onboarding, .)")

	cmd.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newRenderCmd(a),
		newVerifyAuditCmd(a),
	)
	return cmd
}

// openRepository connects to the configured database and applies pending migrations.
func (a *app) openRepository(ctx context.Context) (*repository.SQLRepository, error) {
	dsn := a.cfg.DatabasePath
	if a.cfg.DatabaseDriver == "postgres" {
		dsn = a.cfg.DatabaseURL
	}
	repo, err := repository.Open(a.cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx, a.log); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

func (a *app) specDefaults() models.NamespaceBootstrapSpec {
	return models.NamespaceBootstrapSpec{
		CPUQuota:             a.cfg.DefaultCPUQuota,
		MemoryQuota:          a.cfg.DefaultMemoryQuota,
		MaxPods:              a.cfg.DefaultMaxPods,
		DefaultCPULimit:      a.cfg.DefaultCPULimit,
		DefaultMemoryLimit:   a.cfg.DefaultMemoryLimit,
		DefaultCPURequest:    a.cfg.DefaultCPURequest,
		DefaultMemoryRequest: a.cfg.DefaultMemoryRequest,
	}
}

func (a *app) serviceOptions(instanceID string) service.Options {
	return service.Options{
		InstanceID:      instanceID,
		NamespacePrefix: a.cfg.NamespacePrefix,
		Defaults:        a.specDefaults(),
		DefaultRoles:    a.cfg.DefaultRoles,
		MaxAttempts:     a.cfg.RetryMaxAttempts,
		Backoff: k8s.Backoff{
			Initial: time.Duration(a.cfg.RetryInitialBackoffMs) * time.Millisecond,
			Max:     time.Duration(a.cfg.RetryMaxBackoffMs) * time.Millisecond,
		},
		LeaseTTL:             a.cfg.LeaseTTL(),
		ReconcileInterval:    time.Duration(a.cfg.ReconcileIntervalSec) * time.Second,
		ReconcileParallelism: a.cfg.ReconcileParallelism,
		StuckThreshold:       a.cfg.StuckThreshold(),
	}
}

func (a *app) instanceID() string {
	if a.cfg.InstanceID != "" {
		return a.cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("onboarding-%d", os.Getpid())
	}
	return host
}
