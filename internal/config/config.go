package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               int      `mapstructure:"port"`
	LogLevel           string   `mapstructure:"log_level"`
	LogFormat          string   `mapstructure:"log_format"` // json | text
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_sec"`  // HTTP read/write
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"` // Graceful shutdown wait
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes"`
	WriteRateLimit     int      `mapstructure:"write_rate_limit_per_min"` // Mutating requests per caller; 0 = no limit
	InstanceID         string   `mapstructure:"instance_id"`              // Lease holder identity; empty = hostname

	DatabaseDriver string `mapstructure:"database_driver"` // sqlite | postgres
	DatabasePath   string `mapstructure:"database_path"`   // sqlite file
	DatabaseURL    string `mapstructure:"database_url"`    // postgres DSN

	KubeconfigPath     string  `mapstructure:"kubeconfig_path"`
	KubeContext        string  `mapstructure:"kube_context"`
	K8sTimeoutSec      int     `mapstructure:"k8s_timeout_sec"`        // Per-call timeout for the cluster API
	K8sRateLimitPerSec float64 `mapstructure:"k8s_rate_limit_per_sec"` // 0 = no limit
	K8sRateLimitBurst  int     `mapstructure:"k8s_rate_limit_burst"`
	BreakerFailures    int     `mapstructure:"breaker_failure_threshold"` // Consecutive infra failures before failing fast
	BreakerOpenSec     int     `mapstructure:"breaker_open_sec"`

	LeaseBackend   string `mapstructure:"lease_backend"` // kubernetes | redis | memory
	LeaseNamespace string `mapstructure:"lease_namespace"`
	LeaseTTLSec    int    `mapstructure:"lease_ttl_sec"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`

	RetryMaxAttempts      int `mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int `mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `mapstructure:"retry_max_backoff_ms"`

	NamespacePrefix      string            `mapstructure:"namespace_prefix"`
	DefaultCPUQuota      string            `mapstructure:"default_cpu_quota"`
	DefaultMemoryQuota   string            `mapstructure:"default_memory_quota"`
	DefaultMaxPods       int               `mapstructure:"default_max_pods"`
	DefaultCPULimit      string            `mapstructure:"default_cpu_limit"`
	DefaultMemoryLimit   string            `mapstructure:"default_memory_limit"`
	DefaultCPURequest    string            `mapstructure:"default_cpu_request"`
	DefaultMemoryRequest string            `mapstructure:"default_memory_request"`
	DefaultRoles         []string          `mapstructure:"default_roles"` // Granted to the team owner on onboarding
	AllowedRoles         map[string]string `mapstructure:"allowed_roles"` // role name -> ClusterRole

	ReconcileIntervalSec int `mapstructure:"reconcile_interval_sec"` // 0 = only on startup
	ReconcileParallelism int `mapstructure:"reconcile_parallelism"`
	StuckThresholdSec    int `mapstructure:"stuck_threshold_sec"`

	TracingEndpoint     string  `mapstructure:"tracing_endpoint"` // empty = disabled
	TracingProtocol     string  `mapstructure:"tracing_protocol"` // http | grpc
	TracingSamplingRate float64 `mapstructure:"tracing_sampling_rate"`
}

// Load reads config.yaml from the standard locations, then ONBOARDING_* environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file; empty path searches the default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/team-onboarding/")
		v.AddConfigPath("$HOME/.team-onboarding")
		v.AddConfigPath(".")
	}
	setDefaults(v)

	v.SetEnvPrefix("ONBOARDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Comma-separated env values arrive as a single element.
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.DefaultRoles = splitList(cfg.DefaultRoles)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("request_timeout_sec", 30)
	v.SetDefault("shutdown_timeout_sec", 15)
	v.SetDefault("max_body_bytes", 64*1024)
	v.SetDefault("write_rate_limit_per_min", 60)
	v.SetDefault("instance_id", "")

	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_path", "./onboarding.db")
	v.SetDefault("database_url", "")

	v.SetDefault("kubeconfig_path", "")
	v.SetDefault("kube_context", "")
	v.SetDefault("k8s_timeout_sec", 15)
	v.SetDefault("k8s_rate_limit_per_sec", 0)
	v.SetDefault("k8s_rate_limit_burst", 0)
	v.SetDefault("breaker_failure_threshold", 5)
	v.SetDefault("breaker_open_sec", 30)

	v.SetDefault("lease_backend", "kubernetes")
	v.SetDefault("lease_namespace", "team-onboarding")
	v.SetDefault("lease_ttl_sec", 30)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("retry_max_attempts", 5)
	v.SetDefault("retry_initial_backoff_ms", 200)
	v.SetDefault("retry_max_backoff_ms", 10000)

	v.SetDefault("namespace_prefix", "")
	v.SetDefault("default_cpu_quota", "4")
	v.SetDefault("default_memory_quota", "8Gi")
	v.SetDefault("default_max_pods", 20)
	v.SetDefault("default_cpu_limit", "500m")
	v.SetDefault("default_memory_limit", "512Mi")
	v.SetDefault("default_cpu_request", "100m")
	v.SetDefault("default_memory_request", "128Mi")
	v.SetDefault("default_roles", []string{"developer"})
	v.SetDefault("allowed_roles", map[string]string{
		"developer":  "edit",
		"viewer":     "view",
		"maintainer": "admin",
	})

	v.SetDefault("reconcile_interval_sec", 60)
	v.SetDefault("reconcile_parallelism", 4)
	v.SetDefault("stuck_threshold_sec", 1800)

	v.SetDefault("tracing_endpoint", "")
	v.SetDefault("tracing_protocol", "http")
	v.SetDefault("tracing_sampling_rate", 1.0)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("database_path is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database_driver %q (sqlite, postgres)", c.DatabaseDriver)
	}
	switch c.LeaseBackend {
	case "kubernetes", "redis", "memory":
	default:
		return fmt.Errorf("unsupported lease_backend %q (kubernetes, redis, memory)", c.LeaseBackend)
	}
	if c.LeaseTTLSec < 3 {
		return fmt.Errorf("lease_ttl_sec must be at least 3, got %d", c.LeaseTTLSec)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if len(c.DefaultRoles) == 0 {
		return fmt.Errorf("default_roles must not be empty")
	}
	return nil
}

// LeaseTTL returns the configured lease duration.
func (c *Config) LeaseTTL() time.Duration { return time.Duration(c.LeaseTTLSec) * time.Second }

// K8sTimeout returns the per-call cluster API timeout.
func (c *Config) K8sTimeout() time.Duration { return time.Duration(c.K8sTimeoutSec) * time.Second }

// StuckThreshold returns the age after which a non-terminal request is reported as stuck.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdSec) * time.Second
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
