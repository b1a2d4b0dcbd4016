package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client wraps client-go. Every cluster call made by the onboarding workflow goes
// through Do, which applies the rate limit, per-call timeout and circuit breaker and
// classifies the resulting error.
type Client struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
	Context   string
	// Timeout for outbound API calls; 0 means the caller's context only.
	Timeout time.Duration

	limiter        *rate.Limiter
	circuitBreaker *CircuitBreaker

	healthMu        sync.RWMutex
	lastSuccessTime time.Time
	lastError       error
}

// NewClient builds a client from kubeconfigPath/context, falling back to the in-cluster
// config when no path is given and then to ~/.kube/config.
func NewClient(kubeconfigPath, context string) (*Client, error) {
	var config *rest.Config
	var err error

	if kubeconfigPath == "" {
		config, err = rest.InClusterConfig()
		if err != nil {
			homeDir, _ := os.UserHomeDir()
			if homeDir != "" {
				kubeconfigPath = filepath.Join(homeDir, ".kube", "config")
			}
		}
	}

	if config == nil {
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath},
			&clientcmd.ConfigOverrides{CurrentContext: context},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build config: %w", err)
		}
	}
	config.UserAgent = "team-onboarding"

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return &Client{
		Clientset:       clientset,
		Config:          config,
		Context:         context,
		circuitBreaker:  NewCircuitBreaker(clusterLabel(context)),
		lastSuccessTime: time.Now(),
	}, nil
}

// NewClientForTest wraps an existing clientset (typically fake.NewSimpleClientset).
func NewClientForTest(clientset kubernetes.Interface) *Client {
	return &Client{
		Clientset:       clientset,
		circuitBreaker:  NewCircuitBreakerWithSettings("test", 1000, time.Second),
		lastSuccessTime: time.Now(),
	}
}

func clusterLabel(context string) string {
	if context == "" {
		return "default"
	}
	return context
}

// SetTimeout sets the per-call timeout for outbound API calls.
func (c *Client) SetTimeout(d time.Duration) {
	c.Timeout = d
}

// SetLimiter sets a token-bucket rate limiter for outbound API calls. Nil disables limiting.
func (c *Client) SetLimiter(l *rate.Limiter) {
	c.limiter = l
}

// SetBreakerSettings replaces the breaker with one using the given thresholds.
func (c *Client) SetBreakerSettings(failureThreshold int, openDuration time.Duration) {
	c.circuitBreaker = NewCircuitBreakerWithSettings(clusterLabel(c.Context), failureThreshold, openDuration)
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return ctx, func() {}
}

// Do runs a single cluster API call. The returned error is nil or classified with
// Classify(op, ...). Retrying is the caller's decision.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return Classify(op, fmt.Errorf("rate limit wait: %w", err))
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	call := func() error { return fn(callCtx) }
	var err error
	if c.circuitBreaker != nil {
		err = c.circuitBreaker.Execute(callCtx, call)
	} else {
		err = call()
	}
	c.recordHealth(err)
	return Classify(op, err)
}

func (c *Client) recordHealth(err error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if err == nil || !isInfraError(err) {
		c.lastSuccessTime = time.Now()
		c.lastError = nil
		return
	}
	c.lastError = err
}

// HealthStatus reports the last successful call time, last infrastructure error and breaker state.
func (c *Client) HealthStatus() (lastSuccess time.Time, lastErr error, state CircuitBreakerState) {
	c.healthMu.RLock()
	lastSuccess, lastErr = c.lastSuccessTime, c.lastError
	c.healthMu.RUnlock()
	if c.circuitBreaker != nil {
		state = c.circuitBreaker.State()
	}
	return lastSuccess, lastErr, state
}

// Ping checks API server reachability through the discovery endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, "k8s.ping", func(ctx context.Context) error {
		_, err := c.Clientset.Discovery().ServerVersion()
		return err
	})
}
