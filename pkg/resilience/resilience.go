package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"liveconsult-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a circuit breaker
type Config struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through
	Cooldown time.Duration
	// Timeout bounds each call
	Timeout time.Duration
}

// DefaultConfig opens after 3 failures and probes again after 10 seconds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		Timeout:          10 * time.Second,
	}
}

// CircuitBreaker guards calls to an unreliable dependency. It never retries:
// callers that need at-most-once delivery get exactly one attempt or ErrCircuitOpen.
type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	metrics *breakerMetrics
}

// breakerMetrics tracks guarded call outcomes
type breakerMetrics struct {
	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	state         prometheus.Gauge
}

func newBreakerMetrics(name string, reg prometheus.Registerer) *breakerMetrics {
	m := &breakerMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "circuit_breaker_requests_total",
				Help:        "Total number of calls through the circuit breaker",
				ConstLabels: prometheus.Labels{"breaker": name},
			},
			[]string{"operation", "status"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "circuit_breaker_errors_total",
				Help:        "Total number of failed calls by error type",
				ConstLabels: prometheus.Labels{"breaker": name},
			},
			[]string{"operation", "error_type"},
		),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "circuit_breaker_state",
			Help:        "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			ConstLabels: prometheus.Labels{"breaker": name},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.errorsTotal, m.state)
	}
	return m
}

// NewCircuitBreaker creates a closed breaker. Metrics are registered on reg when non-nil.
func NewCircuitBreaker(name string, cfg Config, reg prometheus.Registerer) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		now:     time.Now,
		state:   CircuitBreakerClosed,
		metrics: newBreakerMetrics(name, reg),
	}
}

// Execute runs fn once with a timeout unless the circuit is open
func (b *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if !b.allow() {
		b.metrics.requestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
		return fmt.Errorf("%s %s: %w", b.name, operation, ErrCircuitOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := fn(callCtx)
	b.record(operation, err)
	if err != nil {
		b.metrics.requestsTotal.WithLabelValues(operation, "failure").Inc()
		b.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		return err
	}
	b.metrics.requestsTotal.WithLabelValues(operation, "success").Inc()
	return nil
}

// State returns the current circuit breaker state
func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow admits a call. An open circuit lets a single probe through after the cooldown.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setStateLocked(CircuitBreakerHalfOpen)
		b.probing = true
		logger.Warn("Circuit breaker HALF-OPEN - allowing probe",
			zap.String("breaker", b.name))
		return true
	case CircuitBreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

func (b *CircuitBreaker) record(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		if b.state != CircuitBreakerClosed {
			logger.Info("Circuit breaker CLOSED - dependency recovered",
				zap.String("breaker", b.name),
				zap.String("operation", operation))
		}
		b.consecutiveFailures = 0
		b.setStateLocked(CircuitBreakerClosed)
		return
	}

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
		b.openedAt = b.now()
		b.setStateLocked(CircuitBreakerOpen)
	}
}

func (b *CircuitBreaker) setStateLocked(s CircuitBreakerState) {
	b.state = s
	switch s {
	case CircuitBreakerClosed:
		b.metrics.state.Set(0)
	case CircuitBreakerHalfOpen:
		b.metrics.state.Set(1)
	case CircuitBreakerOpen:
		b.metrics.state.Set(2)
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "status 5"):
		return "server"
	case strings.Contains(errMsg, "status 4"):
		return "client"
	default:
		return "unknown"
	}
}
