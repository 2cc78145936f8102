package client

import (
	"crypto/ecdsa"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/x402-go/x402/internal/eventbus"
	"github.com/x402-go/x402/internal/resilience"
	"github.com/x402-go/x402/pkg/types"
)

// PaymentDecision is called once with the selected (cheapest) offered
// PaymentRequirements before the engine signs anything. Returning false aborts the
// pipeline with a terminal "payment declined" failure.
type PaymentDecision func(types.PaymentRequirements) bool

// Engine is the §4.8 client payment engine: it detects a 402, selects
// among the offered payment options, signs an authorization with the
// holder key, retries with the payment header, and interprets the
// settlement receipt — all under a per-host circuit breaker and
// exponential-backoff retry.
type Engine struct {
	httpClient      *http.Client
	privateKey      *ecdsa.PrivateKey
	paymentDecision PaymentDecision
	maxAmount       string // decimal string, empty means unlimited
	bus             *eventbus.Bus
	logger          *slog.Logger
	timeout         time.Duration
	backoff         resilience.BackoffConfig

	breakersMu    sync.Mutex
	breakers      map[string]*resilience.CircuitBreaker
	breakerConfig breakerConfig

	noncesMu sync.Mutex
	nonces   *selfNonces
}

type breakerConfig struct {
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
}

// Option configures a new Engine.
type Option func(*Engine)

// WithHTTPClient overrides the default *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithPaymentDecision installs a callback consulted before signing any
// authorization.
func WithPaymentDecision(fn PaymentDecision) Option {
	return func(e *Engine) { e.paymentDecision = fn }
}

// WithMaxAmount caps the amount (atomic units, decimal string) the
// engine will agree to pay for a single request.
func WithMaxAmount(maxAmount string) Option {
	return func(e *Engine) { e.maxAmount = maxAmount }
}

// WithEventBus routes lifecycle events to bus instead of a private one.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTimeout overrides the default 30s per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithBackoff overrides the default retry policy (3 attempts, 1s base,
// 0.1 jitter per spec §4.8).
func WithBackoff(cfg resilience.BackoffConfig) Option {
	return func(e *Engine) { e.backoff = cfg }
}

// WithCircuitBreakerConfig overrides the per-host circuit breaker's
// thresholds (default: 5 consecutive failures to open, 2 consecutive
// successes to close from half-open, 30s reset timeout).
func WithCircuitBreakerConfig(failureThreshold, successThreshold int, resetTimeout time.Duration) Option {
	return func(e *Engine) {
		e.breakerConfig = breakerConfig{failureThreshold, successThreshold, resetTimeout}
	}
}

// New constructs an Engine that signs authorizations with privateKey.
func New(privateKey *ecdsa.PrivateKey, opts ...Option) *Engine {
	e := &Engine{
		httpClient: &http.Client{},
		privateKey: privateKey,
		logger:     slog.Default(),
		timeout:    30 * time.Second,
		backoff:    defaultBackoff(),
		breakers:   make(map[string]*resilience.CircuitBreaker),
		breakerConfig: breakerConfig{
			failureThreshold: 5,
			successThreshold: 2,
			resetTimeout:     30 * time.Second,
		},
		nonces: newSelfNonces(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = eventbus.New(0, e.logger)
	}
	return e
}

// defaultBackoff matches spec §4.8: 3 attempts, 1s base, 0.1 jitter.
func defaultBackoff() resilience.BackoffConfig {
	cfg := resilience.DefaultBackoffConfig()
	cfg.MaxAttempts = 3
	cfg.Base = time.Second
	cfg.Jitter = 0.1
	cfg.IsRetryable = isRetryable
	return cfg
}

func (e *Engine) breakerFor(host string) *resilience.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if b, ok := e.breakers[host]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker(e.breakerConfig.failureThreshold, e.breakerConfig.successThreshold, e.breakerConfig.resetTimeout)
	e.breakers[host] = b
	return b
}

func (e *Engine) drawNonce() (string, error) {
	e.noncesMu.Lock()
	defer e.noncesMu.Unlock()
	return e.nonces.Draw()
}

// EventBus exposes the engine's event bus so a caller can subscribe to
// payment lifecycle events.
func (e *Engine) EventBus() *eventbus.Bus { return e.bus }
