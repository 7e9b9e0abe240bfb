// Package breaker protects the channel providers from cascade failures:
// when a provider goes dark, deliveries fail fast into the retry/backoff
// path instead of tying up queue workers on timeouts.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the circuit rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of the circuit. Closed passes traffic, Open rejects it, HalfOpen
// lets a bounded number of probes through after the recovery timeout.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config tunes one circuit.
type Config struct {
	Name                string
	MaxFailures         int           // consecutive failures before the circuit opens
	RecoveryTimeout     time.Duration // time in open state before probing
	HalfOpenMaxRequests int           // probes allowed while half-open
}

// DefaultConfig returns thresholds suited to the channel providers: trip
// after a burst of failures, probe again after half a minute.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive failures against one provider.
type CircuitBreaker struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	probes      int
	lastFailure time.Time

	rejected int64
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{cfg: cfg, logger: logger, state: StateClosed}
}

// Allow reports whether a request may proceed, moving the circuit to
// half-open once the recovery timeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			cb.rejected++
			return false
		}
		cb.state = StateHalfOpen
		cb.probes = 1
		cb.logger.Info("circuit breaker probing provider",
			zap.String("name", cb.cfg.Name),
		)
		return true
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			cb.rejected++
			return false
		}
		cb.probes++
		return true
	}
	return false
}

// RecordSuccess clears the failure streak; a successful half-open probe
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.probes = 0
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("name", cb.cfg.Name),
		)
	}
}

// RecordFailure extends the failure streak. The circuit opens when the
// streak reaches MaxFailures, or immediately when a probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.cfg.Name),
				zap.Int("failures", cb.failures),
			)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.probes = 0
		cb.logger.Warn("circuit breaker reopened, probe failed",
			zap.String("name", cb.cfg.Name),
		)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name identifies the protected provider in logs and errors.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Rejected returns how many requests the circuit has refused.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

// Reset forces the circuit closed. Operator override for when a provider
// is known to be healthy again.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.logger.Info("circuit breaker reset",
		zap.String("name", cb.cfg.Name),
	)
}
