package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults: three consecutive failures open the circuit for 30 seconds.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

type circuit struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
	totalCalls          int64
	totalFailures       int64
}

// Breaker is the per-provider circuit breaker. Only transient failures
// and timeouts count toward opening; permanent errors are surfaced to
// the caller without touching the counters.
type Breaker struct {
	failureThreshold int
	cooldown         time.Duration
	logger           *zap.Logger
	now              func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker builds a breaker with the given threshold and cooldown.
// Zero values select the defaults.
func NewBreaker(failureThreshold int, cooldown time.Duration, logger *zap.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		logger:           logger,
		now:              time.Now,
		circuits:         make(map[string]*circuit),
	}
}

// WithClock overrides the time source. Tests only.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) circuitLocked(provider string) *circuit {
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[provider] = c
	}
	return c
}

// Allow reports whether a call to the provider may proceed. In half-open
// state at most one probe is admitted at a time; the admitted caller must
// report the outcome via RecordSuccess or RecordFailure.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(provider)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		b.logger.Info("circuit half-open, probing", zap.String("provider", provider))
		return true
	case StateHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the consecutive failure count and, from half-open,
// closes the circuit.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(provider)
	c.totalCalls++
	c.consecutiveFailures = 0
	if c.state == StateHalfOpen {
		c.state = StateClosed
		c.probeInFlight = false
		b.logger.Info("circuit closed", zap.String("provider", provider))
	}
}

// RecordFailure counts one transient failure. From half-open the circuit
// reopens immediately with a fresh cooldown; from closed it opens once
// the threshold is reached.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(provider)
	c.totalCalls++
	c.totalFailures++
	c.consecutiveFailures++

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		c.probeInFlight = false
		b.logger.Warn("circuit reopened, probe failed", zap.String("provider", provider))
	case StateClosed:
		if c.consecutiveFailures >= b.failureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
			b.logger.Warn("circuit opened",
				zap.String("provider", provider),
				zap.Int("consecutive_failures", c.consecutiveFailures))
		}
	}
}

// State returns the current state without mutating it, except for the
// time-driven open → half-open transition which is reported (not
// committed) so observers see what a caller would.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(provider)
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return c.state
}

// ConsecutiveFailures exposes the failure counter for tests and stats.
func (b *Breaker) ConsecutiveFailures(provider string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitLocked(provider).consecutiveFailures
}

// Reset returns a provider's circuit to closed. Admin/test override.
func (b *Breaker) Reset(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits[provider] = &circuit{state: StateClosed}
}

// Stats is the breaker snapshot exposed by the stats frame.
type Stats struct {
	Provider            string `json:"provider"`
	State               State  `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalCalls          int64  `json:"total_calls"`
	TotalFailures       int64  `json:"total_failures"`
	CooldownRemainingMs int64  `json:"cooldown_remaining_ms,omitempty"`
}

// Snapshot returns the current stats for a provider.
func (b *Breaker) Snapshot(provider string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(provider)
	s := Stats{
		Provider:            provider,
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		TotalCalls:          c.totalCalls,
		TotalFailures:       c.totalFailures,
	}
	if c.state == StateOpen {
		if remaining := b.cooldown - b.now().Sub(c.openedAt); remaining > 0 {
			s.CooldownRemainingMs = remaining.Milliseconds()
		} else {
			s.State = StateHalfOpen
		}
	}
	return s
}
