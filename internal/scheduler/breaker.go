package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/publisher"
)

// BreakerConfig tunes the per-platform circuit breakers. A breaker opens
// when Failures of the last Executions calls failed and stays open for Delay.
type BreakerConfig struct {
	Failures   uint
	Executions uint
	Delay      time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Executions == 0 {
		c.Executions = 10
	}
	if c.Failures == 0 {
		c.Failures = 5
	}
	if c.Failures > c.Executions {
		c.Failures = c.Executions
	}
	if c.Delay <= 0 {
		c.Delay = 30 * time.Second
	}
	return c
}

// breakers holds one circuit breaker per platform, created on first use.
type breakers struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu     sync.Mutex
	byName map[persistence.Platform]circuitbreaker.CircuitBreaker[publisher.Receipt]
}

func newBreakers(cfg BreakerConfig, logger *slog.Logger) *breakers {
	return &breakers{
		cfg:    cfg.withDefaults(),
		logger: logger,
		byName: make(map[persistence.Platform]circuitbreaker.CircuitBreaker[publisher.Receipt]),
	}
}

func (b *breakers) get(p persistence.Platform) circuitbreaker.CircuitBreaker[publisher.Receipt] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byName[p]; ok {
		return cb
	}
	cb := circuitbreaker.NewBuilder[publisher.Receipt]().
		WithFailureThresholdRatio(b.cfg.Failures, b.cfg.Executions).
		WithDelay(b.cfg.Delay).
		WithSuccessThreshold(1).
		// Content rejections say nothing about platform health.
		HandleIf(func(_ publisher.Receipt, err error) bool {
			return err != nil && publisher.KindOf(err) != persistence.OutcomeRejected
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			b.logger.Warn("platform circuit breaker state change",
				"platform", p,
				"from_state", stateName(event.OldState),
				"to_state", stateName(event.NewState),
			)
		}).
		Build()
	b.byName[p] = cb
	return cb
}

// states reports the state of every breaker created so far.
func (b *breakers) states() map[persistence.Platform]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[persistence.Platform]string, len(b.byName))
	for p, cb := range b.byName {
		out[p] = stateName(cb.State())
	}
	return out
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	}
	return "unknown"
}
