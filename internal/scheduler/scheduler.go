// Package scheduler owns the content lifecycle: it stores submissions,
// claims items whose scheduled time has passed and fans each one out to
// its target platforms.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-agency/internal/bus"
	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/publisher"
	"github.com/basket/go-agency/internal/shared"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultMaxParallel    = 6
	DefaultBatchSize      = 100
)

// CacheInvalidator is notified after writes that touch agent rows.
type CacheInvalidator interface {
	Invalidate()
}

// Config holds the dependencies for the content scheduler.
type Config struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Publishers publisher.Set
	Agents     CacheInvalidator
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelpkg.Metrics

	Interval       time.Duration // tick interval; defaults to 30s
	PublishTimeout time.Duration // per platform call; defaults to 10s
	MaxParallel    int           // concurrent platform calls per item
	BatchSize      int           // due items examined per tick
	Breaker        BreakerConfig
}

// TickResult summarizes one pass over due content.
type TickResult struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Scheduler stores content and distributes it when due.
type Scheduler struct {
	store      *persistence.Store
	bus        *bus.Bus
	publishers publisher.Set
	agents     CacheInvalidator
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otelpkg.Metrics
	breakers   *breakers

	interval    time.Duration
	timeout     time.Duration
	maxParallel int
	batchSize   int

	settingsMu sync.RWMutex

	// unrecorded holds distributions whose outcomes could not be stored.
	// They are retried at the start of each tick.
	unrecordedMu sync.Mutex
	unrecorded   map[string]unrecordedResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type unrecordedResult struct {
	item     persistence.ContentItem
	final    persistence.ContentStatus
	outcomes map[persistence.Platform]persistence.PlatformOutcome
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:       cfg.Store,
		bus:         cfg.Bus,
		publishers:  cfg.Publishers,
		agents:      cfg.Agents,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		timeout:     cfg.PublishTimeout,
		maxParallel: cfg.MaxParallel,
		batchSize:   cfg.BatchSize,
		unrecorded:  map[string]unrecordedResult{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otelpkg.NoopTracer()
	}
	if s.metrics == nil {
		s.metrics = otelpkg.NoopMetrics()
	}
	if s.publishers == nil {
		s.publishers = publisher.Set{}
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.timeout <= 0 {
		s.timeout = DefaultPublishTimeout
	}
	if s.maxParallel <= 0 {
		s.maxParallel = DefaultMaxParallel
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	s.breakers = newBreakers(cfg.Breaker, s.logger)
	return s
}

// SetPublishTimeout changes the per-platform call timeout for later calls.
func (s *Scheduler) SetPublishTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.settingsMu.Lock()
	s.timeout = d
	s.settingsMu.Unlock()
}

func (s *Scheduler) publishTimeout() time.Duration {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.timeout
}

// BreakerStates reports each configured platform's breaker state. Platforms
// that have not been called yet are closed.
func (s *Scheduler) BreakerStates() map[persistence.Platform]string {
	out := s.breakers.states()
	for p := range s.publishers {
		if _, ok := out[p]; !ok {
			out[p] = "closed"
		}
	}
	return out
}

// Enqueue validates and stores a submission. It is scheduled unless the
// submission asks for a draft.
func (s *Scheduler) Enqueue(ctx context.Context, sub Submission) (persistence.ContentItem, error) {
	item, err := sub.toItem()
	if err != nil {
		return persistence.ContentItem{}, err
	}
	stored, err := s.store.InsertContent(ctx, item)
	s.invalidateAgents()
	if err != nil {
		return persistence.ContentItem{}, fmt.Errorf("enqueue content: %w", err)
	}
	s.logger.InfoContext(ctx, "content submitted",
		"content_id", stored.ID,
		"creator", stored.CreatorAgentID,
		"platforms", len(stored.Platforms),
		"scheduled_time", stored.ScheduledTime,
		"status", stored.Status,
	)
	s.bus.Publish(bus.TopicContentSubmitted, bus.ContentEvent{
		ContentID: stored.ID,
		CreatorID: stored.CreatorAgentID,
		NewStatus: string(stored.Status),
	})
	return stored, nil
}

// Start begins the distribution loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("content scheduler started", "interval", s.interval, "publish_timeout", s.publishTimeout())
}

// Stop cancels the loop and waits for in-flight distribution to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("content scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	res, err := s.Tick(ctx, s.store.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: tick failed", "error", err)
		return
	}
	if res.Claimed > 0 || res.Published+res.Failed > 0 {
		s.logger.InfoContext(ctx, "scheduler: tick complete",
			"due", res.Due,
			"claimed", res.Claimed,
			"published", res.Published,
			"failed", res.Failed,
		)
	}
}

// Tick records any outcomes an earlier tick failed to store, then claims
// every scheduled item due at now and distributes the ones it won. Items
// claimed by a concurrent tick are skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	s.retryUnrecorded(ctx, &res)

	due, err := s.store.DueContent(ctx, now, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("list due content: %w", err)
	}
	res.Due = len(due)
	for _, item := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		won, err := s.store.ClaimContent(ctx, item.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "scheduler: claim failed", "content_id", item.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		res.Claimed++
		s.bus.Publish(bus.TopicContentClaimed, bus.ContentEvent{
			ContentID: item.ID,
			CreatorID: item.CreatorAgentID,
			OldStatus: string(persistence.ContentStatusScheduled),
			NewStatus: string(persistence.ContentStatusDistributing),
		})
		item.Status = persistence.ContentStatusDistributing

		final, err := s.finish(ctx, item)
		if err != nil {
			s.logger.ErrorContext(ctx, "scheduler: finish distribution failed", "content_id", item.ID, "error", err)
			continue
		}
		if final.Status == persistence.ContentStatusPublished {
			res.Published++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// finish distributes a claimed item and records the outcome. An outcome the
// store refuses for a reason other than the item's state is kept for retry.
func (s *Scheduler) finish(ctx context.Context, item persistence.ContentItem) (persistence.ContentItem, error) {
	ctx = shared.WithContentID(ctx, item.ID)
	outcomes := s.Distribute(ctx, item)
	final := persistence.ContentStatusFailed
	for _, p := range item.Platforms {
		if outcomes[p].Success {
			final = persistence.ContentStatusPublished
			break
		}
	}

	stored, err := s.record(ctx, item, final, outcomes)
	if err != nil && !errors.Is(err, persistence.ErrValidation) {
		s.keepUnrecorded(unrecordedResult{item: item, final: final, outcomes: outcomes})
	}
	return stored, err
}

func (s *Scheduler) keepUnrecorded(u unrecordedResult) {
	s.unrecordedMu.Lock()
	s.unrecorded[u.item.ID] = u
	s.unrecordedMu.Unlock()
}

// retryUnrecorded stores outcomes a previous tick could not. Items that
// left distributing in the meantime are dropped; nothing is re-posted.
func (s *Scheduler) retryUnrecorded(ctx context.Context, res *TickResult) {
	s.unrecordedMu.Lock()
	pending := s.unrecorded
	s.unrecorded = map[string]unrecordedResult{}
	s.unrecordedMu.Unlock()

	for id, u := range pending {
		rctx := shared.WithContentID(ctx, id)
		stored, err := s.record(rctx, u.item, u.final, u.outcomes)
		switch {
		case err == nil:
			if stored.Status == persistence.ContentStatusPublished {
				res.Published++
			} else {
				res.Failed++
			}
		case errors.Is(err, persistence.ErrValidation):
			s.logger.WarnContext(rctx, "scheduler: dropping unrecorded outcome", "content_id", id, "error", err)
		default:
			s.logger.ErrorContext(rctx, "scheduler: record outcome retry failed", "content_id", id, "error", err)
			s.keepUnrecorded(u)
		}
	}
}

// record stores a finished distribution and announces it.
func (s *Scheduler) record(ctx context.Context, item persistence.ContentItem, final persistence.ContentStatus, outcomes map[persistence.Platform]persistence.PlatformOutcome) (persistence.ContentItem, error) {
	var succeeded, failed []string
	for _, p := range item.Platforms {
		if outcomes[p].Success {
			succeeded = append(succeeded, string(p))
		} else {
			failed = append(failed, string(p))
		}
	}

	// Record the result even if the caller is shutting down.
	stored, err := s.store.FinishDistribution(context.WithoutCancel(ctx), item.ID, final, outcomes)
	if err != nil {
		return persistence.ContentItem{}, err
	}

	topic := bus.TopicContentPublished
	if final == persistence.ContentStatusFailed {
		topic = bus.TopicContentFailed
	}
	s.logger.InfoContext(ctx, "content distributed",
		"content_id", item.ID,
		"status", final,
		"succeeded", succeeded,
		"failed", failed,
	)
	s.bus.Publish(topic, bus.ContentEvent{
		ContentID: item.ID,
		CreatorID: item.CreatorAgentID,
		OldStatus: string(persistence.ContentStatusDistributing),
		NewStatus: string(final),
		Succeeded: succeeded,
		Failed:    failed,
	})
	return stored, nil
}

// SetStatus applies a forward-only status change requested by a producer.
// Re-applying the current status replaces the metrics map.
func (s *Scheduler) SetStatus(ctx context.Context, id string, status persistence.ContentStatus, metrics map[persistence.Platform]persistence.PlatformOutcome) (persistence.ContentItem, error) {
	if !status.Valid() {
		return persistence.ContentItem{}, persistence.Invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	item, from, err := s.store.UpdateContentStatus(ctx, id, status, metrics)
	if err != nil {
		return persistence.ContentItem{}, fmt.Errorf("set content status: %w", err)
	}
	s.logger.InfoContext(ctx, "content status updated", "content_id", id, "from", from, "to", status)
	s.bus.Publish(bus.TopicContentStatus, bus.ContentEvent{
		ContentID: item.ID,
		CreatorID: item.CreatorAgentID,
		OldStatus: string(from),
		NewStatus: string(item.Status),
	})
	return item, nil
}

// Recover fails items a previous process left mid-distribution. They are
// never re-posted.
func (s *Scheduler) Recover(ctx context.Context) ([]string, error) {
	ids, err := s.store.RecoverDistributing(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover distributing content: %w", err)
	}
	for _, id := range ids {
		s.logger.WarnContext(ctx, "content distribution interrupted; marked failed", "content_id", id)
		s.bus.Publish(bus.TopicContentFailed, bus.ContentEvent{
			ContentID: id,
			OldStatus: string(persistence.ContentStatusDistributing),
			NewStatus: string(persistence.ContentStatusFailed),
		})
	}
	return ids, nil
}

func (s *Scheduler) invalidateAgents() {
	if s.agents != nil {
		s.agents.Invalidate()
	}
}
