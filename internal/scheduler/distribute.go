package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/timeout"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/publisher"
)

// Distribute posts item to every target platform in parallel and returns
// one outcome per platform. Platform failures are recorded in the map and
// never returned as errors.
func (s *Scheduler) Distribute(ctx context.Context, item persistence.ContentItem) map[persistence.Platform]persistence.PlatformOutcome {
	start := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "scheduler.distribute",
		otelpkg.AttrContentID.String(item.ID),
		otelpkg.AttrAgentID.String(item.CreatorAgentID),
	)
	defer span.End()

	var mu sync.Mutex
	outcomes := make(map[persistence.Platform]persistence.PlatformOutcome, len(item.Platforms))
	record := func(p persistence.Platform, o persistence.PlatformOutcome) {
		mu.Lock()
		outcomes[p] = o
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	resolved := 0
	for _, p := range item.Platforms {
		pub, ok := s.publishers.Get(p)
		if !ok {
			record(p, persistence.PlatformOutcome{
				Error:     "no publisher configured for " + string(p),
				ErrorKind: persistence.OutcomeUnavailable,
			})
			continue
		}
		resolved++
		g.Go(func() error {
			record(p, s.publishOne(ctx, pub, item))
			return nil
		})
	}
	_ = g.Wait()

	if resolved == 0 {
		s.logger.WarnContext(ctx, "no publisher reachable for any target platform", "content_id", item.ID)
	}
	s.metrics.DistributionDuration.Record(ctx, time.Since(start).Seconds())
	return outcomes
}

// publishOne runs a single platform call under its circuit breaker and a
// timeout. A call still running at the deadline is abandoned.
func (s *Scheduler) publishOne(ctx context.Context, pub publisher.Publisher, item persistence.ContentItem) persistence.PlatformOutcome {
	p := pub.Platform()
	ctx, span := otelpkg.StartClientSpan(ctx, s.tracer, "publisher.publish",
		otelpkg.AttrContentID.String(item.ID),
		otelpkg.AttrPlatform.String(string(p)),
	)
	defer span.End()

	limit := s.publishTimeout()
	start := time.Now()
	receipt, err := failsafe.With[publisher.Receipt](
		s.breakers.get(p),
		timeout.New[publisher.Receipt](limit),
	).WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[publisher.Receipt]) (publisher.Receipt, error) {
		return abandonable(exec.Context(), pub, item)
	})
	elapsed := time.Since(start)

	outcome := persistence.PlatformOutcome{DurationMS: elapsed.Milliseconds()}
	if err != nil {
		outcome.Error = err.Error()
		outcome.ErrorKind = classify(ctx, err, elapsed, limit)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome.ErrorKind))
		s.logger.WarnContext(ctx, "platform publish failed",
			"platform", p,
			"kind", outcome.ErrorKind,
			"duration_ms", outcome.DurationMS,
			"error", err,
		)
	} else {
		published := receipt.PublishedAt
		if published.IsZero() {
			published = s.store.Now()
		}
		outcome.Success = true
		outcome.PostID = receipt.PostID
		outcome.URL = receipt.URL
		outcome.PublishedAt = &published
	}

	result := "success"
	if !outcome.Success {
		result = string(outcome.ErrorKind)
	}
	attrs := metric.WithAttributes(otelpkg.AttrPlatform.String(string(p)), otelpkg.AttrOutcome.String(result))
	s.metrics.PublishDuration.Record(ctx, elapsed.Seconds(), attrs)
	s.metrics.PublishOutcomes.Add(ctx, 1, attrs)
	return outcome
}

// abandonable returns as soon as ctx ends, even if pub.Publish does not.
func abandonable(ctx context.Context, pub publisher.Publisher, item persistence.ContentItem) (publisher.Receipt, error) {
	type result struct {
		receipt publisher.Receipt
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := pub.Publish(ctx, item)
		ch <- result{r, err}
	}()
	select {
	case res := <-ch:
		return res.receipt, res.err
	case <-ctx.Done():
		return publisher.Receipt{}, ctx.Err()
	}
}

// classify maps a failed call to its outcome kind. parent is the
// distribution context; limit is the per-call timeout.
func classify(parent context.Context, err error, elapsed, limit time.Duration) persistence.OutcomeKind {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return persistence.OutcomeCircuitOpen
	case errors.Is(err, timeout.ErrExceeded), errors.Is(err, context.DeadlineExceeded):
		return persistence.OutcomeTimeout
	case parent.Err() != nil:
		return persistence.OutcomeInterrupted
	case errors.Is(err, context.Canceled) && elapsed >= limit:
		return persistence.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return persistence.OutcomeInterrupted
	}
	return publisher.KindOf(err)
}
