package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-agency/internal/persistence"
)

// Fake is a scriptable Publisher for tests and dry runs.
type Fake struct {
	platform persistence.Platform

	mu    sync.Mutex
	err   error
	delay time.Duration
	stall bool
	calls []string
}

// NewFake returns a Fake that succeeds immediately.
func NewFake(p persistence.Platform) *Fake {
	return &Fake{platform: p}
}

// FailWith makes every later call return err.
func (f *Fake) FailWith(err error) *Fake {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	return f
}

// Delay makes every later call wait d before answering.
func (f *Fake) Delay(d time.Duration) *Fake {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
	return f
}

// Stall makes every later call block until its context ends.
func (f *Fake) Stall() *Fake {
	f.mu.Lock()
	f.stall = true
	f.mu.Unlock()
	return f
}

func (f *Fake) Platform() persistence.Platform { return f.platform }

func (f *Fake) Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	err, delay, stall := f.err, f.delay, f.stall
	f.mu.Unlock()

	if stall {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		PostID:      fmt.Sprintf("%s_%s_fake", f.platform, item.ID),
		URL:         fmt.Sprintf("https://%s.com/post/%s", f.platform, item.ID),
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Calls returns the content ids published so far, in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
