// Package publisher posts content items to external platforms. Each
// platform is a separate Publisher; New is the only place that dispatches
// on platform identity.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/go-agency/internal/persistence"
)

// Receipt is what a platform returns for a successful post.
type Receipt struct {
	PostID      string    `json:"post_id"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher posts one content item to one platform.
type Publisher interface {
	Platform() persistence.Platform
	Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error)
}

// PublishError is a classified platform failure.
type PublishError struct {
	Platform persistence.Platform
	Kind     persistence.OutcomeKind
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// KindOf returns the outcome kind carried by err, or OutcomeError when err
// is not a *PublishError.
func KindOf(err error) persistence.OutcomeKind {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return persistence.OutcomeError
}

func rejected(p persistence.Platform, format string, args ...any) error {
	return &PublishError{Platform: p, Kind: persistence.OutcomeRejected, Err: fmt.Errorf(format, args...)}
}

// Options configures one platform publisher.
type Options struct {
	// Endpoint, when set, receives each post as JSON over HTTP. Without it
	// the publisher issues a local receipt.
	Endpoint string
	Token    string
	// Guidelines overrides the platform defaults when non-nil.
	Guidelines *Guidelines
	Client     *http.Client
	Now        func() time.Time
}

// New builds the publisher for platform.
func New(platform persistence.Platform, opts Options) (Publisher, error) {
	switch platform {
	case persistence.PlatformLinkedIn:
		return &LinkedIn{base: newBase(platform, opts)}, nil
	case persistence.PlatformInstagram:
		return &Instagram{base: newBase(platform, opts)}, nil
	case persistence.PlatformYouTube:
		return &YouTube{base: newBase(platform, opts)}, nil
	case persistence.PlatformTikTok:
		return &TikTok{base: newBase(platform, opts)}, nil
	case persistence.PlatformTwitter:
		return &Twitter{base: newBase(platform, opts)}, nil
	case persistence.PlatformFacebook:
		return &Facebook{base: newBase(platform, opts)}, nil
	}
	return nil, persistence.Invalid("platform", fmt.Sprintf("no publisher for %q", platform))
}

// Set maps each configured platform to its publisher.
type Set map[persistence.Platform]Publisher

// PlatformConfig is the per-platform entry passed to NewSet.
type PlatformConfig struct {
	Disabled bool
	Options  Options
}

// NewSet builds a publisher for every known platform that is not disabled.
// Platforms missing from cfg get default options.
func NewSet(cfg map[persistence.Platform]PlatformConfig) (Set, error) {
	set := make(Set, len(persistence.Platforms))
	for _, p := range persistence.Platforms {
		pc := cfg[p]
		if pc.Disabled {
			continue
		}
		pub, err := New(p, pc.Options)
		if err != nil {
			return nil, err
		}
		set[p] = pub
	}
	return set, nil
}

// Get returns the publisher for p.
func (s Set) Get(p persistence.Platform) (Publisher, bool) {
	pub, ok := s[p]
	return pub, ok
}
