package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-agency/internal/persistence"
)

var fixedNow = time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)

func item(ct persistence.ContentType, body string, media ...string) persistence.ContentItem {
	return persistence.ContentItem{
		ID:          "c-42",
		ContentType: ct,
		Title:       "Quarterly outlook",
		Body:        body,
		MediaURLs:   media,
		Hashtags:    []string{"strategy", "#growth"},
	}
}

func TestNew_EveryPlatform(t *testing.T) {
	for _, p := range persistence.Platforms {
		pub, err := New(p, Options{})
		require.NoError(t, err, p)
		assert.Equal(t, p, pub.Platform())
	}
	_, err := New("myspace", Options{})
	assert.ErrorIs(t, err, persistence.ErrValidation)
}

func TestNewSet_SkipsDisabled(t *testing.T) {
	set, err := NewSet(map[persistence.Platform]PlatformConfig{
		persistence.PlatformTikTok: {Disabled: true},
	})
	require.NoError(t, err)
	assert.Len(t, set, len(persistence.Platforms)-1)
	_, ok := set.Get(persistence.PlatformTikTok)
	assert.False(t, ok)
	li, ok := set.Get(persistence.PlatformLinkedIn)
	require.True(t, ok)
	assert.IsType(t, &LinkedIn{}, li)
}

func TestLocalReceipt(t *testing.T) {
	pub, err := New(persistence.PlatformLinkedIn, Options{Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)

	r, err := pub.Publish(context.Background(), item(persistence.ContentTypeArticle, "Where the market is heading."))
	require.NoError(t, err)
	assert.Equal(t, "linkedin_c-42_"+"1780394400000", r.PostID)
	assert.Equal(t, "https://linkedin.com/post/c-42", r.URL)
	assert.Equal(t, fixedNow, r.PublishedAt)
}

func TestGuidelines(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("x", 3001)

	cases := []struct {
		name     string
		platform persistence.Platform
		item     persistence.ContentItem
		ok       bool
	}{
		{"linkedin within limit", persistence.PlatformLinkedIn, item(persistence.ContentTypeTextPost, "short"), true},
		{"linkedin too long", persistence.PlatformLinkedIn, item(persistence.ContentTypeTextPost, long), false},
		{"instagram needs visual type", persistence.PlatformInstagram, item(persistence.ContentTypeTextPost, "hi", "https://cdn.example.com/a.jpg"), false},
		{"instagram needs media", persistence.PlatformInstagram, item(persistence.ContentTypeImagePost, "hi"), false},
		{"instagram image", persistence.PlatformInstagram, item(persistence.ContentTypeImagePost, "hi", "https://cdn.example.com/a.JPG"), true},
		{"instagram bad format", persistence.PlatformInstagram, item(persistence.ContentTypeImagePost, "hi", "https://cdn.example.com/a.bmp"), false},
		{"youtube needs video", persistence.PlatformYouTube, item(persistence.ContentTypeVideoPost, "hi", "https://cdn.example.com/thumb"), false},
		{"youtube video", persistence.PlatformYouTube, item(persistence.ContentTypeVideoPost, "hi", "https://cdn.example.com/v.mp4?sig=abc"), true},
		{"tiktok video", persistence.PlatformTikTok, item(persistence.ContentTypeReel, "hi", "https://cdn.example.com/v.mov"), true},
		{"twitter caption too long", persistence.PlatformTwitter, item(persistence.ContentTypeTextPost, strings.Repeat("y", 270)), false},
		{"twitter fits", persistence.PlatformTwitter, item(persistence.ContentTypeTextPost, "ship it"), true},
		{"facebook anything", persistence.PlatformFacebook, item(persistence.ContentTypeStory, long), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub, err := New(tc.platform, Options{})
			require.NoError(t, err)
			_, err = pub.Publish(ctx, tc.item)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, persistence.OutcomeRejected, KindOf(err))
		})
	}
}

func TestHashtagLimitOverride(t *testing.T) {
	g := DefaultGuidelines(persistence.PlatformLinkedIn)
	g.HashtagLimit = 1
	pub, err := New(persistence.PlatformLinkedIn, Options{Guidelines: &g})
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), item(persistence.ContentTypeTextPost, "short"))
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, persistence.PlatformLinkedIn, pe.Platform)
	assert.Contains(t, pe.Error(), "2 hashtags")
}

func TestHTTPTransport(t *testing.T) {
	var got postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"post_id":"urn:li:share:99","url":"https://www.linkedin.com/feed/update/99"}`))
	}))
	defer srv.Close()

	pub, err := New(persistence.PlatformLinkedIn, Options{Endpoint: srv.URL, Token: "s3cret", Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	r, err := pub.Publish(context.Background(), item(persistence.ContentTypeTextPost, "hello"))
	require.NoError(t, err)

	assert.Equal(t, "urn:li:share:99", r.PostID)
	assert.Equal(t, "https://www.linkedin.com/feed/update/99", r.URL)
	assert.Equal(t, "c-42", got.ContentID)
	assert.Equal(t, "hello\n\n#strategy #growth", got.Text)
}

func TestHTTPTransport_StatusClassification(t *testing.T) {
	cases := map[int]persistence.OutcomeKind{
		http.StatusBadRequest:         persistence.OutcomeRejected,
		http.StatusTooManyRequests:    persistence.OutcomeUnavailable,
		http.StatusServiceUnavailable: persistence.OutcomeUnavailable,
		http.StatusMultipleChoices:    persistence.OutcomeError,
	}
	for code, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))
		pub, err := New(persistence.PlatformFacebook, Options{Endpoint: srv.URL})
		require.NoError(t, err)
		_, err = pub.Publish(context.Background(), item(persistence.ContentTypeTextPost, "hello"))
		srv.Close()
		require.Error(t, err, code)
		assert.Equal(t, want, KindOf(err), code)
	}
}

func TestHTTPTransport_DeadlineSurfacesContextError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	pub, err := New(persistence.PlatformTwitter, Options{Endpoint: srv.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pub.Publish(ctx, item(persistence.ContentTypeTextPost, "hello"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestFake(t *testing.T) {
	f := NewFake(persistence.PlatformTwitter)
	_, err := f.Publish(context.Background(), persistence.ContentItem{ID: "a"})
	require.NoError(t, err)

	boom := errors.New("boom")
	f.FailWith(boom)
	_, err = f.Publish(context.Background(), persistence.ContentItem{ID: "b"})
	assert.ErrorIs(t, err, boom)

	f.FailWith(nil).Stall()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Publish(ctx, persistence.ContentItem{ID: "c"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"a", "b", "c"}, f.Calls())
}
