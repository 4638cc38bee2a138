package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/go-agency/internal/persistence"
)

const maxResponseBytes = 1 << 20

type base struct {
	platform   persistence.Platform
	endpoint   string
	token      string
	guidelines Guidelines
	client     *http.Client
	now        func() time.Time
}

func newBase(p persistence.Platform, opts Options) base {
	b := base{
		platform:   p,
		endpoint:   opts.Endpoint,
		token:      opts.Token,
		guidelines: DefaultGuidelines(p),
		client:     opts.Client,
		now:        opts.Now,
	}
	if opts.Guidelines != nil {
		b.guidelines = *opts.Guidelines
	}
	if b.client == nil {
		b.client = http.DefaultClient
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	return b
}

func (b *base) Platform() persistence.Platform { return b.platform }

// Guidelines returns the rules this publisher enforces.
func (b *base) Guidelines() Guidelines { return b.guidelines }

type postRequest struct {
	Platform    persistence.Platform    `json:"platform"`
	ContentID   string                  `json:"content_id"`
	ContentType persistence.ContentType `json:"content_type"`
	Title       string                  `json:"title"`
	Text        string                  `json:"text"`
	MediaURLs   []string                `json:"media_urls"`
}

type postResponse struct {
	PostID string `json:"post_id"`
	URL    string `json:"url"`
}

// post sends item to the configured endpoint, or issues a local receipt.
// Context errors are returned unwrapped so callers can classify them.
func (b *base) post(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if b.endpoint == "" {
		return b.localReceipt(item), nil
	}

	body, err := json.Marshal(postRequest{
		Platform:    b.platform,
		ContentID:   item.ID,
		ContentType: item.ContentType,
		Title:       item.Title,
		Text:        caption(item),
		MediaURLs:   item.MediaURLs,
	})
	if err != nil {
		return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeError, Err: fmt.Errorf("encode post: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeError, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Receipt{}, ctxErr
		}
		return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeUnavailable, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Receipt{}, ctxErr
		}
		return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeUnavailable, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeUnavailable, Err: statusError(resp.StatusCode, raw)}
	case resp.StatusCode >= 400:
		return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeRejected, Err: statusError(resp.StatusCode, raw)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeError, Err: statusError(resp.StatusCode, raw)}
	}

	receipt := b.localReceipt(item)
	var pr postResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &pr); err != nil {
			return Receipt{}, &PublishError{Platform: b.platform, Kind: persistence.OutcomeError, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	if pr.PostID != "" {
		receipt.PostID = pr.PostID
	}
	if pr.URL != "" {
		receipt.URL = pr.URL
	}
	return receipt, nil
}

func (b *base) localReceipt(item persistence.ContentItem) Receipt {
	now := b.now()
	return Receipt{
		PostID:      fmt.Sprintf("%s_%s_%d", b.platform, item.ID, now.UnixMilli()),
		URL:         fmt.Sprintf("https://%s.com/post/%s", b.platform, item.ID),
		PublishedAt: now,
	}
}

func statusError(code int, body []byte) error {
	msg := string(bytes.TrimSpace(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("http %d", code)
	}
	return fmt.Errorf("http %d: %s", code, msg)
}
