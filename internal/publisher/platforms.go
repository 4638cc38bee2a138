package publisher

import (
	"context"
	"unicode/utf8"

	"github.com/basket/go-agency/internal/persistence"
)

// LinkedIn posts professional updates and articles.
type LinkedIn struct{ base }

func (p *LinkedIn) Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	if err := p.guidelines.check(p.platform, item); err != nil {
		return Receipt{}, err
	}
	return p.post(ctx, item)
}

// Instagram only accepts visual content.
type Instagram struct{ base }

func (p *Instagram) Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	if !item.ContentType.IsVisual() {
		return Receipt{}, rejected(p.platform, "%s is not a visual content type", item.ContentType)
	}
	if err := p.guidelines.check(p.platform, item); err != nil {
		return Receipt{}, err
	}
	return p.post(ctx, item)
}

// YouTube requires a video upload.
type YouTube struct{ base }

func (p *YouTube) Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	if err := p.guidelines.check(p.platform, item); err != nil {
		return Receipt{}, err
	}
	if !p.guidelines.hasVideo(item) {
		return Receipt{}, rejected(p.platform, "a video file is required")
	}
	return p.post(ctx, item)
}

// TikTok requires a short video.
type TikTok struct{ base }

func (p *TikTok) Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	if err := p.guidelines.check(p.platform, item); err != nil {
		return Receipt{}, err
	}
	if !p.guidelines.hasVideo(item) {
		return Receipt{}, rejected(p.platform, "a video file is required")
	}
	return p.post(ctx, item)
}

// Twitter counts hashtags against the post length.
type Twitter struct{ base }

func (p *Twitter) Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	if err := p.guidelines.check(p.platform, item); err != nil {
		return Receipt{}, err
	}
	if n := utf8.RuneCountInString(caption(item)); p.guidelines.MaxLength > 0 && n > p.guidelines.MaxLength {
		return Receipt{}, rejected(p.platform, "post with hashtags is %d characters, limit is %d", n, p.guidelines.MaxLength)
	}
	return p.post(ctx, item)
}

// Facebook accepts every content type.
type Facebook struct{ base }

func (p *Facebook) Publish(ctx context.Context, item persistence.ContentItem) (Receipt, error) {
	if err := p.guidelines.check(p.platform, item); err != nil {
		return Receipt{}, err
	}
	return p.post(ctx, item)
}
