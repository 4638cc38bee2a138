package publisher

import (
	"net/url"
	"path"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/basket/go-agency/internal/persistence"
)

// Guidelines are a platform's content rules, checked before posting.
type Guidelines struct {
	MaxLength    int      `yaml:"max_length" json:"max_length"`
	HashtagLimit int      `yaml:"hashtag_limit" json:"hashtag_limit"`
	ImageFormats []string `yaml:"image_formats" json:"image_formats"`
	VideoFormats []string `yaml:"video_formats" json:"video_formats"`
	RequireMedia bool     `yaml:"require_media" json:"require_media"`
}

// DefaultGuidelines returns the built-in rules for p.
func DefaultGuidelines(p persistence.Platform) Guidelines {
	switch p {
	case persistence.PlatformLinkedIn:
		return Guidelines{MaxLength: 3000, HashtagLimit: 5, ImageFormats: []string{"jpg", "png"}, VideoFormats: []string{"mp4"}}
	case persistence.PlatformInstagram:
		return Guidelines{MaxLength: 2200, HashtagLimit: 30, ImageFormats: []string{"jpg", "png"}, VideoFormats: []string{"mp4", "mov"}, RequireMedia: true}
	case persistence.PlatformYouTube:
		return Guidelines{MaxLength: 5000, HashtagLimit: 15, VideoFormats: []string{"mp4", "mov", "webm"}, RequireMedia: true}
	case persistence.PlatformTikTok:
		return Guidelines{MaxLength: 2200, HashtagLimit: 30, VideoFormats: []string{"mp4", "mov"}, RequireMedia: true}
	case persistence.PlatformTwitter:
		return Guidelines{MaxLength: 280, HashtagLimit: 3, ImageFormats: []string{"jpg", "png", "gif"}, VideoFormats: []string{"mp4"}}
	case persistence.PlatformFacebook:
		return Guidelines{MaxLength: 63206, HashtagLimit: 30, ImageFormats: []string{"jpg", "png", "gif"}, VideoFormats: []string{"mp4", "mov"}}
	}
	return Guidelines{}
}

// check applies the guidelines to item. Zero limits are not enforced.
func (g Guidelines) check(p persistence.Platform, item persistence.ContentItem) error {
	if n := utf8.RuneCountInString(item.Body); g.MaxLength > 0 && n > g.MaxLength {
		return rejected(p, "body is %d characters, limit is %d", n, g.MaxLength)
	}
	if g.HashtagLimit > 0 && len(item.Hashtags) > g.HashtagLimit {
		return rejected(p, "%d hashtags, limit is %d", len(item.Hashtags), g.HashtagLimit)
	}
	if g.RequireMedia && len(item.MediaURLs) == 0 {
		return rejected(p, "media is required")
	}
	allowed := append(slices.Clone(g.ImageFormats), g.VideoFormats...)
	if len(allowed) == 0 {
		return nil
	}
	for _, raw := range item.MediaURLs {
		ext := mediaExt(raw)
		if ext != "" && !slices.Contains(allowed, ext) {
			return rejected(p, "media format %q not accepted", ext)
		}
	}
	return nil
}

// hasVideo reports whether any media url carries one of the video formats.
func (g Guidelines) hasVideo(item persistence.ContentItem) bool {
	for _, raw := range item.MediaURLs {
		if slices.Contains(g.VideoFormats, mediaExt(raw)) {
			return true
		}
	}
	return false
}

func mediaExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// caption joins the body and hashtags the way they are posted.
func caption(item persistence.ContentItem) string {
	if len(item.Hashtags) == 0 {
		return item.Body
	}
	tags := make([]string, len(item.Hashtags))
	for i, h := range item.Hashtags {
		if !strings.HasPrefix(h, "#") {
			h = "#" + h
		}
		tags[i] = h
	}
	return item.Body + "\n\n" + strings.Join(tags, " ")
}
