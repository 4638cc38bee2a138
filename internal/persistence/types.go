package persistence

import (
	"encoding/json"
	"time"
)

// Persona is the creative role assigned to a content-producing agent.
type Persona string

const (
	PersonaStrategicStoryteller Persona = "strategic_storyteller"
	PersonaCreativeCatalyst     Persona = "creative_catalyst"
	PersonaCommunityBuilder     Persona = "community_builder"
	PersonaDataDecoder          Persona = "data_decoder"
)

// Personas lists every persona in declaration order.
var Personas = []Persona{
	PersonaStrategicStoryteller,
	PersonaCreativeCatalyst,
	PersonaCommunityBuilder,
	PersonaDataDecoder,
}

func (p Persona) Valid() bool {
	switch p {
	case PersonaStrategicStoryteller, PersonaCreativeCatalyst, PersonaCommunityBuilder, PersonaDataDecoder:
		return true
	}
	return false
}

// ParsePersona validates a persona tag.
func ParsePersona(s string) (Persona, error) {
	p := Persona(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "persona", Reason: "unknown persona " + quote(s)}
	}
	return p, nil
}

// Platform is an external publishing destination.
type Platform string

const (
	PlatformLinkedIn  Platform = "linkedin"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
)

// Platforms lists every platform in declaration order.
var Platforms = []Platform{
	PlatformLinkedIn,
	PlatformInstagram,
	PlatformYouTube,
	PlatformTikTok,
	PlatformTwitter,
	PlatformFacebook,
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformLinkedIn, PlatformInstagram, PlatformYouTube, PlatformTikTok, PlatformTwitter, PlatformFacebook:
		return true
	}
	return false
}

// ParsePlatform validates a platform tag.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "platform", Reason: "unknown platform " + quote(s)}
	}
	return p, nil
}

// ParsePlatforms validates and deduplicates a platform list, preserving order.
func ParsePlatforms(in []string) ([]Platform, error) {
	out := make([]Platform, 0, len(in))
	seen := make(map[Platform]bool, len(in))
	for _, s := range in {
		p, err := ParsePlatform(s)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// ContentType tags the shape of a content item.
type ContentType string

const (
	ContentTypeTextPost  ContentType = "text_post"
	ContentTypeImagePost ContentType = "image_post"
	ContentTypeVideoPost ContentType = "video_post"
	ContentTypeCarousel  ContentType = "carousel"
	ContentTypeStory     ContentType = "story"
	ContentTypeReel      ContentType = "reel"
	ContentTypeArticle   ContentType = "article"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeTextPost, ContentTypeImagePost, ContentTypeVideoPost, ContentTypeCarousel,
		ContentTypeStory, ContentTypeReel, ContentTypeArticle:
		return true
	}
	return false
}

// ParseContentType validates a content type tag.
func ParseContentType(s string) (ContentType, error) {
	c := ContentType(s)
	if !c.Valid() {
		return "", &ValidationError{Field: "content_type", Reason: "unknown content type " + quote(s)}
	}
	return c, nil
}

// ParseContentTypes validates and deduplicates a content type list.
func ParseContentTypes(in []string) ([]ContentType, error) {
	out := make([]ContentType, 0, len(in))
	seen := make(map[ContentType]bool, len(in))
	for _, s := range in {
		c, err := ParseContentType(s)
		if err != nil {
			return nil, err
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// IsVisual reports whether the content type needs at least one media reference.
func (c ContentType) IsVisual() bool {
	switch c {
	case ContentTypeImagePost, ContentTypeVideoPost, ContentTypeCarousel, ContentTypeStory, ContentTypeReel:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

func (s AgentStatus) Valid() bool {
	return s == AgentStatusActive || s == AgentStatusInactive
}

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusProcessed MessageStatus = "processed"
	MessageStatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusProcessed, MessageStatusFailed:
		return true
	}
	return false
}

type ContentStatus string

const (
	ContentStatusDraft     ContentStatus = "draft"
	ContentStatusScheduled ContentStatus = "scheduled"
	// ContentStatusDistributing is held only while a claimed item is fanned out.
	ContentStatusDistributing ContentStatus = "distributing"
	ContentStatusPublished    ContentStatus = "published"
	ContentStatusFailed       ContentStatus = "failed"
)

func (s ContentStatus) Valid() bool {
	switch s {
	case ContentStatusDraft, ContentStatusScheduled, ContentStatusDistributing,
		ContentStatusPublished, ContentStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s ContentStatus) Terminal() bool {
	return s == ContentStatusPublished || s == ContentStatusFailed
}

// contentTransitions lists the moves a producer may request. Entering and
// leaving distributing belongs to ClaimContent, FinishDistribution and
// RecoverDistributing alone.
var contentTransitions = map[ContentStatus]map[ContentStatus]struct{}{
	ContentStatusDraft: {
		ContentStatusScheduled: {},
	},
	ContentStatusScheduled: {
		ContentStatusPublished: {},
		ContentStatusFailed:    {},
	},
}

// CanTransitionContent reports whether a producer may move an item from ->
// to along draft -> scheduled -> {published, failed}.
func CanTransitionContent(from, to ContentStatus) bool {
	next, ok := contentTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

func (s AlertSeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusActive, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	}
	return false
}

type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

func (s HealthStatus) Valid() bool {
	switch s {
	case HealthHealthy, HealthWarning, HealthError:
		return true
	}
	return false
}

// Period is the granularity tag carried by rollup samples.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Agent is a registered content-producing agent.
type Agent struct {
	ID           string        `json:"agent_id"`
	Name         string        `json:"name"`
	Persona      Persona       `json:"persona"`
	Platforms    []Platform    `json:"primary_platforms"`
	ContentTypes []ContentType `json:"content_types"`
	Cadence      string        `json:"posting_frequency"`
	Status       AgentStatus   `json:"status"`
	LastActivity time.Time     `json:"last_activity"`
	CreatedAt    time.Time     `json:"created_at"`
}

// AgentMessage is one inter-agent message in a receiver's queue.
type AgentMessage struct {
	ID          int64           `json:"id"`
	Sender      string          `json:"sender_agent_id"`
	Receiver    string          `json:"receiver_agent_id"`
	Type        string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      MessageStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// OutcomeKind classifies a failed platform attempt.
type OutcomeKind string

const (
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeRejected    OutcomeKind = "rejected"
	OutcomeCircuitOpen OutcomeKind = "circuit_open"
	OutcomeUnavailable OutcomeKind = "unavailable"
	OutcomeInterrupted OutcomeKind = "interrupted"
	OutcomeError       OutcomeKind = "error"
)

// PlatformOutcome is the recorded result of one platform attempt.
type PlatformOutcome struct {
	Success     bool        `json:"success"`
	PostID      string      `json:"post_id,omitempty"`
	URL         string      `json:"url,omitempty"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   OutcomeKind `json:"error_kind,omitempty"`
	DurationMS  int64       `json:"duration_ms"`
}

// ContentItem is one piece of content and its distribution record.
type ContentItem struct {
	ID             string                       `json:"id"`
	CreatorAgentID string                       `json:"creator_agent_id"`
	Persona        Persona                      `json:"persona"`
	ContentType    ContentType                  `json:"content_type"`
	Title          string                       `json:"title"`
	Description    string                       `json:"description,omitempty"`
	Body           string                       `json:"content_body"`
	MediaURLs      []string                     `json:"media_urls"`
	Hashtags       []string                     `json:"hashtags"`
	Platforms      []Platform                   `json:"target_platforms"`
	ScheduledTime  time.Time                    `json:"scheduled_time"`
	Status         ContentStatus                `json:"status"`
	Metrics        map[Platform]PlatformOutcome `json:"performance_metrics"`
	CreatedAt      time.Time                    `json:"created_at"`
	PublishedAt    *time.Time                   `json:"published_at,omitempty"`
}

// AnalyticsSample is one append-only platform metric observation.
type AnalyticsSample struct {
	ID         int64     `json:"id"`
	ContentID  string    `json:"content_id"`
	Platform   Platform  `json:"platform"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"metric_value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Alert is an operational alert raised by threshold evaluation.
type Alert struct {
	ID             int64           `json:"id"`
	Type           string          `json:"alert_type"`
	Severity       AlertSeverity   `json:"severity"`
	Message        string          `json:"message"`
	Details        json.RawMessage `json:"details"`
	Status         AlertStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// HealthRecord is the latest check result for one component.
type HealthRecord struct {
	Component string          `json:"component"`
	Status    HealthStatus    `json:"status"`
	Message   string          `json:"message"`
	Metrics   json.RawMessage `json:"metrics"`
	LastCheck time.Time       `json:"last_check"`
}

// MetricSample is a timestamped rollup value.
type MetricSample struct {
	ID         int64             `json:"id"`
	Type       string            `json:"metric_type"`
	Name       string            `json:"metric_name"`
	Value      float64           `json:"metric_value"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Period     Period            `json:"period"`
}

// AgentDailyPerformance is the per-agent aggregate for one UTC day.
type AgentDailyPerformance struct {
	AgentID           string  `json:"agent_id"`
	Persona           Persona `json:"persona"`
	Date              string  `json:"date"`
	ContentCreated    int     `json:"content_created"`
	ContentPublished  int     `json:"content_published"`
	MessagesSent      int     `json:"messages_sent"`
	MessagesProcessed int     `json:"messages_processed"`
	ActivityScore     float64 `json:"activity_score"`
}

// PlatformDailyPerformance is the per-platform aggregate for one UTC day.
type PlatformDailyPerformance struct {
	Platform          Platform `json:"platform"`
	Date              string   `json:"date"`
	ContentCount      int      `json:"content_count"`
	TotalViews        float64  `json:"total_views"`
	AvgEngagementRate float64  `json:"avg_engagement_rate"`
}

// DateKey formats t as the UTC day used by the daily aggregate tables.
func DateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
