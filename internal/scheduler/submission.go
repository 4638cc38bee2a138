package scheduler

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-agency/internal/persistence"
)

const maxContentIDLen = 128

// Submission is a producer's request to schedule a content item.
type Submission struct {
	ID             string    `json:"id,omitempty"`
	CreatorAgentID string    `json:"creator_agent_id"`
	Persona        string    `json:"persona"`
	ContentType    string    `json:"content_type"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Body           string    `json:"content_body"`
	MediaURLs      []string  `json:"media_urls,omitempty"`
	Hashtags       []string  `json:"hashtags,omitempty"`
	Platforms      []string  `json:"target_platforms"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	// Draft stores the item without scheduling it.
	Draft bool `json:"draft,omitempty"`
}

// toItem validates s and converts it to a content record. The creator's
// existence is checked by the store.
func (s Submission) toItem() (persistence.ContentItem, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = uuid.NewString()
	} else if len(id) > maxContentIDLen {
		return persistence.ContentItem{}, persistence.Invalid("id", "too long")
	}
	if strings.TrimSpace(s.CreatorAgentID) == "" {
		return persistence.ContentItem{}, persistence.Invalid("creator_agent_id", "required")
	}
	persona, err := persistence.ParsePersona(s.Persona)
	if err != nil {
		return persistence.ContentItem{}, err
	}
	contentType, err := persistence.ParseContentType(s.ContentType)
	if err != nil {
		return persistence.ContentItem{}, err
	}
	platforms, err := persistence.ParsePlatforms(s.Platforms)
	if err != nil {
		return persistence.ContentItem{}, err
	}
	if len(platforms) == 0 {
		return persistence.ContentItem{}, persistence.Invalid("target_platforms", "at least one platform is required")
	}
	if strings.TrimSpace(s.Title) == "" {
		return persistence.ContentItem{}, persistence.Invalid("title", "required")
	}
	if strings.TrimSpace(s.Body) == "" {
		return persistence.ContentItem{}, persistence.Invalid("content_body", "required")
	}
	if s.ScheduledTime.IsZero() {
		return persistence.ContentItem{}, persistence.Invalid("scheduled_time", "required")
	}

	status := persistence.ContentStatusScheduled
	if s.Draft {
		status = persistence.ContentStatusDraft
	}
	return persistence.ContentItem{
		ID:             id,
		CreatorAgentID: strings.TrimSpace(s.CreatorAgentID),
		Persona:        persona,
		ContentType:    contentType,
		Title:          s.Title,
		Description:    s.Description,
		Body:           s.Body,
		MediaURLs:      s.MediaURLs,
		Hashtags:       s.Hashtags,
		Platforms:      platforms,
		ScheduledTime:  s.ScheduledTime.UTC(),
		Status:         status,
	}, nil
}
