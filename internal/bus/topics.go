package bus

import "time"

// Agent topics.
const (
	TopicAgentRegistered = "agent.registered"
	TopicAgentHeartbeat  = "agent.heartbeat"
)

// Message topics.
const (
	TopicMessageSent      = "message.sent"
	TopicMessageProcessed = "message.processed"
	TopicMessageFailed    = "message.failed"
)

// Content lifecycle topics.
const (
	TopicContentSubmitted = "content.submitted"
	TopicContentClaimed   = "content.claimed"
	TopicContentPublished = "content.published"
	TopicContentFailed    = "content.failed"
	TopicContentStatus    = "content.status_changed"
)

// Monitoring topics.
const (
	TopicMetricsCollected  = "metrics.collected"
	TopicAlertRaised       = "alert.raised"
	TopicAlertAcknowledged = "alert.acknowledged"
	TopicAlertResolved     = "alert.resolved"
	TopicConfigReloaded    = "config.reloaded"
)

// AgentEvent is published when an agent registers or heartbeats.
type AgentEvent struct {
	AgentID string `json:"agent_id"`
	Persona string `json:"persona,omitempty"`
	Status  string `json:"status"`
}

// MessageEvent is published for every message state change.
type MessageEvent struct {
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender_agent_id"`
	Receiver  string `json:"receiver_agent_id"`
	Type      string `json:"message_type"`
	Priority  int    `json:"priority"`
	Status    string `json:"status"`
}

// ContentEvent is published when a content item changes state.
type ContentEvent struct {
	ContentID string   `json:"content_id"`
	CreatorID string   `json:"creator_agent_id"`
	OldStatus string   `json:"old_status,omitempty"`
	NewStatus string   `json:"new_status"`
	Succeeded []string `json:"succeeded,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// AlertEvent is published when an alert is raised or changes status.
type AlertEvent struct {
	AlertID  int64  `json:"alert_id"`
	Type     string `json:"alert_type"`
	Severity string `json:"severity"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// MetricsEvent is published after each successful collection.
type MetricsEvent struct {
	Period      string    `json:"period"`
	CollectedAt time.Time `json:"collected_at"`
	Samples     int       `json:"samples"`
}
