// Package alert turns system counts into operational alerts and manages
// their acknowledge/resolve lifecycle.
package alert

import (
	"fmt"

	"github.com/basket/go-agency/internal/persistence"
)

// Alert types raised by the engine.
const (
	TypeAgentActivity     = "agent_activity"
	TypeContentProduction = "content_production"
	TypeMessageProcessing = "message_processing"
	TypeSystemError       = "system_error"
)

// Thresholds configure when Evaluate raises a candidate.
type Thresholds struct {
	MinAgentActivity   float64 `yaml:"min_agent_activity" json:"min_agent_activity"`
	MinPublishRate     float64 `yaml:"min_publish_rate" json:"min_publish_rate"`
	MaxPendingMessages int     `yaml:"max_pending_messages" json:"max_pending_messages"`
}

// DefaultThresholds returns the stock alerting thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinAgentActivity:   0.8,
		MinPublishRate:     0.7,
		MaxPendingMessages: 50,
	}
}

// Validate rejects ratios outside [0,1] and negative message limits.
func (t Thresholds) Validate() error {
	if t.MinAgentActivity < 0 || t.MinAgentActivity > 1 {
		return persistence.Invalid("min_agent_activity", "must be between 0 and 1")
	}
	if t.MinPublishRate < 0 || t.MinPublishRate > 1 {
		return persistence.Invalid("min_publish_rate", "must be between 0 and 1")
	}
	if t.MaxPendingMessages < 0 {
		return persistence.Invalid("max_pending_messages", "must not be negative")
	}
	return nil
}

// Candidate is an alert that Evaluate decided should be raised.
type Candidate struct {
	Type     string                    `json:"alert_type"`
	Severity persistence.AlertSeverity `json:"severity"`
	Message  string                    `json:"message"`
	Details  map[string]any            `json:"details"`
}

// Evaluate compares counts against th and returns the alerts to raise.
// Ratios are only checked when their denominator is positive.
func Evaluate(counts persistence.SystemCounts, th Thresholds) []Candidate {
	var out []Candidate

	if total := counts.Agents.Total; total > 0 {
		rate := float64(counts.Agents.Active) / float64(total)
		if rate < th.MinAgentActivity {
			out = append(out, Candidate{
				Type:     TypeAgentActivity,
				Severity: persistence.SeverityMedium,
				Message: fmt.Sprintf("Low agent activity: %d/%d agents active (%.1f%%)",
					counts.Agents.Active, total, rate*100),
				Details: map[string]any{
					"active_agents": counts.Agents.Active,
					"total_agents":  total,
					"activity_rate": rate,
					"threshold":     th.MinAgentActivity,
				},
			})
		}
	}

	if total := counts.Content.Total; total > 0 {
		rate := float64(counts.Content.Published) / float64(total)
		if rate < th.MinPublishRate {
			out = append(out, Candidate{
				Type:     TypeContentProduction,
				Severity: persistence.SeverityMedium,
				Message: fmt.Sprintf("Low publish rate: %d/%d content published (%.1f%%)",
					counts.Content.Published, total, rate*100),
				Details: map[string]any{
					"published_content": counts.Content.Published,
					"total_content":     total,
					"publish_rate":      rate,
					"threshold":         th.MinPublishRate,
				},
			})
		}
	}

	if pending := counts.Messages.Pending; pending > th.MaxPendingMessages {
		out = append(out, Candidate{
			Type:     TypeMessageProcessing,
			Severity: persistence.SeverityHigh,
			Message:  fmt.Sprintf("High pending message count: %d messages pending", pending),
			Details: map[string]any{
				"pending_messages": pending,
				"threshold":        th.MaxPendingMessages,
			},
		})
	}

	return out
}

// SystemError builds the candidate raised when a monitoring cycle fails.
func SystemError(err error) Candidate {
	return Candidate{
		Type:     TypeSystemError,
		Severity: persistence.SeverityHigh,
		Message:  fmt.Sprintf("System error during metrics collection: %v", err),
		Details:  map[string]any{"error": err.Error()},
	}
}
