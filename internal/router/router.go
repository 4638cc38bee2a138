// Package router delivers inter-agent messages through per-receiver
// priority queues held in the record store.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-agency/internal/bus"
	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
)

// DefaultPriority is applied when a sender leaves priority unset (zero).
const DefaultPriority = 1

// CacheInvalidator is notified after writes that touch agent rows.
type CacheInvalidator interface {
	Invalidate()
}

// Config wires a Router.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Schemas *Schemas
	Agents  CacheInvalidator
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Router sends, polls and completes agent messages.
type Router struct {
	store   *persistence.Store
	bus     *bus.Bus
	schemas *Schemas
	agents  CacheInvalidator
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

// New creates a Router.
func New(cfg Config) *Router {
	r := &Router{
		store:   cfg.Store,
		bus:     cfg.Bus,
		schemas: cfg.Schemas,
		agents:  cfg.Agents,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otelpkg.NoopTracer()
	}
	if r.metrics == nil {
		r.metrics = otelpkg.NoopMetrics()
	}
	if r.schemas == nil {
		r.schemas = NewSchemas()
	}
	return r
}

// Schemas returns the payload schema set so callers can register types.
func (r *Router) Schemas() *Schemas {
	return r.schemas
}

// Send enqueues a message on the receiver's queue and returns its id.
// A zero priority becomes DefaultPriority. An empty payload is stored as {}.
func (r *Router) Send(ctx context.Context, sender, receiver, messageType string, payload json.RawMessage, priority int) (int64, error) {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return 0, persistence.Invalid("message_type", "required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return 0, persistence.Invalid("payload", "must be valid JSON")
	}
	if err := r.schemas.Validate(messageType, payload); err != nil {
		return 0, err
	}
	if priority == 0 {
		priority = DefaultPriority
	}

	ctx, span := otelpkg.StartSpan(ctx, r.tracer, "router.send",
		otelpkg.AttrAgentID.String(sender),
		otelpkg.AttrMessageType.String(messageType),
	)
	defer span.End()

	id, err := r.store.InsertMessage(ctx, persistence.AgentMessage{
		Sender:   sender,
		Receiver: receiver,
		Type:     messageType,
		Payload:  payload,
		Priority: priority,
	})
	r.invalidateAgents()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("send message: %w", err)
	}
	span.SetAttributes(otelpkg.AttrMessageID.Int64(id))
	r.metrics.MessagesSent.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrMessageType.String(messageType)))

	r.logger.InfoContext(ctx, "message sent",
		"message_id", id,
		"sender", sender,
		"receiver", receiver,
		"type", messageType,
		"priority", priority,
	)
	r.bus.Publish(bus.TopicMessageSent, bus.MessageEvent{
		MessageID: id,
		Sender:    sender,
		Receiver:  receiver,
		Type:      messageType,
		Priority:  priority,
		Status:    string(persistence.MessageStatusPending),
	})
	return id, nil
}

// Poll returns the receiver's messages with the given status (default
// pending) in delivery order. Polling never changes message state.
func (r *Router) Poll(ctx context.Context, receiver string, status persistence.MessageStatus, limit int) ([]persistence.AgentMessage, error) {
	if status != "" && !status.Valid() {
		return nil, persistence.Invalid("status", "must be pending, processed or failed")
	}
	if limit < 0 {
		return nil, persistence.Invalid("limit", "must not be negative")
	}
	msgs, err := r.store.ListMessages(ctx, receiver, status, limit)
	if err != nil {
		return nil, fmt.Errorf("poll messages: %w", err)
	}
	if msgs == nil {
		msgs = []persistence.AgentMessage{}
	}
	return msgs, nil
}

// Acknowledge marks a pending message processed and stores the response.
// Only the first caller succeeds; later ones get persistence.ErrAlreadyProcessed.
func (r *Router) Acknowledge(ctx context.Context, id int64, response json.RawMessage) (persistence.AgentMessage, error) {
	return r.complete(ctx, id, persistence.MessageStatusProcessed, response)
}

// Fail marks a pending message failed with the same one-winner rule as Acknowledge.
func (r *Router) Fail(ctx context.Context, id int64, response json.RawMessage) (persistence.AgentMessage, error) {
	return r.complete(ctx, id, persistence.MessageStatusFailed, response)
}

func (r *Router) complete(ctx context.Context, id int64, to persistence.MessageStatus, response json.RawMessage) (persistence.AgentMessage, error) {
	if len(response) > 0 && !json.Valid(response) {
		return persistence.AgentMessage{}, persistence.Invalid("response", "must be valid JSON")
	}
	ctx, span := otelpkg.StartSpan(ctx, r.tracer, "router."+string(to),
		otelpkg.AttrMessageID.Int64(id),
	)
	defer span.End()

	msg, err := r.store.CompleteMessage(ctx, id, to, response)
	if err != nil {
		span.RecordError(err)
		return persistence.AgentMessage{}, fmt.Errorf("complete message %d: %w", id, err)
	}
	r.invalidateAgents()
	r.metrics.MessagesCompleted.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrOutcome.String(string(to))))

	topic := bus.TopicMessageProcessed
	if to == persistence.MessageStatusFailed {
		topic = bus.TopicMessageFailed
	}
	r.logger.InfoContext(ctx, "message completed", "message_id", id, "status", to, "receiver", msg.Receiver)
	r.bus.Publish(topic, bus.MessageEvent{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Type:      msg.Type,
		Priority:  msg.Priority,
		Status:    string(msg.Status),
	})
	return msg, nil
}

// Backlog returns the number of pending messages across all receivers.
func (r *Router) Backlog(ctx context.Context) (int, error) {
	counts, err := r.store.CountMessages(ctx, r.store.Now())
	if err != nil {
		return 0, fmt.Errorf("message backlog: %w", err)
	}
	return counts.Pending, nil
}

func (r *Router) invalidateAgents() {
	if r.agents != nil {
		r.agents.Invalidate()
	}
}
