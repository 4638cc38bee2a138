package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-agency/internal/bus"
	"github.com/basket/go-agency/internal/persistence"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Registration is the input to Register.
type Registration struct {
	ID           string   `json:"agent_id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Persona      string   `json:"persona" yaml:"persona"`
	Platforms    []string `json:"primary_platforms" yaml:"primary_platforms"`
	ContentTypes []string `json:"content_types" yaml:"content_types"`
	Cadence      string   `json:"posting_frequency" yaml:"posting_frequency"`
}

// Config wires a Registry.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Registry registers agents and serves reads from a cache keyed by agent id.
// The store stays authoritative: every mutation drops the cache and the next
// read reloads it.
type Registry struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	cache  map[string]persistence.Agent
	loaded bool
}

// NewRegistry creates a Registry backed by cfg.Store.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger,
	}
}

// Validate checks a registration and converts it to a typed agent record.
func Validate(reg Registration) (persistence.Agent, error) {
	id := strings.TrimSpace(reg.ID)
	if !agentIDPattern.MatchString(id) {
		return persistence.Agent{}, persistence.Invalid("agent_id", "must be 1-64 chars of letters, digits, '_', '.', '-'")
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return persistence.Agent{}, persistence.Invalid("name", "required")
	}
	persona, err := persistence.ParsePersona(reg.Persona)
	if err != nil {
		return persistence.Agent{}, err
	}
	platforms, err := persistence.ParsePlatforms(reg.Platforms)
	if err != nil {
		return persistence.Agent{}, err
	}
	contentTypes, err := persistence.ParseContentTypes(reg.ContentTypes)
	if err != nil {
		return persistence.Agent{}, err
	}
	return persistence.Agent{
		ID:           id,
		Name:         name,
		Persona:      persona,
		Platforms:    platforms,
		ContentTypes: contentTypes,
		Cadence:      strings.TrimSpace(reg.Cadence),
		Status:       persistence.AgentStatusActive,
	}, nil
}

// Register validates and persists a new agent. A repeated id yields
// persistence.ErrDuplicateID.
func (r *Registry) Register(ctx context.Context, reg Registration) (persistence.Agent, error) {
	rec, err := Validate(reg)
	if err != nil {
		return persistence.Agent{}, err
	}
	created, err := r.store.CreateAgent(ctx, rec)
	r.invalidate()
	if err != nil {
		return persistence.Agent{}, err
	}
	r.logger.InfoContext(ctx, "agent registered", "agent_id", created.ID, "persona", created.Persona)
	r.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{
		AgentID: created.ID,
		Persona: string(created.Persona),
		Status:  string(created.Status),
	})
	return created, nil
}

// Seed registers agents that are not yet present and skips the rest.
// It returns how many were created.
func (r *Registry) Seed(ctx context.Context, regs []Registration) (int, error) {
	created := 0
	for _, reg := range regs {
		_, err := r.Register(ctx, reg)
		switch {
		case err == nil:
			created++
		case errors.Is(err, persistence.ErrDuplicateID):
		default:
			return created, fmt.Errorf("seed agent %q: %w", reg.ID, err)
		}
	}
	return created, nil
}

// Heartbeat records activity and optionally flips the agent's status.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status persistence.AgentStatus) (persistence.Agent, error) {
	if status != "" && !status.Valid() {
		return persistence.Agent{}, persistence.Invalid("status", "must be active or inactive")
	}
	err := r.store.TouchAgent(ctx, agentID, status, time.Time{})
	r.invalidate()
	if err != nil {
		return persistence.Agent{}, err
	}
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return persistence.Agent{}, err
	}
	r.bus.Publish(bus.TopicAgentHeartbeat, bus.AgentEvent{AgentID: a.ID, Persona: string(a.Persona), Status: string(a.Status)})
	return a, nil
}

// Get returns one agent or persistence.ErrNotFound.
func (r *Registry) Get(ctx context.Context, agentID string) (persistence.Agent, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return persistence.Agent{}, err
	}
	r.mu.RLock()
	a, ok := r.cache[agentID]
	r.mu.RUnlock()
	if !ok {
		return persistence.Agent{}, fmt.Errorf("agent %q: %w", agentID, persistence.ErrNotFound)
	}
	return a, nil
}

// Exists reports whether an agent is registered.
func (r *Registry) Exists(ctx context.Context, agentID string) (bool, error) {
	_, err := r.Get(ctx, agentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns registered agents, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status persistence.AgentStatus) ([]persistence.Agent, error) {
	return r.store.ListAgents(ctx, status)
}

// Invalidate drops the cache. Components that write agent rows directly
// through the store call it so the next read reloads.
func (r *Registry) Invalidate() {
	r.invalidate()
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cache = nil
	r.loaded = false
	r.mu.Unlock()
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	agents, err := r.store.ListAgents(ctx, "")
	if err != nil {
		return fmt.Errorf("load agent cache: %w", err)
	}
	cache := make(map[string]persistence.Agent, len(agents))
	for _, a := range agents {
		cache[a.ID] = a
	}
	r.mu.Lock()
	r.cache = cache
	r.loaded = true
	r.mu.Unlock()
	return nil
}
