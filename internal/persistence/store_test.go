package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-agency/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agency.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// fixedClock returns a controllable clock starting at base.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func withClock(t *testing.T, store *persistence.Store) *fixedClock {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	return clock
}

func registerAgent(t *testing.T, store *persistence.Store, id string, persona persistence.Persona) persistence.Agent {
	t.Helper()
	a, err := store.CreateAgent(context.Background(), persistence.Agent{
		ID:           id,
		Name:         id,
		Persona:      persona,
		Platforms:    []persistence.Platform{persistence.PlatformLinkedIn},
		ContentTypes: []persistence.ContentType{persistence.ContentTypeArticle},
		Cadence:      "daily",
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
	return a
}

func insertContent(t *testing.T, store *persistence.Store, id, creator string, status persistence.ContentStatus, at time.Time, platforms ...persistence.Platform) persistence.ContentItem {
	t.Helper()
	c, err := store.InsertContent(context.Background(), persistence.ContentItem{
		ID:             id,
		CreatorAgentID: creator,
		Persona:        persistence.PersonaStrategicStoryteller,
		ContentType:    persistence.ContentTypeTextPost,
		Title:          "title " + id,
		Body:           "body " + id,
		Hashtags:       []string{"#growth"},
		Platforms:      platforms,
		ScheduledTime:  at,
		Status:         status,
	})
	if err != nil {
		t.Fatalf("insert content %s: %v", id, err)
	}
	return c
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "agents", "agent_messages", "content_items",
		"platform_analytics", "performance_metrics", "agent_performance", "platform_performance",
		"system_alerts", "system_health"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 2 {
		t.Fatalf("schema version = %d, want 2", v)
	}
}

func TestStore_ReopenKeepsLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.db")
	first, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	registerAgent(t, first, "a1", persistence.PersonaDataDecoder)
	_ = first.Close()

	second, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.GetAgent(context.Background(), "a1")
	if err != nil || got == nil {
		t.Fatalf("agent lost across reopen: %v %v", got, err)
	}
}

func TestStore_RejectsChecksumDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.db")
	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch on reopen")
	}
}

func TestAgents_CreateGetListTouch(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()

	created := registerAgent(t, store, "storyteller_001", persistence.PersonaStrategicStoryteller)
	if created.Status != persistence.AgentStatusActive {
		t.Fatalf("default status = %q", created.Status)
	}

	_, err := store.CreateAgent(ctx, persistence.Agent{ID: "storyteller_001", Name: "dup", Persona: persistence.PersonaDataDecoder})
	if !errors.Is(err, persistence.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	got, err := store.GetAgent(ctx, "storyteller_001")
	if err != nil || got == nil {
		t.Fatalf("get agent: %v %v", got, err)
	}
	if len(got.Platforms) != 1 || got.Platforms[0] != persistence.PlatformLinkedIn {
		t.Fatalf("platforms did not round-trip: %#v", got.Platforms)
	}
	missing, err := store.GetAgent(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing agent, got %v %v", missing, err)
	}

	clock.Advance(time.Hour)
	if err := store.TouchAgent(ctx, "storyteller_001", persistence.AgentStatusInactive, time.Time{}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = store.GetAgent(ctx, "storyteller_001")
	if got.Status != persistence.AgentStatusInactive || !got.LastActivity.Equal(clock.Now()) {
		t.Fatalf("touch not applied: %#v", got)
	}
	if err := store.TouchAgent(ctx, "nobody", "", time.Time{}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	active, err := store.ListAgents(ctx, persistence.AgentStatusActive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active agents, got %d", len(active))
	}
}

func TestMessages_PriorityThenFIFO(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "sender", persistence.PersonaCreativeCatalyst)
	registerAgent(t, store, "receiver", persistence.PersonaCommunityBuilder)

	priorities := []int{1, 5, 1, 3, 5, 1}
	for i, p := range priorities {
		if _, err := store.InsertMessage(ctx, persistence.AgentMessage{
			Sender: "sender", Receiver: "receiver", Type: "collab",
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), Priority: p,
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}

	first, err := store.ListMessages(ctx, "receiver", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != len(priorities) {
		t.Fatalf("got %d messages, want %d", len(first), len(priorities))
	}
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		if cur.Priority > prev.Priority {
			t.Fatalf("priority increased at %d: %d -> %d", i, prev.Priority, cur.Priority)
		}
		if cur.Priority == prev.Priority && cur.CreatedAt.Before(prev.CreatedAt) {
			t.Fatalf("FIFO violated at %d", i)
		}
	}

	second, err := store.ListMessages(ctx, "receiver", persistence.MessageStatusPending, 0)
	if err != nil {
		t.Fatalf("re-list: %v", err)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("re-poll order changed at %d", i)
		}
	}

	limited, err := store.ListMessages(ctx, "receiver", "", 2)
	if err != nil {
		t.Fatalf("limited: %v", err)
	}
	if len(limited) != 2 || limited[0].Priority != 5 {
		t.Fatalf("limit not applied: %#v", limited)
	}
}

func TestMessages_EqualTimestampsFallBackToID(t *testing.T) {
	store := openTestStore(t)
	withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "s", persistence.PersonaCreativeCatalyst)
	registerAgent(t, store, "r", persistence.PersonaCreativeCatalyst)

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := store.InsertMessage(ctx, persistence.AgentMessage{Sender: "s", Receiver: "r", Type: "t", Priority: 2})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, id)
	}
	got, err := store.ListMessages(ctx, "r", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, m := range got {
		if m.ID != ids[i] {
			t.Fatalf("position %d: id %d, want %d", i, m.ID, ids[i])
		}
	}
}

func TestMessages_UnknownAgents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	registerAgent(t, store, "known", persistence.PersonaDataDecoder)

	if _, err := store.InsertMessage(ctx, persistence.AgentMessage{Sender: "known", Receiver: "ghost", Type: "t"}); !errors.Is(err, persistence.ErrUnknownAgent) {
		t.Fatalf("unknown receiver: got %v", err)
	}
	if _, err := store.InsertMessage(ctx, persistence.AgentMessage{Sender: "ghost", Receiver: "known", Type: "t"}); !errors.Is(err, persistence.ErrUnknownAgent) {
		t.Fatalf("unknown sender: got %v", err)
	}
	if _, err := store.ListMessages(ctx, "ghost", "", 0); !errors.Is(err, persistence.ErrUnknownAgent) {
		t.Fatalf("unknown receiver poll: got %v", err)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM agent_messages;`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("rejected sends wrote rows: %d %v", n, err)
	}
}

func TestMessages_CompleteExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	registerAgent(t, store, "s", persistence.PersonaCreativeCatalyst)
	registerAgent(t, store, "r", persistence.PersonaCreativeCatalyst)

	id, err := store.InsertMessage(ctx, persistence.AgentMessage{Sender: "s", Receiver: "r", Type: "t"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const workers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.CompleteMessage(ctx, id, persistence.MessageStatusProcessed, json.RawMessage(fmt.Sprintf(`{"worker":%d}`, n)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, persistence.ErrAlreadyProcessed):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || losses != workers-1 {
		t.Fatalf("wins=%d losses=%d", wins, losses)
	}

	m, err := store.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Status != persistence.MessageStatusProcessed || m.ProcessedAt == nil || len(m.Response) == 0 {
		t.Fatalf("message not finalised: %#v", m)
	}

	if _, err := store.CompleteMessage(ctx, 9999, persistence.MessageStatusProcessed, nil); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.CompleteMessage(ctx, id, persistence.MessageStatusPending, nil); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestContent_RoundTripAndQuery(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "creator", persistence.PersonaStrategicStoryteller)

	when := clock.Now().Add(time.Hour)
	in := insertContent(t, store, "c1", "creator", persistence.ContentStatusScheduled, when,
		persistence.PlatformLinkedIn, persistence.PlatformTwitter)
	insertContent(t, store, "c0", "creator", persistence.ContentStatusDraft, when.Add(-time.Minute), persistence.PlatformInstagram)

	got, err := store.GetContent(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ScheduledTime.Equal(in.ScheduledTime) || len(got.Platforms) != 2 || got.Hashtags[0] != "#growth" {
		t.Fatalf("round-trip mismatch: %#v", got)
	}
	if got.PublishedAt != nil {
		t.Fatal("published_at set on scheduled item")
	}

	if _, err := store.GetContent(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.InsertContent(ctx, persistence.ContentItem{ID: "c2", CreatorAgentID: "ghost",
		Persona: persistence.PersonaDataDecoder, ContentType: persistence.ContentTypeTextPost,
		Platforms: []persistence.Platform{persistence.PlatformTwitter}, ScheduledTime: when,
		Status: persistence.ContentStatusScheduled}); !errors.Is(err, persistence.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	_, err = store.InsertContent(ctx, in)
	if !errors.Is(err, persistence.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	all, err := store.QueryContent(ctx, persistence.ContentFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 2 || all[0].ID != "c0" {
		t.Fatalf("expected scheduled-time ordering, got %v", all)
	}
	drafts, err := store.QueryContent(ctx, persistence.ContentFilter{Status: persistence.ContentStatusDraft, CreatorID: "creator"})
	if err != nil || len(drafts) != 1 {
		t.Fatalf("status filter: %v %v", drafts, err)
	}
}

func TestContent_ClaimIsExclusive(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "creator", persistence.PersonaStrategicStoryteller)
	insertContent(t, store, "c1", "creator", persistence.ContentStatusScheduled, clock.Now(), persistence.PlatformLinkedIn)

	due, err := store.DueContent(ctx, clock.Now(), 0)
	if err != nil || len(due) != 1 {
		t.Fatalf("due: %v %v", due, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimContent(ctx, "c1")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claims != 1 {
		t.Fatalf("claims = %d, want 1", claims)
	}

	due, err = store.DueContent(ctx, clock.Now(), 0)
	if err != nil || len(due) != 0 {
		t.Fatalf("claimed item still due: %v %v", due, err)
	}
}

func TestContent_FinishDistributionSetsPublishedAt(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "creator", persistence.PersonaStrategicStoryteller)
	insertContent(t, store, "ok", "creator", persistence.ContentStatusScheduled, clock.Now(), persistence.PlatformLinkedIn)
	insertContent(t, store, "bad", "creator", persistence.ContentStatusScheduled, clock.Now(), persistence.PlatformLinkedIn)

	if _, err := store.FinishDistribution(ctx, "ok", persistence.ContentStatusPublished, nil); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("finish without claim: expected validation error, got %v", err)
	}

	for _, id := range []string{"ok", "bad"} {
		if ok, err := store.ClaimContent(ctx, id); err != nil || !ok {
			t.Fatalf("claim %s: %v %v", id, ok, err)
		}
	}
	published, err := store.FinishDistribution(ctx, "ok", persistence.ContentStatusPublished, map[persistence.Platform]persistence.PlatformOutcome{
		persistence.PlatformLinkedIn: {Success: true, PostID: "p1"},
	})
	if err != nil {
		t.Fatalf("finish ok: %v", err)
	}
	if published.PublishedAt == nil || !published.PublishedAt.Equal(clock.Now()) {
		t.Fatalf("published_at = %v", published.PublishedAt)
	}
	if !published.Metrics[persistence.PlatformLinkedIn].Success {
		t.Fatalf("metrics not stored: %#v", published.Metrics)
	}

	failed, err := store.FinishDistribution(ctx, "bad", persistence.ContentStatusFailed, map[persistence.Platform]persistence.PlatformOutcome{
		persistence.PlatformLinkedIn: {Error: "boom", ErrorKind: persistence.OutcomeError},
	})
	if err != nil {
		t.Fatalf("finish bad: %v", err)
	}
	if failed.PublishedAt != nil || failed.Status != persistence.ContentStatusFailed {
		t.Fatalf("failed item: %#v", failed)
	}
}

func TestContent_StatusOnlyMovesForward(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "creator", persistence.PersonaStrategicStoryteller)
	insertContent(t, store, "c1", "creator", persistence.ContentStatusDraft, clock.Now(), persistence.PlatformLinkedIn)

	if _, _, err := store.UpdateContentStatus(ctx, "c1", persistence.ContentStatusPublished, nil); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("draft->published should be rejected, got %v", err)
	}
	item, from, err := store.UpdateContentStatus(ctx, "c1", persistence.ContentStatusScheduled, nil)
	if err != nil || from != persistence.ContentStatusDraft || item.Status != persistence.ContentStatusScheduled {
		t.Fatalf("draft->scheduled: %v %v %v", item.Status, from, err)
	}
	item, _, err = store.UpdateContentStatus(ctx, "c1", persistence.ContentStatusPublished, map[persistence.Platform]persistence.PlatformOutcome{
		persistence.PlatformLinkedIn: {Success: true},
	})
	if err != nil || item.PublishedAt == nil {
		t.Fatalf("scheduled->published: %#v %v", item, err)
	}
	if _, _, err := store.UpdateContentStatus(ctx, "c1", persistence.ContentStatusScheduled, nil); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("backward move should be rejected, got %v", err)
	}
	if _, _, err := store.UpdateContentStatus(ctx, "c1", persistence.ContentStatusFailed, nil); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("published->failed should be rejected, got %v", err)
	}

	clock.Advance(time.Hour)
	again, _, err := store.UpdateContentStatus(ctx, "c1", persistence.ContentStatusPublished, map[persistence.Platform]persistence.PlatformOutcome{
		persistence.PlatformLinkedIn: {Success: true, PostID: "updated"},
	})
	if err != nil {
		t.Fatalf("same-status metrics update: %v", err)
	}
	if !again.PublishedAt.Equal(*item.PublishedAt) {
		t.Fatal("published_at moved on metrics-only update")
	}
	if again.Metrics[persistence.PlatformLinkedIn].PostID != "updated" {
		t.Fatalf("metrics not replaced: %#v", again.Metrics)
	}

	if _, _, err := store.UpdateContentStatus(ctx, "missing", persistence.ContentStatusScheduled, nil); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestContent_StatusUpdateRefusedWhileDistributing(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "creator", persistence.PersonaStrategicStoryteller)
	insertContent(t, store, "c1", "creator", persistence.ContentStatusScheduled, clock.Now(),
		persistence.PlatformLinkedIn, persistence.PlatformTwitter)
	if won, err := store.ClaimContent(ctx, "c1"); err != nil || !won {
		t.Fatalf("claim: %v %v", won, err)
	}

	for _, to := range []persistence.ContentStatus{
		persistence.ContentStatusPublished,
		persistence.ContentStatusFailed,
		persistence.ContentStatusScheduled,
	} {
		if _, _, err := store.UpdateContentStatus(ctx, "c1", to, nil); !errors.Is(err, persistence.ErrDistributing) {
			t.Fatalf("distributing->%s: expected ErrDistributing, got %v", to, err)
		}
	}
	got, err := store.GetContent(ctx, "c1")
	if err != nil || got.Status != persistence.ContentStatusDistributing {
		t.Fatalf("stored status = %q, %v", got.Status, err)
	}

	done, err := store.FinishDistribution(ctx, "c1", persistence.ContentStatusPublished, map[persistence.Platform]persistence.PlatformOutcome{
		persistence.PlatformLinkedIn: {Success: true, PostID: "li-1"},
		persistence.PlatformTwitter:  {Error: "boom", ErrorKind: persistence.OutcomeError},
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.Status != persistence.ContentStatusPublished || len(done.Metrics) != 2 {
		t.Fatalf("finished item: status=%q metrics=%#v", done.Status, done.Metrics)
	}
}

func TestContent_RecoverDistributing(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "creator", persistence.PersonaStrategicStoryteller)
	insertContent(t, store, "stuck", "creator", persistence.ContentStatusScheduled, clock.Now(),
		persistence.PlatformLinkedIn, persistence.PlatformYouTube)
	if ok, err := store.ClaimContent(ctx, "stuck"); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	ids, err := store.RecoverDistributing(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stuck" {
		t.Fatalf("recovered = %v", ids)
	}
	item, _ := store.GetContent(ctx, "stuck")
	if item.Status != persistence.ContentStatusFailed || len(item.Metrics) != 2 {
		t.Fatalf("recovered item: %#v", item)
	}
	if item.Metrics[persistence.PlatformYouTube].ErrorKind != persistence.OutcomeInterrupted {
		t.Fatalf("missing interrupted outcome: %#v", item.Metrics)
	}
}

func TestAnalytics_RecordAndList(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "creator", persistence.PersonaStrategicStoryteller)
	insertContent(t, store, "c1", "creator", persistence.ContentStatusScheduled, clock.Now(), persistence.PlatformLinkedIn)

	n, err := store.RecordAnalytics(ctx, "c1", persistence.PlatformLinkedIn, map[string]float64{"views": 120, "engagement_rate": 0.05}, time.Time{})
	if err != nil || n != 2 {
		t.Fatalf("record: %d %v", n, err)
	}
	if _, err := store.RecordAnalytics(ctx, "nope", persistence.PlatformLinkedIn, map[string]float64{"views": 1}, time.Time{}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.RecordAnalytics(ctx, "c1", persistence.PlatformLinkedIn, nil, time.Time{}); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	samples, err := store.ListAnalytics(ctx, "c1")
	if err != nil || len(samples) != 2 {
		t.Fatalf("list: %v %v", samples, err)
	}
	if samples[0].MetricName != "engagement_rate" {
		t.Fatalf("samples not in insertion order: %#v", samples)
	}
}

func TestHealth_UpsertByComponent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.UpsertHealth(ctx, persistence.HealthRecord{Component: "scheduler", Status: persistence.HealthHealthy}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.UpsertHealth(ctx, persistence.HealthRecord{Component: "scheduler", Status: persistence.HealthWarning, Message: "slow",
		Metrics: json.RawMessage(`{"lag_ms":900}`)}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if _, err := store.UpsertHealth(ctx, persistence.HealthRecord{Component: "x", Status: "sideways"}); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	rows, err := store.ListHealth(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != persistence.HealthWarning || rows[0].Message != "slow" {
		t.Fatalf("health rows: %#v", rows)
	}
}

func TestAlerts_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.InsertAlert(ctx, persistence.Alert{Type: "message_processing", Severity: persistence.SeverityHigh, Message: "backlog"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if a.Status != persistence.AlertStatusActive {
		t.Fatalf("status = %q", a.Status)
	}

	acked, err := store.TransitionAlert(ctx, a.ID, []persistence.AlertStatus{persistence.AlertStatusActive}, persistence.AlertStatusAcknowledged)
	if err != nil || acked.AcknowledgedAt == nil {
		t.Fatalf("ack: %#v %v", acked, err)
	}
	resolved, err := store.TransitionAlert(ctx, a.ID, []persistence.AlertStatus{persistence.AlertStatusActive, persistence.AlertStatusAcknowledged}, persistence.AlertStatusResolved)
	if err != nil || resolved.ResolvedAt == nil {
		t.Fatalf("resolve: %#v %v", resolved, err)
	}
	if _, err := store.TransitionAlert(ctx, a.ID, []persistence.AlertStatus{persistence.AlertStatusActive}, persistence.AlertStatusAcknowledged); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("resolved alert moved: %v", err)
	}
	if _, err := store.TransitionAlert(ctx, 404, []persistence.AlertStatus{persistence.AlertStatusActive}, persistence.AlertStatusResolved); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	active, err := store.ListAlerts(ctx, persistence.AlertStatusActive, 0)
	if err != nil || len(active) != 0 {
		t.Fatalf("active alerts: %v %v", active, err)
	}
}

func TestSystemCounts(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "a", persistence.PersonaStrategicStoryteller)
	registerAgent(t, store, "b", persistence.PersonaDataDecoder)
	if err := store.TouchAgent(ctx, "b", persistence.AgentStatusInactive, time.Time{}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	insertContent(t, store, "d", "a", persistence.ContentStatusDraft, clock.Now(), persistence.PlatformLinkedIn)
	insertContent(t, store, "s", "a", persistence.ContentStatusScheduled, clock.Now(), persistence.PlatformLinkedIn)
	if _, err := store.InsertMessage(ctx, persistence.AgentMessage{Sender: "a", Receiver: "b", Type: "t"}); err != nil {
		t.Fatalf("message: %v", err)
	}
	clock.Advance(25 * time.Hour)
	if _, err := store.InsertMessage(ctx, persistence.AgentMessage{Sender: "b", Receiver: "a", Type: "t"}); err != nil {
		t.Fatalf("message: %v", err)
	}

	counts, err := store.SystemCounts(ctx, clock.Now())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Agents.Total != 2 || counts.Agents.Active != 1 || counts.Agents.Inactive != 1 {
		t.Fatalf("agents: %#v", counts.Agents)
	}
	if counts.Content.Total != 2 || counts.Content.Draft != 1 || counts.Content.Scheduled != 1 {
		t.Fatalf("content: %#v", counts.Content)
	}
	if counts.Messages.Pending != 2 || counts.Messages.RecentActivity != 1 {
		t.Fatalf("messages: %#v", counts.Messages)
	}
}

func TestDailyPerformance_UpsertCorrects(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	row := persistence.AgentDailyPerformance{AgentID: "a", Persona: persistence.PersonaDataDecoder, Date: "2026-03-14", ContentCreated: 1}
	if err := store.UpsertAgentPerformance(ctx, []persistence.AgentDailyPerformance{row}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row.ContentCreated = 4
	if err := store.UpsertAgentPerformance(ctx, []persistence.AgentDailyPerformance{row}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	rows, err := store.ListAgentPerformance(ctx, "2026-03-14")
	if err != nil || len(rows) != 1 || rows[0].ContentCreated != 4 {
		t.Fatalf("agent rows: %#v %v", rows, err)
	}

	p := persistence.PlatformDailyPerformance{Platform: persistence.PlatformTikTok, Date: "2026-03-14", ContentCount: 2, TotalViews: 10}
	for i := 0; i < 2; i++ {
		if err := store.UpsertPlatformPerformance(ctx, []persistence.PlatformDailyPerformance{p}); err != nil {
			t.Fatalf("platform upsert: %v", err)
		}
		p.TotalViews += 5
	}
	prow, err := store.ListPlatformPerformance(ctx, "2026-03-14")
	if err != nil || len(prow) != 1 || prow[0].TotalViews != 15 {
		t.Fatalf("platform rows: %#v %v", prow, err)
	}
}

func TestPerformanceWindow(t *testing.T) {
	store := openTestStore(t)
	clock := withClock(t, store)
	ctx := context.Background()
	registerAgent(t, store, "a", persistence.PersonaStrategicStoryteller)
	registerAgent(t, store, "b", persistence.PersonaDataDecoder)
	insertContent(t, store, "c1", "a", persistence.ContentStatusScheduled, clock.Now(), persistence.PlatformLinkedIn)
	insertContent(t, store, "c2", "a", persistence.ContentStatusScheduled, clock.Now(), persistence.PlatformLinkedIn)
	if _, _, err := store.UpdateContentStatus(ctx, "c1", persistence.ContentStatusPublished, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := store.RecordAnalytics(ctx, "c1", persistence.PlatformLinkedIn, map[string]float64{"views": 10}, time.Time{}); err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if _, err := store.RecordAnalytics(ctx, "c1", persistence.PlatformLinkedIn, map[string]float64{"views": 30}, time.Time{}); err != nil {
		t.Fatalf("analytics: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.InsertMessage(ctx, persistence.AgentMessage{Sender: "b", Receiver: "a", Type: "t"}); err != nil {
			t.Fatalf("message: %v", err)
		}
	}

	w, err := store.PerformanceWindow(ctx, 7, clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(w.PersonaPerformance) != 1 || w.PersonaPerformance[0].PublishRate != 0.5 {
		t.Fatalf("persona performance: %#v", w.PersonaPerformance)
	}
	if len(w.PlatformAnalytics) != 1 || w.PlatformAnalytics[0].AvgValue != 20 || w.PlatformAnalytics[0].RecordCount != 2 {
		t.Fatalf("platform analytics: %#v", w.PlatformAnalytics)
	}
	if len(w.AgentActivity) != 1 || w.AgentActivity[0].AgentID != "b" || w.AgentActivity[0].MessageCount != 3 {
		t.Fatalf("agent activity: %#v", w.AgentActivity)
	}
	if _, err := store.PerformanceWindow(ctx, 0, time.Time{}); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	later, err := store.PerformanceWindow(ctx, 1, clock.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("later window: %v", err)
	}
	if len(later.PersonaPerformance) != 0 || len(later.AgentActivity) != 0 {
		t.Fatalf("old rows leaked into window: %#v", later)
	}
}
