package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-agency/internal/agent"
	"github.com/basket/go-agency/internal/alert"
	"github.com/basket/go-agency/internal/bus"
	"github.com/basket/go-agency/internal/gateway"
	"github.com/basket/go-agency/internal/metrics"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/publisher"
	"github.com/basket/go-agency/internal/router"
	"github.com/basket/go-agency/internal/scheduler"
)

type testEnv struct {
	ts     *httptest.Server
	store  *persistence.Store
	bus    *bus.Bus
	alerts *alert.Engine
	agg    *metrics.Aggregator
}

func newTestEnv(t *testing.T, opts ...func(*gateway.Config)) *testEnv {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := agent.NewRegistry(agent.Config{Store: store, Bus: eventBus})
	set := publisher.Set{}
	for _, p := range persistence.Platforms {
		set[p] = publisher.NewFake(p)
	}
	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Bus:        eventBus,
		Publishers: set,
		Agents:     registry,
	})
	alerts := alert.NewEngine(alert.Config{Store: store, Bus: eventBus})
	agg := metrics.New(metrics.Config{Store: store, Bus: eventBus, Alerts: alerts})
	exporter := metrics.NewExporter(agg, sched.BreakerStates)

	cfg := gateway.Config{
		Store:             store,
		Registry:          registry,
		Router:            router.New(router.Config{Store: store, Bus: eventBus, Agents: registry}),
		Scheduler:         sched,
		Alerts:            alerts,
		Aggregator:        agg,
		Bus:               eventBus,
		Gatherer:          exporter.Registry(),
		ConfigFingerprint: "cfg-test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, bus: eventBus, alerts: alerts, agg: agg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s %s: %v", method, path, err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// call performs the request, checks the status and decodes the body.
func (e *testEnv) call(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	resp := e.do(t, method, path, body)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status %d, want %d (body %s)", method, path, resp.StatusCode, wantStatus, raw)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (body %s)", method, path, err, raw)
		}
	}
	return out
}

func (e *testEnv) registerAgent(t *testing.T, id, persona string, platforms ...string) {
	t.Helper()
	e.call(t, http.MethodPost, "/api/agents", map[string]any{
		"agent_id":          id,
		"name":              id,
		"persona":           persona,
		"primary_platforms": platforms,
		"content_types":     []string{"text_post"},
		"posting_frequency": "daily",
	}, http.StatusCreated)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	body := env.call(t, http.MethodGet, "/healthz", nil, http.StatusOK)
	if body["healthy"] != true || body["db_ok"] != true || body["pending_messages"] != float64(0) {
		t.Fatalf("healthz = %v", body)
	}

	env.registerAgent(t, "planner", "data_decoder")
	env.registerAgent(t, "writer", "strategic_storyteller")
	env.call(t, http.MethodPost, "/api/messages", map[string]any{
		"sender_agent_id":   "planner",
		"receiver_agent_id": "writer",
		"message_type":      "content_brief",
	}, http.StatusCreated)
	body = env.call(t, http.MethodGet, "/healthz", nil, http.StatusOK)
	if body["pending_messages"] != float64(1) {
		t.Fatalf("pending_messages = %v", body["pending_messages"])
	}
}

func TestAgents(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "storyteller_001", "strategic_storyteller", "linkedin")
	env.registerAgent(t, "catalyst_001", "creative_catalyst", "instagram")

	// Duplicate id.
	env.call(t, http.MethodPost, "/api/agents", map[string]any{
		"agent_id": "storyteller_001", "name": "again", "persona": "strategic_storyteller",
	}, http.StatusConflict)
	// Unknown persona.
	env.call(t, http.MethodPost, "/api/agents", map[string]any{
		"agent_id": "x", "name": "x", "persona": "influencer",
	}, http.StatusBadRequest)
	// Malformed body.
	env.call(t, http.MethodPost, "/api/agents", "{", http.StatusBadRequest)

	list := env.call(t, http.MethodGet, "/api/agents", nil, http.StatusOK)
	if list["count"] != float64(2) {
		t.Fatalf("agents = %v", list)
	}

	got := env.call(t, http.MethodGet, "/api/agents/catalyst_001", nil, http.StatusOK)
	a := got["agent"].(map[string]any)
	if a["persona"] != "creative_catalyst" || a["status"] != "active" {
		t.Fatalf("agent = %v", a)
	}
	env.call(t, http.MethodGet, "/api/agents/nobody", nil, http.StatusNotFound)

	upd := env.call(t, http.MethodPut, "/api/agents/catalyst_001/status", map[string]any{"status": "inactive"}, http.StatusOK)
	if upd["agent"].(map[string]any)["status"] != "inactive" {
		t.Fatalf("status update = %v", upd)
	}
	env.call(t, http.MethodPut, "/api/agents/catalyst_001/status", map[string]any{"status": "sleeping"}, http.StatusBadRequest)

	inactive := env.call(t, http.MethodGet, "/api/agents?status=inactive", nil, http.StatusOK)
	if inactive["count"] != float64(1) {
		t.Fatalf("inactive agents = %v", inactive)
	}
	env.call(t, http.MethodGet, "/api/agents?status=bogus", nil, http.StatusBadRequest)
}

func TestMessages_SendPollAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "planner", "data_decoder")
	env.registerAgent(t, "writer", "strategic_storyteller")

	send := func(priority int) float64 {
		body := env.call(t, http.MethodPost, "/api/messages", map[string]any{
			"sender_agent_id":   "planner",
			"receiver_agent_id": "writer",
			"message_type":      "content_brief",
			"payload":           map[string]any{"topic": "cadence"},
			"priority":          priority,
		}, http.StatusCreated)
		return body["message_id"].(float64)
	}
	low := send(1)
	high := send(5)

	env.call(t, http.MethodPost, "/api/messages", map[string]any{
		"sender_agent_id": "planner", "receiver_agent_id": "ghost", "message_type": "x",
	}, http.StatusNotFound)
	missing := env.call(t, http.MethodPost, "/api/messages", map[string]any{
		"sender_agent_id": "planner", "message_type": "x",
	}, http.StatusBadRequest)
	if !strings.Contains(missing["error"].(string), "receiver_agent_id") {
		t.Fatalf("error = %v", missing["error"])
	}

	polled := env.call(t, http.MethodGet, "/api/messages/writer", nil, http.StatusOK)
	msgs := polled["messages"].([]any)
	if len(msgs) != 2 || msgs[0].(map[string]any)["id"] != high || msgs[1].(map[string]any)["id"] != low {
		t.Fatalf("poll order = %v", msgs)
	}
	env.call(t, http.MethodGet, "/api/messages/ghost", nil, http.StatusNotFound)
	env.call(t, http.MethodGet, "/api/messages/writer?status=lost", nil, http.StatusBadRequest)
	env.call(t, http.MethodGet, "/api/messages/writer?limit=abc", nil, http.StatusBadRequest)

	path := "/api/messages/" + jsonID(high) + "/process"
	ack := env.call(t, http.MethodPut, path, map[string]any{"response": map[string]any{"ok": true}}, http.StatusOK)
	if ack["message"].(map[string]any)["status"] != "processed" {
		t.Fatalf("ack = %v", ack)
	}
	env.call(t, http.MethodPut, path, nil, http.StatusConflict)
	env.call(t, http.MethodPut, "/api/messages/"+jsonID(low)+"/fail", nil, http.StatusOK)
	env.call(t, http.MethodPut, "/api/messages/9999/process", nil, http.StatusNotFound)
	env.call(t, http.MethodPut, "/api/messages/abc/process", nil, http.StatusBadRequest)

	pending := env.call(t, http.MethodGet, "/api/messages/writer", nil, http.StatusOK)
	if pending["count"] != float64(0) {
		t.Fatalf("pending after completion = %v", pending)
	}
}

func jsonID(v float64) string {
	raw, _ := json.Marshal(int64(v))
	return string(raw)
}

func TestContent_SubmitQueryStatus(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "storyteller_001", "strategic_storyteller", "linkedin")

	submission := map[string]any{
		"id":               "post-1",
		"creator_agent_id": "storyteller_001",
		"persona":          "strategic_storyteller",
		"content_type":     "text_post",
		"title":            "Cadence",
		"content_body":     "Consistency compounds.",
		"target_platforms": []string{"linkedin", "twitter"},
		"scheduled_time":   time.Now().Add(time.Hour).UTC(),
	}
	created := env.call(t, http.MethodPost, "/api/content", submission, http.StatusCreated)
	if created["content"].(map[string]any)["status"] != "scheduled" {
		t.Fatalf("created = %v", created)
	}
	env.call(t, http.MethodPost, "/api/content", submission, http.StatusConflict)

	submission["id"] = "post-2"
	submission["creator_agent_id"] = "ghost"
	env.call(t, http.MethodPost, "/api/content", submission, http.StatusNotFound)
	submission["creator_agent_id"] = "storyteller_001"
	submission["target_platforms"] = []string{"myspace"}
	env.call(t, http.MethodPost, "/api/content", submission, http.StatusBadRequest)

	q := env.call(t, http.MethodGet, "/api/content?status=scheduled&persona=strategic_storyteller", nil, http.StatusOK)
	if q["count"] != float64(1) {
		t.Fatalf("query = %v", q)
	}
	env.call(t, http.MethodGet, "/api/content?status=archived", nil, http.StatusBadRequest)

	upd := env.call(t, http.MethodPut, "/api/content/post-1/status", map[string]any{
		"status": "published",
		"performance_metrics": map[string]any{
			"linkedin": map[string]any{"success": true, "post_id": "li-1"},
		},
	}, http.StatusOK)
	item := upd["content"].(map[string]any)
	if item["status"] != "published" || item["published_at"] == nil {
		t.Fatalf("updated = %v", item)
	}
	// Status only moves forward.
	env.call(t, http.MethodPut, "/api/content/post-1/status", map[string]any{"status": "scheduled"}, http.StatusBadRequest)
	env.call(t, http.MethodPut, "/api/content/missing/status", map[string]any{"status": "published"}, http.StatusNotFound)

	// A claimed item belongs to the scheduler until its outcomes are recorded.
	submission["id"] = "post-3"
	submission["target_platforms"] = []string{"linkedin"}
	env.call(t, http.MethodPost, "/api/content", submission, http.StatusCreated)
	if won, err := env.store.ClaimContent(context.Background(), "post-3"); err != nil || !won {
		t.Fatalf("claim: %v %v", won, err)
	}
	env.call(t, http.MethodPut, "/api/content/post-3/status", map[string]any{"status": "failed"}, http.StatusConflict)
}

func TestAnalytics(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "storyteller_001", "strategic_storyteller", "linkedin")
	env.call(t, http.MethodPost, "/api/content", map[string]any{
		"id":               "post-1",
		"creator_agent_id": "storyteller_001",
		"persona":          "strategic_storyteller",
		"content_type":     "text_post",
		"title":            "Cadence",
		"content_body":     "Consistency compounds.",
		"target_platforms": []string{"linkedin"},
		"scheduled_time":   time.Now().Add(time.Hour).UTC(),
	}, http.StatusCreated)

	rec := env.call(t, http.MethodPost, "/api/analytics", map[string]any{
		"content_id": "post-1",
		"platform":   "linkedin",
		"metrics":    map[string]float64{"views": 120, "likes": 9},
	}, http.StatusCreated)
	if rec["records_count"] != float64(2) {
		t.Fatalf("record = %v", rec)
	}
	env.call(t, http.MethodPost, "/api/analytics", map[string]any{
		"content_id": "nope", "platform": "linkedin", "metrics": map[string]float64{"views": 1},
	}, http.StatusNotFound)
	env.call(t, http.MethodPost, "/api/analytics", map[string]any{
		"content_id": "post-1", "platform": "linkedin", "metrics": map[string]float64{},
	}, http.StatusBadRequest)

	list := env.call(t, http.MethodGet, "/api/analytics/post-1", nil, http.StatusOK)
	if list["count"] != float64(2) {
		t.Fatalf("analytics = %v", list)
	}
	empty := env.call(t, http.MethodGet, "/api/analytics/unknown", nil, http.StatusOK)
	if empty["count"] != float64(0) {
		t.Fatalf("analytics for unknown content = %v", empty)
	}
}

func TestSystemStatusAndHealth(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "storyteller_001", "strategic_storyteller", "linkedin")

	status := env.call(t, http.MethodGet, "/api/system/status", nil, http.StatusOK)
	if status["system_status"] != "healthy" || status["config_fingerprint"] != "cfg-test" {
		t.Fatalf("status = %v", status)
	}
	agents := status["statistics"].(map[string]any)["agents"].(map[string]any)
	if agents["total"] != float64(1) || agents["active"] != float64(1) {
		t.Fatalf("agent stats = %v", agents)
	}
	if _, ok := status["circuit_breakers"].(map[string]any)["linkedin"]; !ok {
		t.Fatalf("breakers = %v", status["circuit_breakers"])
	}

	health := env.call(t, http.MethodPost, "/api/system/health", map[string]any{
		"component": "publisher",
		"status":    "warning",
		"message":   "slow",
		"metrics":   map[string]any{"p95_ms": 900},
	}, http.StatusOK)
	if health["status"].(map[string]any)["status"] != "warning" {
		t.Fatalf("health = %v", health)
	}
	env.call(t, http.MethodPost, "/api/system/health", map[string]any{"component": "publisher", "status": "sick"}, http.StatusBadRequest)
	env.call(t, http.MethodPost, "/api/system/health", map[string]any{"component": "publisher", "status": "healthy"}, http.StatusOK)

	list := env.call(t, http.MethodGet, "/api/system/health", nil, http.StatusOK)
	comps := list["components"].([]any)
	if len(comps) != 1 || comps[0].(map[string]any)["status"] != "healthy" {
		t.Fatalf("components = %v", comps)
	}
}

func TestAlertsAndStatusDegraded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	raised, err := env.alerts.Raise(ctx, alert.Candidate{
		Type:     alert.TypeMessageProcessing,
		Severity: persistence.SeverityHigh,
		Message:  "High pending message count: 60 messages pending",
	})
	if err != nil {
		t.Fatal(err)
	}

	status := env.call(t, http.MethodGet, "/api/system/status", nil, http.StatusOK)
	if status["system_status"] != "degraded" || status["active_alerts"] != float64(1) {
		t.Fatalf("status = %v", status)
	}

	list := env.call(t, http.MethodGet, "/api/alerts?status=active", nil, http.StatusOK)
	if list["count"] != float64(1) {
		t.Fatalf("alerts = %v", list)
	}
	env.call(t, http.MethodGet, "/api/alerts?status=snoozed", nil, http.StatusBadRequest)

	id := jsonID(float64(raised.ID))
	ack := env.call(t, http.MethodPut, "/api/alerts/"+id+"/acknowledge", nil, http.StatusOK)
	if ack["alert"].(map[string]any)["status"] != "acknowledged" {
		t.Fatalf("ack = %v", ack)
	}
	// Acknowledged alerts cannot be acknowledged again.
	env.call(t, http.MethodPut, "/api/alerts/"+id+"/acknowledge", nil, http.StatusBadRequest)
	env.call(t, http.MethodPut, "/api/alerts/"+id+"/resolve", nil, http.StatusOK)
	env.call(t, http.MethodPut, "/api/alerts/424242/resolve", nil, http.StatusNotFound)

	status = env.call(t, http.MethodGet, "/api/system/status", nil, http.StatusOK)
	if status["system_status"] != "healthy" {
		t.Fatalf("status after resolve = %v", status)
	}
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "storyteller_001", "strategic_storyteller", "linkedin")
	if _, err := env.agg.Cycle(context.Background(), persistence.PeriodHourly); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	perf := env.call(t, http.MethodGet, "/api/dashboard/performance?days=30", nil, http.StatusOK)
	if perf["days"] != float64(30) {
		t.Fatalf("performance = %v", perf)
	}
	env.call(t, http.MethodGet, "/api/dashboard/performance?days=0", nil, http.StatusBadRequest)

	sum := env.call(t, http.MethodGet, "/api/dashboard/summary", nil, http.StatusOK)
	sys := sum["system_metrics"].(map[string]any)
	if sys["total_agents"] != float64(1) {
		t.Fatalf("summary system metrics = %v", sys)
	}
	env.call(t, http.MethodGet, "/api/dashboard/summary?days=-1", nil, http.StatusBadRequest)

	status := env.call(t, http.MethodGet, "/api/system/status", nil, http.StatusOK)
	last, ok := status["last_collection"].(map[string]any)
	if !ok || last["period"] != "hourly" {
		t.Fatalf("last collection = %v", status["last_collection"])
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/metrics", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "goagency_circuit_breaker_state") {
		t.Fatalf("scrape missing breaker gauge:\n%s", raw)
	}
}

func TestPrometheusEndpointDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *gateway.Config) { c.Gatherer = nil })
	resp := env.do(t, http.MethodGet, "/metrics", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodDelete, "/api/agents", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestTraceIDHeader(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/agents", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Trace-Id"); got != "trace-abc" {
		t.Fatalf("trace header = %q", got)
	}

	resp = env.do(t, http.MethodGet, "/api/agents", nil)
	resp.Body.Close()
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Fatal("generated trace id missing")
	}
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t, func(c *gateway.Config) { c.MaxBodyBytes = 64 })
	big := map[string]any{"agent_id": "a", "name": strings.Repeat("n", 200), "persona": "data_decoder"}
	env.call(t, http.MethodPost, "/api/agents", big, http.StatusBadRequest)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, func(c *gateway.Config) { c.AllowOrigins = []string{"https://dash.example.com"} })

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/agents", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, env.ts.URL+"/api/agents", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestWebSocketStreamsBusEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?topic=alert."
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ws handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{AgentID: "ignored"})
	env.bus.Publish(bus.TopicAlertRaised, bus.AlertEvent{AlertID: 7, Type: "system_error", Severity: "high"})

	var frame struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Topic != bus.TopicAlertRaised || frame.Payload["alert_id"] != float64(7) {
		t.Fatalf("frame = %+v", frame)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("ws handler did not unsubscribe after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
