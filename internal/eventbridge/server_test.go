package eventbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/config"
	"github.com/kingrea/chainforge/internal/escalation"
	"github.com/kingrea/chainforge/internal/taskgraph"
)

var errUnknownChain = errors.New("unknown chain")

type fakeService struct {
	mu       sync.Mutex
	router   *Router
	chains   map[string]chain.Snapshot
	feedback map[string]escalation.Feedback
}

func newFakeService() *fakeService {
	return &fakeService{
		router:   NewRouter(),
		chains:   map[string]chain.Snapshot{},
		feedback: map[string]escalation.Feedback{},
	}
}

func (f *fakeService) Submit(_ context.Context, graph taskgraph.Graph) (string, error) {
	if err := graph.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "chain-" + graph.ID
	f.chains[id] = chain.Snapshot{Chain: chain.Chain{ID: id, Name: graph.Name, Status: chain.StatusPending, Graph: graph}}
	return id, nil
}

func (f *fakeService) Start(_ context.Context, id string) error {
	return f.move(id, chain.StatusPending, chain.StatusRunning)
}

func (f *fakeService) Pause(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.chains[id]
	if !ok {
		return errUnknownChain
	}
	snap.Paused = true
	f.chains[id] = snap
	return nil
}

func (f *fakeService) Resume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.chains[id]
	if !ok {
		return errUnknownChain
	}
	snap.Paused = false
	f.chains[id] = snap
	return nil
}

func (f *fakeService) Cancel(_ context.Context, id string) error {
	return f.move(id, chain.StatusRunning, chain.StatusFailed)
}

func (f *fakeService) move(id string, from, to chain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.chains[id]
	if !ok {
		return errUnknownChain
	}
	if snap.Status != from {
		return errors.New("invalid transition")
	}
	snap.Status = to
	f.chains[id] = snap
	return nil
}

func (f *fakeService) State(_ context.Context, id string) (chain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.chains[id]
	if !ok {
		return chain.Snapshot{}, errUnknownChain
	}
	return snap, nil
}

func (f *fakeService) Paused(id string) ([]escalation.PausedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chains[id]; !ok {
		return nil, errUnknownChain
	}
	return nil, nil
}

func (f *fakeService) ProvideFeedback(chainID, taskID string, fb escalation.Feedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID != "B" {
		return escalation.ErrNotPaused
	}
	f.feedback[chainID+"/"+taskID] = fb
	return nil
}

func (f *fakeService) Subscribe(id string) (Subscription, error) {
	f.mu.Lock()
	_, ok := f.chains[id]
	f.mu.Unlock()
	if !ok {
		return Subscription{}, errUnknownChain
	}
	return f.router.Subscribe(id), nil
}

func testSettings(limit int64) Settings {
	return Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: limit, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
}

func classifyFake(err error) int {
	if errors.Is(err, errUnknownChain) {
		return http.StatusNotFound
	}
	return 0
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("CHAINFORGE_BRIDGE_PORT", "9001")
	t.Setenv("CHAINFORGE_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("CHAINFORGE_BRIDGE_ENABLED", "false")
	cfg := &config.Config{}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from env override")
	}
}

func TestSettingsFromConfigReadsProjectBridge(t *testing.T) {
	disabled := false
	cfg := &config.Config{Project: config.ProjectConfig{Bridge: config.BridgeConfig{Enabled: &disabled, Port: 9100}}}
	settings := SettingsFromConfig(cfg)
	if settings.Enabled || settings.Port != 9100 || settings.Host != DefaultHost {
		t.Fatalf("unexpected settings: %+v", settings)
	}
}

func TestSettingsFromConfigReadsLimitsAndTimeouts(t *testing.T) {
	cfg := &config.Config{Project: config.ProjectConfig{Bridge: config.BridgeConfig{
		MaxBodyBytes: 4096,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 4 * time.Second,
		IdleTimeout:  -time.Second,
	}}}
	settings := SettingsFromConfig(cfg)
	if settings.MaxBodyBytes != 4096 {
		t.Fatalf("expected body limit from config, got %d", settings.MaxBodyBytes)
	}
	if settings.ReadTimeout != 3*time.Second || settings.WriteTimeout != 4*time.Second {
		t.Fatalf("expected timeouts from config, got %+v", settings)
	}
	if settings.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("non-positive idle timeout should keep the default, got %s", settings.IdleTimeout)
	}
}

func TestSettingsEnvOverridesLimits(t *testing.T) {
	t.Setenv(EnvBridgeMaxBodyBytes, "2048")
	t.Setenv(EnvBridgeReadTimeout, "750ms")
	t.Setenv(EnvBridgeWriteTimeout, "soon")
	t.Setenv(EnvBridgeIdleTimeout, "0s")
	cfg := &config.Config{Project: config.ProjectConfig{Bridge: config.BridgeConfig{WriteTimeout: 9 * time.Second}}}
	settings := SettingsFromConfig(cfg)
	if settings.MaxBodyBytes != 2048 || settings.ReadTimeout != 750*time.Millisecond {
		t.Fatalf("expected env overrides, got %+v", settings)
	}
	if settings.WriteTimeout != 9*time.Second {
		t.Fatalf("unparseable env value should keep the config value, got %s", settings.WriteTimeout)
	}
	if settings.IdleTimeout != DefaultIdleTimeout {
		t.Fatalf("zero env timeout should keep the default, got %s", settings.IdleTimeout)
	}
}

func TestServerUsesConfiguredBodyLimit(t *testing.T) {
	cfg := &config.Config{Project: config.ProjectConfig{Bridge: config.BridgeConfig{MaxBodyBytes: 64}}}
	handler := NewServer(SettingsFromConfig(cfg), newFakeService()).Handler()
	graph := taskgraph.Graph{ID: "big", Description: strings.Repeat("b", 256), Tasks: []taskgraph.Task{{ID: "A"}}}
	if rec := doJSON(t, handler, http.MethodPost, "/chains", graph); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 with configured limit, got %d", rec.Code)
	}
	small := taskgraph.Graph{ID: "s", Tasks: []taskgraph.Task{{ID: "A"}}}
	if rec := doJSON(t, handler, http.MethodPost, "/chains", small); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 under the limit, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEventDecodeAndStamp(t *testing.T) {
	evt := Event{Type: TypeTaskFailed, ChainID: "chain", TaskID: "A", Payload: json.RawMessage(`{"category":"generation"}`)}
	var failure chain.Failure
	if err := evt.Decode(&failure); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if failure.Category != chain.CategoryGeneration {
		t.Fatalf("unexpected category %q", failure.Category)
	}
	if err := (Event{Type: TypeChainStatus}).Decode(&failure); err == nil {
		t.Fatalf("expected error for empty payload")
	}

	local := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	evt.StampServerTime(local)
	if evt.ServerTime.Location() != time.UTC || !evt.ServerTime.Equal(local) {
		t.Fatalf("expected UTC stamp, got %v", evt.ServerTime)
	}
}

func TestServerChainLifecycle(t *testing.T) {
	service := newFakeService()
	handler := NewServer(testSettings(1<<20), service, WithErrorClassifier(classifyFake)).Handler()

	graph := taskgraph.Graph{ID: "demo", Name: "Demo", Tasks: []taskgraph.Task{{ID: "A"}, {ID: "B", Dependencies: []string{"A"}}}}
	rec := doJSON(t, handler, http.MethodPost, "/chains", graph)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if created.ChainID != "chain-demo" {
		t.Fatalf("unexpected chain id %q", created.ChainID)
	}

	rec = doJSON(t, handler, http.MethodPost, "/chains/chain-demo/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d", rec.Code)
	}
	var snap chain.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != chain.StatusRunning {
		t.Fatalf("expected running, got %s", snap.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, "/chains/chain-demo/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double start, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/chains/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chain, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/chains/chain-demo/paused", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty paused list, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestServerRejectsInvalidInput(t *testing.T) {
	service := newFakeService()
	handler := NewServer(testSettings(1<<20), service).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/chains", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/chains", taskgraph.Graph{ID: "empty"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid graph, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/chains/c/tasks/B/feedback", escalation.Feedback{Kind: "shrug"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown feedback kind, got %d", rec.Code)
	}
}

func TestServerFeedback(t *testing.T) {
	fixed := time.Unix(1730000000, 0).UTC()
	service := newFakeService()
	handler := NewServer(testSettings(1<<20), service, WithClock(func() time.Time { return fixed })).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/chains/c1/tasks/B/feedback", escalation.Feedback{Kind: escalation.FeedbackSkip, Text: "not needed"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	got := service.feedback["c1/B"]
	if got.Kind != escalation.FeedbackSkip || !got.At.Equal(fixed) {
		t.Fatalf("unexpected recorded feedback: %+v", got)
	}

	rec = doJSON(t, handler, http.MethodPost, "/chains/c1/tasks/A/feedback", escalation.Feedback{Kind: escalation.FeedbackRetry})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for task that is not paused, got %d", rec.Code)
	}
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	handler := NewServer(testSettings(64), newFakeService()).Handler()
	graph := taskgraph.Graph{ID: "big", Description: strings.Repeat("a", 512), Tasks: []taskgraph.Task{{ID: "A"}}}
	rec := doJSON(t, handler, http.MethodPost, "/chains", graph)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestServerStartServesHealthAndEvents(t *testing.T) {
	service := newFakeService()
	srv := NewServer(testSettings(1<<20), service)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if srv.Status() != StatusReady {
		t.Fatalf("expected ready status, got %s", srv.Status())
	}
	base := srv.BaseURL()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	resp.Body.Close()
	if health.Version != ProtocolVersion || !health.RouterReady {
		t.Fatalf("unexpected health payload: %+v", health)
	}

	id, err := service.Submit(context.Background(), taskgraph.Graph{ID: "ws", Tasks: []taskgraph.Task{{ID: "A"}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	service.router.Route(Event{Version: EventSchemaVersion, EventID: "evt-1", Type: TypeChainStatus, ChainID: id})

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/chains/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.EventID != "evt-1" || evt.Type != TypeChainStatus {
		t.Fatalf("unexpected streamed event: %+v", evt)
	}
}

func TestServerDisabled(t *testing.T) {
	settings := testSettings(1 << 20)
	settings.Enabled = false
	srv := NewServer(settings, newFakeService())
	if err := srv.Start(context.Background()); !errors.Is(err, errServerDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}
