package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/convert"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
	"github.com/makihq/maki-gateway/internal/pool"
	"github.com/makihq/maki-gateway/internal/provider"
	"github.com/makihq/maki-gateway/internal/risk"
)

// scripted behaviours per node uuid.
type scriptedCall struct {
	status int          // non-200 becomes an UpstreamError
	body   string       // error body for non-200
	resp   *convert.ChatResponse
	chunks []string     // streamed text deltas before outcome
	err    error        // transport-level error
}

type fakeAdapter struct {
	ptype    credential.ProviderType
	scripts  map[string][]scriptedCall // uuid → call sequence
	calls    map[string]int
	refreshes map[string]int
	refreshErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		ptype:     credential.ProviderQwen,
		scripts:   make(map[string][]scriptedCall),
		calls:     make(map[string]int),
		refreshes: make(map[string]int),
	}
}

func (f *fakeAdapter) Type() credential.ProviderType  { return f.ptype }
func (f *fakeAdapter) ExpiryThreshold() time.Duration { return 5 * time.Minute }

func (f *fakeAdapter) next(uuid string) scriptedCall {
	seq := f.scripts[uuid]
	i := f.calls[uuid]
	f.calls[uuid]++
	if i >= len(seq) {
		return scriptedCall{status: 500, body: "script exhausted"}
	}
	return seq[i]
}

func (f *fakeAdapter) Unary(_ context.Context, node *credential.Node, _ *convert.ChatRequest) (*convert.ChatResponse, error) {
	call := f.next(node.UUID)
	if call.err != nil {
		return nil, call.err
	}
	if call.status != 0 && call.status != 200 {
		return nil, &provider.UpstreamError{Status: call.status, Body: []byte(call.body)}
	}
	return call.resp, nil
}

type fakeStream struct {
	chunks []convert.ChatChunk
	errAt  error
	pos    int
}

func (s *fakeStream) Next() (*convert.ChatChunk, error) {
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return &c, nil
	}
	if s.errAt != nil {
		return nil, s.errAt
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { return nil }

func (f *fakeAdapter) Stream(_ context.Context, node *credential.Node, req *convert.ChatRequest) (provider.ChunkStream, error) {
	call := f.next(node.UUID)
	if call.err != nil && len(call.chunks) == 0 {
		return nil, call.err
	}
	if call.status != 0 && call.status != 200 && len(call.chunks) == 0 {
		return nil, &provider.UpstreamError{Status: call.status, Body: []byte(call.body)}
	}

	st := &fakeStream{}
	for _, text := range call.chunks {
		st.chunks = append(st.chunks, convert.NewChunk("c1", req.Model, 1, convert.Delta{Content: text}, nil))
	}
	if call.err != nil {
		st.errAt = call.err
	} else if call.status != 0 && call.status != 200 {
		st.errAt = &provider.UpstreamError{Status: call.status, Body: []byte(call.body)}
	} else {
		finish := convert.FinishStop
		st.chunks = append(st.chunks, convert.NewChunk("c1", req.Model, 1, convert.Delta{}, &finish))
	}
	return st, nil
}

func (f *fakeAdapter) ListModels(context.Context, *credential.Node) ([]convert.Model, error) {
	return []convert.Model{{ID: "qwen-test", Object: "model", OwnedBy: "qwen"}}, nil
}

func (f *fakeAdapter) Refresh(_ context.Context, node *credential.Node) (*provider.RefreshResult, error) {
	f.refreshes[node.UUID]++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	exp := time.Now().Add(time.Hour)
	return &provider.RefreshResult{AccessToken: "fresh-token", RefreshToken: "fresh-refresh", ExpiresAt: &exp}, nil
}

type harness struct {
	dispatcher *Dispatcher
	pools      *pool.Manager
	adapter    *fakeAdapter
	journal    *risk.Journal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		PoolStrategy:         config.StrategyLeastUsed,
		PoolMaxFailures:      3,
		PoolFailureResetTime: 5 * time.Minute,
		RiskEnabled:          true,
		RiskMode:             config.RiskEnforceStrict,
		RiskMaxEvents:        100,
		RiskFlushDebounce:    time.Hour,
		RiskIdentityCollisionWindow: 10 * time.Second,
		CooldownTimezone:     "UTC",
		CooldownBase:         time.Minute,
		RequestMaxRetries:    3,
		RequestBaseDelay:     time.Millisecond,
		RequestTimeout:       time.Second,
		RefreshTimeout:       time.Second,
		DefaultProvider:      string(credential.ProviderQwen),
	}

	store, err := credential.NewFileStore(filepath.Join(t.TempDir(), "configs"), time.Hour)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bus := events.NewBus(50)
	pools := pool.NewManager(cfg, store, bus)
	journal := risk.NewJournal(store.Root(), cfg.RiskMaxEvents, cfg.RiskFlushDebounce)
	engine := risk.NewEngine(cfg, pools, journal, bus)

	adapter := newFakeAdapter()
	registry := provider.NewRegistry()
	registry.Register(adapter)

	refresher := NewRefresher(pools, registry, store, engine, bus, cfg.RefreshTimeout)
	dispatcher := New(cfg, pools, registry, refresher, engine, NewRouter(cfg), bus, nil)

	return &harness{dispatcher: dispatcher, pools: pools, adapter: adapter, journal: journal}
}

func (h *harness) addNode(t *testing.T, id string, priority int) {
	t.Helper()
	err := h.pools.Add(&credential.Node{
		UUID:         id,
		ProviderType: credential.ProviderQwen,
		Priority:     priority,
		IsHealthy:    true,
		State:        credential.StateHealthy,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
}

func (h *harness) do(req *convert.ChatRequest) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	h.dispatcher.Execute(rec, httpReq, req, Options{ClientProto: convert.ProtoOpenAI})
	return rec
}

func okResponse(text string) *convert.ChatResponse {
	return &convert.ChatResponse{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Created: 1,
		Model:   "qwen-test",
		Choices: []convert.Choice{{
			Message:      convert.Message{Role: "assistant", Content: convert.TextContent(text)},
			FinishReason: convert.FinishStop,
		}},
	}
}

func chatReq(stream bool) *convert.ChatRequest {
	return &convert.ChatRequest{
		Model:    "qwen-test",
		Messages: []convert.Message{{Role: "user", Content: convert.TextContent("hi")}},
		Stream:   stream,
	}
}

func (h *harness) signalsFor(uuid string) []risk.Signal {
	var out []risk.Signal
	for _, e := range h.journal.Recent(0) {
		if e.UUID == uuid {
			out = append(out, e.Signal)
		}
	}
	return out
}

func TestHappyPathUnary(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.addNode(t, "node-b", 100)
	h.adapter.scripts["node-a"] = []scriptedCall{{resp: okResponse("hello")}}

	rec := h.do(chatReq(false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp convert.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not OpenAI-shaped: %v", err)
	}
	if resp.Choices[0].Message.Content.Flat() != "hello" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content.Flat())
	}

	a, _ := h.pools.Get(credential.ProviderQwen, "node-a")
	if a.UsageCount != 1 || a.ErrorCount != 0 {
		t.Fatalf("counters: usage=%d errors=%d", a.UsageCount, a.ErrorCount)
	}
	if h.adapter.calls["node-b"] != 0 {
		t.Fatal("preferred tier ignored: node-b was called")
	}
}

func TestFailoverUnary(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.addNode(t, "node-b", 50)
	h.adapter.scripts["node-a"] = []scriptedCall{{status: 500, body: "boom"}}
	h.adapter.scripts["node-b"] = []scriptedCall{{resp: okResponse("from b")}}

	rec := h.do(chatReq(false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "from b") {
		t.Fatalf("expected node-b response, got %s", rec.Body.String())
	}

	a, _ := h.pools.Get(credential.ProviderQwen, "node-a")
	if a.ErrorCount != 1 || a.AuthFailureStreak != 0 {
		t.Fatalf("node-a counters: errors=%d authStreak=%d", a.ErrorCount, a.AuthFailureStreak)
	}

	if sigs := h.signalsFor("node-a"); len(sigs) != 1 || sigs[0] != risk.SignalNetworkTransient {
		t.Fatalf("node-a journal = %v", sigs)
	}
	if sigs := h.signalsFor("node-b"); len(sigs) != 1 || sigs[0] != risk.SignalSuccess {
		t.Fatalf("node-b journal = %v", sigs)
	}
}

func TestNoFailoverAfterFirstStreamedByte(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.addNode(t, "node-b", 100)
	h.adapter.scripts["node-a"] = []scriptedCall{{chunks: []string{"hel"}, status: 500, body: "mid-stream crash"}}
	h.adapter.scripts["node-b"] = []scriptedCall{{resp: okResponse("never")}}

	rec := h.do(chatReq(true))
	body := rec.Body.String()

	if !strings.Contains(body, `"content":"hel"`) {
		t.Fatalf("client should have received the first chunk, got %q", body)
	}
	if !strings.Contains(body, `"error"`) {
		t.Fatalf("missing in-band terminal error chunk: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with [DONE]: %q", body)
	}
	if h.adapter.calls["node-b"] != 0 {
		t.Fatal("fail-over happened after streamed bytes")
	}
}

func TestStreamErrorBeforeBytesFailsOver(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.addNode(t, "node-b", 50)
	h.adapter.scripts["node-a"] = []scriptedCall{{status: 503, body: "unavailable"}}
	h.adapter.scripts["node-b"] = []scriptedCall{{chunks: []string{"ok"}}}

	rec := h.do(chatReq(true))
	body := rec.Body.String()
	if !strings.Contains(body, `"content":"ok"`) {
		t.Fatalf("expected node-b stream, got %q", body)
	}
	if h.adapter.calls["node-b"] != 1 {
		t.Fatal("node-b should have been tried after a pre-byte failure")
	}
}

func TestQuotaExhaustionReturns429WithRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.addNode(t, "node-b", 50)
	h.adapter.scripts["node-a"] = []scriptedCall{{status: 429, body: "rate limited"}}
	h.adapter.scripts["node-b"] = []scriptedCall{{status: 429, body: "rate limited"}}

	rec := h.do(chatReq(false))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	for _, id := range []string{"node-a", "node-b"} {
		n, _ := h.pools.Get(credential.ProviderQwen, id)
		if n.State != credential.StateCooldown || n.CooldownUntil == nil {
			t.Fatalf("%s should be cooling, state=%s", id, n.State)
		}
	}
}

func TestAuthRefreshInlineRetriesSameNode(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.adapter.scripts["node-a"] = []scriptedCall{
		{status: 401, body: "unauthorized"},
		{resp: okResponse("after refresh")},
	}

	rec := h.do(chatReq(false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "after refresh") {
		t.Fatalf("expected retried response, got %s", rec.Body.String())
	}
	if h.adapter.refreshes["node-a"] != 1 {
		t.Fatalf("expected exactly one refresh, got %d", h.adapter.refreshes["node-a"])
	}

	n, _ := h.pools.Get(credential.ProviderQwen, "node-a")
	if n.AuthFailureStreak != 0 {
		t.Fatalf("authFailureStreak should reset after success, got %d", n.AuthFailureStreak)
	}
	if n.Secrets.AccessToken != "fresh-token" {
		t.Fatalf("refreshed token not propagated, got %q", n.Secrets.AccessToken)
	}
}

func TestAllNodesExhaustedReturns503(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.adapter.scripts["node-a"] = []scriptedCall{{status: 500, body: "boom"}}

	rec := h.do(chatReq(false))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "error") {
		t.Fatalf("body should be OpenAI error shape: %s", rec.Body.String())
	}
}

func TestBanSignalRemovesNodeFromRotation(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "node-a", 50)
	h.adapter.scripts["node-a"] = []scriptedCall{{status: 403, body: "your account has been banned"}}

	h.do(chatReq(false))

	n, _ := h.pools.Get(credential.ProviderQwen, "node-a")
	if n.State != credential.StateBanned {
		t.Fatalf("state = %s, want banned", n.State)
	}
	if _, err := h.pools.Select(credential.ProviderQwen); err != pool.ErrNoHealthyNode {
		t.Fatalf("banned node still selectable: %v", err)
	}
}
