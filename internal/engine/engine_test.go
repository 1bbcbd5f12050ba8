package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lanewaylabs/sessionsync/internal/protocol"
	"github.com/lanewaylabs/sessionsync/internal/transport"
)

// fakeTransport answers calls from a scripted reply function and lets tests
// inject push events.
type fakeTransport struct {
	mu      sync.Mutex
	reply   func(method string, params json.RawMessage) (any, error)
	handler transport.Handler
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	_ = ctx
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return nil, errors.New("not connected")
	}
	res, err := reply(method, encoded)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (f *fakeTransport) Subscribe(topic string, h transport.Handler) (func(), error) {
	_ = topic
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeTransport) push(t *testing.T, evt protocol.SessionEvent) {
	t.Helper()
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no subscriber attached")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	h(transport.Event{Topic: protocol.TopicSessionEvents, Payload: payload})
}

func newTestEngine(t *testing.T, tr transport.Transport) *Engine {
	t.Helper()
	e := New(tr)
	t.Cleanup(e.Close)
	return e
}

func serverHistory(n int) []protocol.Message {
	msgs := make([]protocol.Message, 0, n)
	for i := 0; i < n; i++ {
		role := protocol.RoleUser
		if i%2 == 1 {
			role = protocol.RoleAssistant
		}
		msgs = append(msgs, indexedMsg(role, "srv", i))
	}
	return msgs
}

func switchResult(key string, n int) *protocol.SwitchResult {
	return &protocol.SwitchResult{
		Entry:   protocol.SessionEntry{Key: key, Model: "gpt-x", MessageCount: n},
		History: serverHistory(n),
	}
}

func TestSwitchSessionAppliesHistory(t *testing.T) {
	tr := &fakeTransport{
		reply: func(method string, params json.RawMessage) (any, error) {
			if method != protocol.MethodSessionsSwitch {
				t.Fatalf("unexpected method %s", method)
			}
			return switchResult("s1", 2), nil
		},
	}
	e := newTestEngine(t, tr)

	if err := e.SwitchSession(context.Background(), "s1"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if e.ActiveSessionKey() != "s1" {
		t.Fatalf("active = %q, want s1", e.ActiveSessionKey())
	}
	msgs, ok := e.History("s1")
	if !ok || len(msgs) != 2 {
		t.Fatalf("history = %d msgs, ok=%v", len(msgs), ok)
	}
	s, _ := e.Session("s1")
	if s.MessageCount != 2 || s.LastSeenMessageCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", s.MessageCount, s.LastSeenMessageCount)
	}
	if s.Model != "gpt-x" {
		t.Fatalf("entry fields not applied: %+v", s)
	}
	if s.Loading {
		t.Fatalf("loading flag not cleared")
	}
	if s.LastHistoryIndex != 1 {
		t.Fatalf("tail = %d, want 1", s.LastHistoryIndex)
	}
}

func TestSwitchSessionFailsWithoutCache(t *testing.T) {
	tr := &fakeTransport{
		reply: func(string, json.RawMessage) (any, error) {
			return nil, errors.New("not connected")
		},
	}
	e := newTestEngine(t, tr)

	if err := e.SwitchSession(context.Background(), "s1"); err == nil {
		t.Fatalf("expected error when nothing is cached")
	}
	s, _ := e.Session("s1")
	if s.Loading {
		t.Fatalf("loading flag must be cleared on failure")
	}
}

func TestSwitchSessionFailureKeepsCachedRender(t *testing.T) {
	calls := 0
	tr := &fakeTransport{
		reply: func(string, json.RawMessage) (any, error) {
			calls++
			if calls == 1 {
				return switchResult("s1", 3), nil
			}
			return nil, errors.New("request rejected")
		},
	}
	e := newTestEngine(t, tr)

	if err := e.SwitchSession(context.Background(), "s1"); err != nil {
		t.Fatalf("first switch: %v", err)
	}
	// second attempt fails, but the stale render remains and no error leaks
	if err := e.SwitchSession(context.Background(), "s1"); err != nil {
		t.Fatalf("failure with cached history must be silent, got %v", err)
	}
	msgs, _ := e.History("s1")
	if len(msgs) != 3 {
		t.Fatalf("cached history lost: %d msgs", len(msgs))
	}
}

// Cache holds 3 messages, a switch is in flight, a push delta appends index
// 3. The response still carries the 3-message history: it must be rejected
// and the pushed message kept.
func TestStaleSwitchResponseLosesToPushDelta(t *testing.T) {
	e := newTestEngine(t, nil)

	attempt, _ := e.beginSwitch("s1")
	e.applySwitchResult("s1", attempt, 0, switchResult("s1", 3))

	attempt, requestRevision := e.beginSwitch("s1")

	// push delta lands while the request is outstanding
	e.CacheSessionHistoryMessage("s1", protocol.Message{
		Role: protocol.RoleAssistant, Content: "pushed", CreatedAt: time.Now(),
	}, idxOf(3))

	e.applySwitchResult("s1", attempt, requestRevision, switchResult("s1", 3))

	msgs, _ := e.History("s1")
	if len(msgs) != 4 {
		t.Fatalf("stale response clobbered pushed message: %d msgs", len(msgs))
	}
	if e.cache.TailIndex("s1") != 3 {
		t.Fatalf("tail regressed to %d", e.cache.TailIndex("s1"))
	}
}

// Tail indexes never decrease across any interleaving of responses and
// deltas.
func TestTailNonDecreasing(t *testing.T) {
	e := newTestEngine(t, nil)

	attempt, rev := e.beginSwitch("s1")
	e.applySwitchResult("s1", attempt, rev, switchResult("s1", 2))
	last := e.cache.TailIndex("s1")

	steps := []func(){
		func() { // optimistic send
			e.CacheOutgoingUserMessage("s1", "hi")
		},
		func() { // late response with an old, shorter history
			a, r := e.beginSwitch("s1")
			e.applySwitchResult("s1", a, r, switchResult("s1", 1))
		},
		func() { // push delta well ahead
			e.CacheSessionHistoryMessage("s1", indexedMsg(protocol.RoleAssistant, "x", 5), idxOf(5))
		},
		func() { // catch-up response
			a, r := e.beginSwitch("s1")
			e.applySwitchResult("s1", a, r, switchResult("s1", 7))
		},
	}
	for i, step := range steps {
		step()
		tail := e.cache.TailIndex("s1")
		if tail < last {
			t.Fatalf("step %d: tail regressed %d -> %d", i, last, tail)
		}
		last = tail
	}
}

// User clicks session A, then B, then A again before any response returns.
// Only the third attempt's response is applied, whatever the arrival order.
func TestRapidSwitchOnlyNewestAttemptApplies(t *testing.T) {
	e := newTestEngine(t, nil)

	attA1, revA1 := e.beginSwitch("A")
	attB, revB := e.beginSwitch("B")
	attA2, revA2 := e.beginSwitch("A")

	// responses arrive out of order: first attempt for A, then B, then A again
	e.applySwitchResult("A", attA1, revA1, switchResult("A", 1))
	if _, ok := e.History("A"); ok {
		t.Fatalf("superseded attempt for A must not populate the cache")
	}

	e.applySwitchResult("B", attB, revB, switchResult("B", 5))
	if _, ok := e.History("B"); ok {
		t.Fatalf("attempt for B was abandoned by navigating to A; must not apply")
	}

	e.applySwitchResult("A", attA2, revA2, switchResult("A", 2))
	msgs, ok := e.History("A")
	if !ok || len(msgs) != 2 {
		t.Fatalf("newest attempt should have applied 2 messages, got %d (ok=%v)", len(msgs), ok)
	}
	if e.ActiveSessionKey() != "A" {
		t.Fatalf("active = %q", e.ActiveSessionKey())
	}
}

// An optimistic user send is acknowledged with its canonical index; the
// switch response carrying the same tail is then adopted, replacing the
// placeholder.
func TestOptimisticSendResolvedByServerHistory(t *testing.T) {
	e := newTestEngine(t, nil)

	attempt, rev := e.beginSwitch("s1")
	e.applySwitchResult("s1", attempt, rev, switchResult("s1", 3))

	attempt, requestRevision := e.beginSwitch("s1")
	sent := e.CacheOutgoingUserMessage("s1", "hello there")
	if sent.Seq == nil || *sent.Seq != 1 {
		t.Fatalf("first send should carry seq 1, got %v", sent.Seq)
	}
	if e.cache.TailIndex("s1") != 3 {
		t.Fatalf("optimistic tail = %d, want 3", e.cache.TailIndex("s1"))
	}

	// acknowledgement assigns the index in place
	ack := sent
	e.CacheSessionHistoryMessage("s1", ack, idxOf(3))
	if e.cache.HasUnindexed("s1") {
		t.Fatalf("ack should resolve the optimistic entry")
	}

	res := switchResult("s1", 3)
	res.History = append(res.History, indexedMsg(protocol.RoleUser, "hello there", 3))
	e.applySwitchResult("s1", attempt, requestRevision, res)

	msgs, _ := e.History("s1")
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages after adoption, got %d", len(msgs))
	}
	if msgs[3].HistoryIndex == nil || *msgs[3].HistoryIndex != 3 {
		t.Fatalf("placeholder not replaced by canonical entry: %+v", msgs[3])
	}
}

func TestOutgoingSeqResumes(t *testing.T) {
	e := newTestEngine(t, nil)

	seven := 7
	old := indexedMsg(protocol.RoleUser, "old", 0)
	old.Seq = &seven
	attempt, rev := e.beginSwitch("s1")
	e.applySwitchResult("s1", attempt, rev, &protocol.SwitchResult{
		Entry:   protocol.SessionEntry{Key: "s1"},
		History: []protocol.Message{old},
	})

	sent := e.CacheOutgoingUserMessage("s1", "new")
	if sent.Seq == nil || *sent.Seq != 8 {
		t.Fatalf("seq should resume after 7, got %v", sent.Seq)
	}
}

func TestPushEventsUpdateBackgroundSession(t *testing.T) {
	tr := &fakeTransport{
		reply: func(string, json.RawMessage) (any, error) {
			return switchResult("front", 1), nil
		},
	}
	e := newTestEngine(t, tr)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.SwitchSession(context.Background(), "front"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	msg := indexedMsg(protocol.RoleAssistant, "bg reply", 0)
	tr.push(t, protocol.SessionEvent{
		Type:       protocol.EventMessage,
		SessionKey: "back",
		Message:    &msg,
	})

	s, ok := e.Session("back")
	if !ok {
		t.Fatalf("push event should create the session record")
	}
	if !s.Unread() {
		t.Fatalf("background delivery must mark the session unread")
	}
	msgs, _ := e.History("back")
	if len(msgs) != 1 {
		t.Fatalf("pushed message not cached: %d", len(msgs))
	}

	// redelivery is harmless
	tr.push(t, protocol.SessionEvent{
		Type:       protocol.EventMessage,
		SessionKey: "back",
		Message:    &msg,
	})
	s, _ = e.Session("back")
	if s.MessageCount != 1 {
		t.Fatalf("redelivered message inflated count to %d", s.MessageCount)
	}
}

func TestPushEventForActiveSessionStaysRead(t *testing.T) {
	tr := &fakeTransport{
		reply: func(string, json.RawMessage) (any, error) {
			return switchResult("s1", 1), nil
		},
	}
	e := newTestEngine(t, tr)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.SwitchSession(context.Background(), "s1"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	msg := indexedMsg(protocol.RoleAssistant, "reply", 1)
	tr.push(t, protocol.SessionEvent{Type: protocol.EventMessage, SessionKey: "s1", Message: &msg})

	s, _ := e.Session("s1")
	if s.Unread() {
		t.Fatalf("the session being viewed must not go unread")
	}
	if s.MessageCount != 2 {
		t.Fatalf("count = %d, want 2", s.MessageCount)
	}
}

func TestReplyingAndUsageEvents(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	replying := true
	run := "run-1"
	tr.push(t, protocol.SessionEvent{
		Type: protocol.EventReplying, SessionKey: "s1", Replying: &replying, RunID: &run,
	})
	s, _ := e.Session("s1")
	if !s.Replying || s.ActiveRunID != "run-1" {
		t.Fatalf("replying state not applied: %+v", s)
	}

	tr.push(t, protocol.SessionEvent{
		Type: protocol.EventUsage, SessionKey: "s1", PromptTokens: 12, CompletionTokens: 34,
	})
	s, _ = e.Session("s1")
	if s.PromptTokens != 12 || s.CompletionTokens != 34 {
		t.Fatalf("usage not accumulated: %+v", s)
	}
}

func TestReconciliationRejectionStillAppliesEntryFields(t *testing.T) {
	e := newTestEngine(t, nil)

	attempt, rev := e.beginSwitch("s1")
	e.applySwitchResult("s1", attempt, rev, switchResult("s1", 3))

	attempt, requestRevision := e.beginSwitch("s1")
	e.CacheSessionHistoryMessage("s1", indexedMsg(protocol.RoleAssistant, "pushed", 3), idxOf(3))

	res := switchResult("s1", 3) // stale history
	res.Entry.Model = "updated-model"
	res.Replying = true
	res.ActiveRunID = "run-9"
	e.applySwitchResult("s1", attempt, requestRevision, res)

	msgs, _ := e.History("s1")
	if len(msgs) != 4 {
		t.Fatalf("history should be kept, got %d msgs", len(msgs))
	}
	s, _ := e.Session("s1")
	if s.Model != "updated-model" || !s.Replying || s.ActiveRunID != "run-9" {
		t.Fatalf("non-history fields must apply even when history is rejected: %+v", s)
	}
}

func TestClearSessionHistoryCache(t *testing.T) {
	e := newTestEngine(t, nil)

	attempt, rev := e.beginSwitch("s1")
	e.applySwitchResult("s1", attempt, rev, switchResult("s1", 2))

	e.ClearSessionHistoryCache("s1")
	if _, ok := e.History("s1"); ok {
		t.Fatalf("cache should be gone")
	}
	s, _ := e.Session("s1")
	if s.LastHistoryIndex != -1 {
		t.Fatalf("tail meta not reset: %d", s.LastHistoryIndex)
	}
}

func TestRefreshSessionsDropsCaches(t *testing.T) {
	tr := &fakeTransport{
		reply: func(method string, params json.RawMessage) (any, error) {
			switch method {
			case protocol.MethodSessionsSwitch:
				var p protocol.SwitchParams
				_ = json.Unmarshal(params, &p)
				return switchResult(p.Key, 1), nil
			case protocol.MethodSessionsList:
				return &protocol.ListResult{Sessions: []protocol.SessionEntry{{Key: "keep"}}}, nil
			}
			return nil, errors.New("unexpected method")
		},
	}
	e := newTestEngine(t, tr)

	if err := e.SwitchSession(context.Background(), "gone"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := e.SwitchSession(context.Background(), "keep"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if err := e.RefreshSessions(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := e.Session("gone"); ok {
		t.Fatalf("session dropped by the server should be removed")
	}
	if _, ok := e.History("gone"); ok {
		t.Fatalf("cache of a dropped session should be released")
	}
	if _, ok := e.Session("keep"); !ok {
		t.Fatalf("listed session lost")
	}
}
