// Package engine keeps a client-side, per-session message cache consistent
// with the authoritative session store while the user switches between
// sessions, push deltas arrive out of band, and switch responses come back
// late or out of order.
//
// All state mutation is serialized through a single engine mutex: transport
// completions and push-event handlers each take it, so no two mutations ever
// interleave mid-update.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lanewaylabs/sessionsync/internal/observability"
	"github.com/lanewaylabs/sessionsync/internal/protocol"
	"github.com/lanewaylabs/sessionsync/internal/transport"
)

// Engine orchestrates the sequencer, history cache, reconciliation and
// session registry behind the narrow API the UI layer is allowed to use.
type Engine struct {
	mu    sync.Mutex
	tr    transport.Transport
	seq   *Sequencer
	cache *HistoryCache
	reg   *Registry
	log   *slog.Logger

	unsubscribe func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the default process logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an engine on top of tr. Call Start to begin consuming push
// events.
func New(tr transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		tr:    tr,
		seq:   NewSequencer(),
		cache: NewHistoryCache(),
		reg:   NewRegistry(),
		log:   observability.Logger().With("component", "engine"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start subscribes to the session event stream.
func (e *Engine) Start() error {
	unsub, err := e.tr.Subscribe(protocol.TopicSessionEvents, e.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.TopicSessionEvents, err)
	}
	e.unsubscribe = unsub
	return nil
}

// Close detaches from the event stream and stops registry dispatch.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.reg.Close()
}

// Reactive reads for the UI layer.

// ActiveSessionKey returns the key the user is currently looking at.
func (e *Engine) ActiveSessionKey() string { return e.reg.ActiveKey() }

// Session returns the observable record for one session.
func (e *Engine) Session(key string) (SessionState, bool) { return e.reg.Get(key) }

// Sessions returns every known session, ordered by key.
func (e *Engine) Sessions() []SessionState { return e.reg.List() }

// History returns a copy of the cached log for key; ok is false when the
// session has never been synchronized.
func (e *Engine) History(key string) ([]protocol.Message, bool) { return e.cache.Get(key) }

// Watch registers a callback for session metadata changes.
func (e *Engine) Watch(fn func(Change)) func() { return e.reg.Watch(fn) }

// SwitchOption carries the optional parameters of a session switch.
type SwitchOption func(*protocol.SwitchParams)

// WithProjectID scopes session creation to a project.
func WithProjectID(id string) SwitchOption {
	return func(p *protocol.SwitchParams) { p.ProjectID = id }
}

// WithSearchContext forwards the search hit that triggered the navigation.
func WithSearchContext(sc string) SwitchOption {
	return func(p *protocol.SwitchParams) { p.SearchContext = sc }
}

// SwitchSession activates key: the session becomes active immediately and
// any cached history renders at once, then the authoritative history is
// fetched and reconciled. The call blocks until the store answers; run it in
// its own goroutine from UI code.
//
// A response that arrives after the user has begun a newer switch for the
// same key, or has navigated to a different session, is discarded with no
// side effects, and its error (if any) is swallowed. A transport failure is
// returned only when there was no cached history to fall back on.
func (e *Engine) SwitchSession(ctx context.Context, key string, opts ...SwitchOption) error {
	params := protocol.SwitchParams{Key: key}
	for _, o := range opts {
		o(&params)
	}

	attempt, requestRevision := e.beginSwitch(key)

	raw, err := e.tr.Call(ctx, protocol.MethodSessionsSwitch, params)
	if err != nil {
		return e.switchFailed(key, attempt, err)
	}
	var res protocol.SwitchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return e.switchFailed(key, attempt, fmt.Errorf("decode switch result: %w", err))
	}
	e.applySwitchResult(key, attempt, requestRevision, &res)
	return nil
}

// beginSwitch performs the optimistic half of a switch: activate the
// session, show the loading affordance when nothing is cached, and snapshot
// the cache revision before the request leaves.
func (e *Engine) beginSwitch(key string) (attempt, requestRevision uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.Ensure(key)
	e.reg.SetActive(key)
	if !e.cache.Has(key) {
		e.reg.SetLoading(key, true)
	}
	attempt = e.seq.Begin(key)
	requestRevision = e.cache.Revision(key)
	return attempt, requestRevision
}

// applySwitchResult resolves a successful switch response. Superseded
// attempts are dropped wholesale; otherwise the history goes through
// reconciliation while the non-history fields are always applied.
func (e *Engine) applySwitchResult(key string, attempt, requestRevision uint64, res *protocol.SwitchResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seq.IsLatest(key, attempt) {
		e.log.Debug("switch response superseded", "session", key, "attempt", attempt)
		return
	}
	e.reg.SetLoading(key, false)
	if e.reg.ActiveKey() != key {
		// the user navigated elsewhere while this call was in flight
		e.log.Debug("switch response for inactive session discarded", "session", key)
		return
	}

	if ShouldAdopt(e.cache, key, res.History, requestRevision) {
		e.cache.Replace(key, res.History)
		e.reg.SyncCounts(key, len(res.History))
		e.reg.SetHistoryMeta(key, e.cache.Revision(key), e.cache.TailIndex(key))
	} else {
		e.log.Debug("kept local history over switch response",
			"session", key, "server_tail", TailOf(res.History), "local_tail", e.cache.TailIndex(key))
	}

	entry := res.Entry
	entry.Key = key
	e.reg.ApplyEntry(entry)
	e.reg.SetReplying(key, res.Replying)
	e.reg.SetActiveRunID(key, res.ActiveRunID)
	e.reg.SetGenerationState(key, res.VoicePending, res.ThinkingText)
}

// switchFailed resolves a failed switch attempt. With cached history the
// optimistic render from beginSwitch stands and the failure is silent; with
// nothing cached the error surfaces to the caller.
func (e *Engine) switchFailed(key string, attempt uint64, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seq.IsLatest(key, attempt) {
		return nil
	}
	e.reg.SetLoading(key, false)
	if e.reg.ActiveKey() != key {
		return nil
	}
	if e.cache.Has(key) {
		e.log.Debug("switch failed, cached history retained", "session", key, "err", err)
		return nil
	}
	return fmt.Errorf("switch session %s: %w", key, err)
}

// CacheOutgoingUserMessage inserts a just-sent user message optimistically:
// unindexed, stamped with the next client seq, appended at the tail. The
// returned message is what the UI should render until the store acknowledges
// it.
func (e *Engine) CacheOutgoingUserMessage(key, draft string, images ...protocol.ImageRef) protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.cache.MaxSeq(key) + 1
	m := protocol.Message{
		Role:      protocol.RoleUser,
		Content:   draft,
		Images:    images,
		Seq:       &seq,
		CreatedAt: time.Now(),
	}
	e.cache.Upsert(key, m)
	e.reg.Ensure(key)
	e.reg.BumpCount(key, 1)
	e.reg.MarkSeen(key)
	e.reg.SetHistoryMeta(key, e.cache.Revision(key), e.cache.TailIndex(key))
	return m
}

// CacheSessionHistoryMessage installs one message at an explicit canonical
// position (or appends when historyIndex is nil). This is the entry point
// for push-delivered messages and for acknowledgements that assign an index
// to an optimistic entry.
func (e *Engine) CacheSessionHistoryMessage(key string, m protocol.Message, historyIndex *int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if historyIndex != nil {
		m.HistoryIndex = historyIndex
	}
	e.cacheMessageLocked(key, m)
}

// cacheMessageLocked applies one message to the cache and keeps the registry
// counters in step. The last-seen counter follows only for the session the
// user is looking at.
func (e *Engine) cacheMessageLocked(key string, m protocol.Message) {
	e.reg.Ensure(key)
	appended := e.cache.Upsert(key, m)
	if appended {
		e.reg.BumpCount(key, 1)
		if key == e.reg.ActiveKey() {
			e.reg.MarkSeen(key)
		}
	}
	e.reg.SetHistoryMeta(key, e.cache.Revision(key), e.cache.TailIndex(key))
}

// ClearSessionHistoryCache drops the local cache for the given sessions, or
// for all of them when called with no keys. Server state is untouched; pair
// with ClearChat to clear both sides.
func (e *Engine) ClearSessionHistoryCache(keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Clear(keys...)
	if len(keys) == 0 {
		for _, s := range e.reg.List() {
			e.reg.SetHistoryMeta(s.Key, 0, -1)
		}
		return
	}
	for _, k := range keys {
		e.reg.SetHistoryMeta(k, 0, -1)
	}
}

// ClearChat clears a conversation on the store and then locally.
func (e *Engine) ClearChat(ctx context.Context, key string) error {
	if _, err := e.tr.Call(ctx, protocol.MethodChatClear, protocol.ClearParams{Key: key}); err != nil {
		return fmt.Errorf("clear chat %s: %w", key, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Clear(key)
	e.reg.SyncCounts(key, 0)
	e.reg.SetHistoryMeta(key, 0, -1)
	return nil
}

// RefreshSessions fetches the authoritative session list and reconciles the
// registry against it. Caches of dropped sessions are released.
func (e *Engine) RefreshSessions(ctx context.Context) error {
	raw, err := e.tr.Call(ctx, protocol.MethodSessionsList, struct{}{})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var res protocol.ListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode session list: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := e.reg.MergeList(res.Sessions)
	if len(removed) > 0 {
		e.cache.Clear(removed...)
	}
	return nil
}

// ResolveSession fetches one session's metadata record, picking up branch
// relationships without a full switch.
func (e *Engine) ResolveSession(ctx context.Context, key string) (protocol.SessionEntry, error) {
	raw, err := e.tr.Call(ctx, protocol.MethodSessionsResolve, protocol.ResolveParams{Key: key})
	if err != nil {
		return protocol.SessionEntry{}, fmt.Errorf("resolve session %s: %w", key, err)
	}
	var entry protocol.SessionEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return protocol.SessionEntry{}, fmt.Errorf("decode session entry: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.Ensure(entry.Key)
	e.reg.ApplyEntry(entry)
	return entry, nil
}

// SessionContext fetches the store's token bookkeeping for key.
func (e *Engine) SessionContext(ctx context.Context, key string) (protocol.ContextResult, error) {
	raw, err := e.tr.Call(ctx, protocol.MethodChatContext, protocol.ResolveParams{Key: key})
	if err != nil {
		return protocol.ContextResult{}, fmt.Errorf("chat context %s: %w", key, err)
	}
	var res protocol.ContextResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return protocol.ContextResult{}, fmt.Errorf("decode chat context: %w", err)
	}
	return res, nil
}

// handleEvent applies one push delta. Events for a session are applied in
// arrival order; the cache's upsert keeps redelivery harmless.
func (e *Engine) handleEvent(evt transport.Event) {
	var se protocol.SessionEvent
	if err := json.Unmarshal(evt.Payload, &se); err != nil {
		e.log.Warn("dropping undecodable session event", "topic", evt.Topic, "err", err)
		return
	}
	if se.SessionKey == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch se.Type {
	case protocol.EventMessage:
		if se.Message == nil {
			return
		}
		e.cacheMessageLocked(se.SessionKey, *se.Message)
	case protocol.EventReplying:
		e.reg.Ensure(se.SessionKey)
		if se.Replying != nil {
			e.reg.SetReplying(se.SessionKey, *se.Replying)
		}
		if se.RunID != nil {
			e.reg.SetActiveRunID(se.SessionKey, *se.RunID)
		}
	case protocol.EventUsage:
		e.reg.Ensure(se.SessionKey)
		e.reg.AddUsage(se.SessionKey, se.PromptTokens, se.CompletionTokens)
	default:
		e.log.Debug("ignoring unknown session event", "type", se.Type, "session", se.SessionKey)
	}
}
