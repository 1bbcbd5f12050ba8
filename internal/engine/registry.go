package engine

import (
	"sort"
	"sync"

	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

// SessionState is the per-session metadata the UI observes. Values handed
// out by the registry are copies; mutation happens only through registry
// methods.
type SessionState struct {
	Key       string
	ProjectID string
	Model     string
	Sandbox   bool

	MessageCount         int
	LastSeenMessageCount int

	HistoryRevision  uint64
	LastHistoryIndex int

	Replying     bool
	ActiveRunID  string
	Loading      bool
	VoicePending bool
	ThinkingText string

	LocalUnread bool
	BadgeCount  int

	ParentSessionKey string
	ForkPoint        *int

	PromptTokens     int
	CompletionTokens int
}

// Unread derives the unread signal from the counters plus the UI-facing
// overrides.
func (s SessionState) Unread() bool {
	return s.LocalUnread || s.BadgeCount > 0 || s.MessageCount > s.LastSeenMessageCount
}

// Change notifies watchers that the named session (or, for Removed, its
// absence) should be re-read.
type Change struct {
	Key     string
	Removed bool
}

// Registry is the reactive per-session metadata store. Field changes are
// pushed to watchers in mutation order through a dedicated dispatch
// goroutine, so watcher callbacks may freely call back into the registry or
// the engine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
	active   string

	watchMu  sync.Mutex
	watchers map[int]func(Change)
	nextID   int

	notifyCh chan Change
	done     chan struct{}
}

func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]*SessionState),
		watchers: make(map[int]func(Change)),
		notifyCh: make(chan Change, 256),
		done:     make(chan struct{}),
	}
	go r.dispatch()
	return r
}

// Close stops watcher dispatch. Pending notifications are dropped.
func (r *Registry) Close() { close(r.done) }

func (r *Registry) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case ch := <-r.notifyCh:
			r.watchMu.Lock()
			fns := make([]func(Change), 0, len(r.watchers))
			for _, fn := range r.watchers {
				fns = append(fns, fn)
			}
			r.watchMu.Unlock()
			for _, fn := range fns {
				fn(ch)
			}
		}
	}
}

// Watch registers fn for change notifications and returns its cancel
// function.
func (r *Registry) Watch(fn func(Change)) func() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	return func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		delete(r.watchers, id)
	}
}

func (r *Registry) notify(ch Change) {
	select {
	case r.notifyCh <- ch:
	case <-r.done:
	}
}

// Ensure creates the session record on first observation and returns whether
// it was created.
func (r *Registry) Ensure(key string) bool {
	r.mu.Lock()
	_, ok := r.sessions[key]
	if !ok {
		r.sessions[key] = &SessionState{Key: key, LastHistoryIndex: -1}
	}
	r.mu.Unlock()
	if !ok {
		r.notify(Change{Key: key})
	}
	return !ok
}

// Get returns a copy of the session record.
func (r *Registry) Get(key string) (SessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return SessionState{}, false
	}
	return *s, true
}

// List returns copies of every known session, ordered by key.
func (r *Registry) List() []SessionState {
	r.mu.RLock()
	out := make([]SessionState, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetActive moves the active-session pointer. Becoming active marks the
// session as seen.
func (r *Registry) SetActive(key string) {
	r.mu.Lock()
	r.active = key
	if s, ok := r.sessions[key]; ok {
		s.LastSeenMessageCount = s.MessageCount
		s.LocalUnread = false
		s.BadgeCount = 0
	}
	r.mu.Unlock()
	r.notify(Change{Key: key})
}

// ActiveKey returns the current active-session pointer, or "".
func (r *Registry) ActiveKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) update(key string, fn func(*SessionState)) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		s = &SessionState{Key: key, LastHistoryIndex: -1}
		r.sessions[key] = s
	}
	fn(s)
	r.mu.Unlock()
	r.notify(Change{Key: key})
}

// SyncCounts installs the authoritative message count after a full history
// replace, clearing the unread delta.
func (r *Registry) SyncCounts(key string, count int) {
	r.update(key, func(s *SessionState) {
		s.MessageCount = count
		s.LastSeenMessageCount = count
	})
}

// BumpCount raises the message count without touching the last-seen counter,
// which is what makes a background session show as unread. Negative deltas
// are ignored: nothing but a full resync may lower the count.
func (r *Registry) BumpCount(key string, delta int) {
	if delta <= 0 {
		return
	}
	r.update(key, func(s *SessionState) {
		s.MessageCount += delta
	})
}

// MarkSeen advances the last-seen counter to the current count.
func (r *Registry) MarkSeen(key string) {
	r.update(key, func(s *SessionState) {
		s.LastSeenMessageCount = s.MessageCount
		s.LocalUnread = false
		s.BadgeCount = 0
	})
}

// SetReplying flips the generation-in-progress flag.
func (r *Registry) SetReplying(key string, replying bool) {
	r.update(key, func(s *SessionState) { s.Replying = replying })
}

// SetActiveRunID records the id of the run currently generating, or "" when
// idle.
func (r *Registry) SetActiveRunID(key, runID string) {
	r.update(key, func(s *SessionState) { s.ActiveRunID = runID })
}

// SetGenerationState records the transient generation snapshot carried by a
// switch response: a pending voice transcription and any partial thinking
// text to render immediately.
func (r *Registry) SetGenerationState(key string, voicePending bool, thinkingText string) {
	r.update(key, func(s *SessionState) {
		s.VoicePending = voicePending
		s.ThinkingText = thinkingText
	})
}

// SetLoading flips the loading affordance shown while a switch has no cached
// history to render.
func (r *Registry) SetLoading(key string, loading bool) {
	r.update(key, func(s *SessionState) { s.Loading = loading })
}

// SetLocalUnread overrides the derived unread signal.
func (r *Registry) SetLocalUnread(key string, v bool) {
	r.update(key, func(s *SessionState) { s.LocalUnread = v })
}

// SetBadgeCount overrides the badge shown for the session.
func (r *Registry) SetBadgeCount(key string, n int) {
	r.update(key, func(s *SessionState) { s.BadgeCount = n })
}

// AddUsage accumulates token usage reported by the store. Counters only grow
// outside a full resync.
func (r *Registry) AddUsage(key string, prompt, completion int) {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	r.update(key, func(s *SessionState) {
		s.PromptTokens += prompt
		s.CompletionTokens += completion
	})
}

// SetHistoryMeta mirrors the cache's revision and tail into the observable
// record.
func (r *Registry) SetHistoryMeta(key string, revision uint64, tail int) {
	r.update(key, func(s *SessionState) {
		s.HistoryRevision = revision
		s.LastHistoryIndex = tail
	})
}

// ApplyEntry copies the server's metadata record onto the session. Counters
// are not touched; they follow history replaces and push events.
func (r *Registry) ApplyEntry(entry protocol.SessionEntry) {
	r.update(entry.Key, func(s *SessionState) {
		s.ProjectID = entry.ProjectID
		s.Model = entry.Model
		s.Sandbox = entry.Sandbox
		s.ParentSessionKey = entry.ParentKey
		s.ForkPoint = entry.ForkPoint
	})
}

// MergeList reconciles the registry against an authoritative session list:
// unknown sessions are created, sessions the server no longer reports are
// dropped, and metadata plus message counts are refreshed for the rest.
// The active session is never dropped out from under the user.
func (r *Registry) MergeList(entries []protocol.SessionEntry) (removed []string) {
	r.mu.Lock()
	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		keep[e.Key] = true
		s, ok := r.sessions[e.Key]
		if !ok {
			s = &SessionState{Key: e.Key, LastHistoryIndex: -1, LastSeenMessageCount: e.MessageCount}
			r.sessions[e.Key] = s
		}
		s.ProjectID = e.ProjectID
		s.Model = e.Model
		s.Sandbox = e.Sandbox
		s.ParentSessionKey = e.ParentKey
		s.ForkPoint = e.ForkPoint
		if e.MessageCount > s.MessageCount {
			s.MessageCount = e.MessageCount
		}
	}
	for key := range r.sessions {
		if !keep[key] && key != r.active {
			delete(r.sessions, key)
			removed = append(removed, key)
		}
	}
	r.mu.Unlock()
	for _, e := range entries {
		r.notify(Change{Key: e.Key})
	}
	for _, key := range removed {
		r.notify(Change{Key: key, Removed: true})
	}
	return removed
}
