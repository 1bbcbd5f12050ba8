// Package protocol defines the wire-level schema shared by the sync engine,
// the transports that carry it, and the reference backend. It deliberately
// says nothing about encoding beyond JSON struct tags; framing and delivery
// belong to the transport implementation.
package protocol

import "time"

// RPC method names understood by the session store.
const (
	MethodSessionsSwitch  = "sessions.switch"
	MethodSessionsList    = "sessions.list"
	MethodSessionsResolve = "sessions.resolve"
	MethodChatAppend      = "chat.append"
	MethodChatClear       = "chat.clear"
	MethodChatContext     = "chat.context"
)

// TopicSessionEvents carries all session-scoped push notifications. Events
// identify their session via SessionKey rather than per-session topics.
const TopicSessionEvents = "sessions.events"

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleNotice     = "notice"
	RoleToolResult = "tool_result"
	RoleError      = "error"
)

// ImageRef points at an image attached to a multimodal message.
type ImageRef struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
}

// Message is one element of a session's history log.
//
// HistoryIndex is the canonical position assigned by the server. A nil
// HistoryIndex marks an optimistic entry that has not round-tripped yet; such
// entries count toward the tail via their array position instead.
type Message struct {
	Role         string     `json:"role"`
	Content      string     `json:"content"`
	Images       []ImageRef `json:"images,omitempty"`
	HistoryIndex *int       `json:"history_index,omitempty"`
	Seq          *int       `json:"seq,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Indexed reports whether the server has assigned this message its canonical
// position.
func (m Message) Indexed() bool { return m.HistoryIndex != nil }

// SessionEntry is the server's metadata record for one session.
type SessionEntry struct {
	Key          string `json:"key"`
	ProjectID    string `json:"project_id,omitempty"`
	Model        string `json:"model,omitempty"`
	Sandbox      bool   `json:"sandbox,omitempty"`
	MessageCount int    `json:"message_count"`
	ParentKey    string `json:"parent_key,omitempty"`
	ForkPoint    *int   `json:"fork_point,omitempty"`
}

// SwitchParams selects the session to activate. A missing session is created
// on the fly by the store.
type SwitchParams struct {
	Key           string `json:"key"`
	ProjectID     string `json:"project_id,omitempty"`
	SearchContext string `json:"search_context,omitempty"`
}

// SwitchResult answers sessions.switch with the authoritative history and the
// transient generation state for the session.
type SwitchResult struct {
	Entry        SessionEntry `json:"entry"`
	History      []Message    `json:"history"`
	Replying     bool         `json:"replying"`
	ActiveRunID  string       `json:"active_run_id,omitempty"`
	VoicePending bool         `json:"voice_pending,omitempty"`
	ThinkingText string       `json:"thinking_text,omitempty"`
}

// ListResult answers sessions.list.
type ListResult struct {
	Sessions []SessionEntry `json:"sessions"`
}

// ResolveParams asks for the metadata record of a single session.
type ResolveParams struct {
	Key string `json:"key"`
}

// AppendParams adds a message to a session's canonical log. When
// HistoryIndex is set the write is an idempotent upsert at that position;
// otherwise the store assigns the next free index.
type AppendParams struct {
	Key     string  `json:"key"`
	Message Message `json:"message"`
}

// AppendResult reports the canonical index the store assigned.
type AppendResult struct {
	HistoryIndex int `json:"history_index"`
}

// ClearParams drops a session's server-side history.
type ClearParams struct {
	Key string `json:"key"`
}

// ContextResult answers chat.context with the token bookkeeping for a
// session.
type ContextResult struct {
	MessageCount     int `json:"message_count"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Session event types.
const (
	EventMessage  = "message"
	EventReplying = "replying"
	EventUsage    = "usage"
)

// SessionEvent is one unsolicited push notification. Exactly the fields for
// its Type are populated: Message for "message", Replying/RunID for
// "replying", token counters for "usage".
//
// Origin identifies the emitting store instance so a fan-out consumer can
// drop its own echoes.
type SessionEvent struct {
	Type       string   `json:"type"`
	SessionKey string   `json:"session_key"`
	Origin     string   `json:"origin,omitempty"`
	Message    *Message `json:"message,omitempty"`
	Replying   *bool    `json:"replying,omitempty"`
	RunID      *string  `json:"run_id,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}
