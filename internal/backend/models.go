package backend

import "time"

// Session is the authoritative metadata row for one conversation.
type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	Key       string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"key"`
	ProjectID string    `gorm:"type:varchar(64);index" json:"project_id,omitempty"`
	Model     string    `gorm:"type:varchar(64)" json:"model,omitempty"`
	Sandbox   bool      `json:"sandbox,omitempty"`
	ParentKey string    `gorm:"type:varchar(26);index" json:"parent_key,omitempty"`
	ForkPoint *int      `json:"fork_point,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "sync_sessions" }

// Message is one row of a session's canonical log. (SessionKey, HistoryIdx)
// is unique: writes at an existing index overwrite that row, which is what
// makes append acknowledgement and redelivery idempotent.
type Message struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionKey string    `gorm:"type:varchar(26);not null;index:uniq_sync_msg_pos,unique,priority:1" json:"session_key"`
	HistoryIdx int       `gorm:"not null;index:uniq_sync_msg_pos,unique,priority:2" json:"history_idx"`
	Role       string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	ImagesJSON string    `gorm:"type:text" json:"-"`
	Seq        *int      `json:"seq,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Message) TableName() string { return "sync_messages" }

// Usage accumulates token counters per session.
type Usage struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionKey       string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_key"`
	PromptTokens     int       `gorm:"not null" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"not null" json:"completion_tokens"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Usage) TableName() string { return "sync_usage" }
