package backend

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionByKey(ctx context.Context, key string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("key = ?", key).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertMessage writes m at its (session_key, history_idx) position,
// overwriting any previous row there.
func (r *Repo) UpsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_key"}, {Name: "history_idx"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "content", "images_json", "seq", "created_at"}),
		}).
		Create(m).Error
}

// ListHistory returns the full canonical log in ASC history_idx order.
func (r *Repo) ListHistory(ctx context.Context, sessionKey string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Order("history_idx ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListHistoryPage returns up to limit messages in DESC history_idx order
// (newest -> oldest), optionally strictly below beforeIdx.
func (r *Repo) ListHistoryPage(ctx context.Context, sessionKey string, limit, beforeIdx int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Order("history_idx DESC").
		Limit(limit)
	if beforeIdx >= 0 {
		q = q.Where("history_idx < ?", beforeIdx)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MaxHistoryIdx returns the highest assigned index for the session, or -1
// when the log is empty.
func (r *Repo) MaxHistoryIdx(ctx context.Context, sessionKey string) (int, error) {
	var row struct {
		Max *int
	}
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Select("MAX(history_idx) AS max").
		Where("session_key = ?", sessionKey).
		Scan(&row).Error
	if err != nil {
		return -1, err
	}
	if row.Max == nil {
		return -1, nil
	}
	return *row.Max, nil
}

func (r *Repo) CountMessages(ctx context.Context, sessionKey string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("session_key = ?", sessionKey).
		Count(&n).Error
	return n, err
}

func (r *Repo) DeleteHistory(ctx context.Context, sessionKey string) error {
	return r.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Delete(&Message{}).Error
}

// AddUsage accumulates token counters for the session.
func (r *Repo) AddUsage(ctx context.Context, sessionKey string, prompt, completion int) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"prompt_tokens":     gorm.Expr("prompt_tokens + ?", prompt),
				"completion_tokens": gorm.Expr("completion_tokens + ?", completion),
			}),
		}).
		Create(&Usage{SessionKey: sessionKey, PromptTokens: prompt, CompletionTokens: completion}).Error
}

func (r *Repo) GetUsage(ctx context.Context, sessionKey string) (*Usage, error) {
	var u Usage
	err := r.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}
