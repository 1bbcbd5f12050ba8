package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/lanewaylabs/sessionsync/internal/observability"
	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

// ErrSessionNotFound is returned by read operations for unknown keys.
// sessions.switch is the exception: it creates the session on the fly.
var ErrSessionNotFound = errors.New("session not found")

// Service is the authoritative session store. Every mutation emits a
// protocol.SessionEvent through the configured sink so attached clients see
// the delta without re-fetching.
type Service struct {
	repo     *Repo
	presence Presence
	sink     EventSink
	origin   string
	log      *slog.Logger
}

func NewService(repo *Repo, presence Presence, sink EventSink) *Service {
	origin, err := NewSessionKey()
	if err != nil {
		origin = fmt.Sprintf("origin-%d", time.Now().UnixNano())
	}
	return &Service{
		repo:     repo,
		presence: presence,
		sink:     sink,
		origin:   origin,
		log:      observability.Logger().With("component", "backend"),
	}
}

// Origin identifies this store instance in the events it emits.
func (s *Service) Origin() string { return s.origin }

func (s *Service) emit(ctx context.Context, evt protocol.SessionEvent) {
	evt.Origin = s.origin
	if err := s.sink.Publish(ctx, evt); err != nil {
		s.log.Warn("event publish failed", "type", evt.Type, "session", evt.SessionKey, "err", err)
	}
}

// Switch answers sessions.switch: it loads (creating if necessary) the
// session, its full canonical history and its transient generation state.
func (s *Service) Switch(ctx context.Context, params protocol.SwitchParams) (*protocol.SwitchResult, error) {
	if params.Key == "" {
		return nil, errors.New("switch: empty session key")
	}
	sess, err := s.repo.GetSessionByKey(ctx, params.Key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sess = &Session{Key: params.Key, ProjectID: params.ProjectID}
		if err := s.repo.CreateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	rows, err := s.repo.ListHistory(ctx, sess.Key)
	if err != nil {
		return nil, err
	}
	history := make([]protocol.Message, 0, len(rows))
	for _, row := range rows {
		history = append(history, rowToMessage(row))
	}

	replying, runID, err := s.presence.Replying(ctx, sess.Key)
	if err != nil {
		// presence is advisory; a dead redis must not block navigation
		s.log.Warn("presence read failed", "session", sess.Key, "err", err)
		replying, runID = false, ""
	}

	entry, err := s.entryFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &protocol.SwitchResult{
		Entry:       entry,
		History:     history,
		Replying:    replying,
		ActiveRunID: runID,
	}, nil
}

// List answers sessions.list with every session's metadata record.
func (s *Service) List(ctx context.Context) (*protocol.ListResult, error) {
	sessions, err := s.repo.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SessionEntry, 0, len(sessions))
	for i := range sessions {
		entry, err := s.entryFor(ctx, &sessions[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return &protocol.ListResult{Sessions: out}, nil
}

// Resolve answers sessions.resolve for one key.
func (s *Service) Resolve(ctx context.Context, key string) (*protocol.SessionEntry, error) {
	sess, err := s.repo.GetSessionByKey(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	entry, err := s.entryFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Append writes one message into the canonical log. A message without an
// explicit index gets the next free one; a message with an index overwrites
// that position, so re-sent acknowledgements stay idempotent. The assigned
// index is returned and a message event is emitted.
func (s *Service) Append(ctx context.Context, key string, m protocol.Message) (int, error) {
	if _, err := s.repo.GetSessionByKey(ctx, key); errors.Is(err, gorm.ErrRecordNotFound) {
		return -1, ErrSessionNotFound
	} else if err != nil {
		return -1, err
	}

	idx := -1
	if m.HistoryIndex != nil {
		idx = *m.HistoryIndex
	} else {
		max, err := s.repo.MaxHistoryIdx(ctx, key)
		if err != nil {
			return -1, err
		}
		idx = max + 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	row, err := messageToRow(key, idx, m)
	if err != nil {
		return -1, err
	}
	if err := s.repo.UpsertMessage(ctx, row); err != nil {
		return -1, err
	}

	m.HistoryIndex = &idx
	s.emit(ctx, protocol.SessionEvent{
		Type:       protocol.EventMessage,
		SessionKey: key,
		Message:    &m,
	})
	return idx, nil
}

// SetReplying flips the generation flag for a session and broadcasts the
// transition.
func (s *Service) SetReplying(ctx context.Context, key string, replying bool, runID string) error {
	if err := s.presence.SetReplying(ctx, key, replying, runID); err != nil {
		return err
	}
	s.emit(ctx, protocol.SessionEvent{
		Type:       protocol.EventReplying,
		SessionKey: key,
		Replying:   &replying,
		RunID:      &runID,
	})
	return nil
}

// AddUsage accumulates token usage and broadcasts the delta.
func (s *Service) AddUsage(ctx context.Context, key string, prompt, completion int) error {
	if err := s.repo.AddUsage(ctx, key, prompt, completion); err != nil {
		return err
	}
	s.emit(ctx, protocol.SessionEvent{
		Type:             protocol.EventUsage,
		SessionKey:       key,
		PromptTokens:     prompt,
		CompletionTokens: completion,
	})
	return nil
}

// Clear drops a session's server-side history.
func (s *Service) Clear(ctx context.Context, key string) error {
	if _, err := s.repo.GetSessionByKey(ctx, key); errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSessionNotFound
	} else if err != nil {
		return err
	}
	return s.repo.DeleteHistory(ctx, key)
}

// Context answers chat.context with the session's bookkeeping.
func (s *Service) Context(ctx context.Context, key string) (*protocol.ContextResult, error) {
	n, err := s.repo.CountMessages(ctx, key)
	if err != nil {
		return nil, err
	}
	res := &protocol.ContextResult{MessageCount: int(n)}
	u, err := s.repo.GetUsage(ctx, key)
	if err == nil {
		res.PromptTokens = u.PromptTokens
		res.CompletionTokens = u.CompletionTokens
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return res, nil
}

// HistoryPage returns up to limit messages newest-first, strictly below
// beforeIdx when beforeIdx >= 0. Used by the HTTP surface for paging.
func (s *Service) HistoryPage(ctx context.Context, key string, limit, beforeIdx int) ([]protocol.Message, error) {
	rows, err := s.repo.ListHistoryPage(ctx, key, limit, beforeIdx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToMessage(row))
	}
	return out, nil
}

func (s *Service) entryFor(ctx context.Context, sess *Session) (protocol.SessionEntry, error) {
	n, err := s.repo.CountMessages(ctx, sess.Key)
	if err != nil {
		return protocol.SessionEntry{}, err
	}
	return protocol.SessionEntry{
		Key:          sess.Key,
		ProjectID:    sess.ProjectID,
		Model:        sess.Model,
		Sandbox:      sess.Sandbox,
		MessageCount: int(n),
		ParentKey:    sess.ParentKey,
		ForkPoint:    sess.ForkPoint,
	}, nil
}

func rowToMessage(row Message) protocol.Message {
	idx := row.HistoryIdx
	m := protocol.Message{
		Role:         row.Role,
		Content:      row.Content,
		HistoryIndex: &idx,
		Seq:          row.Seq,
		CreatedAt:    row.CreatedAt,
	}
	if row.ImagesJSON != "" {
		// best effort; a corrupt column loses attachments, not the message
		_ = json.Unmarshal([]byte(row.ImagesJSON), &m.Images)
	}
	return m
}

func messageToRow(key string, idx int, m protocol.Message) (*Message, error) {
	row := &Message{
		SessionKey: key,
		HistoryIdx: idx,
		Role:       m.Role,
		Content:    m.Content,
		Seq:        m.Seq,
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Images) > 0 {
		b, err := json.Marshal(m.Images)
		if err != nil {
			return nil, fmt.Errorf("encode images: %w", err)
		}
		row.ImagesJSON = string(b)
	}
	return row, nil
}
