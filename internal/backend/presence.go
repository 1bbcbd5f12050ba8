package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence tracks the volatile generation state per session: whether the
// store is replying right now, and the id of the active run. The state is
// intentionally not in the relational store; it evaporates with the run.
type Presence interface {
	SetReplying(ctx context.Context, sessionKey string, replying bool, runID string) error
	Replying(ctx context.Context, sessionKey string) (bool, string, error)
}

const replyingTTL = 10 * time.Minute

// RedisPresence keeps the replying state in redis so every store instance
// sees it. The TTL bounds how long a crashed run can look alive.
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func replyingKey(sessionKey string) string { return "sync:replying:" + sessionKey }

func (p *RedisPresence) SetReplying(ctx context.Context, sessionKey string, replying bool, runID string) error {
	if !replying {
		return p.rdb.Del(ctx, replyingKey(sessionKey)).Err()
	}
	return p.rdb.Set(ctx, replyingKey(sessionKey), runID, replyingTTL).Err()
}

func (p *RedisPresence) Replying(ctx context.Context, sessionKey string) (bool, string, error) {
	runID, err := p.rdb.Get(ctx, replyingKey(sessionKey)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, runID, nil
}

// MemPresence is the in-process implementation used by tests and
// single-instance deployments without redis.
type MemPresence struct {
	mu   sync.Mutex
	runs map[string]string
}

func NewMemPresence() *MemPresence {
	return &MemPresence{runs: make(map[string]string)}
}

func (p *MemPresence) SetReplying(_ context.Context, sessionKey string, replying bool, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !replying {
		delete(p.runs, sessionKey)
		return nil
	}
	p.runs[sessionKey] = runID
	return nil
}

func (p *MemPresence) Replying(_ context.Context, sessionKey string) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	runID, ok := p.runs[sessionKey]
	return ok, runID, nil
}
