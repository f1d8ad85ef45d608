package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// finished entries are kept around for inspection only
const finishedTTL = 24 * time.Hour

// RedisPool keeps the queue in a list, entries in hashes and the active
// entries in a set:
//
//	<prefix>:queue          list of queued entry ids
//	<prefix>:active         set of queued and claimed entry ids
//	<prefix>:entry:<id>     hash of the entry
//	<prefix>:worker:<id>    hash with hostname and last_seen
type RedisPool struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisClient connects to addr and checks the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisPool uses client under the given key prefix
func NewRedisPool(client redis.UniversalClient, prefix string) *RedisPool {
	if prefix == "" {
		prefix = "foreman"
	}
	return &RedisPool{client: client, prefix: prefix, now: time.Now}
}

func (p *RedisPool) key(parts ...string) string {
	k := p.prefix
	for _, part := range parts {
		k += ":" + part
	}
	return k
}

func (p *RedisPool) Submit(ctx context.Context, taskID uint64) (string, error) {
	id := uuid.New().String()
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.key("entry", id),
			"task_id", taskID,
			"status", string(EntryQueued),
			"created_at", p.now().UnixNano(),
		)
		pipe.SAdd(ctx, p.key("active"), id)
		pipe.RPush(ctx, p.key("queue"), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit task %d: %w", taskID, err)
	}
	return id, nil
}

func (p *RedisPool) Claim(ctx context.Context, workerID string) (*Entry, error) {
	id, err := p.client.LPop(ctx, p.key("queue")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop queue: %w", err)
	}

	now := p.now()
	err = p.client.HSet(ctx, p.key("entry", id),
		"status", string(EntryClaimed),
		"worker_id", workerID,
		"claimed_at", now.UnixNano(),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to claim entry %s: %w", id, err)
	}
	return p.Get(ctx, id)
}

func (p *RedisPool) Heartbeat(ctx context.Context, workerID, hostname string) error {
	err := p.client.HSet(ctx, p.key("worker", workerID),
		"hostname", hostname,
		"last_seen", p.now().UnixNano(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of %s: %w", workerID, err)
	}
	return nil
}

func (p *RedisPool) exists(ctx context.Context, id string) error {
	n, err := p.client.Exists(ctx, p.key("entry", id)).Result()
	if err != nil {
		return fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *RedisPool) Finish(ctx context.Context, id string) error {
	if err := p.exists(ctx, id); err != nil {
		return err
	}
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.key("entry", id), "status", string(EntryFinished))
		pipe.SRem(ctx, p.key("active"), id)
		pipe.LRem(ctx, p.key("queue"), 0, id)
		pipe.Expire(ctx, p.key("entry", id), finishedTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finish entry %s: %w", id, err)
	}
	return nil
}

func (p *RedisPool) RequestCancel(ctx context.Context, id string) error {
	if err := p.exists(ctx, id); err != nil {
		return err
	}
	if err := p.client.HSet(ctx, p.key("entry", id), "cancel", 1).Err(); err != nil {
		return fmt.Errorf("failed to cancel entry %s: %w", id, err)
	}
	return nil
}

func (p *RedisPool) CancelRequested(ctx context.Context, id string) (bool, error) {
	e, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.CancelRequested, nil
}

func (p *RedisPool) Get(ctx context.Context, id string) (*Entry, error) {
	fields, err := p.client.HGetAll(ctx, p.key("entry", id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return parseEntry(id, fields)
}

func parseEntry(id string, fields map[string]string) (*Entry, error) {
	taskID, err := strconv.ParseUint(fields["task_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("entry %s has invalid task id: %w", id, err)
	}
	e := &Entry{
		ID:              id,
		TaskID:          taskID,
		Status:          EntryStatus(fields["status"]),
		WorkerID:        fields["worker_id"],
		CancelRequested: fields["cancel"] == "1",
		CreatedAt:       unixNano(fields["created_at"]),
		ClaimedAt:       unixNano(fields["claimed_at"]),
	}
	return e, nil
}

func unixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *RedisPool) Active(ctx context.Context) ([]*Entry, error) {
	ids, err := p.client.SMembers(ctx, p.key("active")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := p.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (p *RedisPool) WorkerAlive(ctx context.Context, workerID string, maxAge time.Duration) (bool, error) {
	v, err := p.client.HGet(ctx, p.key("worker", workerID), "last_seen").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load worker %s: %w", workerID, err)
	}
	seen := unixNano(v)
	return !seen.IsZero() && p.now().Sub(seen) < maxAge, nil
}

func (p *RedisPool) Close() error {
	return p.client.Close()
}
