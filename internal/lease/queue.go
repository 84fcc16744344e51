// Package lease implements the sandbox timeout scheduler: a Redis-backed
// delayed-task queue plus a poller that fires due tasks against the
// sandbox controller.
//
// Core invariant: at most one pending task per (sandbox, kind). Scheduling
// replaces rather than duplicates, which the ZSET member encoding gives us
// for free.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind is the operation a task performs when it fires.
type Kind string

const (
	KindExtend Kind = "extend"
	KindPause  Kind = "pause"
	KindDelete Kind = "delete"
)

// Redis keys. Tasks live in one ZSET scored by fire-at; idempotency tokens
// and retry markers live in companion hashes keyed by the same member.
const (
	tasksKey   = "sanduku:lease:tasks"
	tokensKey  = "sanduku:lease:tokens"
	retriesKey = "sanduku:lease:retries"
)

// Task is one delayed operation bound to a sandbox.
type Task struct {
	SandboxID string
	Kind      Kind
	FireAt    time.Time
	Token     string // Idempotency token checked by the dispatcher.
}

func (t Task) member() string {
	return string(t.Kind) + ":" + t.SandboxID
}

func zMember(task Task) redis.Z {
	return redis.Z{Score: float64(task.FireAt.Unix()), Member: task.member()}
}

func parseMember(member string) (Kind, string, error) {
	kind, id, ok := strings.Cut(member, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed task member %q", member)
	}
	return Kind(kind), id, nil
}

// Config configures the Redis connection for the queue.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Queue is the delayed-task store. Safe for concurrent use; Redis gives
// the poller atomic pop-if-due semantics via ZREM.
type Queue struct {
	rdb    redis.Cmdable
	closer func() error
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue connects to Redis and verifies connectivity before returning.
func NewQueue(cfg Config, logger *slog.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &Queue{
		rdb:    client,
		closer: client.Close,
		logger: logger,
		now:    time.Now,
	}, nil
}

// NewQueueWithClient wraps an existing Redis client. Used by tests.
func NewQueueWithClient(rdb redis.Cmdable, logger *slog.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger, now: time.Now}
}

// Schedule arms (or re-arms) a task. An existing pending task for the same
// (sandbox, kind) is replaced, never duplicated.
func (q *Queue) Schedule(ctx context.Context, task Task) error {
	member := task.member()

	if err := q.rdb.ZAdd(ctx, tasksKey, redis.Z{
		Score:  float64(task.FireAt.Unix()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("scheduling %s: %w", member, err)
	}
	if task.Token != "" {
		if err := q.rdb.HSet(ctx, tokensKey, member, task.Token).Err(); err != nil {
			return fmt.Errorf("storing token for %s: %w", member, err)
		}
	}
	// A reschedule resets the retry budget.
	_ = q.rdb.HDel(ctx, retriesKey, member).Err()

	q.logger.InfoContext(ctx, "lease task scheduled",
		slog.String("sandbox_id", task.SandboxID),
		slog.String("kind", string(task.Kind)),
		slog.Time("fire_at", task.FireAt),
	)
	return nil
}

// Cancel removes a pending task of one kind for a sandbox. Cancelling a
// task that does not exist is a no-op.
func (q *Queue) Cancel(ctx context.Context, sandboxID string, kind Kind) error {
	member := string(kind) + ":" + sandboxID
	if err := q.rdb.ZRem(ctx, tasksKey, member).Err(); err != nil {
		return fmt.Errorf("cancelling %s: %w", member, err)
	}
	_ = q.rdb.HDel(ctx, tokensKey, member).Err()
	_ = q.rdb.HDel(ctx, retriesKey, member).Err()
	return nil
}

// CancelAll removes every pending task for a sandbox. Called on delete.
func (q *Queue) CancelAll(ctx context.Context, sandboxID string) error {
	for _, kind := range []Kind{KindExtend, KindPause, KindDelete} {
		if err := q.Cancel(ctx, sandboxID, kind); err != nil {
			return err
		}
	}
	return nil
}

// PopDue atomically claims all tasks whose fire-at time has passed.
// A task is only returned if this caller's ZREM removed it, so two
// concurrent pollers never both claim the same task.
func (q *Queue) PopDue(ctx context.Context) ([]Task, error) {
	now := q.now()
	members, err := q.rdb.ZRangeByScore(ctx, tasksKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}

	var due []Task
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, tasksKey, member).Result()
		if err != nil {
			return due, fmt.Errorf("claiming %s: %w", member, err)
		}
		if removed != 1 {
			continue // another poller claimed it first
		}

		kind, sandboxID, err := parseMember(member)
		if err != nil {
			q.logger.Warn("dropping malformed lease task", slog.String("member", member))
			continue
		}

		token, _ := q.rdb.HGet(ctx, tokensKey, member).Result()
		_ = q.rdb.HDel(ctx, tokensKey, member).Err()

		due = append(due, Task{
			SandboxID: sandboxID,
			Kind:      kind,
			FireAt:    now,
			Token:     token,
		})
	}
	return due, nil
}

// markRetried records one failed dispatch for a task. Returns true if the
// task still has retry budget (first failure), false once exhausted.
func (q *Queue) markRetried(ctx context.Context, task Task) (bool, error) {
	member := task.member()
	set, err := q.rdb.HSetNX(ctx, retriesKey, member, "1").Result()
	if err != nil {
		return false, fmt.Errorf("marking retry for %s: %w", member, err)
	}
	return set, nil
}

// clearRetry drops a task's retry marker once the task is disposed of,
// so markers for dead sandboxes do not accumulate.
func (q *Queue) clearRetry(ctx context.Context, task Task) error {
	return q.rdb.HDel(ctx, retriesKey, task.member()).Err()
}

// Pending returns the number of armed tasks. Used by metrics and tests.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, tasksKey).Result()
}

// Ping verifies Redis connectivity. Used by readiness checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	if q.closer != nil {
		return q.closer()
	}
	return nil
}
