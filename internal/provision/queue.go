// queue.go
//
// Redis-backed provisioning queue. QueuedEmitter pushes events onto a list;
// StartWorker moves each one onto a processing list while the Sink runs, so a
// crash mid-delivery leaves the job recoverable. Failed deliveries wait in a
// delayed set until due, and after MaxAttempts land on a dead-letter list.
// Delivery is at-least-once.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// QueueKey is the Redis list holding events ready for delivery.
	QueueKey = "eduinvite:provision:queue"
	// ProcessingKey holds jobs a worker has taken but not finished.
	ProcessingKey = "eduinvite:provision:processing"
	// DelayedKey is a sorted set of retries scored by due time in unix milliseconds.
	DelayedKey = "eduinvite:provision:delayed"
	// DeadLetterKey receives events that exhausted MaxAttempts.
	DeadLetterKey = "eduinvite:provision:dead"
)

// DefaultMaxQueueSize caps the queue when the sink is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 10000

// MaxAttempts bounds deliveries per event.
const MaxAttempts = 5

// ErrQueueFull is returned by Emit when the queue has reached its size cap.
var ErrQueueFull = errors.New("provisioning queue full")

// job is the serialized payload pushed onto the queue.
type job struct {
	Event    Event `json:"event"`
	Attempts int   `json:"attempts"`
}

// QueuedEmitter implements Emitter on top of a Redis list.
type QueuedEmitter struct {
	sink         Sink
	rdb          *redis.Client
	maxQueueSize int64

	// RetryDelay is the wait before the first retry; it doubles per attempt.
	RetryDelay time.Duration
	// PollInterval bounds how long the worker blocks on an empty queue, and
	// so how late a due retry can be picked up.
	PollInterval time.Duration

	// OnResult, when set, is called after every delivery attempt with "ok",
	// "retry" or "dead". Used for metrics.
	OnResult func(result string)
}

// NewQueuedEmitter wraps sink with a Redis-backed queue capped at maxSize (0 = unlimited).
func NewQueuedEmitter(sink Sink, rdb *redis.Client, maxSize int64) *QueuedEmitter {
	return &QueuedEmitter{
		sink:         sink,
		rdb:          rdb,
		maxQueueSize: maxSize,
		RetryDelay:   500 * time.Millisecond,
		PollInterval: time.Second,
	}
}

// enqueueScript pushes ARGV[2] onto KEYS[1] unless the ready list and the
// delayed set KEYS[2] together hold ARGV[1] entries.
// Returns 1 if enqueued, 0 if the queue is full.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) + redis.call('ZCARD', KEYS[2]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// promoteScript moves up to 100 delayed jobs due at or before ARGV[1] from
// KEYS[1] onto the ready list KEYS[2]. Returns the number moved.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(due) do
    redis.call('ZREM', KEYS[1], v)
    redis.call('RPUSH', KEYS[2], v)
end
return #due
`)

// Emit queues ev for delivery.
func (q *QueuedEmitter) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(job{Event: ev})
	if err != nil {
		return fmt.Errorf("marshaling provisioning job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey, DelayedKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing provisioning job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// Recover moves jobs left on the processing list by a stopped worker back to
// the head of the queue, oldest first. Returns the number moved.
func (q *QueuedEmitter) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, ProcessingKey, QueueKey, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recovering provisioning jobs: %w", err)
		}
		n++
	}
}

// promote makes due retries ready.
func (q *QueuedEmitter) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.rdb, []string{DelayedKey, QueueKey}, now).Err()
}

// StartWorker recovers unfinished jobs, then drains the queue until ctx is
// cancelled and returns nil.
func (q *QueuedEmitter) StartWorker(ctx context.Context) error {
	if n, err := q.Recover(ctx); err != nil {
		slog.Error("provision worker: recovery failed", "err", err)
	} else if n > 0 {
		slog.Warn("provision worker: re-queued unfinished jobs", "count", n)
	}

	for {
		if err := q.promote(ctx); err != nil && ctx.Err() == nil {
			slog.Error("provision worker: promoting retries failed", "err", err)
		}
		// BLMove wakes every PollInterval so ctx cancellation and due retries are noticed.
		payload, err := q.rdb.BLMove(ctx, QueueKey, ProcessingKey, "LEFT", "RIGHT", q.PollInterval).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("provision worker: queue pop failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		q.deliver(ctx, payload)
	}
}

// deliver hands the job in payload to the sink, then removes it from the
// processing list, scheduling a retry or dead-lettering it on failure.
// The bookkeeping runs even during shutdown so the job is not lost.
func (q *QueuedEmitter) deliver(ctx context.Context, payload string) {
	bg := context.WithoutCancel(ctx)

	var j job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		slog.Error("provision worker: bad job payload", "err", err)
		q.finish(bg, payload, func(pipe redis.Pipeliner) { pipe.RPush(bg, DeadLetterKey, payload) })
		return
	}

	j.Attempts++
	err := q.sink.Provision(ctx, j.Event)
	if err == nil {
		if rerr := q.rdb.LRem(bg, ProcessingKey, 1, payload).Err(); rerr != nil {
			slog.Error("provision worker: clearing processed job failed", "invitation_id", j.Event.InvitationID, "err", rerr)
		}
		q.report("ok")
		return
	}

	data, merr := json.Marshal(j)
	if merr != nil {
		slog.Error("provision worker: marshaling job failed", "invitation_id", j.Event.InvitationID, "err", merr)
		return
	}

	if j.Attempts >= MaxAttempts {
		slog.Error("provision worker: giving up on event",
			"invitation_id", j.Event.InvitationID, "attempts", j.Attempts, "err", err)
		q.finish(bg, payload, func(pipe redis.Pipeliner) { pipe.RPush(bg, DeadLetterKey, data) })
		q.report("dead")
		return
	}

	due := time.Now().Add(q.RetryDelay << (j.Attempts - 1))
	slog.Warn("provision worker: delivery failed, retrying later",
		"invitation_id", j.Event.InvitationID, "attempts", j.Attempts, "due", due, "err", err)
	q.finish(bg, payload, func(pipe redis.Pipeliner) {
		pipe.ZAdd(bg, DelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: data})
	})
	q.report("retry")
}

// finish drops payload from the processing list and applies next in the same transaction.
func (q *QueuedEmitter) finish(ctx context.Context, payload string, next func(redis.Pipeliner)) {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingKey, 1, payload)
		next(pipe)
		return nil
	})
	if err != nil {
		slog.Error("provision worker: moving job failed", "err", err)
	}
}

func (q *QueuedEmitter) report(result string) {
	if q.OnResult != nil {
		q.OnResult(result)
	}
}
