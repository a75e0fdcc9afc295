package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "ingest" gives "ingest:pending".
	Prefix string
}

// RedisQueue keeps pending, in-flight and dead jobs in lists, delayed
// retries in a sorted set scored by due time and lease heartbeats in a
// hash keyed by the in-flight payload.
type RedisQueue struct {
	client    *redis.Client
	maxLength int

	pending    string
	processing string
	dead       string
	delayed    string
	leases     string
}

var enqueueScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call('ZREM', KEYS[1], payload)
	redis.call('RPUSH', KEYS[2], payload)
end
return #due
`)

var ackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return removed
`)

var retryScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

// moveScript moves an in-flight payload to the tail of another list.
var moveScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// reclaimScript is moveScript guarded by the heartbeat observed during the
// sweep, so a lease renewed in the meantime is left alone.
var reclaimScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[3] then
	return 0
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// replayScript drops the given dead letters and pushes a fresh job past the
// length cap, in one step so a failure cannot lose the dead letters.
var replayScript = redis.NewScript(`
for i = 2, #ARGV do
	redis.call('LREM', KEYS[1], 1, ARGV[i])
end
return redis.call('RPUSH', KEYS[2], ARGV[1])
`)

var heartbeatScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// NewRedis connects and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions, maxLength int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisQueue(client, opts.Prefix, maxLength), nil
}

func newRedisQueue(client *redis.Client, prefix string, maxLength int) *RedisQueue {
	if prefix == "" {
		prefix = "ingest"
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &RedisQueue{
		client:     client,
		maxLength:  maxLength,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
		dead:       prefix + ":dead",
		delayed:    prefix + ":delayed",
		leases:     prefix + ":leases",
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	job = prepare(job)
	payload, err := encodeJob(job)
	if err != nil {
		return Job{}, err
	}
	n, err := enqueueScript.Run(ctx, q.client, []string{q.pending}, payload, q.maxLength).Int64()
	if err != nil {
		return Job{}, fmt.Errorf("enqueue: %w", err)
	}
	if n < 0 {
		return Job{}, ErrFull
	}
	return job, nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	return promoteScript.Run(ctx, q.client, []string{q.delayed, q.pending}, nowMillis(), 100).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := q.promote(ctx); err != nil {
			return nil, fmt.Errorf("promote delayed: %w", err)
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrEmpty
		}
		payload, err := q.move(ctx, wait)
		if errors.Is(err, redis.Nil) {
			if wait >= time.Second {
				continue
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(min(wait, shortPollInterval)):
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		acquired := time.Now()
		if err := q.client.HSet(ctx, q.leases, payload, acquired.UnixMilli()).Err(); err != nil {
			// The entry is in flight without a heartbeat; the next sweep stamps it.
			return nil, fmt.Errorf("record lease: %w", err)
		}

		job, err := decodeJob(payload)
		if err != nil {
			if dlErr := q.deadLetterRaw(ctx, payload, err.Error()); dlErr != nil {
				return nil, dlErr
			}
			continue
		}
		return &Lease{Job: job, Payload: payload, AcquiredAt: acquired}, nil
	}
}

// Redis blocks in whole seconds, so waits under a second poll instead.
const shortPollInterval = 50 * time.Millisecond

// move takes the head of pending into processing, blocking up to wait when
// that is at least a second. redis.Nil means nothing was there.
func (q *RedisQueue) move(ctx context.Context, wait time.Duration) (string, error) {
	if wait < time.Second {
		return q.client.LMove(ctx, q.pending, q.processing, "LEFT", "RIGHT").Result()
	}
	return q.client.BLMove(ctx, q.pending, q.processing, "LEFT", "RIGHT", wait.Truncate(time.Second)).Result()
}

func (q *RedisQueue) deadLetterRaw(ctx context.Context, payload, reason string) error {
	entry, err := encodeDeadLetter(DeadLetter{Reason: reason, DeadAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	return moveScript.Run(ctx, q.client, []string{q.processing, q.leases, q.dead}, payload, entry).Err()
}

func (q *RedisQueue) Acknowledge(ctx context.Context, lease *Lease) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.processing, q.leases}, lease.Payload).Int64()
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, lease *Lease, reason string, delay time.Duration) error {
	next, err := encodeJob(nextAttempt(lease.Job, reason))
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	n, err := retryScript.Run(ctx, q.client, []string{q.processing, q.leases, q.delayed}, lease.Payload, next, due).Int64()
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, lease *Lease, reason string) error {
	job := lease.Job
	job.LastError = reason
	entry, err := encodeDeadLetter(DeadLetter{Job: job, Reason: reason, DeadAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	n, err := moveScript.Run(ctx, q.client, []string{q.processing, q.leases, q.dead}, lease.Payload, entry).Int64()
	if err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) DeadLetterJob(ctx context.Context, job Job, reason string) error {
	job = prepare(job)
	job.LastError = reason
	entry, err := encodeDeadLetter(DeadLetter{Job: job, Reason: reason, DeadAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.dead, entry).Err(); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, lease *Lease) error {
	n, err := heartbeatScript.Run(ctx, q.client, []string{q.leases}, lease.Payload, nowMillis()).Int64()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) RequeueStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (SweepResult, error) {
	var res SweepResult
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	inflight, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return res, fmt.Errorf("list in-flight: %w", err)
	}
	if len(inflight) == 0 {
		return res, nil
	}
	beats, err := q.client.HMGet(ctx, q.leases, inflight...).Result()
	if err != nil {
		return res, fmt.Errorf("read leases: %w", err)
	}

	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	for i, payload := range inflight {
		raw, ok := beats[i].(string)
		if !ok {
			// Moved into flight but the lease was never recorded.
			stamped, err := q.client.HSetNX(ctx, q.leases, payload, nowMillis()).Result()
			if err != nil {
				return res, fmt.Errorf("stamp lease: %w", err)
			}
			if stamped {
				res.Stamped++
			}
			continue
		}
		beat, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && beat > cutoff {
			continue
		}

		job, decodeErr := decodeJob(payload)
		keys := []string{q.processing, q.leases}
		var target, entry string
		var dead *DeadLetter
		var requeued Job

		switch {
		case decodeErr != nil:
			dl := DeadLetter{Reason: decodeErr.Error(), DeadAt: time.Now().UTC(), Payload: payload}
			dead = &dl
		case job.Attempt >= maxAttempts:
			job.LastError = "lease expired"
			dl := DeadLetter{Job: job, Reason: "lease expired after final attempt", DeadAt: time.Now().UTC()}
			dead = &dl
		default:
			requeued = nextAttempt(job, "lease expired")
		}

		if dead != nil {
			target = q.dead
			if entry, err = encodeDeadLetter(*dead); err != nil {
				return res, err
			}
		} else {
			target = q.pending
			if entry, err = encodeJob(requeued); err != nil {
				return res, err
			}
		}

		moved, err := reclaimScript.Run(ctx, q.client, append(keys, target), payload, entry, raw).Int64()
		if err != nil {
			return res, fmt.Errorf("reclaim: %w", err)
		}
		if moved == 0 {
			continue
		}
		if dead != nil {
			res.DeadLettered = append(res.DeadLettered, *dead)
		} else {
			res.Requeued = append(res.Requeued, requeued)
		}
	}
	return res, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return decodeDeadLetters(raw), nil
}

func (q *RedisQueue) Replay(ctx context.Context, documentID uuid.UUID) (Job, error) {
	raw, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return Job{}, fmt.Errorf("list dead letters: %w", err)
	}
	job := NewJob(documentID)
	payload, err := encodeJob(job)
	if err != nil {
		return Job{}, err
	}
	args := []any{payload}
	for _, entry := range raw {
		dl, ok := decodeDeadLetter(entry)
		if ok && dl.Job.DocumentID == documentID {
			args = append(args, entry)
		}
	}
	if err := replayScript.Run(ctx, q.client, []string{q.dead, q.pending}, args...).Err(); err != nil {
		return Job{}, fmt.Errorf("replay: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pending)
	delayed := pipe.ZCard(ctx, q.delayed)
	inflight := pipe.LLen(ctx, q.processing)
	dead := pipe.LLen(ctx, q.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:  pending.Val(),
		Delayed:  delayed.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

func (q *RedisQueue) ActiveDocuments(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LRange(ctx, q.pending, 0, -1)
	delayed := pipe.ZRange(ctx, q.delayed, 0, -1)
	inflight := pipe.LRange(ctx, q.processing, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	out := make(map[uuid.UUID]struct{})
	for _, list := range [][]string{pending.Val(), delayed.Val(), inflight.Val()} {
		for _, payload := range list {
			if job, err := decodeJob(payload); err == nil {
				out[job.DocumentID] = struct{}{}
			}
		}
	}
	return out, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
