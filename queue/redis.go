package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vid2gif/models"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 5 * time.Minute

// Every state transition is a Lua script so the check of the job's
// current state and the write happen atomically. Recovery and a slow
// worker can both try to move the same job; whichever script runs
// first wins and the loser sees ErrStaleLease. The lease script builds
// job hash keys from a prefix, which ties the queue to a single Redis
// node.
var (
	leaseScript = redis.NewScript(`
while true do
	local id = redis.call("RPOP", KEYS[1])
	if not id then
		return false
	end
	local key = KEYS[2] .. id
	if redis.call("HGET", key, "state") == "queued" then
		redis.call("LPUSH", KEYS[3], id)
		redis.call("HINCRBY", key, "attempts", 1)
		redis.call("HSET", key, "state", "active", "progress", 0, "started_at", ARGV[1], "updated_at", ARGV[1])
		return id
	end
end`)

	progressScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "active" then
	return 0
end
local cur = tonumber(redis.call("HGET", KEYS[1], "progress")) or 0
local pct = tonumber(ARGV[1])
if pct < cur then
	pct = cur
end
redis.call("HSET", KEYS[1], "progress", pct, "updated_at", ARGV[2])
return 1`)

	completeScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "active" then
	return 0
end
redis.call("HSET", KEYS[1], "state", "completed", "progress", 100, "result", ARGV[1], "finished_at", ARGV[2], "updated_at", ARGV[2])
redis.call("HDEL", KEYS[1], "error")
redis.call("LREM", KEYS[2], 0, ARGV[3])
redis.call("SADD", KEYS[3], ARGV[3])
return 1`)

	retryScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "active" then
	return 0
end
redis.call("HSET", KEYS[1], "state", "queued", "progress", 0, "updated_at", ARGV[1])
redis.call("LREM", KEYS[2], 0, ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[2])
return 1`)

	failScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "active" then
	return 0
end
redis.call("HSET", KEYS[1], "state", "failed", "error", ARGV[1], "finished_at", ARGV[2], "updated_at", ARGV[2])
redis.call("LREM", KEYS[2], 0, ARGV[3])
redis.call("ZREM", KEYS[3], ARGV[3])
redis.call("SADD", KEYS[4], ARGV[3])
return 1`)
)

// RedisQueue implements Queue on top of Redis. Layout per prefix:
//
//	<p>:pending      list of job IDs awaiting lease
//	<p>:active       list of leased job IDs
//	<p>:delayed      zset of job IDs scored by retry-ready time (unix ms)
//	<p>:completed    set of terminally completed job IDs
//	<p>:failed       set of terminally failed job IDs
//	<p>:job:<id>     hash holding the job record
//
// Lease exclusivity comes from the lease script: a job ID leaves the
// pending list exactly once, and only while its record is queued.
type RedisQueue struct {
	client      *redis.Client
	prefix      string
	stallWindow time.Duration
}

func NewRedisQueue(client *redis.Client, prefix string, stallWindow time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "vid2gif"
	}
	if stallWindow <= 0 {
		stallWindow = 30 * time.Second
	}
	return &RedisQueue{client: client, prefix: prefix, stallWindow: stallWindow}
}

func (q *RedisQueue) pendingKey() string      { return q.prefix + ":pending" }
func (q *RedisQueue) activeKey() string       { return q.prefix + ":active" }
func (q *RedisQueue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) stateKey(s models.State) string {
	return q.prefix + ":" + string(s)
}

func (q *RedisQueue) Enqueue(ctx context.Context, p Payload, policy models.Policy) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
			"input":        p.InputFilename,
			"output":       p.OutputFilename,
			"owner":        p.OwnerID,
			"state":        string(models.StateQueued),
			"progress":     0,
			"attempts":     0,
			"max_attempts": policy.MaxAttempts,
			"backoff_ms":   policy.BackoffBase.Milliseconds(),
			"ttl_ms":       policy.TTL.Milliseconds(),
			"created_at":   now.UnixMilli(),
			"updated_at":   now.UnixMilli(),
		})
		pipe.LPush(ctx, q.pendingKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (q *RedisQueue) Lease(ctx context.Context) (*models.Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	// The script pops until it finds an ID whose record is still queued.
	// Stray IDs of removed or already-transitioned jobs are discarded so
	// a terminal job can never be reactivated.
	id, err := leaseScript.Run(ctx, q.client,
		[]string{q.pendingKey(), q.prefix + ":job:", q.activeKey()},
		time.Now().UnixMilli(),
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lease: %v", ErrUnavailable, err)
	}

	return q.Get(ctx, id)
}

// promoteDue moves retry-delayed jobs whose backoff has elapsed back
// into the pending list. The ZRem guard keeps two concurrent promoters
// from pushing the same ID twice.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: promote: %v", ErrUnavailable, err)
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("%w: promote: %v", ErrUnavailable, err)
		}
		if removed > 0 {
			q.client.LPush(ctx, q.pendingKey(), id)
		}
	}
	return nil
}

func (q *RedisQueue) ReportProgress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	// A lower percentage still refreshes updated_at, so it counts as a
	// heartbeat for stall detection. On a job that is no longer active
	// the script does nothing; a late heartbeat must not touch a record
	// recovery already took back.
	err := progressScript.Run(ctx, q.client, []string{q.jobKey(jobID)},
		percent, time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: progress: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID, result string) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.activeKey(), q.stateKey(models.StateCompleted)},
		result, time.Now().UnixMilli(), jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: complete: %v", ErrUnavailable, err)
	}
	if ok == 0 {
		return ErrStaleLease
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, jobID, reason string) (*models.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.State != models.StateActive {
		return nil, ErrStaleLease
	}

	if job.Attempts < job.Policy.MaxAttempts {
		return q.requeueForRetry(ctx, job)
	}
	return q.failTerminal(ctx, job, reason)
}

func (q *RedisQueue) requeueForRetry(ctx context.Context, job *models.Job) (*models.Job, error) {
	delay := backoffDelay(job.Policy.BackoffBase, job.Attempts)
	readyAt := time.Now().Add(delay).UnixMilli()

	ok, err := retryScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey(), q.delayedKey()},
		time.Now().UnixMilli(), job.ID, readyAt,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("%w: requeue: %v", ErrUnavailable, err)
	}
	if ok == 0 {
		return nil, ErrStaleLease
	}

	// Only a terminal failure carries an error; a retry goes back clean.
	job.State = models.StateQueued
	job.Progress = 0
	job.Error = ""
	return job, nil
}

func (q *RedisQueue) failTerminal(ctx context.Context, job *models.Job, reason string) (*models.Job, error) {
	now := time.Now().UnixMilli()
	ok, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey(), q.delayedKey(), q.stateKey(models.StateFailed)},
		reason, now, job.ID,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("%w: fail: %v", ErrUnavailable, err)
	}
	if ok == 0 {
		return nil, ErrStaleLease
	}

	job.State = models.StateFailed
	job.Error = reason
	job.FinishedAt = time.UnixMilli(now)
	return job, nil
}

// backoffDelay grows exponentially with the attempt number:
// base, 2*base, 4*base, ... capped at maxBackoff.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := base << uint(attempts-1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	job := parseJob(jobID, fields)
	return &job, nil
}

func parseJob(id string, fields map[string]string) models.Job {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(fields[key])
		return n
	}
	millis := func(key string) int64 {
		n, _ := strconv.ParseInt(fields[key], 10, 64)
		return n
	}

	job := models.Job{
		ID:             id,
		InputFilename:  fields["input"],
		OutputFilename: fields["output"],
		OwnerID:        fields["owner"],
		State:          models.State(fields["state"]),
		Progress:       atoi("progress"),
		Attempts:       atoi("attempts"),
		Result:         fields["result"],
		Error:          fields["error"],
		Policy: models.Policy{
			MaxAttempts: atoi("max_attempts"),
			BackoffBase: time.Duration(millis("backoff_ms")) * time.Millisecond,
			TTL:         time.Duration(millis("ttl_ms")) * time.Millisecond,
		},
		CreatedAt: time.UnixMilli(millis("created_at")),
	}
	if ms := millis("finished_at"); ms > 0 {
		job.FinishedAt = time.UnixMilli(ms)
	}
	return job
}

func (q *RedisQueue) ListByState(ctx context.Context, states ...models.State) ([]models.Job, error) {
	var ids []string
	for _, state := range states {
		switch state {
		case models.StateCompleted, models.StateFailed:
			members, err := q.client.SMembers(ctx, q.stateKey(state)).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: list: %v", ErrUnavailable, err)
			}
			ids = append(ids, members...)
		case models.StateQueued:
			pending, err := q.client.LRange(ctx, q.pendingKey(), 0, -1).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: list: %v", ErrUnavailable, err)
			}
			delayed, err := q.client.ZRange(ctx, q.delayedKey(), 0, -1).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: list: %v", ErrUnavailable, err)
			}
			ids = append(ids, pending...)
			ids = append(ids, delayed...)
		case models.StateActive:
			active, err := q.client.LRange(ctx, q.activeKey(), 0, -1).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: list: %v", ErrUnavailable, err)
			}
			ids = append(ids, active...)
		}
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.jobKey(jobID))
		pipe.LRem(ctx, q.pendingKey(), 0, jobID)
		pipe.LRem(ctx, q.activeKey(), 0, jobID)
		pipe.ZRem(ctx, q.delayedKey(), jobID)
		pipe.SRem(ctx, q.stateKey(models.StateCompleted), jobID)
		pipe.SRem(ctx, q.stateKey(models.StateFailed), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) RequeueStalled(ctx context.Context) ([]Stall, error) {
	ids, err := q.client.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: stall scan: %v", ErrUnavailable, err)
	}

	now := time.Now().UnixMilli()
	var stalls []Stall
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: stall scan: %v", ErrUnavailable, err)
		}
		if len(fields) == 0 {
			q.client.LRem(ctx, q.activeKey(), 0, id)
			continue
		}

		updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
		startedAt, _ := strconv.ParseInt(fields["started_at"], 10, 64)
		ttlMs, _ := strconv.ParseInt(fields["ttl_ms"], 10, 64)

		var reason string
		switch {
		case ttlMs > 0 && startedAt > 0 && now-startedAt > ttlMs:
			reason = "job exceeded time limit"
		case now-updatedAt > q.stallWindow.Milliseconds():
			reason = "no progress within stall window"
		default:
			continue
		}

		job, err := q.Fail(ctx, id, reason)
		if errors.Is(err, ErrStaleLease) {
			// Transitioned between the scan read and the script.
			continue
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			stalls = append(stalls, Stall{
				JobID:    id,
				Reason:   reason,
				Requeued: job.State == models.StateQueued,
			})
		}
	}
	return stalls, nil
}
