package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/UniQw/docqw/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Job statuses as stored in the job hash. They mirror the public task statuses.
const (
	StatusPending = "pending"
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusRevoked = "revoked"
)

var (
	// ErrDuplicate is returned by Enqueue when the id is already known to the queue.
	ErrDuplicate = errors.New("worker: duplicate job id")
	// ErrNotFound is returned when the job hash does not exist.
	ErrNotFound = errors.New("worker: job not found")
	// ErrNotRevocable is returned by Revoke for jobs already in a terminal status.
	ErrNotRevocable = errors.New("worker: job is not revocable")
)

// Record is the broker-side view of a job, read from its hash.
type Record struct {
	ID         string
	Type       string
	Status     string
	Payload    []byte
	Meta       []byte
	ResultKey  string
	Error      string
	CreatedAt  int64
	StartedAt  int64
	FinishedAt int64
}

// Completion is what a worker reports once a job finished executing.
type Completion struct {
	Status    string
	Meta      []byte
	ResultKey string
	Error     string
}

// Atomic enqueue: claim the id in the unique set, write the hash and push the id.
var enqueueScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then return 0 end
	redis.call('HSET', KEYS[2], 'id', ARGV[1], 'type', ARGV[2], 'status', 'pending', 'payload', ARGV[3], 'created_at', ARGV[4])
	redis.call('LPUSH', KEYS[3], ARGV[1])
	return 1
	`,
)

// Atomic dequeue: RPOP ids from pending until one is still pending, mark it
// started and index it in the active ZSET with its visibility deadline.
// Ids whose hash was revoked or deleted while queued are dropped.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	for i = 1, 64 do
		local id = redis.call('RPOP', KEYS[1])
		if not id then return false end
		local jk = ARGV[3] .. id
		if redis.call('HGET', jk, 'status') == 'pending' then
			redis.call('HSET', jk, 'status', 'started', 'started_at', ARGV[2])
			redis.call('ZADD', KEYS[2], ARGV[1], id)
			return id
		end
	end
	return false
	`,
)

// Progress only applies to running jobs.
var progressScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('HGET', KEYS[1], 'status') ~= 'started' then return 0 end
	redis.call('HSET', KEYS[1], 'meta', ARGV[1])
	return 1
	`,
)

// Completion only applies while the job is started, so a revoked or already
// finished job is never overwritten.
var completeScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('HGET', KEYS[1], 'status') ~= 'started' then return 0 end
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'meta', ARGV[3], 'result_key', ARGV[4], 'error', ARGV[5], 'finished_at', ARGV[6])
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
	return 1
	`,
)

// Revoke a pending or started job. Returns the previous status, or false if
// the job does not exist.
var revokeScript = redis.NewScript(
	// language=Lua
	`
	local st = redis.call('HGET', KEYS[1], 'status')
	if not st then return false end
	if st == 'pending' then
		redis.call('LREM', KEYS[2], 0, ARGV[1])
	elseif st == 'started' then
		redis.call('ZREM', KEYS[3], ARGV[1])
	else
		return st
	end
	redis.call('HSET', KEYS[1], 'status', 'revoked', 'finished_at', ARGV[2])
	redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
	return st
	`,
)

// Fail one active job whose visibility deadline passed; its worker is gone.
var expireOneScript = redis.NewScript(
	// language=Lua
	`
	local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #items == 0 then return false end
	local id = items[1]
	redis.call('ZREM', KEYS[1], id)
	local jk = ARGV[3] .. id
	if redis.call('HGET', jk, 'status') == 'started' then
		redis.call('HSET', jk, 'status', 'failure', 'error', 'worker lost', 'finished_at', ARGV[2])
		redis.call('ZADD', KEYS[2], ARGV[2], id)
	end
	return id
	`,
)

// Enqueue stores a new pending job and pushes it to the queue.
func Enqueue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id, typ string, payload []byte) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := enqueueScript.Run(ctx, rdb, []string{k.Unique, k.Job(id), k.Pending}, id, typ, payload, now).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Dequeue atomically moves the oldest pending job to active and returns its id.
// It returns "" when the queue is empty.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, visibility time.Duration) (string, error) {
	now := time.Now()
	deadline := strconv.FormatInt(now.Add(visibility).UnixMilli(), 10)
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, deadline, strconv.FormatInt(now.UnixMilli(), 10), k.JobPrefix).Result()
	if err == redis.Nil || res == nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

// Extend pushes the visibility deadline of a running job forward.
func Extend(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string, visibility time.Duration) error {
	deadline := float64(time.Now().Add(visibility).UnixMilli())
	return rdb.ZAddXX(ctx, k.Active, redis.Z{Score: deadline, Member: id}).Err()
}

// Progress records running counters. It reports false if the job is no longer started.
func Progress(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string, meta []byte) (bool, error) {
	n, err := progressScript.Run(ctx, rdb, []string{k.Job(id)}, meta).Int()
	return n == 1, err
}

// Complete moves a started job to finished. It reports false if the job was
// revoked, deleted or reclaimed meanwhile.
func Complete(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string, c Completion) (bool, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := completeScript.Run(ctx, rdb, []string{k.Job(id), k.Active, k.Finished},
		id, c.Status, c.Meta, c.ResultKey, c.Error, now).Int()
	return n == 1, err
}

// Revoke cancels a pending or started job and returns the status it had.
func Revoke(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string) (string, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	prev, err := revokeScript.Run(ctx, rdb, []string{k.Job(id), k.Pending, k.Active, k.Finished}, id, now).Text()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if prev != StatusPending && prev != StatusStarted {
		return prev, ErrNotRevocable
	}
	return prev, nil
}

// ExpireOne fails one job whose visibility deadline passed. It returns "" if none did.
func ExpireOne(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, now time.Time) (string, error) {
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	res, err := expireOneScript.Run(ctx, rdb, []string{k.Active, k.Finished}, nowMs, nowMs, k.JobPrefix).Result()
	if err == redis.Nil || res == nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

// Load reads the job hash. It returns ErrNotFound when the job does not exist.
func Load(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string) (*Record, error) {
	m, err := rdb.HGetAll(ctx, k.Job(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &Record{
		ID:         m["id"],
		Type:       m["type"],
		Status:     m["status"],
		Payload:    []byte(m["payload"]),
		Meta:       []byte(m["meta"]),
		ResultKey:  m["result_key"],
		Error:      m["error"],
		CreatedAt:  parseMs(m["created_at"]),
		StartedAt:  parseMs(m["started_at"]),
		FinishedAt: parseMs(m["finished_at"]),
	}, nil
}

// Position returns the 1-based rank of id among pending jobs, oldest first.
func Position(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string) (int, bool, error) {
	idx, err := rdb.LPos(ctx, k.Pending, id, redis.LPosArgs{}).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := rdb.LLen(ctx, k.Pending).Result()
	if err != nil {
		return 0, false, err
	}
	// ids are LPUSHed and RPOPed, so the tail is next in line
	return int(n - idx), true, nil
}

// Delete removes every trace of the job and returns the record it had, so the
// caller can drop the result payload.
func Delete(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, id string) (*Record, error) {
	rec, err := Load(ctx, rdb, k, id)
	if err != nil {
		return nil, err
	}
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, k.Pending, 0, id)
		p.ZRem(ctx, k.Active, id)
		p.ZRem(ctx, k.Finished, id)
		p.SRem(ctx, k.Unique, id)
		p.Del(ctx, k.Job(id))
		return nil
	})
	return rec, err
}

// FinishedBefore returns up to limit ids of jobs finished before cutoff.
func FinishedBefore(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, cutoff time.Time, limit int64) ([]string, error) {
	ids, err := rdb.ZRangeByScore(ctx, k.Finished, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return ids, err
}

func parseMs(s string) int64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
