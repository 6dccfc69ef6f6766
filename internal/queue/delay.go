// Package queue implements the durable delay queue on a Redis sorted set.
// Members are job IDs scored by their ready time, so ZADD gives idempotent
// re-enqueue (same job ID replaces its scheduled time) and a score range
// scan yields due jobs in ready order.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const delayKey = "scrapeq:delay"

// popScript removes and returns up to ARGV[2] members with score <= ARGV[1]
// in one atomic step, so exactly one consumer receives a given job even with
// multiple workers polling.
var popScript = r.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due > 0 then
	redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

type DelayQueue struct{ rdb *r.Client }

func New(rdb *r.Client) *DelayQueue { return &DelayQueue{rdb} }

// Enqueue schedules jobID to become ready at readyAt. Re-enqueuing an ID
// already present replaces its ready time rather than duplicating it. Scores
// are millisecond timestamps, exact in a float64, so distinct ready times
// keep their order rather than collapsing into a same-second tie broken
// lexically by member.
func (q *DelayQueue) Enqueue(ctx context.Context, jobID string, readyAt time.Time) error {
	err := q.rdb.ZAdd(ctx, delayKey, r.Z{Score: float64(readyAt.UnixMilli()), Member: jobID}).Err()
	return errors.Wrap(err, "delay queue enqueue")
}

// PopReady atomically removes and returns up to limit job IDs whose ready
// time has elapsed, ordered by ready time.
func (q *DelayQueue) PopReady(ctx context.Context, now time.Time, limit int) ([]string, error) {
	res, err := popScript.Run(ctx, q.rdb, []string{delayKey}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, errors.Wrap(err, "delay queue pop")
	}
	return res, nil
}

// Remove cancels a scheduled job. It reports whether the ID was present.
func (q *DelayQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, delayKey, jobID).Result()
	if err != nil {
		return false, errors.Wrap(err, "delay queue remove")
	}
	return n > 0, nil
}

// Len returns the number of scheduled jobs, due or not.
func (q *DelayQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, delayKey).Result()
	return n, errors.Wrap(err, "delay queue len")
}
