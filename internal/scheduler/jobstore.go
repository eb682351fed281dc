package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job is one durable, delayed work item: fire an orchestration request (a
// Schedule coming due, a retry reaching retryScheduledAt) or a billing
// rollup, at or after At.
type Job struct {
	ID      string
	Kind    string
	At      time.Time
	Payload []byte
}

// JobStore is the durable queue with per-job lease semantics spec §6
// requires of the Scheduler: enqueue(at, payload), lease(now,
// leaseDuration), complete(jobId), fail(jobId, reason), cancel(jobId).
// Grounded on internal/emergency's dedupGate: the same go-redis client,
// the same SETNX-with-TTL idiom for a lease, just against a sorted-set
// queue instead of a debounce key.
type JobStore struct {
	rdb *redis.Client
}

func NewJobStore(rdb *redis.Client) *JobStore {
	return &JobStore{rdb: rdb}
}

const (
	queueKey   = "careline:scheduler:queue"   // ZSET jobID -> score(at.Unix())
	payloadKey = "careline:scheduler:payload"  // HASH jobID -> json(Job)
	leaseFmt   = "careline:scheduler:lease:%s" // per-job lease, SET NX PX
)

// Enqueue schedules payload to fire at `at`. Returns the generated jobID.
func (js *JobStore) Enqueue(ctx context.Context, kind string, at time.Time, payload []byte) (string, error) {
	job := Job{ID: uuid.NewString(), Kind: kind, At: at, Payload: payload}
	buf, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal job: %w", err)
	}

	pipe := js.rdb.TxPipeline()
	pipe.HSet(ctx, payloadKey, job.ID, buf)
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: float64(at.Unix()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("scheduler: enqueue: %w", err)
	}
	return job.ID, nil
}

// Lease returns every job due at or before now that no other Scheduler
// instance currently holds a lease on, and marks each leased for
// leaseDuration. A job that is never completed or failed within that
// window becomes leasable again by the next caller — the at-least-once
// guarantee spec §4.G's "per-schedule lock to prevent duplicate fires
// within a grace window" describes.
func (js *JobStore) Lease(ctx context.Context, now time.Time, leaseDuration time.Duration) ([]Job, error) {
	dueIDs, err := js.rdb.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: zrangebyscore due jobs: %w", err)
	}
	if len(dueIDs) == 0 {
		return nil, nil
	}

	var leased []Job
	for _, id := range dueIDs {
		acquired, err := js.rdb.SetNX(ctx, fmt.Sprintf(leaseFmt, id), 1, leaseDuration).Result()
		if err != nil {
			return nil, fmt.Errorf("scheduler: acquire lease %s: %w", id, err)
		}
		if !acquired {
			continue
		}

		raw, err := js.rdb.HGet(ctx, payloadKey, id).Result()
		if err != nil {
			if err == redis.Nil {
				// Payload vanished (already completed/cancelled by another
				// racer between the ZRANGEBYSCORE and here); release the
				// lease we just took and skip it.
				js.rdb.Del(ctx, fmt.Sprintf(leaseFmt, id))
				continue
			}
			return nil, fmt.Errorf("scheduler: load job %s: %w", id, err)
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("scheduler: unmarshal job %s: %w", id, err)
		}
		leased = append(leased, job)
	}
	return leased, nil
}

// Complete removes a successfully-fired job from the queue permanently.
func (js *JobStore) Complete(ctx context.Context, jobID string) error {
	pipe := js.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey, jobID)
	pipe.HDel(ctx, payloadKey, jobID)
	pipe.Del(ctx, fmt.Sprintf(leaseFmt, jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: complete %s: %w", jobID, err)
	}
	return nil
}

// Fail releases jobID's lease and re-scores it a short interval out, so a
// transient failure (e.g. placeCall's provider timeout) gets retried
// without hot-looping the next Lease poll. reason is logged by the caller,
// not stored — this is a lease store, not an audit trail.
func (js *JobStore) Fail(ctx context.Context, jobID string, _ string) error {
	retryAt := time.Now().UTC().Add(30 * time.Second)
	pipe := js.rdb.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(leaseFmt, jobID))
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: float64(retryAt.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: fail %s: %w", jobID, err)
	}
	return nil
}

// Cancel removes a job outright (e.g. its Schedule was deactivated before
// firing).
func (js *JobStore) Cancel(ctx context.Context, jobID string) error {
	return js.Complete(ctx, jobID)
}

// TryClaim acquires the per-schedule lock spec §4.G's "enqueues outbound
// calls... with per-schedule lock to prevent duplicate fires within a
// grace window" describes: it guards the detect-due -> enqueue step
// against two Scheduler replicas racing on the same Schedule inside one
// poll interval, independent of the job lease itself.
func (js *JobStore) TryClaim(ctx context.Context, key string, grace time.Duration) (bool, error) {
	acquired, err := js.rdb.SetNX(ctx, "careline:scheduler:claim:"+key, 1, grace).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: claim %s: %w", key, err)
	}
	return acquired, nil
}
