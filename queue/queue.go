// Package queue is the Redis Streams job queue feeding the background
// refresh workers. Delivery is at-least-once: a consumer group hands each
// job to one worker, unacked jobs past the visibility timeout are
// reclaimed by whoever polls next, and jobs exhaust a bounded number of
// attempts before landing in the failed set.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/router"
)

// StreamRefresh is the stream name suffix for cache refresh jobs.
const StreamRefresh = "refresh"

const jobTTL = 24 * time.Hour

// RefreshPayload describes one cache refresh crawl.
type RefreshPayload struct {
	Query  model.Query      `json:"query"`
	Tier   router.RouteTier `json:"tier"`
	Reason string           `json:"reason"` // scheduled | stale_hit | miss_backfill
}

// Job is one queued unit of work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      string          `json:"status"`
	StreamID    string          `json:"stream_id,omitempty"`
}

// Refresh decodes the job payload as a RefreshPayload.
func (j *Job) Refresh() (RefreshPayload, error) {
	var p RefreshPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return RefreshPayload{}, fmt.Errorf("decode refresh payload: %w", err)
	}
	return p, nil
}

// Queue is the worker-facing queue contract.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error)
	Dequeue(ctx context.Context, jobType string) (*Job, error)
	Ack(ctx context.Context, jobType string, jobID string) error
	Nack(ctx context.Context, jobType string, jobID string) error
	Stats(ctx context.Context, jobType string) (map[string]int64, error)
	Close() error
}

// RedisQueue implements Queue over Redis Streams.
type RedisQueue struct {
	client       *redis.Client
	cfg          config.RedisConfig
	consumerName string

	mu             sync.Mutex
	ensuredStreams map[string]struct{}
	lastClaimID    map[string]string
}

// NewRedisQueue connects and verifies the Redis backend.
func NewRedisQueue(cfg config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient wraps an existing client; tests inject miniredis
// through here.
func NewRedisQueueWithClient(client *redis.Client, cfg config.RedisConfig) *RedisQueue {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return &RedisQueue{
		client:         client,
		cfg:            cfg,
		consumerName:   fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		ensuredStreams: make(map[string]struct{}),
		lastClaimID:    make(map[string]string),
	}
}

// Enqueue appends a job to the stream and records it pending.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error) {
	if err := q.ensureStream(ctx, jobType); err != nil {
		return "", err
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payloadBytes,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: 3,
		Status:      "pending",
	}
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamName(jobType),
		Values: map[string]interface{}{"job": jobBytes},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add job to stream: %w", err)
	}
	job.StreamID = msgID
	if err := q.persistJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.client.SAdd(ctx, q.stateKey(jobType, "pending"), job.ID).Err(); err != nil {
		return "", fmt.Errorf("failed to record pending job: %w", err)
	}
	return job.ID, nil
}

// Dequeue returns the next job, preferring reclaimable stale deliveries.
// It returns (nil, nil) when nothing arrived within the block timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, jobType string) (*Job, error) {
	if err := q.ensureStream(ctx, jobType); err != nil {
		return nil, err
	}
	if job, err := q.claimStale(ctx, jobType); err != nil || job != nil {
		return job, err
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.QueueGroup,
		Consumer: q.consumerName,
		Streams:  []string{q.streamName(jobType), ">"},
		Count:    1,
		Block:    q.cfg.QueueBlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) || len(res) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(res[0].Messages) == 0 {
		return nil, nil
	}
	return q.prepareMessage(ctx, jobType, res[0].Messages[0])
}

// Ack completes a job and trims its stream entry.
func (q *RedisQueue) Ack(ctx context.Context, jobType, jobID string) error {
	job, err := q.getStoredJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = "completed"
	if err := q.persistJob(ctx, job); err != nil {
		return err
	}
	stream := q.streamName(jobType)
	if job.StreamID != "" {
		if err := q.client.XAck(ctx, stream, q.cfg.QueueGroup, job.StreamID).Err(); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
		_ = q.client.XDel(ctx, stream, job.StreamID).Err()
	}
	if err := q.client.SRem(ctx, q.stateKey(jobType, "processing"), jobID).Err(); err != nil {
		return fmt.Errorf("failed to clear processing flag: %w", err)
	}
	return q.client.SAdd(ctx, q.stateKey(jobType, "completed"), jobID).Err()
}

// Nack requeues a job, or fails it permanently once its attempts are
// exhausted.
func (q *RedisQueue) Nack(ctx context.Context, jobType, jobID string) error {
	job, err := q.getStoredJob(ctx, jobID)
	if err != nil {
		return err
	}
	stream := q.streamName(jobType)
	if job.StreamID != "" {
		if err := q.client.XAck(ctx, stream, q.cfg.QueueGroup, job.StreamID).Err(); err != nil {
			return fmt.Errorf("failed to ack message before retry: %w", err)
		}
		_ = q.client.XDel(ctx, stream, job.StreamID).Err()
	}
	_ = q.client.SRem(ctx, q.stateKey(jobType, "processing"), jobID).Err()

	if job.Attempts >= job.MaxAttempts {
		job.Status = "failed"
		if err := q.persistJob(ctx, job); err != nil {
			return err
		}
		return q.client.SAdd(ctx, q.stateKey(jobType, "failed"), jobID).Err()
	}

	job.Status = "pending"
	job.StreamID = ""
	requeueBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for requeue: %w", err)
	}
	msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"job": requeueBytes},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	job.StreamID = msgID
	if err := q.persistJob(ctx, job); err != nil {
		return err
	}
	return q.client.SAdd(ctx, q.stateKey(jobType, "pending"), jobID).Err()
}

// Stats reports per-state job counts.
func (q *RedisQueue) Stats(ctx context.Context, jobType string) (map[string]int64, error) {
	stats := make(map[string]int64, 4)
	for _, state := range []string{"pending", "processing", "completed", "failed"} {
		n, err := q.client.SCard(ctx, q.stateKey(jobType, state)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get %s count: %w", state, err)
		}
		stats[state] = n
	}
	return stats, nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error { return q.client.Close() }

// Client exposes the underlying connection for distributed locking.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) ensureStream(ctx context.Context, jobType string) error {
	stream := q.streamName(jobType)
	q.mu.Lock()
	_, ok := q.ensuredStreams[stream]
	q.mu.Unlock()
	if ok {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, stream, q.cfg.QueueGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	q.mu.Lock()
	q.ensuredStreams[stream] = struct{}{}
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) claimStale(ctx context.Context, jobType string) (*Job, error) {
	stream := q.streamName(jobType)
	q.mu.Lock()
	startID := q.lastClaimID[stream]
	if startID == "" {
		startID = "0-0"
	}
	q.mu.Unlock()

	messages, nextID, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.cfg.QueueGroup,
		Consumer: q.consumerName,
		MinIdle:  q.cfg.QueueVisibilityTimeout,
		Start:    startID,
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to auto-claim messages: %w", err)
	}
	q.mu.Lock()
	q.lastClaimID[stream] = nextID
	q.mu.Unlock()
	if len(messages) == 0 {
		return nil, nil
	}
	return q.prepareMessage(ctx, jobType, messages[0])
}

func (q *RedisQueue) prepareMessage(ctx context.Context, jobType string, msg redis.XMessage) (*Job, error) {
	rawJob, ok := msg.Values["job"]
	if !ok {
		return nil, fmt.Errorf("stream message missing job payload")
	}
	var jobBytes []byte
	switch v := rawJob.(type) {
	case string:
		jobBytes = []byte(v)
	case []byte:
		jobBytes = v
	default:
		return nil, fmt.Errorf("unexpected job payload type %T", v)
	}
	var job Job
	if err := json.Unmarshal(jobBytes, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	// The stream entry carries the job as enqueued; the job record holds
	// the live attempt count across deliveries and reclaims.
	if stored, err := q.getStoredJob(ctx, job.ID); err == nil {
		job = *stored
	}
	job.StreamID = msg.ID
	job.Attempts++
	job.Status = "processing"
	if err := q.persistJob(ctx, &job); err != nil {
		return nil, err
	}
	if err := q.client.SAdd(ctx, q.stateKey(jobType, "processing"), job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}
	if err := q.client.SRem(ctx, q.stateKey(jobType, "pending"), job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove job from pending: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) persistJob(ctx context.Context, job *Job) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for storage: %w", err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), jobBytes, jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func (q *RedisQueue) getStoredJob(ctx context.Context, jobID string) (*Job, error) {
	jobBytes, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to get job details: %w", err)
	}
	var job Job
	if err := json.Unmarshal(jobBytes, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) streamName(jobType string) string {
	return fmt.Sprintf("%s:%s", q.cfg.QueueStreamPrefix, jobType)
}

func (q *RedisQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func (q *RedisQueue) stateKey(jobType, state string) string {
	return fmt.Sprintf("queue:%s:%s", jobType, state)
}
