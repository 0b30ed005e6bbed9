// Package queue provides the Redis-backed work queues of the ingestion
// pipeline: named FIFO lists with blocking dequeue, a delayed-enqueue set
// migrated by a scheduler, and per-task status records with progress.
//
// The broker never retries on its own; retries are the worker runtime's
// responsibility and a lost item is reconciled by the orphan reaper.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names. Each has one logical handler in the worker runtime.
const (
	QueueExtraction    = "extraction"
	QueueIngestExtract = "ingest_extract"
	QueueChunking      = "chunking"
	QueueKGIngest      = "kg_ingest"
)

// Task statuses tracked in the per-task status record.
const (
	TaskStatusQueued   = "queued"
	TaskStatusStarted  = "started"
	TaskStatusFinished = "finished"
	TaskStatusFailed   = "failed"
)

// defaultTimeouts guard against a stuck handler. They are far greater than
// any reasonable execution time.
var defaultTimeouts = map[string]time.Duration{
	QueueExtraction:    45 * time.Minute,
	QueueIngestExtract: 60 * time.Minute,
	QueueChunking:      30 * time.Minute,
	QueueKGIngest:      20 * time.Minute,
}

// DefaultTimeout returns the broker-level timeout for a queue.
func DefaultTimeout(queue string) time.Duration {
	if d, ok := defaultTimeouts[queue]; ok {
		return d
	}
	return 30 * time.Minute
}

// Task is one unit of work travelling through a queue. Payload is the typed
// per-queue payload, serialized.
type Task struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Timeout     time.Duration   `json:"timeout"`
}

// TaskStatus is the queryable state of a task.
type TaskStatus struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Description string     `json:"description,omitempty"`
	Error       string     `json:"error,omitempty"`
	EnqueuedAt  *time.Time `json:"enqueued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Config configures the Redis broker.
type Config struct {
	RedisURL  string // Redis URL (defaults to redis://localhost:6379/0)
	KeyPrefix string // Key prefix for queue keys (defaults to "docpipe:")
}

// Broker handles queue operations using Redis.
type Broker struct {
	client *redis.Client
	prefix string
}

// statusTTL bounds how long finished task records linger.
const statusTTL = 7 * 24 * time.Hour

// NewBroker creates a new Redis broker and verifies connectivity.
func NewBroker(ctx context.Context, config Config) (*Broker, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "docpipe:"
	}

	return &Broker{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) queueKey(queue string) string {
	return b.prefix + queue
}

func (b *Broker) statusKey(taskID string) string {
	return b.prefix + "task:" + taskID
}

func (b *Broker) delayedKey() string {
	return b.prefix + "delayed"
}

// Enqueue serializes the payload and appends a task to the queue. Returns
// the task id.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload interface{}, description string) (string, error) {
	task, raw, err := b.buildTask(queue, payload, description)
	if err != nil {
		return "", err
	}

	if err := b.client.RPush(ctx, b.queueKey(queue), raw).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	if err := b.writeStatus(ctx, task, TaskStatusQueued); err != nil {
		return "", err
	}
	return task.ID, nil
}

// EnqueueIn schedules a task that becomes dequeueable not before now+delay.
// The scheduler migrates ripe tasks into their queue.
func (b *Broker) EnqueueIn(ctx context.Context, delay time.Duration, queue string, payload interface{}, description string) (string, error) {
	task, raw, err := b.buildTask(queue, payload, description)
	if err != nil {
		return "", err
	}

	due := time.Now().Add(delay)
	err = b.client.ZAdd(ctx, b.delayedKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(raw),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue delayed task: %w", err)
	}
	if err := b.writeStatus(ctx, task, TaskStatusQueued); err != nil {
		return "", err
	}
	return task.ID, nil
}

// PromoteDue moves every ripe delayed task into its queue. Returns the
// number of promoted tasks.
func (b *Broker) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	max := fmt.Sprintf("%d", now.UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed set: %w", err)
	}

	promoted := 0
	for _, member := range members {
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			// Drop undecodable items so they cannot wedge the scheduler.
			b.client.ZRem(ctx, b.delayedKey(), member)
			continue
		}

		// Remove first so two schedulers cannot promote the same item.
		removed, err := b.client.ZRem(ctx, b.delayedKey(), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := b.client.RPush(ctx, b.queueKey(task.Queue), member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed task: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue blocks until a task is available or the timeout elapses. A nil
// task with nil error means timeout.
func (b *Broker) Dequeue(queue string, timeout time.Duration) (*Task, error) {
	// Use a fresh context per dequeue so a cancelled init-time context
	// cannot poison the blocking pop.
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	result, err := b.client.BLPop(ctx, timeout, b.queueKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var task Task
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	now := time.Now().UTC()
	b.client.HSet(ctx, b.statusKey(task.ID),
		"status", TaskStatusStarted,
		"started_at", now.Format(time.RFC3339Nano),
	)

	return &task, nil
}

// SetProgress records task progress, clamped to 0-100.
func (b *Broker) SetProgress(ctx context.Context, taskID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return b.client.HSet(ctx, b.statusKey(taskID), "progress", progress).Err()
}

// Finish marks a task finished. The broker sees every handler return as a
// completed task; pipeline-level failure lives in the phase rows.
func (b *Broker) Finish(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return b.client.HSet(ctx, b.statusKey(taskID),
		"status", TaskStatusFinished,
		"progress", 100,
		"ended_at", now.Format(time.RFC3339Nano),
	).Err()
}

// Fail marks a task failed at the broker level. Only used when a handler
// panics out of its boundary.
func (b *Broker) Fail(ctx context.Context, taskID string, message string) error {
	now := time.Now().UTC()
	return b.client.HSet(ctx, b.statusKey(taskID),
		"status", TaskStatusFailed,
		"error", message,
		"ended_at", now.Format(time.RFC3339Nano),
	).Err()
}

// Fetch returns the status record of a task.
func (b *Broker) Fetch(ctx context.Context, taskID string) (*TaskStatus, error) {
	fields, err := b.client.HGetAll(ctx, b.statusKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task status: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	status := &TaskStatus{
		ID:          taskID,
		Queue:       fields["queue"],
		Status:      fields["status"],
		Description: fields["description"],
		Error:       fields["error"],
	}
	fmt.Sscanf(fields["progress"], "%d", &status.Progress)
	status.EnqueuedAt = parseTime(fields["enqueued_at"])
	status.StartedAt = parseTime(fields["started_at"])
	status.EndedAt = parseTime(fields["ended_at"])
	return status, nil
}

// Depth returns the number of waiting tasks in a queue.
func (b *Broker) Depth(ctx context.Context, queue string) (int, error) {
	depth, err := b.client.LLen(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return int(depth), nil
}

// DelayedCount returns the number of tasks waiting in the delayed set.
func (b *Broker) DelayedCount(ctx context.Context) (int, error) {
	n, err := b.client.ZCard(ctx, b.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed set size: %w", err)
	}
	return int(n), nil
}

func (b *Broker) buildTask(queue string, payload interface{}, description string) (*Task, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := &Task{
		ID:          uuid.NewString(),
		Queue:       queue,
		Description: description,
		Payload:     body,
		EnqueuedAt:  time.Now().UTC(),
		Timeout:     DefaultTimeout(queue),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return task, raw, nil
}

func (b *Broker) writeStatus(ctx context.Context, task *Task, status string) error {
	key := b.statusKey(task.ID)
	err := b.client.HSet(ctx, key,
		"queue", task.Queue,
		"status", status,
		"progress", 0,
		"description", task.Description,
		"enqueued_at", task.EnqueuedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to write task status: %w", err)
	}
	b.client.Expire(ctx, key, statusTTL)
	return nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
