// Package broker is the distributed work broker: typed task envelopes
// submitted onto named redis queues, executed by workers that drain the
// priority queue before the default one, with result lookup and revocation.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/metrics"
)

// TaskKind enumerates the closed task catalogue.
type TaskKind string

const (
	TaskDiscoverAllCities TaskKind = "discover.all_cities"
	TaskProcessSingle     TaskKind = "pipeline.process_single"
	TaskTranscribe        TaskKind = "media.transcribe"
	TaskRemuxWithCaptions TaskKind = "media.remux_with_captions"
	TaskUpload            TaskKind = "vod.upload"
	TaskValidateQuality   TaskKind = "vod.validate_quality"
	TaskCleanupTemp       TaskKind = "maintenance.cleanup_temp"
	TaskBackfill          TaskKind = "maintenance.backfill"
	TaskHealthAggregate   TaskKind = "health.aggregate"
)

func (k TaskKind) IsValid() bool {
	switch k {
	case TaskDiscoverAllCities, TaskProcessSingle, TaskTranscribe, TaskRemuxWithCaptions,
		TaskUpload, TaskValidateQuality, TaskCleanupTemp, TaskBackfill, TaskHealthAggregate:
		return true
	}
	return false
}

// Envelope is a task as it travels through a queue.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        TaskKind        `json:"kind"`
	Args        json.RawMessage `json:"args,omitempty"`
	Queue       string          `json:"queue"`
	SubmittedAt time.Time       `json:"submitted_at"`
	// SourcePath, when set, lets the dedup check see the video path a task
	// will touch without decoding kind-specific args.
	SourcePath string `json:"source_path,omitempty"`
}

// UnmarshalArgs decodes the envelope arguments into a kind-specific struct.
func (e Envelope) UnmarshalArgs(v interface{}) error {
	if len(e.Args) == 0 {
		return nil
	}
	return json.Unmarshal(e.Args, v)
}

// TaskState is the lifecycle of an envelope.
type TaskState string

const (
	StateQueued  TaskState = "queued"
	StateRunning TaskState = "running"
	StateDone    TaskState = "done"
	StateFailed  TaskState = "failed"
	StateRevoked TaskState = "revoked"
)

func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateRevoked
}

// TaskResult is the observable outcome of a task.
type TaskResult struct {
	ID         string          `json:"id"`
	Kind       TaskKind        `json:"kind"`
	State      TaskState       `json:"state"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Handler executes one task kind. The returned value is JSON-encoded into the
// task result.
type Handler func(ctx context.Context, env Envelope) (interface{}, error)

const (
	resultKeyPrefix = "broker:result:"
	revokedSetKey   = "broker:revoked"
	activeHashKey   = "broker:active"
	resultTTL       = 24 * time.Hour
)

// Broker routes envelopes to queues and tracks their results in redis.
type Broker struct {
	client        *redis.Client
	PriorityQueue string
	DefaultQueue  string

	handlers map[TaskKind]Handler
}

func New(client *redis.Client, priorityQueue, defaultQueue string) *Broker {
	return &Broker{
		client:        client,
		PriorityQueue: priorityQueue,
		DefaultQueue:  defaultQueue,
		handlers:      map[TaskKind]Handler{},
	}
}

// Handle registers the handler for a task kind. Registration happens once at
// composition time, before any worker starts.
func (b *Broker) Handle(kind TaskKind, h Handler) {
	b.handlers[kind] = h
}

// SubmitOption tweaks a submission.
type SubmitOption func(*Envelope)

// WithSourcePath annotates the envelope for the dedup active-path scan.
func WithSourcePath(path string) SubmitOption {
	return func(e *Envelope) { e.SourcePath = path }
}

// Submit enqueues a task and returns a handle for observing its result.
func (b *Broker) Submit(ctx context.Context, kind TaskKind, args interface{}, queue string, opts ...SubmitOption) (*TaskHandle, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	if queue == "" {
		queue = b.DefaultQueue
	}

	env := Envelope{
		ID:          uuid.New().String(),
		Kind:        kind,
		Queue:       queue,
		SubmittedAt: time.Now().UTC(),
	}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshaling args for %s: %w", kind, err)
		}
		env.Args = raw
	}
	for _, opt := range opts {
		opt(&env)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := b.writeResult(ctx, TaskResult{ID: env.ID, Kind: kind, State: StateQueued}); err != nil {
		return nil, err
	}
	if err := b.client.LPush(ctx, queue, payload).Err(); err != nil {
		return nil, fmt.Errorf("enqueue %s onto %s: %w", kind, queue, err)
	}

	if depth, err := b.client.LLen(ctx, queue).Result(); err == nil {
		metrics.Metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
	log.LogNoVideoID("task submitted", "task_id", env.ID, "kind", string(kind), "queue", queue)
	return &TaskHandle{ID: env.ID, broker: b}, nil
}

// Revoke marks a task so that a worker will drop it instead of starting it.
// A task that already started runs to completion.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	if err := b.client.SAdd(ctx, revokedSetKey, taskID).Err(); err != nil {
		return err
	}
	return b.client.Expire(ctx, revokedSetKey, resultTTL).Err()
}

// Result returns the current result record for a task ID.
func (b *Broker) Result(ctx context.Context, taskID string) (TaskResult, error) {
	raw, err := b.client.Get(ctx, resultKeyPrefix+taskID).Result()
	if err == redis.Nil {
		return TaskResult{}, fmt.Errorf("no result for task %s", taskID)
	}
	if err != nil {
		return TaskResult{}, err
	}
	var result TaskResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return TaskResult{}, err
	}
	return result, nil
}

// ActivePaths returns the source paths of tasks currently executing or
// reserved on any worker. First layer of the at-most-one-per-video check.
func (b *Broker) ActivePaths(ctx context.Context) []string {
	entries, err := b.client.HGetAll(ctx, activeHashKey).Result()
	if err != nil {
		return nil
	}
	var paths []string
	for _, raw := range entries {
		var env Envelope
		if json.Unmarshal([]byte(raw), &env) == nil && env.SourcePath != "" {
			paths = append(paths, env.SourcePath)
		}
	}
	return paths
}

// ActiveKinds returns the kinds currently executing or reserved anywhere;
// backfill uses this to stay out of the way of live transcription work.
func (b *Broker) ActiveKinds(ctx context.Context) []TaskKind {
	entries, err := b.client.HGetAll(ctx, activeHashKey).Result()
	if err != nil {
		return nil
	}
	var kinds []TaskKind
	for _, raw := range entries {
		var env Envelope
		if json.Unmarshal([]byte(raw), &env) == nil {
			kinds = append(kinds, env.Kind)
		}
	}
	return kinds
}

// QueueDepth reports how many tasks wait on the given queue.
func (b *Broker) QueueDepth(ctx context.Context, queue string) int64 {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0
	}
	return n
}

// Ping checks broker reachability for the health aggregator.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) writeResult(ctx context.Context, result TaskResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return b.client.SetEx(ctx, resultKeyPrefix+result.ID, raw, resultTTL).Err()
}

func (b *Broker) isRevoked(ctx context.Context, taskID string) bool {
	ok, err := b.client.SIsMember(ctx, revokedSetKey, taskID).Result()
	return err == nil && ok
}

// TaskHandle lets a submitter observe terminal state and fetch the result.
type TaskHandle struct {
	ID     string
	broker *Broker
}

// Wait polls until the task reaches a terminal state or ctx expires.
func (h *TaskHandle) Wait(ctx context.Context) (TaskResult, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		result, err := h.broker.Result(ctx, h.ID)
		if err == nil && result.State.Terminal() {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
