package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexvod/caption-api/log"
	"github.com/flexvod/caption-api/metrics"
	"github.com/flexvod/caption-api/store"
)

const (
	fetchBlockTimeout = 2 * time.Second
	heartbeatInterval = 15 * time.Second
)

// Worker pulls envelopes off the broker queues and executes them one at a
// time. It always tries the priority queue before the default queue, so a
// priority task submitted mid-stream runs as soon as any worker frees up.
type Worker struct {
	ID         string
	broker     *Broker
	heartbeats *store.Heartbeats

	// HeartbeatInterval must stay well under the liveness TTL so a worker
	// stuck in an hour-long transcription still reads as alive.
	HeartbeatInterval time.Duration
}

func NewWorker(id string, b *Broker, hb *store.Heartbeats) *Worker {
	return &Worker{ID: id, broker: b, heartbeats: hb, HeartbeatInterval: heartbeatInterval}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.LogNoVideoID("worker starting", "worker_id", w.ID)
	w.startHeartbeat(ctx)

	for {
		if ctx.Err() != nil {
			log.LogNoVideoID("worker stopping", "worker_id", w.ID)
			return nil
		}

		env, ok := w.fetch(ctx)
		if !ok {
			continue
		}
		w.execute(ctx, env)
	}
}

// startHeartbeat beats on its own ticker so liveness does not depend on the
// fetch loop; a handler blocked on a long task would otherwise let the alive
// key expire mid-execution.
func (w *Worker) startHeartbeat(ctx context.Context) {
	if w.heartbeats == nil {
		return
	}
	w.heartbeats.Beat(ctx, w.ID)
	go func() {
		ticker := time.NewTicker(w.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.heartbeats.Beat(ctx, w.ID)
			}
		}
	}()
}

// fetch reserves the next envelope, priority queue first. BRPOP checks its
// keys in argument order, which gives the strict two-queue discipline.
func (w *Worker) fetch(ctx context.Context) (Envelope, bool) {
	res, err := w.broker.client.BRPop(ctx, fetchBlockTimeout, w.broker.PriorityQueue, w.broker.DefaultQueue).Result()
	if err == redis.Nil || ctx.Err() != nil {
		return Envelope{}, false
	}
	if err != nil {
		log.LogNoVideoID("queue fetch failed", "worker_id", w.ID, "err", err)
		time.Sleep(time.Second)
		return Envelope{}, false
	}
	// res is [queue, payload].
	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		log.LogNoVideoID("dropping undecodable envelope", "worker_id", w.ID, "queue", res[0], "err", err)
		return Envelope{}, false
	}
	metrics.Metrics.QueueDepth.WithLabelValues(res[0]).Set(float64(w.broker.QueueDepth(ctx, res[0])))
	return env, true
}

func (w *Worker) execute(ctx context.Context, env Envelope) {
	if w.broker.isRevoked(ctx, env.ID) {
		log.LogNoVideoID("dropping revoked task", "task_id", env.ID, "kind", string(env.Kind))
		w.finish(ctx, env, TaskResult{ID: env.ID, Kind: env.Kind, State: StateRevoked})
		return
	}

	handler, found := w.broker.handlers[env.Kind]
	if !found {
		w.finish(ctx, env, TaskResult{
			ID: env.ID, Kind: env.Kind, State: StateFailed,
			Error: fmt.Sprintf("no handler registered for kind %q", env.Kind),
		})
		return
	}

	w.registerActive(ctx, env)
	defer w.unregisterActive(ctx)

	if err := w.broker.writeResult(ctx, TaskResult{ID: env.ID, Kind: env.Kind, State: StateRunning}); err != nil {
		log.LogNoVideoID("result write failed", "task_id", env.ID, "err", err)
	}

	start := time.Now()
	out, err := w.recovered(ctx, env, handler)
	metrics.Metrics.TaskDurationSec.
		WithLabelValues(string(env.Kind), strconv.FormatBool(err == nil)).
		Observe(time.Since(start).Seconds())

	result := TaskResult{ID: env.ID, Kind: env.Kind, FinishedAt: time.Now().UTC()}
	if err != nil {
		result.State = StateFailed
		result.Error = err.Error()
		log.LogNoVideoID("task failed", "task_id", env.ID, "kind", string(env.Kind), "err", err, "duration", time.Since(start))
	} else {
		result.State = StateDone
		if out != nil {
			if raw, merr := json.Marshal(out); merr == nil {
				result.Output = raw
			}
		}
		log.LogNoVideoID("task done", "task_id", env.ID, "kind", string(env.Kind), "duration", time.Since(start))
	}
	w.finish(ctx, env, result)
}

// recovered converts a handler panic into a failed task instead of taking the
// worker down with it.
func (w *Worker) recovered(ctx context.Context, env Envelope, handler Handler) (out interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, env)
}

func (w *Worker) finish(ctx context.Context, env Envelope, result TaskResult) {
	if err := w.broker.writeResult(ctx, result); err != nil {
		log.LogNoVideoID("result write failed", "task_id", env.ID, "err", err)
	}
}

func (w *Worker) registerActive(ctx context.Context, env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := w.broker.client.HSet(ctx, activeHashKey, w.ID, raw).Err(); err != nil {
		log.LogNoVideoID("active registration failed", "worker_id", w.ID, "err", err)
	}
}

func (w *Worker) unregisterActive(ctx context.Context) {
	if err := w.broker.client.HDel(ctx, activeHashKey, w.ID).Err(); err != nil {
		log.LogNoVideoID("active deregistration failed", "worker_id", w.ID, "err", err)
	}
}
