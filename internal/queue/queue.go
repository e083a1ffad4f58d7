// Package queue layers a cross-process "go claim work" signal on top of
// the Postgres-backed batch manager. Postgres remains the source of truth
// for batch state; this package only shortens the latency between a
// submission on one process and a claim on another, and survives a
// redelivery if the signal is dropped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// TaskDispatchJob is the asynq task type carrying a "a job is ready to run"
// signal.
const TaskDispatchJob = "job:dispatch"

// WakeChannel is the redis pub/sub channel used for the low-latency kick;
// asynq's own queue is the durable fallback if no controller is listening
// when the kick is published.
const WakeChannel = "catalogcore:wake"

// DispatchPayload is the asynq task payload for TaskDispatchJob.
type DispatchPayload struct {
	JobID     uuid.UUID  `json:"job_id"`
	CatalogID *uuid.UUID `json:"catalog_id,omitempty"`
	JobType   string     `json:"job_type"`
}

// Queue wraps an asynq client/server pair plus a lightweight redis pub/sub
// channel for same-instant wake-ups.
type Queue struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	redis     *redis.Client
}

func New(redisAddr string, concurrency int) *Queue {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}
	if concurrency <= 0 {
		concurrency = 2
	}
	client := asynq.NewClient(redisOpt)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	mux := asynq.NewServeMux()
	inspector := asynq.NewInspector(redisOpt)
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	return &Queue{client: client, server: server, mux: mux, inspector: inspector, redis: rdb}
}

// isTaskConflict reports whether err means a task with this id is already
// queued or running.
func isTaskConflict(err error) bool {
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		return true
	}
	return strings.Contains(err.Error(), "task ID conflicts") || strings.Contains(err.Error(), "duplicate task")
}

// Dispatch enqueues a durable TaskDispatchJob keyed by the job id (so a
// duplicate Dispatch for the same job enqueues no second task) and publishes a redis
// pub/sub kick so any listening controller wakes immediately instead of
// waiting for asynq's own poll interval. It satisfies
// internal/controller.Dispatcher.
func (q *Queue) Dispatch(ctx context.Context, jobID uuid.UUID, catalogID *uuid.UUID, jobType string) error {
	return q.enqueue(ctx, DispatchPayload{JobID: jobID, CatalogID: catalogID, JobType: jobType})
}

func (q *Queue) enqueue(ctx context.Context, payload DispatchPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal dispatch payload: %w", err)
	}

	task := asynq.NewTask(TaskDispatchJob, data, asynq.TaskID(payload.JobID.String()))
	if _, err := q.client.EnqueueContext(ctx, task); err != nil && !isTaskConflict(err) {
		return fmt.Errorf("queue: enqueue dispatch: %w", err)
	}

	if err := q.redis.Publish(ctx, WakeChannel, string(data)).Err(); err != nil {
		log.Printf("queue: publish wake for job %s: %v", payload.JobID, err)
	}
	return nil
}

// Subscribe returns a channel of dispatch payloads delivered over the
// redis pub/sub wake channel. Callers should still rely on the durable
// queue/database as ground truth; this is a best-effort low-latency nudge.
func (q *Queue) Subscribe(ctx context.Context) <-chan DispatchPayload {
	out := make(chan DispatchPayload, 16)
	sub := q.redis.Subscribe(ctx, WakeChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload DispatchPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					log.Printf("queue: unmarshal wake payload: %v", err)
					continue
				}
				out <- payload
			}
		}
	}()
	return out
}

// RegisterHandler wires an asynq handler for TaskDispatchJob, used as the
// durable fallback path when no controller was listening on the wake
// channel at dispatch time.
func (q *Queue) RegisterHandler(handler asynq.HandlerFunc) {
	q.mux.HandleFunc(TaskDispatchJob, handler)
}

func (q *Queue) Start(ctx context.Context) error {
	log.Println("queue: dispatch worker starting")
	return q.server.Start(q.mux)
}

func (q *Queue) Stop() {
	q.server.Shutdown()
	_ = q.redis.Close()
	q.client.Close()
	q.inspector.Close()
}
