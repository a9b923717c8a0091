// Package worker binds the generation engine to the durable task queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"imageforge/internal/engine"
	"imageforge/internal/infra"
)

const (
	// TypeGenerate is the task type for one generation job.
	TypeGenerate = "generation:process"

	queueName = "generations"
)

type taskPayload struct {
	GenerationID string `json:"generation_id"`
}

// Enqueuer submits generation jobs to the queue. The task ID equals the
// generation ID, so a crashed API retrying its enqueue cannot produce a
// second task for the same row.
type Enqueuer struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

// NewEnqueuer connects a queue client. maxAttempts counts total deliveries,
// so the queue-level retry budget is one less.
func NewEnqueuer(redisURL string, maxAttempts int, attemptTimeout time.Duration) (*Enqueuer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("worker: parse redis url: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Enqueuer{
		client:   asynq.NewClient(opt),
		maxRetry: maxAttempts - 1,
		timeout:  attemptTimeout,
	}, nil
}

// Enqueue submits one generation. Re-enqueueing an ID already in the queue is
// a no-op.
func (e *Enqueuer) Enqueue(ctx context.Context, generationID string) error {
	body, err := json.Marshal(taskPayload{GenerationID: generationID})
	if err != nil {
		return fmt.Errorf("worker: encode payload: %w", err)
	}
	task := asynq.NewTask(TypeGenerate, body)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(queueName),
		asynq.TaskID(generationID),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(e.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: enqueue generation %s: %w", generationID, err)
	}
	return nil
}

// Close releases the queue connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// Options wires a Worker.
type Options struct {
	RedisURL       string
	Concurrency    int
	RetryBaseDelay time.Duration
	Engine         *engine.Engine
	Logger         infra.Logger
}

// Worker consumes generation tasks and drives the engine.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	engine *engine.Engine
	log    infra.Logger
}

// New builds the asynq server around the engine.
func New(opts Options) (*Worker, error) {
	if opts.Engine == nil {
		return nil, errors.New("worker: engine is required")
	}
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("worker: parse redis url: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 6
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 15 * time.Second
	}

	w := &Worker{engine: opts.Engine, log: opts.Logger}
	w.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return backoff(opts.RetryBaseDelay, n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			w.log.Error().Err(err).Str("task_type", task.Type()).Msg("task attempt failed")
		}),
		Logger: zlogAdapter{w.log},
	})
	w.mux = asynq.NewServeMux()
	w.mux.HandleFunc(TypeGenerate, w.handleGenerate)
	return w, nil
}

// Start runs the queue consumer in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown drains in-flight tasks and stops the consumer.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleGenerate(ctx context.Context, task *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.GenerationID == "" {
		return fmt.Errorf("empty generation id: %w", asynq.SkipRetry)
	}

	err := w.engine.Process(ctx, payload.GenerationID)
	if err == nil {
		return nil
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if shouldRetry(err, retried, maxRetry) {
		w.log.Warn().Err(err).
			Str("generation_id", payload.GenerationID).
			Int("retried", retried).
			Msg("attempt failed, leaving task for redelivery")
		return err
	}

	// Out of budget or final by classification. Settle the row and refund
	// before telling the queue to stop.
	if failErr := w.engine.Fail(ctx, payload.GenerationID, err); failErr != nil {
		// Keep the task alive so the failure settlement itself is retried.
		return failErr
	}
	w.log.Error().Err(err).
		Str("generation_id", payload.GenerationID).
		Msg("generation failed permanently")
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// shouldRetry decides redelivery from the error classification and the spent
// retry budget.
func shouldRetry(err error, retried, maxRetry int) bool {
	if retried >= maxRetry {
		return false
	}
	return engine.Retryable(err)
}

// backoff grows exponentially from the base delay per retry already spent.
func backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(n)))
	if max := 10 * time.Minute; d > max {
		return max
	}
	return d
}

// zlogAdapter lets asynq log through the service logger.
type zlogAdapter struct {
	l infra.Logger
}

func (a zlogAdapter) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a zlogAdapter) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a zlogAdapter) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a zlogAdapter) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a zlogAdapter) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
