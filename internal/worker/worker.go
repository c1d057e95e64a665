// Package worker evaluates requests arriving on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Evaluator runs one evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, applicantID string, attrs map[string]any) (*domain.EvaluationResult, error)
}

// Worker consumes evaluation requests from the EventBus and publishes the
// outcome on the decision topic.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	jobs          chan *domain.Message
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.Mutex
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of concurrent evaluations.
	WorkerCount int

	// QueueSize bounds requests accepted but not yet evaluated.
	QueueSize int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to evaluation requests and launches the worker pool.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.WorkerCount * 16
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.jobs != nil {
		return fmt.Errorf("worker already started")
	}
	w.jobs = make(chan *domain.Message, cfg.QueueSize)

	for i := 0; i < cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicEvaluationRequested, w.enqueue)
	if err != nil {
		w.cancel()
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("workers started",
		"worker_count", cfg.WorkerCount,
		"topic", domain.TopicEvaluationRequested,
	)
	return nil
}

// enqueue hands a message to the pool, blocking while the queue is full.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	select {
	case w.jobs <- msg:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.jobs:
			_ = w.process(w.ctx, msg)
		}
	}
}

// process evaluates one request and publishes an EvaluateResponse.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.EvaluateRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse evaluation request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	resp := domain.EvaluateResponse{ApplicantID: req.ApplicantID}
	result, err := w.evaluator.Evaluate(ctx, req.ApplicantID, req.Attributes)
	if err != nil {
		slog.Error("evaluation failed",
			"applicant_id", req.ApplicantID,
			"message_id", msg.ID,
			"error", err,
		)
		resp.Error = err.Error()
	} else {
		resp.Result = result
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"applicant_id", req.ApplicantID,
			"error", err,
		)
		return err
	}

	slog.Debug("evaluation request processed",
		"applicant_id", req.ApplicantID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Queued            int      `json:"queued"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Queued:            len(w.jobs),
	}
}
