package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
)

type fakeEvaluator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, applicantID string, attrs map[string]any) (*domain.EvaluationResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	decision := domain.DecisionApprove
	if attrs["flag"] == true {
		decision = domain.DecisionReview
	}
	return &domain.EvaluationResult{Decision: decision, Score: 0.1, TriggeredRules: []string{}}, nil
}

func collectDecisions(t *testing.T, eventBus domain.EventBus) <-chan domain.EvaluateResponse {
	t.Helper()
	out := make(chan domain.EvaluateResponse, 16)
	_, err := eventBus.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var resp domain.EvaluateResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return err
		}
		out <- resp
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return out
}

func publishRequest(t *testing.T, eventBus domain.EventBus, req domain.EvaluateRequest) {
	t.Helper()
	payload, _ := json.Marshal(req)
	if err := eventBus.Publish(context.Background(), domain.TopicEvaluationRequested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	evaluator := &fakeEvaluator{}
	worker := NewWorker(eventBus, evaluator)
	decisions := collectDecisions(t, eventBus)

	if err := worker.Start(Config{WorkerCount: 2}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer worker.Stop()

	t.Run("Stats", func(t *testing.T) {
		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicEvaluationRequested {
			t.Errorf("unexpected topics: %v", stats.Topics)
		}
	})

	t.Run("StartTwice", func(t *testing.T) {
		if err := worker.Start(Config{}); err == nil {
			t.Error("expected error starting an already running worker")
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		publishRequest(t, eventBus, domain.EvaluateRequest{
			ApplicantID: "applicant-1",
			Attributes:  map[string]any{"flag": true},
		})

		select {
		case resp := <-decisions:
			if resp.ApplicantID != "applicant-1" {
				t.Errorf("expected applicant-1, got %s", resp.ApplicantID)
			}
			if resp.Result == nil || resp.Result.Decision != domain.DecisionReview {
				t.Errorf("unexpected result: %+v", resp.Result)
			}
			if resp.Error != "" {
				t.Errorf("unexpected error: %s", resp.Error)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for decision")
		}
	})

	t.Run("MalformedPayloadIsSkipped", func(t *testing.T) {
		before := evaluator.calls.Load()
		eventBus.Publish(context.Background(), domain.TopicEvaluationRequested, []byte("{not json"))
		publishRequest(t, eventBus, domain.EvaluateRequest{ApplicantID: "applicant-2"})

		select {
		case resp := <-decisions:
			if resp.ApplicantID != "applicant-2" {
				t.Errorf("expected applicant-2, got %s", resp.ApplicantID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for decision")
		}
		if got := evaluator.calls.Load() - before; got != 1 {
			t.Errorf("expected 1 evaluation, got %d", got)
		}
	})
}

func TestWorkerPublishesEvaluationErrors(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := NewWorker(eventBus, &fakeEvaluator{err: errors.New("audit store unavailable")})
	decisions := collectDecisions(t, eventBus)

	if err := worker.Start(Config{WorkerCount: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer worker.Stop()

	publishRequest(t, eventBus, domain.EvaluateRequest{ApplicantID: "applicant-err"})

	select {
	case resp := <-decisions:
		if resp.Result != nil {
			t.Errorf("expected no result, got %+v", resp.Result)
		}
		if resp.Error != "audit store unavailable" {
			t.Errorf("unexpected error message: %q", resp.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for decision")
	}
}

func TestWorkerStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	evaluator := &fakeEvaluator{}
	worker := NewWorker(eventBus, evaluator)
	if err := worker.Start(Config{WorkerCount: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := worker.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stats := worker.GetStats(); stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}

	publishRequest(t, eventBus, domain.EvaluateRequest{ApplicantID: "late"})
	time.Sleep(50 * time.Millisecond)
	if evaluator.calls.Load() != 0 {
		t.Error("stopped worker must not evaluate")
	}
}
