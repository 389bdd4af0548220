package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// fakeConnector is a scriptable Connector for tests.
type fakeConnector struct {
	provider string
	signals  []models.RawSignal
	err      error
	mu       sync.Mutex
	calls    int
}

func (f *fakeConnector) Provider() string { return f.provider }

func (f *fakeConnector) Sync(ctx context.Context, req models.SyncRequest) ([]models.RawSignal, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.signals, f.err
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitForStatus(t *testing.T, o *Orchestrator, requestID string, want models.SyncStatus) models.SyncRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req, ok := o.GetStatus(requestID); ok && req.Status == want {
			return req
		}
		time.Sleep(10 * time.Millisecond)
	}
	req, _ := o.GetStatus(requestID)
	t.Fatalf("request %s never reached status %q, last = %+v", requestID, want, req)
	return models.SyncRequest{}
}

func TestAddToQueueAndComplete(t *testing.T) {
	connector := &fakeConnector{
		provider: "spotify",
		signals:  []models.RawSignal{{ID: "s1", UserID: "u1", Platform: "spotify", Kind: "listen", Content: "jazz"}},
	}

	var handledMu sync.Mutex
	var handled []models.RawSignal
	o := NewOrchestrator([]Connector{connector}, WithSignalHandler(func(userID string, signals []models.RawSignal) {
		handledMu.Lock()
		handled = append(handled, signals...)
		handledMu.Unlock()
	}))
	o.Start(context.Background())
	defer o.Stop()

	req, err := o.AddToQueue("u1", models.SyncRequest{Provider: "spotify", Reason: "drift resync"})
	if err != nil {
		t.Fatalf("AddToQueue() error = %v", err)
	}
	if req.ID == "" {
		t.Fatal("AddToQueue() returned request without ID")
	}
	if req.Status != models.SyncStatusQueued {
		t.Errorf("initial status = %q, want queued", req.Status)
	}

	done := waitForStatus(t, o, req.ID, models.SyncStatusCompleted)
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set on completed request")
	}
	if connector.callCount() != 1 {
		t.Errorf("connector called %d times, want 1", connector.callCount())
	}

	handledMu.Lock()
	defer handledMu.Unlock()
	if len(handled) != 1 || handled[0].ID != "s1" {
		t.Errorf("signal handler received %+v", handled)
	}
}

func TestSyncFailureRecordsError(t *testing.T) {
	connector := &fakeConnector{provider: "gmail", err: errors.New("token expired")}
	o := NewOrchestrator([]Connector{connector})
	o.Start(context.Background())
	defer o.Stop()

	req, err := o.AddToQueue("u1", models.SyncRequest{Provider: "gmail"})
	if err != nil {
		t.Fatalf("AddToQueue() error = %v", err)
	}

	failed := waitForStatus(t, o, req.ID, models.SyncStatusFailed)
	if failed.ErrorMessage != "token expired" {
		t.Errorf("ErrorMessage = %q", failed.ErrorMessage)
	}
	if failed.CompletedAt == nil {
		t.Error("CompletedAt not set on failed request")
	}
}

func TestUnknownProviderFails(t *testing.T) {
	o := NewOrchestrator(nil)
	o.Start(context.Background())
	defer o.Stop()

	req, err := o.AddToQueue("u1", models.SyncRequest{Provider: "myspace"})
	if err != nil {
		t.Fatalf("AddToQueue() error = %v", err)
	}

	failed := waitForStatus(t, o, req.ID, models.SyncStatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("ErrorMessage empty for unknown provider")
	}
}

func TestQueueFull(t *testing.T) {
	// No Start: nothing drains the queue.
	o := NewOrchestrator(nil, WithQueueSize(1))

	if _, err := o.AddToQueue("u1", models.SyncRequest{Provider: "spotify"}); err != nil {
		t.Fatalf("first AddToQueue() error = %v", err)
	}
	if _, err := o.AddToQueue("u1", models.SyncRequest{Provider: "spotify"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second AddToQueue() error = %v, want ErrQueueFull", err)
	}
}

func TestAddToQueueValidation(t *testing.T) {
	o := NewOrchestrator(nil)

	if _, err := o.AddToQueue("", models.SyncRequest{Provider: "spotify"}); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("AddToQueue(\"\") error = %v, want ErrEmptyUserID", err)
	}
}

func TestStopRejectsNewRequests(t *testing.T) {
	o := NewOrchestrator(nil)
	o.Start(context.Background())
	o.Stop()

	if _, err := o.AddToQueue("u1", models.SyncRequest{Provider: "spotify"}); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("AddToQueue() after Stop error = %v, want ErrOrchestratorStopped", err)
	}
}
