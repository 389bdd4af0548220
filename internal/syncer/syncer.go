// Package syncer queues and runs external data re-syncs.
//
// The automation engine's sync-external-data handler enqueues a SyncRequest
// here and moves on; a single background worker drains the queue, invokes
// the provider's connector, and records per-request status for observability.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/google/uuid"
)

// Orchestrator configuration defaults.
const (
	// DefaultQueueSize bounds the pending sync request queue.
	DefaultQueueSize = 64
	// DefaultSyncTimeout bounds a single connector invocation.
	DefaultSyncTimeout = 30 * time.Second
)

// Orchestrator errors
var (
	// ErrQueueFull indicates the sync queue is at capacity.
	ErrQueueFull = errors.New("sync queue full")
	// ErrOrchestratorStopped indicates the orchestrator is shut down.
	ErrOrchestratorStopped = errors.New("sync orchestrator stopped")
	// ErrUnknownProvider indicates no connector is registered for the provider.
	ErrUnknownProvider = errors.New("unknown sync provider")
)

// Connector refreshes one external provider's data for a user and returns
// the raw signals it fetched.
type Connector interface {
	Provider() string
	Sync(ctx context.Context, req models.SyncRequest) ([]models.RawSignal, error)
}

// SignalHandler receives the signals a completed sync produced.
type SignalHandler func(userID string, signals []models.RawSignal)

// Opts holds configuration options for the orchestrator.
type Opts struct {
	QueueSize     int
	SyncTimeout   time.Duration
	SignalHandler SignalHandler
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithQueueSize sets the pending queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithSyncTimeout sets the per-connector invocation timeout.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SyncTimeout = d }
}

// WithSignalHandler sets the callback invoked with fetched signals.
func WithSignalHandler(h SignalHandler) Option {
	return func(o *Opts) { o.SignalHandler = h }
}

// Orchestrator owns the sync queue and its worker.
type Orchestrator struct {
	queue         chan models.SyncRequest
	connectors    map[string]Connector
	signalHandler SignalHandler
	syncTimeout   time.Duration

	mu       sync.RWMutex
	statuses map[string]models.SyncRequest
	stopped  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a sync orchestrator with the given connectors.
func NewOrchestrator(connectors []Connector, opts ...Option) *Orchestrator {
	cfg := Opts{
		QueueSize:   DefaultQueueSize,
		SyncTimeout: DefaultSyncTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	byProvider := make(map[string]Connector, len(connectors))
	for _, c := range connectors {
		byProvider[c.Provider()] = c
	}

	return &Orchestrator{
		queue:         make(chan models.SyncRequest, cfg.QueueSize),
		connectors:    byProvider,
		signalHandler: cfg.SignalHandler,
		syncTimeout:   cfg.SyncTimeout,
		statuses:      make(map[string]models.SyncRequest),
	}
}

// Start launches the background worker. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go o.run(ctx)
	slog.Info("Orchestrator started", "providers", len(o.connectors))
}

// Stop stops the worker. Queued requests that have not started are abandoned.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	slog.Info("Orchestrator stopped")
}

// AddToQueue enqueues a sync request. The request is assigned an ID and
// queued status; the populated request is returned so callers can poll it.
// The enqueue never blocks: a full queue returns ErrQueueFull.
func (o *Orchestrator) AddToQueue(userID string, req models.SyncRequest) (models.SyncRequest, error) {
	if userID == "" {
		return models.SyncRequest{}, models.ErrEmptyUserID
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return models.SyncRequest{}, ErrOrchestratorStopped
	}

	req.ID = uuid.NewString()
	req.UserID = userID
	req.Status = models.SyncStatusQueued
	req.RequestedAt = time.Now().UTC()
	o.statuses[req.ID] = req
	o.mu.Unlock()

	select {
	case o.queue <- req:
		slog.Debug("Orchestrator request queued", "requestID", req.ID, "userID", userID, "provider", req.Provider)
		return req, nil
	default:
		o.mu.Lock()
		delete(o.statuses, req.ID)
		o.mu.Unlock()
		slog.Warn("Orchestrator queue full, rejecting request", "userID", userID, "provider", req.Provider)
		return models.SyncRequest{}, ErrQueueFull
	}
}

// GetStatus returns the current status of a sync request.
func (o *Orchestrator) GetStatus(requestID string) (models.SyncRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	req, ok := o.statuses[requestID]
	return req, ok
}

// QueueDepth returns the number of requests waiting to be processed.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.queue:
			o.process(ctx, req)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, req models.SyncRequest) {
	o.setStatus(req.ID, func(r *models.SyncRequest) {
		r.Status = models.SyncStatusRunning
	})

	connector, ok := o.connectors[req.Provider]
	if !ok {
		o.finish(req.ID, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider))
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, o.syncTimeout)
	signals, err := connector.Sync(syncCtx, req)
	cancel()
	o.finish(req.ID, err)

	if err == nil && o.signalHandler != nil && len(signals) > 0 {
		o.signalHandler(req.UserID, signals)
	}
}

func (o *Orchestrator) finish(requestID string, err error) {
	now := time.Now().UTC()
	o.setStatus(requestID, func(r *models.SyncRequest) {
		r.CompletedAt = &now
		if err != nil {
			r.Status = models.SyncStatusFailed
			r.ErrorMessage = err.Error()
		} else {
			r.Status = models.SyncStatusCompleted
		}
	})
	if err != nil {
		slog.Error("Orchestrator sync failed", "requestID", requestID, "error", err)
	} else {
		slog.Debug("Orchestrator sync completed", "requestID", requestID)
	}
}

func (o *Orchestrator) setStatus(requestID string, mutate func(*models.SyncRequest)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	req, ok := o.statuses[requestID]
	if !ok {
		return
	}
	mutate(&req)
	o.statuses[requestID] = req
}
