// Package engine is the automation core of TwinPulse.
//
// It evaluates per-user automation rules on a fixed cadence, queues the
// actions those rules synthesize, and executes them through priority-banded
// workers with retry and backoff. External effects (notifications, proactive
// messages, data re-syncs, insight analysis) are injected collaborators.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/drift"
	"github.com/MirrorGraph/TwinPulse/internal/insight"
	"github.com/MirrorGraph/TwinPulse/internal/messaging"
	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/scheduler"
	"github.com/MirrorGraph/TwinPulse/internal/store"
	"github.com/MirrorGraph/TwinPulse/internal/util"
)

// DefaultEvaluationInterval is how often the rule evaluation sweep runs over
// every known user.
const DefaultEvaluationInterval = 5 * time.Minute

// DefaultHistoryLimit caps how many archived actions GetActionHistory returns.
const DefaultHistoryLimit = 100

var (
	// ErrEngineStarted is returned when Start is called twice.
	ErrEngineStarted = errors.New("engine already started")
	// ErrEngineStopped is returned for operations on a shut-down engine.
	ErrEngineStopped = errors.New("engine is shut down")
)

// Opts holds the engine's collaborators and tuning knobs.
type Opts struct {
	Store              store.Store
	Notifications      messaging.NotificationSink
	Messages           messaging.MessageSink
	InsightSource      insight.Source
	SyncQueue          SyncQueue
	Bands              []Band
	BatchSize          int
	EvaluationInterval time.Duration
	WatchdogInterval   time.Duration
	WatchdogTimeout    time.Duration
}

// Option configures the engine.
type Option func(*Opts)

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithNotificationSink sets the default notification delivery sink.
func WithNotificationSink(sink messaging.NotificationSink) Option {
	return func(o *Opts) { o.Notifications = sink }
}

// WithMessageSink sets the proactive-message delivery sink.
func WithMessageSink(sink messaging.MessageSink) Option {
	return func(o *Opts) { o.Messages = sink }
}

// WithInsightSource sets the personality insight analyzer.
func WithInsightSource(src insight.Source) Option {
	return func(o *Opts) { o.InsightSource = src }
}

// WithSyncQueue sets the data-sync orchestrator queue.
func WithSyncQueue(q SyncQueue) Option {
	return func(o *Opts) { o.SyncQueue = q }
}

// WithBands overrides the default priority bands.
func WithBands(bands []Band) Option {
	return func(o *Opts) { o.Bands = bands }
}

// WithBatchSize overrides the per-user per-tick dispatch cap.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithEvaluationInterval overrides the rule sweep cadence.
func WithEvaluationInterval(d time.Duration) Option {
	return func(o *Opts) { o.EvaluationInterval = d }
}

// WithWatchdogTimeout overrides how long an action may sit executing before
// the watchdog reclaims it.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(o *Opts) { o.WatchdogTimeout = d }
}

// Engine owns the rule store view, the per-user action queue, and the timers
// that drive evaluation and dispatch. Construct one per process with
// NewEngine; multiple independent instances can coexist for testing.
type Engine struct {
	store         store.Store
	queue         *ActionQueue
	executor      *Executor
	evaluator     *Evaluator
	insights      insight.Source
	detector      *drift.Detector
	notifications messaging.NotificationSink

	bands              []Band
	batchSize          int
	evaluationInterval time.Duration
	watchdogInterval   time.Duration
	watchdogTimeout    time.Duration

	scheduler *scheduler.Scheduler
	stats     *statsCounters
	now       func() time.Time

	// evalLocks serializes rule evaluation per user so the
	// trigger-cooldown-enqueue-record sequence for one user never
	// interleaves across the cron sweep, signal ingestion, and the
	// evaluate endpoint.
	evalMu    sync.RWMutex
	evalLocks map[string]*sync.Mutex

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewEngine wires an engine from its collaborators. Store, notification sink,
// message sink, and sync queue are required; the insight source is optional
// (IngestSignals errors without one).
func NewEngine(options ...Option) (*Engine, error) {
	opts := Opts{
		Bands:              DefaultBands(),
		BatchSize:          util.ParseIntEnv("TWINPULSE_BATCH_SIZE", DefaultBatchSize),
		EvaluationInterval: util.ParseDurationEnv("TWINPULSE_EVALUATION_INTERVAL", DefaultEvaluationInterval),
		WatchdogInterval:   DefaultWatchdogInterval,
		WatchdogTimeout:    util.ParseDurationEnv("TWINPULSE_WATCHDOG_TIMEOUT", DefaultWatchdogTimeout),
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if opts.Notifications == nil {
		return nil, errors.New("engine requires a notification sink")
	}
	if opts.Messages == nil {
		return nil, errors.New("engine requires a message sink")
	}
	if opts.SyncQueue == nil {
		return nil, errors.New("engine requires a sync queue")
	}

	detector := drift.NewDetector(opts.Store)
	facts := newStoreFactProvider(opts.Store)
	e := &Engine{
		store:              opts.Store,
		queue:              NewActionQueue(),
		evaluator:          NewEvaluator(facts),
		insights:           opts.InsightSource,
		detector:           detector,
		notifications:      opts.Notifications,
		bands:              opts.Bands,
		batchSize:          opts.BatchSize,
		evaluationInterval: opts.EvaluationInterval,
		watchdogInterval:   opts.WatchdogInterval,
		watchdogTimeout:    opts.WatchdogTimeout,
		stats:              newStatsCounters(),
		now:                time.Now,
		evalLocks:          make(map[string]*sync.Mutex),
	}
	facts.now = func() time.Time { return e.now() }
	e.executor = NewExecutor(opts.Store, opts.Notifications, opts.Messages, opts.SyncQueue, detector, e.enqueue)
	return e, nil
}

// Executor exposes the executor for per-channel sink registration.
func (e *Engine) Executor() *Executor { return e.executor }

// Start seeds default rules, reloads persisted queue state, and registers the
// recurring band, evaluation, and watchdog jobs. It returns once the timers
// are running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrEngineStarted
	}
	if e.stopped {
		return ErrEngineStopped
	}

	if err := e.seedDefaultRules(); err != nil {
		return fmt.Errorf("failed to seed default rules: %w", err)
	}
	if err := e.reloadQueue(); err != nil {
		return fmt.Errorf("failed to reload queue state: %w", err)
	}

	e.scheduler = scheduler.NewScheduler()
	for _, band := range e.bands {
		band := band
		if err := e.scheduler.AddIntervalJob(band.Interval, func() {
			e.processBand(ctx, band)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s band: %w", band.Name, err)
		}
	}
	if err := e.scheduler.AddIntervalJob(e.evaluationInterval, func() {
		e.evaluateAllUsers()
	}); err != nil {
		return fmt.Errorf("failed to schedule rule evaluation: %w", err)
	}
	if err := e.scheduler.AddIntervalJob(e.watchdogInterval, func() {
		e.watchdogSweep()
	}); err != nil {
		return fmt.Errorf("failed to schedule watchdog: %w", err)
	}

	e.started = true
	slog.Info("Engine.Start running", "bands", len(e.bands),
		"evaluationInterval", e.evaluationInterval, "watchdogTimeout", e.watchdogTimeout)
	return nil
}

// Shutdown stops all timers. In-flight handler calls finish their current
// invocation; no further work is picked up. Queued actions stay persisted for
// the next start.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	e.started = false
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	slog.Info("Engine.Shutdown complete")
}

// seedDefaultRules inserts the shared default rule set, keeping any existing
// copy so lastTriggered/triggerCount survive restarts.
func (e *Engine) seedDefaultRules() error {
	existing, err := e.store.GetRules(models.DefaultRulePool)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, rule := range existing {
		known[rule.ID] = true
	}
	for _, rule := range DefaultRules(e.now().UTC()) {
		if known[rule.ID] {
			continue
		}
		if err := e.store.SaveRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// QueueAction validates and enqueues a directly-issued action for a user.
// Missing ID, status, and schedule fields are filled with defaults.
func (e *Engine) QueueAction(userID string, action models.AutomatedAction) (models.AutomatedAction, error) {
	if e.isStopped() {
		return models.AutomatedAction{}, ErrEngineStopped
	}
	now := e.now().UTC()
	action.UserID = userID
	if action.ID == "" {
		action.ID = util.GenerateActionID()
	}
	if action.TwinID == "" {
		action.TwinID = twinIDFor(userID)
	}
	if action.Status == "" {
		action.Status = models.ActionStatusPending
	}
	if action.ScheduledFor.IsZero() {
		action.ScheduledFor = now
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	if err := e.enqueue(action); err != nil {
		return models.AutomatedAction{}, err
	}
	return action, nil
}

// enqueue adds an action to the live queue and persists it. Also used by the
// executor for derived follow-up actions.
func (e *Engine) enqueue(action models.AutomatedAction) error {
	if err := e.queue.Enqueue(action); err != nil {
		return err
	}
	if err := e.store.SavePendingAction(action); err != nil {
		return fmt.Errorf("failed to persist queued action: %w", err)
	}
	return nil
}

// AddCustomRule validates and stores a user-defined rule. A custom rule with
// the same ID as a default rule shadows it for that user.
func (e *Engine) AddCustomRule(userID string, rule models.AutomationRule) (models.AutomationRule, error) {
	if e.isStopped() {
		return models.AutomationRule{}, ErrEngineStopped
	}
	rule.UserID = userID
	if rule.ID == "" {
		rule.ID = util.GenerateRuleID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = e.now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return models.AutomationRule{}, err
	}
	if err := e.store.SaveRule(rule); err != nil {
		return models.AutomationRule{}, fmt.Errorf("failed to save rule: %w", err)
	}
	slog.Info("Engine.AddCustomRule saved", "userID", userID, "ruleID", rule.ID, "name", rule.Name)
	return rule, nil
}

// GetActiveRules returns the active rules applying to a user: the shared
// defaults plus the user's own, with user rules shadowing defaults by ID.
func (e *Engine) GetActiveRules(userID string) ([]models.AutomationRule, error) {
	defaults, err := e.store.GetRules(models.DefaultRulePool)
	if err != nil {
		return nil, err
	}
	custom, err := e.store.GetRules(userID)
	if err != nil {
		return nil, err
	}

	shadowed := make(map[string]bool, len(custom))
	for _, rule := range custom {
		shadowed[rule.ID] = true
	}
	rules := make([]models.AutomationRule, 0, len(defaults)+len(custom))
	for _, rule := range defaults {
		if !shadowed[rule.ID] && rule.IsActive {
			rules = append(rules, rule)
		}
	}
	for _, rule := range custom {
		if rule.IsActive {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// GetActionHistory returns the user's archived actions, newest first.
func (e *Engine) GetActionHistory(userID string) ([]models.AutomatedAction, error) {
	return e.store.GetActionHistory(userID, DefaultHistoryLimit)
}

// PendingActions returns the user's live queue contents.
func (e *Engine) PendingActions(userID string) []models.AutomatedAction {
	return e.queue.Pending(userID)
}

// IngestSignals feeds raw behavioral signals through the insight source and
// drift detector, then evaluates the user's rules immediately so a detected
// drift can fire its notification without waiting for the next sweep.
func (e *Engine) IngestSignals(ctx context.Context, userID string, signals []models.RawSignal) ([]drift.Result, error) {
	if e.isStopped() {
		return nil, ErrEngineStopped
	}
	if e.insights == nil {
		return nil, errors.New("no insight source configured")
	}
	insights, err := e.insights.Analyze(ctx, userID, signals)
	if err != nil {
		return nil, fmt.Errorf("insight analysis failed: %w", err)
	}
	results := e.detector.ProcessBatch(insights)

	if _, err := e.EvaluateRulesForUser(userID); err != nil {
		slog.Warn("Engine.IngestSignals rule evaluation failed", "userID", userID, "error", err)
	}
	return results, nil
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func twinIDFor(userID string) string {
	return "twin-" + userID
}
