// Package daemon runs the dispatch control loop: one pass at a time on a
// fixed ticker, matching ready tasks to idle workers, draining finished
// sessions, firing steward schedules, delivering inboxes, and collecting
// expired workflows.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/common/tracing"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/task"
	"github.com/stoneforge-ai/stoneforge/internal/workflow"
	"github.com/stoneforge-ai/stoneforge/internal/worktree"
)

// Config holds the control-loop settings, normally fed from the central
// daemon.* configuration.
type Config struct {
	// TickInterval is the control-loop period.
	TickInterval time.Duration

	// MaxSessionDuration reaps running sessions older than this; 0
	// disables reaping.
	MaxSessionDuration time.Duration

	// RetryLimit is how many dispatches a task gets before it is
	// tombstoned.
	RetryLimit int

	// GCEveryTicks runs the workflow garbage collector every n ticks.
	GCEveryTicks int

	// GCMaxAge is the minimum time since finishedAt before an ephemeral
	// workflow is reclaimed.
	GCMaxAge time.Duration

	// GCLimit caps the workflows reclaimed per pass.
	GCLimit int

	// ShutdownTimeout bounds how long Stop waits for the in-flight tick.
	ShutdownTimeout time.Duration

	// Actor is the id the daemon journals and claims under.
	Actor string
}

const (
	defaultTickInterval    = 2 * time.Second
	defaultRetryLimit      = 3
	defaultGCEveryTicks    = 150
	defaultGCMaxAge        = 7 * 24 * time.Hour
	defaultGCLimit         = 50
	defaultShutdownTimeout = 30 * time.Second
	defaultActor           = "el-daemon"
)

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = defaultRetryLimit
	}
	if c.GCEveryTicks <= 0 {
		c.GCEveryTicks = defaultGCEveryTicks
	}
	if c.GCMaxAge <= 0 {
		c.GCMaxAge = defaultGCMaxAge
	}
	if c.GCLimit <= 0 {
		c.GCLimit = defaultGCLimit
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Actor == "" {
		c.Actor = defaultActor
	}
}

// Worktrees is the slice of the worktree manager the dispatch loop drives.
type Worktrees interface {
	Create(ctx context.Context, taskID, baseRef string, force bool) (*worktree.Worktree, error)
	Remove(ctx context.Context, path string, force bool) error
	PathFor(taskID string) string
}

// Stats is a snapshot of the loop's counters.
type Stats struct {
	Ticks          uint64    `json:"ticks"`
	Dispatched     uint64    `json:"dispatched"`
	Drained        uint64    `json:"drained"`
	StewardsFired  uint64    `json:"stewardsFired"`
	InboxDelivered uint64    `json:"inboxDelivered"`
	LastTickAt     time.Time `json:"lastTickAt"`
}

// triggerKey identifies one cron trigger on one steward.
type triggerKey struct {
	agentID  string
	schedule string
}

// Daemon is the orchestration control loop. Ticks never overlap: the
// background loop and any direct Tick call serialize on one mutex.
type Daemon struct {
	cfg       Config
	store     store.Store
	tasks     *task.Service
	sessions  *session.Manager
	worktrees Worktrees
	workflows *workflow.Service
	bus       bus.EventBus
	log       *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	tickMu      sync.Mutex
	reconciled  bool
	tickCount   uint64
	startedAt   time.Time // first-tick time, seeds steward schedules
	stewardLast map[triggerKey]time.Time

	statsMu sync.Mutex
	stats   Stats
}

// New creates the daemon over already-wired services.
func New(cfg Config, st store.Store, tasks *task.Service, sessions *session.Manager,
	worktrees Worktrees, workflows *workflow.Service, eb bus.EventBus, log *logger.Logger) *Daemon {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Daemon{
		cfg:         cfg,
		store:       st,
		tasks:       tasks,
		sessions:    sessions,
		worktrees:   worktrees,
		workflows:   workflows,
		bus:         eb,
		log:         log.WithFields(zap.String("component", "daemon")),
		now:         func() time.Time { return time.Now().UTC() },
		stewardLast: make(map[triggerKey]time.Time),
	}
}

// Start launches the background loop. Starting a running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopCh = make(chan struct{})
	d.running = true

	d.wg.Add(1)
	go d.run(runCtx)

	d.log.Info("Daemon started",
		zap.Duration("tickInterval", d.cfg.TickInterval),
		zap.Int("retryLimit", d.cfg.RetryLimit),
		zap.Int("gcEveryTicks", d.cfg.GCEveryTicks))
	return nil
}

// Stop halts the loop, lets the in-flight tick finish up to the shutdown
// deadline, then stops every running session gracefully. Stopping a stopped
// daemon is a no-op.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownTimeout):
		d.log.Warn("Tick exceeded the shutdown deadline, cancelling")
		cancel()
		<-done
	}
	cancel()

	ctx, cancelStop := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancelStop()
	for _, err := range d.sessions.StopAll(ctx, "daemon-shutdown") {
		d.log.Warn("Failed to stop session on shutdown", zap.Error(err))
	}

	d.log.Info("Daemon stopped")
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one control pass synchronously; the background loop calls it on
// every ticker fire. Per-task and per-agent failures are logged and skipped
// so one bad element cannot stall the loop.
func (d *Daemon) Tick(ctx context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	now := d.now()
	if d.startedAt.IsZero() {
		d.startedAt = now
	}
	d.tickCount++
	d.statsMu.Lock()
	d.stats.Ticks = d.tickCount
	d.stats.LastTickAt = now
	d.statsMu.Unlock()

	ctx, span := tracing.TraceTick(ctx, d.tickCount)
	defer span.End()

	if !d.reconciled {
		n, errs := d.sessions.ReconcileOnStartup(ctx)
		for _, err := range errs {
			d.log.Error("Session reconcile failed", zap.Error(err))
		}
		if n > 0 {
			d.log.Info("Reconciled orphaned sessions", zap.Int("count", n))
		}
		d.reconciled = true
	}

	for _, err := range d.sessions.ApplyRateLimits(ctx) {
		d.log.Warn("Failed to apply rate limit", zap.Error(err))
	}

	d.reapStale(ctx)

	if err := d.dispatch(ctx); err != nil {
		d.log.Error("Dispatch pass failed", zap.Error(err))
	}

	d.drainTerminated(ctx)
	d.fireStewards(ctx)
	d.deliverInboxes(ctx)

	if d.tickCount%uint64(d.cfg.GCEveryTicks) == 0 {
		d.collectGarbage(ctx)
	}
}

// Stats returns a copy of the loop counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Daemon) count(field *uint64, n uint64) {
	d.statsMu.Lock()
	*field += n
	d.statsMu.Unlock()
}

func (d *Daemon) collectGarbage(ctx context.Context) {
	res, err := d.workflows.GarbageCollect(ctx, workflow.GCOptions{
		MaxAge: d.cfg.GCMaxAge,
		Limit:  d.cfg.GCLimit,
		Actor:  d.cfg.Actor,
	})
	if err != nil {
		d.log.Warn("Workflow GC failed", zap.Error(err))
		return
	}
	if len(res.DeletedWorkflowIDs) > 0 {
		d.log.Info("Workflow GC pass finished",
			zap.Int("workflows", len(res.DeletedWorkflowIDs)),
			zap.Int("tasks", len(res.DeletedTaskIDs)),
			zap.Int("dependencies", res.DeletedDependencies))
	}
}

func (d *Daemon) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, subject, bus.NewEvent(subject, "daemon", data)); err != nil {
		d.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
