package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/common/tracing"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Agent stdout lines are NDJSON; the scanner tolerates lines up to 1 MiB.
const (
	scanInitialBuffer = 64 * 1024
	scanMaxBuffer     = 1024 * 1024
)

// handle is the live side of a session: the process, its emitter, and the
// per-session mutex serializing mutations. Handles exist only while the
// process runs; terminated and suspended sessions live in the checkpoint
// table alone.
type handle struct {
	mu      sync.Mutex
	session *Session
	proc    Process
	stdin   io.WriteCloser
	emitter *Emitter

	runningOnce sync.Once
	runningCh   chan struct{} // closed on the first stdout event
	done        chan struct{} // closed after finalization
	exitCode    int

	lastResult  *AgentEvent
	rateLimited bool
}

// Manager owns every agent session in the process. One mutating operation
// runs per session id at a time; operations on disjoint sessions proceed
// independently. Stdout pumps never touch the element store — terminations
// and rate limits are queued for the daemon's next tick.
type Manager struct {
	cfg     Config
	store   store.Store
	ckpt    *checkpoints
	bus     bus.EventBus
	log     *logger.Logger
	spawner Spawner
	now     func() time.Time
	alive   func(pid int) bool

	mu      sync.Mutex
	handles map[string]*handle

	qmu        sync.Mutex
	terminated []*Terminated
	rateQueue  []*RateLimited
}

// NewManager creates a session manager over the shared database pool. The
// pool must already carry the session_checkpoints table (applied by the
// store migrations).
func NewManager(cfg Config, st store.Store, pool *db.Pool, eb bus.EventBus, log *logger.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, apperrors.MissingRequiredField("session.command")
	}
	if log == nil {
		log = logger.Default()
	}
	sp := cfg.Spawner
	if sp == nil {
		sp = newExecSpawner()
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		ckpt:    &checkpoints{pool: pool},
		bus:     eb,
		log:     log.WithFields(zap.String("component", "session")),
		spawner: sp,
		now:     func() time.Time { return time.Now().UTC() },
		alive:   pidAlive,
		handles: make(map[string]*handle),
	}, nil
}

// Start spawns a fresh agent session. The call returns once the agent's
// first stdout event arrives (the init handshake, which carries the
// provider session id) or fails when the handshake exceeds the spawn
// timeout.
func (m *Manager) Start(ctx context.Context, agentID string, opts StartOptions) (*Session, *Emitter, error) {
	role, err := m.agentRole(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeHeadless
	}
	now := m.now()
	sess := &Session{
		ID:               newSessionID(),
		AgentID:          agentID,
		AgentRole:        role,
		TaskID:           opts.TaskID,
		Mode:             mode,
		Status:           StatusStarting,
		WorkingDirectory: opts.WorkingDirectory,
		Worktree:         opts.Worktree,
		CreatedAt:        now,
		LastActivityAt:   now,
	}

	args := append([]string{}, m.cfg.Args...)
	if opts.InitialPrompt != "" {
		args = append(args, opts.InitialPrompt)
	}
	return m.launch(ctx, sess, args)
}

// Resume reattaches to an existing provider conversation via --resume. The
// session starts in starting and becomes running on the first received
// event.
func (m *Manager) Resume(ctx context.Context, agentID string, opts ResumeOptions) (*Session, *Emitter, error) {
	if opts.ProviderSessionID == "" {
		return nil, nil, apperrors.MissingRequiredField("providerSessionId")
	}
	role, err := m.agentRole(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	sess := &Session{
		ID:                newSessionID(),
		ProviderSessionID: opts.ProviderSessionID,
		AgentID:           agentID,
		AgentRole:         role,
		TaskID:            opts.TaskID,
		Mode:              ModeHeadless,
		Status:            StatusStarting,
		WorkingDirectory:  opts.WorkingDirectory,
		Worktree:          opts.Worktree,
		CreatedAt:         now,
		LastActivityAt:    now,
	}

	args := append([]string{}, m.cfg.Args...)
	args = append(args, "--resume", opts.ProviderSessionID)
	if opts.InitialPrompt != "" {
		args = append(args, opts.InitialPrompt)
	}
	return m.launch(ctx, sess, args)
}

func (m *Manager) agentRole(ctx context.Context, agentID string) (string, error) {
	ent, err := store.GetEntity(ctx, m.store, agentID)
	if err != nil {
		return "", err
	}
	if meta, ok := element.AgentMetaOf(ent); ok {
		return meta.Role, nil
	}
	return "", nil
}

func newSessionID() string {
	return "ses-" + uuid.NewString()
}

func (m *Manager) launch(ctx context.Context, sess *Session, args []string) (*Session, *Emitter, error) {
	// Registration happens under the manager lock so concurrent starts for
	// the same agent cannot both pass the active-session check.
	m.mu.Lock()
	active, err := m.ckpt.active(ctx, sess.AgentID)
	if err == nil {
		m.mu.Unlock()
		return nil, nil, apperrors.ActiveSessionExists(sess.AgentID, active.ID)
	}
	if !apperrors.IsNotFound(err) {
		m.mu.Unlock()
		return nil, nil, err
	}
	if err := m.ckpt.save(ctx, sess); err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	h := &handle{
		session:   sess,
		emitter:   newEmitter(sess.ID, m.cfg.EventBuffer, m.log),
		runningCh: make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.handles[sess.ID] = h
	m.mu.Unlock()

	env := []string{
		"STONEFORGE_SESSION_ID=" + sess.ID,
		"STONEFORGE_AGENT_ID=" + sess.AgentID,
	}
	if sess.TaskID != "" {
		env = append(env, "STONEFORGE_TASK_ID="+sess.TaskID)
	}
	spawnCtx, span := tracing.TraceSpawn(ctx, sess.ID, sess.AgentID, sess.TaskID)
	proc, err := m.spawner.Spawn(spawnCtx, SpawnRequest{
		Command: m.cfg.Command,
		Args:    args,
		Dir:     sess.WorkingDirectory,
		Env:     env,
		Mode:    sess.Mode,
	})
	tracing.TraceSpawnResult(span, err)
	span.End()
	if err != nil {
		m.abortUnspawned(ctx, h, "spawn-failed")
		return nil, nil, apperrors.Wrap(err, "failed to spawn agent process")
	}

	h.mu.Lock()
	h.proc = proc
	h.stdin = proc.Stdin()
	sess.PID = proc.PID()
	h.mu.Unlock()
	m.checkpoint(ctx, m.snapshot(h))

	m.log.Info("Session starting",
		zap.String("sessionId", sess.ID),
		zap.String("agentId", sess.AgentID),
		zap.Int("pid", sess.PID))

	go m.drainStderr(h, proc)
	go m.pump(h, proc)

	select {
	case <-h.runningCh:
	case <-h.done:
	case <-time.After(m.cfg.SpawnTimeout):
		m.abortHandshake(h)
		return nil, nil, fmt.Errorf("agent for session %s produced no events within %s", sess.ID, m.cfg.SpawnTimeout)
	case <-ctx.Done():
		m.abortHandshake(h)
		return nil, nil, ctx.Err()
	}

	snap := m.snapshot(h)
	if snap.StartedAt == nil {
		h.mu.Lock()
		code := h.exitCode
		h.mu.Unlock()
		return nil, nil, fmt.Errorf("agent for session %s exited during startup (exit code %d)", sess.ID, code)
	}

	// Journal and publish on the caller's thread, never from the pump.
	if err := m.store.AppendEvent(ctx, &element.Event{
		ElementID: snap.AgentID,
		EventType: events.SessionStarted,
		Actor:     snap.AgentID,
		NewValue:  snap.ID,
	}); err != nil {
		m.log.Warn("Failed to journal session start", zap.String("sessionId", snap.ID), zap.Error(err))
	}
	m.publish(ctx, events.SubjectSessionStarted, map[string]interface{}{
		"sessionId":         snap.ID,
		"agentId":           snap.AgentID,
		"taskId":            snap.TaskID,
		"providerSessionId": snap.ProviderSessionID,
	})
	return snap, h.emitter, nil
}

// abortUnspawned tears down a registration whose process never started.
func (m *Manager) abortUnspawned(ctx context.Context, h *handle, reason string) {
	h.mu.Lock()
	now := m.now()
	h.session.Status = StatusTerminated
	h.session.TerminationReason = reason
	h.session.EndedAt = &now
	h.session.LastActivityAt = now
	snap := *h.session
	h.mu.Unlock()

	m.checkpoint(ctx, &snap)
	h.emitter.close()
	m.mu.Lock()
	delete(m.handles, snap.ID)
	m.mu.Unlock()
	close(h.done)
}

// abortHandshake kills a process that produced no events in time and waits
// for its finalization.
func (m *Manager) abortHandshake(h *handle) {
	h.mu.Lock()
	if h.session.TerminationReason == "" {
		h.session.TerminationReason = "starting-failed"
	}
	proc := h.proc
	h.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(os.Kill); err != nil {
			m.log.Debug("Failed to kill agent process", zap.String("sessionId", h.session.ID), zap.Error(err))
		}
	}
	<-h.done
}

// pump reads the agent's NDJSON stdout until the stream ends, then reaps
// the process and finalizes the session. It is the only goroutine that
// calls Wait, after stdout is fully drained.
func (m *Manager) pump(h *handle, proc Process) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxBuffer)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev AgentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			m.log.Debug("Skipping unparseable agent output",
				zap.String("sessionId", h.session.ID), zap.Error(err))
			continue
		}
		m.handleEvent(h, &ev)
	}
	// A pty master reports the child's exit as a read error, not EOF.
	if err := scanner.Err(); err != nil {
		m.log.Debug("Agent stdout closed",
			zap.String("sessionId", h.session.ID), zap.Error(err))
	}
	m.finalize(h, exitCodeFromWait(proc.Wait()))
}

func (m *Manager) handleEvent(h *handle, ev *AgentEvent) {
	h.mu.Lock()
	now := m.now()
	s := h.session
	s.LastActivityAt = now

	transitioned := false
	if s.Status == StatusStarting {
		if ev.Type == EventInit && ev.ProviderSessionID != "" {
			s.ProviderSessionID = ev.ProviderSessionID
		}
		s.Status = StatusRunning
		if s.StartedAt == nil {
			t := now
			s.StartedAt = &t
		}
		transitioned = true
	}
	if ev.Type == EventResult {
		res := *ev
		h.lastResult = &res
	}

	var flag *RateLimited
	if !h.rateLimited && (ev.Type == EventAssistant || ev.Type == EventResult) {
		if reset, ok := ParseRateLimitReset(ev.Message, now); ok {
			h.rateLimited = true
			flag = &RateLimited{SessionID: s.ID, AgentID: s.AgentID, ResetAt: reset, Message: ev.Message}
		}
	}
	var snap *Session
	if transitioned {
		cp := *s
		snap = &cp
	}
	h.mu.Unlock()

	if flag != nil {
		m.qmu.Lock()
		m.rateQueue = append(m.rateQueue, flag)
		m.qmu.Unlock()
		m.log.Info("Agent rate limit detected",
			zap.String("sessionId", flag.SessionID),
			zap.String("agentId", flag.AgentID),
			zap.Time("resetAt", flag.ResetAt))
	}
	if snap != nil {
		m.checkpoint(context.Background(), snap)
		h.runningOnce.Do(func() { close(h.runningCh) })
	}

	h.emitter.emit(ev)
	m.publish(context.Background(), events.BuildSessionStreamSubject(h.session.ID), map[string]interface{}{
		"sessionId": h.session.ID,
		"eventType": string(ev.Type),
		"message":   ev.Message,
	})
}

// finalize runs exactly once per live handle, after the process exited and
// stdout drained. Suspended sessions keep their status and provider id;
// everything else becomes terminated and joins the drain queue.
func (m *Manager) finalize(h *handle, code int) {
	h.mu.Lock()
	s := h.session
	h.proc = nil
	h.stdin = nil
	h.exitCode = code

	suspended := s.Status == StatusSuspended
	now := m.now()
	if !suspended {
		s.Status = StatusTerminated
		if s.TerminationReason == "" {
			s.TerminationReason = "exited"
		}
		s.EndedAt = &now
	}
	s.LastActivityAt = now
	snap := *s
	lastResult := h.lastResult
	h.mu.Unlock()

	m.checkpoint(context.Background(), &snap)

	if !suspended {
		m.qmu.Lock()
		m.terminated = append(m.terminated, &Terminated{
			Session:    &snap,
			ExitCode:   code,
			Clean:      code == 0,
			LastResult: lastResult,
		})
		m.qmu.Unlock()
		m.publish(context.Background(), events.SubjectSessionTerminated, map[string]interface{}{
			"sessionId": snap.ID,
			"agentId":   snap.AgentID,
			"taskId":    snap.TaskID,
			"reason":    snap.TerminationReason,
			"exitCode":  code,
		})
		m.log.Info("Session terminated",
			zap.String("sessionId", snap.ID),
			zap.String("reason", snap.TerminationReason),
			zap.Int("exitCode", code))
	}

	h.emitter.close()
	m.mu.Lock()
	delete(m.handles, snap.ID)
	m.mu.Unlock()
	close(h.done)
}

func (m *Manager) drainStderr(h *handle, proc Process) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.log.Debug("Agent stderr",
			zap.String("sessionId", h.session.ID), zap.String("line", line))
	}
}

// Stop terminates the session. Graceful sends SIGTERM and escalates to
// SIGKILL after the grace period. Idempotent on terminated sessions.
func (m *Manager) Stop(ctx context.Context, id string, opts StopOptions) error {
	if h := m.handle(id); h != nil {
		return m.stopHandle(ctx, h, opts)
	}

	sess, err := m.ckpt.get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == StatusTerminated {
		return nil
	}
	return m.endOrphan(ctx, sess, StatusTerminated, reasonOrDefault(opts.Reason, "stopped"), opts.Graceful)
}

func (m *Manager) stopHandle(ctx context.Context, h *handle, opts StopOptions) error {
	h.mu.Lock()
	switch h.session.Status {
	case StatusTerminated:
		h.mu.Unlock()
		return nil
	case StatusSuspended:
		// Suspension is already tearing the process down; wait it out and
		// terminate the checkpointed session.
		id := h.session.ID
		h.mu.Unlock()
		<-h.done
		return m.Stop(ctx, id, opts)
	}
	h.session.TerminationReason = reasonOrDefault(opts.Reason, "stopped")
	proc := h.proc
	h.mu.Unlock()

	if proc != nil {
		m.signalStop(h, proc, opts.Graceful)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspend ends the OS process while preserving the provider session id, so
// the conversation can be resumed later.
func (m *Manager) Suspend(ctx context.Context, id, reason string) error {
	if h := m.handle(id); h != nil {
		h.mu.Lock()
		switch h.session.Status {
		case StatusSuspended:
			h.mu.Unlock()
			return nil
		case StatusTerminated:
			h.mu.Unlock()
			return apperrors.InvalidInput(fmt.Sprintf("session '%s' is terminated", id))
		}
		h.session.Status = StatusSuspended
		h.session.TerminationReason = reason
		snap := *h.session
		proc := h.proc
		h.mu.Unlock()

		m.checkpoint(ctx, &snap)
		if proc != nil {
			m.signalStop(h, proc, true)
			select {
			case <-h.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		m.publish(ctx, events.SubjectSessionSuspended, map[string]interface{}{
			"sessionId": snap.ID,
			"agentId":   snap.AgentID,
			"reason":    reason,
		})
		m.log.Info("Session suspended",
			zap.String("sessionId", snap.ID), zap.String("reason", reason))
		return nil
	}

	sess, err := m.ckpt.get(ctx, id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case StatusSuspended:
		return nil
	case StatusTerminated:
		return apperrors.InvalidInput(fmt.Sprintf("session '%s' is terminated", id))
	}
	return m.endOrphan(ctx, sess, StatusSuspended, reason, true)
}

// signalStop asks the process to exit: SIGTERM with a bounded grace when
// graceful, SIGKILL otherwise or after the grace expires.
func (m *Manager) signalStop(h *handle, proc Process, graceful bool) {
	if graceful {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			m.log.Debug("SIGTERM failed", zap.String("sessionId", h.session.ID), zap.Error(err))
		}
		select {
		case <-h.done:
			return
		case <-time.After(m.cfg.GracefulStopTimeout):
			m.log.Warn("Graceful stop timed out, killing",
				zap.String("sessionId", h.session.ID))
		}
	}
	if err := proc.Signal(os.Kill); err != nil {
		m.log.Debug("SIGKILL failed", zap.String("sessionId", h.session.ID), zap.Error(err))
	}
}

// endOrphan finishes a checkpointed session that has no live handle in this
// manager, typically a leftover from a previous daemon run.
func (m *Manager) endOrphan(ctx context.Context, sess *Session, to Status, reason string, graceful bool) error {
	if m.alive(sess.PID) {
		m.killPID(sess.PID, graceful)
	}
	now := m.now()
	sess.Status = to
	sess.TerminationReason = reason
	sess.LastActivityAt = now
	if to == StatusTerminated {
		sess.EndedAt = &now
	}
	if err := m.ckpt.save(ctx, sess); err != nil {
		return err
	}

	if to == StatusTerminated {
		m.qmu.Lock()
		m.terminated = append(m.terminated, &Terminated{Session: sess, ExitCode: -1})
		m.qmu.Unlock()
		m.publish(ctx, events.SubjectSessionTerminated, map[string]interface{}{
			"sessionId": sess.ID,
			"agentId":   sess.AgentID,
			"taskId":    sess.TaskID,
			"reason":    reason,
		})
	} else {
		m.publish(ctx, events.SubjectSessionSuspended, map[string]interface{}{
			"sessionId": sess.ID,
			"agentId":   sess.AgentID,
			"reason":    reason,
		})
	}
	return nil
}

func (m *Manager) killPID(pid int, graceful bool) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if graceful {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return
		}
		deadline := time.Now().Add(m.cfg.GracefulStopTimeout)
		for time.Now().Before(deadline) {
			if !m.alive(pid) {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	if err := proc.Signal(os.Kill); err != nil {
		m.log.Debug("SIGKILL failed", zap.Int("pid", pid), zap.Error(err))
	}
}

// Message writes one user message line to the session's stdin.
func (m *Manager) Message(ctx context.Context, id, text string) error {
	h := m.handle(id)
	if h == nil {
		if _, err := m.ckpt.get(ctx, id); err != nil {
			return err
		}
		return apperrors.InvalidInput(fmt.Sprintf("session '%s' is not running", id))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session.Status != StatusRunning || h.stdin == nil {
		return apperrors.InvalidInput(fmt.Sprintf("session '%s' is not running", id))
	}
	if _, err := io.WriteString(h.stdin, text+"\n"); err != nil {
		return apperrors.Wrap(err, "failed to write to session stdin")
	}
	h.session.LastActivityAt = m.now()
	return nil
}

// Interrupt sends SIGINT to a running session, to unblock a stuck prompt.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	h := m.handle(id)
	if h == nil {
		if _, err := m.ckpt.get(ctx, id); err != nil {
			return err
		}
		return apperrors.InvalidInput(fmt.Sprintf("session '%s' is not running", id))
	}

	h.mu.Lock()
	proc, status := h.proc, h.session.Status
	h.mu.Unlock()
	if status != StatusRunning || proc == nil {
		return apperrors.InvalidInput(fmt.Sprintf("session '%s' is not running", id))
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return apperrors.Wrap(err, "failed to interrupt session")
	}
	return nil
}

// Get returns the session by local id, live state preferred.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if h := m.handle(id); h != nil {
		return m.snapshot(h), nil
	}
	return m.ckpt.get(ctx, id)
}

// ActiveSession returns the agent's starting or running session;
// NOT_FOUND when the agent is idle.
func (m *Manager) ActiveSession(ctx context.Context, agentID string) (*Session, error) {
	return m.ckpt.active(ctx, agentID)
}

// Sessions lists sessions newest-first, narrowed by the filter.
func (m *Manager) Sessions(ctx context.Context, f ListFilter) ([]*Session, error) {
	sessions, err := m.ckpt.list(ctx, f)
	if err != nil {
		return nil, err
	}
	for i, s := range sessions {
		h := m.handle(s.ID)
		if h == nil {
			continue
		}
		snap := m.snapshot(h)
		if f.Status == "" || snap.Status == f.Status {
			sessions[i] = snap
		}
	}
	return sessions, nil
}

// MostRecentResumable returns the agent's latest non-terminated session
// that still carries a provider session id: a suspended session, or a
// running one orphaned by a daemon crash.
func (m *Manager) MostRecentResumable(ctx context.Context, agentID string) (*Session, error) {
	return m.ckpt.mostRecentResumable(ctx, agentID)
}

// ReconcileOnStartup marks checkpointed starting/running sessions whose OS
// process is gone as terminated with reason "reconciled". Sessions whose
// process is still alive are left untouched; they stay resumable.
func (m *Manager) ReconcileOnStartup(ctx context.Context) (int, []error) {
	rows, err := m.ckpt.live(ctx)
	if err != nil {
		return 0, []error{err}
	}

	var (
		reconciled int
		errs       []error
	)
	for _, sess := range rows {
		if m.handle(sess.ID) != nil {
			continue
		}
		if m.alive(sess.PID) {
			m.log.Info("Session process still alive, leaving checkpoint untouched",
				zap.String("sessionId", sess.ID), zap.Int("pid", sess.PID))
			continue
		}
		now := m.now()
		sess.Status = StatusTerminated
		sess.TerminationReason = "reconciled"
		sess.EndedAt = &now
		sess.LastActivityAt = now
		if err := m.ckpt.save(ctx, sess); err != nil {
			errs = append(errs, apperrors.Wrap(err, fmt.Sprintf("failed to reconcile session '%s'", sess.ID)))
			continue
		}
		reconciled++
	}
	if reconciled > 0 {
		m.log.Info("Reconciled orphaned sessions", zap.Int("count", reconciled))
	}
	return reconciled, errs
}

// TakeTerminated drains the queue of sessions terminated since the last
// call, in termination order.
func (m *Manager) TakeTerminated() []*Terminated {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	out := m.terminated
	m.terminated = nil
	return out
}

// ApplyRateLimits applies rate-limit flags raised by session output since
// the last call: the reset time is recorded on the agent and the session is
// suspended until then. Runs on the daemon tick, never on the pump.
func (m *Manager) ApplyRateLimits(ctx context.Context) []error {
	m.qmu.Lock()
	flags := m.rateQueue
	m.rateQueue = nil
	m.qmu.Unlock()

	var errs []error
	for _, flag := range flags {
		if err := m.recordAgentRateLimit(ctx, flag); err != nil {
			errs = append(errs, err)
		}
		reason := fmt.Sprintf("rate-limited until %s", flag.ResetAt.Format(time.RFC3339))
		err := m.Suspend(ctx, flag.SessionID, reason)
		if err != nil &&
			!apperrors.IsCode(err, apperrors.CodeSessionNotFound) &&
			!apperrors.IsCode(err, apperrors.CodeInvalidInput) {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Manager) recordAgentRateLimit(ctx context.Context, flag *RateLimited) error {
	_, err := m.store.Update(ctx, flag.AgentID, flag.AgentID, func(rec element.Record) error {
		ent, ok := rec.(*element.Entity)
		if !ok {
			return apperrors.InvalidInput(fmt.Sprintf("element '%s' is not an entity", flag.AgentID))
		}
		meta, ok := element.AgentMetaOf(ent)
		if !ok {
			meta = &element.AgentMeta{}
		}
		reset := flag.ResetAt
		meta.RateLimitResetAt = &reset
		return element.SetAgentMeta(ent, meta)
	})
	return err
}

// StopAll gracefully stops every live session, used at daemon shutdown.
func (m *Manager) StopAll(ctx context.Context, reason string) []error {
	m.mu.Lock()
	live := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		live = append(live, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range live {
		if err := m.stopHandle(ctx, h, StopOptions{Graceful: true, Reason: reason}); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Manager) handle(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}

func (m *Manager) snapshot(h *handle) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *h.session
	return &cp
}

func (m *Manager) checkpoint(ctx context.Context, s *Session) {
	if err := m.ckpt.save(ctx, s); err != nil {
		m.log.Warn("Failed to checkpoint session",
			zap.String("sessionId", s.ID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "session", data)
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.log.Warn("Failed to publish session event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func reasonOrDefault(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// pidAlive reports whether pid names a live process. EPERM means the
// process exists but belongs to another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
