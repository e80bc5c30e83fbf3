package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/graph"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/store/sqlite"
	"github.com/stoneforge-ai/stoneforge/internal/task"
	"github.com/stoneforge-ai/stoneforge/internal/workflow"
	"github.com/stoneforge-ai/stoneforge/internal/worktree"
)

type fakeExitError struct{ code int }

func (e *fakeExitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *fakeExitError) ExitCode() int { return e.code }

// fakeProcess stands in for an agent binary, mirroring the session
// package's test double: NDJSON goes out through a pipe and signals map to
// exits.
type fakeProcess struct {
	pid    int
	stdout *io.PipeReader
	writer *io.PipeWriter

	mu         sync.Mutex
	signals    []os.Signal
	ignoreTerm bool

	exitOnce sync.Once
	waitCh   chan error
}

func newFakeProcess(pid int) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{pid: pid, stdout: r, writer: w, waitCh: make(chan error, 1)}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader     { return strings.NewReader("") }
func (p *fakeProcess) Stdin() io.WriteCloser { return nopWriteCloser{} }
func (p *fakeProcess) Wait() error           { return <-p.waitCh }

type nopWriteCloser struct{}

func (nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (nopWriteCloser) Close() error                { return nil }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignoreTerm := p.ignoreTerm
	p.mu.Unlock()

	switch sig {
	case syscall.SIGTERM:
		if !ignoreTerm {
			p.exit(nil)
		}
	case os.Kill:
		p.exit(&fakeExitError{code: -1})
	}
	return nil
}

// exit closes stdout and releases Wait, in that order, like a real child.
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.writer.Close()
		p.waitCh <- err
	})
}

func (p *fakeProcess) emitEvent(ev session.AgentEvent) {
	buf, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = p.writer.Write(append(buf, '\n'))
}

// fakeSpawner hands out scripted processes and records spawn requests.
type fakeSpawner struct {
	mu       sync.Mutex
	err      error
	requests []session.SpawnRequest
	procs    []*fakeProcess
	nextPID  int
}

func (f *fakeSpawner) Spawn(_ context.Context, req session.SpawnRequest) (session.Process, error) {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	f.nextPID++
	p := newFakeProcess(60000 + f.nextPID)
	f.requests = append(f.requests, req)
	f.procs = append(f.procs, p)
	f.mu.Unlock()

	// Answer the handshake: --resume wins, otherwise mint a provider id.
	go func() {
		provider := fmt.Sprintf("prov-%d", p.pid)
		for i, arg := range req.Args {
			if arg == "--resume" && i+1 < len(req.Args) {
				provider = req.Args[i+1]
			}
		}
		p.emitEvent(session.AgentEvent{Type: session.EventInit, ProviderSessionID: provider})
	}()
	return p, nil
}

func (f *fakeSpawner) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSpawner) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeSpawner) request(i int) session.SpawnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeSpawner) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeSpawner) allProcs() []*fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProcess{}, f.procs...)
}

// fakeWorktrees satisfies Worktrees without running git.
type fakeWorktrees struct {
	root string

	mu      sync.Mutex
	err     error
	created []string
	removed []string
}

func (f *fakeWorktrees) Create(_ context.Context, taskID, _ string, _ bool) (*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, taskID)
	return &worktree.Worktree{
		Path:   filepath.Join(f.root, taskID),
		Branch: "stoneforge/" + taskID,
	}, nil
}

func (f *fakeWorktrees) Remove(_ context.Context, path string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeWorktrees) PathFor(taskID string) string {
	return filepath.Join(f.root, taskID)
}

func (f *fakeWorktrees) removedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.removed...)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestDaemon(t *testing.T, mutate func(*Config)) (*Daemon, *fakeSpawner, *fakeWorktrees, store.Store) {
	t.Helper()
	pool, err := db.Open(db.MemoryPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	log := newTestLogger(t)
	st, err := sqlite.New(context.Background(), pool, log)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	eb := bus.NewMemoryEventBus(log)
	g := graph.NewService(st, eb, log)
	tasks := task.NewService(st, g, eb, log)

	fs := &fakeSpawner{}
	mgr, err := session.NewManager(session.Config{
		Command:             "mock-agent",
		SpawnTimeout:        2 * time.Second,
		GracefulStopTimeout: 200 * time.Millisecond,
		EventBuffer:         16,
		Spawner:             fs,
	}, st, pool, eb, log)
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}

	wfs := workflow.NewService(st, g, eb, nil, log)
	wts := &fakeWorktrees{root: t.TempDir()}

	cfg := Config{ShutdownTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	d := New(cfg, st, tasks, mgr, wts, wfs, eb, log)

	t.Cleanup(func() {
		_ = d.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for range mgr.StopAll(ctx, "test-cleanup") {
		}
		for _, p := range fs.allProcs() {
			p.exit(nil)
		}
		eb.Close()
		_ = st.Close()
	})
	return d, fs, wts, st
}

func createWorker(t *testing.T, st store.Store, id string, mutate func(*element.AgentMeta)) {
	t.Helper()
	createAgentEntity(t, st, id, element.RoleWorker, mutate)
}

func createAgentEntity(t *testing.T, st store.Store, id, role string, mutate func(*element.AgentMeta)) {
	t.Helper()
	ent := &element.Entity{
		Element:    element.Element{ID: id},
		Name:       strings.TrimPrefix(id, "el-"),
		EntityType: element.EntityAgent,
	}
	meta := &element.AgentMeta{Role: role}
	if mutate != nil {
		mutate(meta)
	}
	if err := element.SetAgentMeta(ent, meta); err != nil {
		t.Fatalf("SetAgentMeta failed: %v", err)
	}
	if err := st.Create(context.Background(), ent, "el-tester"); err != nil {
		t.Fatalf("Failed to create %s: %v", id, err)
	}
}

func createTask(t *testing.T, st store.Store, id, title string, mutate func(*element.Task)) {
	t.Helper()
	tk := &element.Task{
		Element:    element.Element{ID: id},
		Title:      title,
		Status:     element.TaskOpen,
		Priority:   3,
		Complexity: 2,
		TaskType:   element.TaskTypeTask,
	}
	if mutate != nil {
		mutate(tk)
	}
	if err := st.Create(context.Background(), tk, "el-tester"); err != nil {
		t.Fatalf("Failed to create %s: %v", id, err)
	}
}

func activeSession(t *testing.T, d *Daemon, agentID string) *session.Session {
	t.Helper()
	sess, err := d.sessions.ActiveSession(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Expected an active session for %s: %v", agentID, err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitTerminated(t *testing.T, d *Daemon, sessionID string) {
	t.Helper()
	waitFor(t, "session "+sessionID+" to terminate", func() bool {
		got, err := d.sessions.Get(context.Background(), sessionID)
		return err == nil && got.Status == session.StatusTerminated
	})
}

func journalHas(t *testing.T, st store.Store, elementID, eventType, newValue string) bool {
	t.Helper()
	evs, err := st.ElementEvents(context.Background(), elementID, 0)
	if err != nil {
		t.Fatalf("ElementEvents failed: %v", err)
	}
	for _, ev := range evs {
		if ev.EventType == eventType && (newValue == "" || ev.NewValue == newValue) {
			return true
		}
	}
	return false
}

func TestTickDispatchesReadyTaskToIdleWorker(t *testing.T) {
	d, fs, wts, st := newTestDaemon(t, nil)
	ctx := context.Background()

	createWorker(t, st, "el-w1", nil)
	doc := &element.Document{
		Title:       "Fix login flow",
		Content:     "Start with the session cookie.",
		ContentType: element.ContentMarkdown,
		Category:    element.CategoryTaskDescription,
	}
	if err := st.Create(ctx, doc, "el-tester"); err != nil {
		t.Fatalf("Failed to create description: %v", err)
	}
	createTask(t, st, "el-t1", "Fix login flow", func(tk *element.Task) {
		tk.DescriptionRef = doc.ID
	})

	d.Tick(ctx)

	got, err := store.GetTask(ctx, st, "el-t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != element.TaskInProgress {
		t.Errorf("Expected in_progress, got %s", got.Status)
	}
	if got.Assignee != "el-w1" {
		t.Errorf("Expected assignee el-w1, got %q", got.Assignee)
	}

	sess := activeSession(t, d, "el-w1")
	if sess.TaskID != "el-t1" {
		t.Errorf("Expected the session bound to el-t1, got %q", sess.TaskID)
	}
	wantDir := wts.PathFor("el-t1")
	if sess.WorkingDirectory != wantDir || sess.Worktree != wantDir {
		t.Errorf("Expected the session in %s, got dir=%q worktree=%q",
			wantDir, sess.WorkingDirectory, sess.Worktree)
	}

	req := fs.request(0)
	if req.Dir != wantDir {
		t.Errorf("Expected the process spawned in the worktree, got %q", req.Dir)
	}
	prompt := req.Args[len(req.Args)-1]
	for _, want := range []string{"el-t1", "Fix login flow", "session cookie"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Expected the prompt to mention %q, got %q", want, prompt)
		}
	}

	if !journalHas(t, st, "el-t1", events.TaskDispatched, sess.ID) {
		t.Error("Expected a task-dispatched journal entry carrying the session id")
	}

	ent, err := store.GetEntity(ctx, st, "el-w1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	meta, _ := element.AgentMetaOf(ent)
	if meta.LastDispatchedAt == nil {
		t.Error("Expected lastDispatchedAt stamped on the worker")
	}

	if stats := d.Stats(); stats.Dispatched != 1 || stats.Ticks != 1 {
		t.Errorf("Expected 1 dispatch in 1 tick, got %+v", stats)
	}

	// The worker is busy and the task in progress: the next tick is a no-op.
	d.Tick(ctx)
	if fs.requestCount() != 1 {
		t.Errorf("Expected no second spawn, got %d requests", fs.requestCount())
	}
}

func TestDispatchClaimsTeamTaskForLeastRecentWorker(t *testing.T) {
	d, fs, _, st := newTestDaemon(t, nil)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	createWorker(t, st, "el-w1", func(m *element.AgentMeta) { m.LastDispatchedAt = &past })
	createWorker(t, st, "el-w2", nil)
	team := &element.Team{
		Element: element.Element{ID: "el-team1"},
		Name:    "backend",
		Members: []string{"el-w1", "el-w2"},
	}
	if err := st.Create(ctx, team, "el-tester"); err != nil {
		t.Fatalf("Failed to create team: %v", err)
	}
	createTask(t, st, "el-t1", "Rotate credentials", func(tk *element.Task) {
		tk.Assignee = "el-team1"
	})

	d.Tick(ctx)

	got, err := store.GetTask(ctx, st, "el-t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Assignee != "el-w2" {
		t.Errorf("Expected the never-dispatched member to win, got %q", got.Assignee)
	}
	if from, _ := got.MetaString("claimedFromTeam"); from != "el-team1" {
		t.Errorf("Expected claimedFromTeam el-team1, got %q", from)
	}

	evs, err := st.ElementEvents(ctx, "el-t1", 0)
	if err != nil {
		t.Fatalf("ElementEvents failed: %v", err)
	}
	foundClaim := false
	for _, ev := range evs {
		if ev.EventType == events.Claimed && ev.OldValue == "el-team1" && ev.NewValue == "el-w2" {
			foundClaim = true
		}
	}
	if !foundClaim {
		t.Error("Expected a claimed journal entry from the team to el-w2")
	}

	// The busy member is skipped; the second team task goes to el-w1.
	createTask(t, st, "el-t2", "Rotate signing keys", func(tk *element.Task) {
		tk.Assignee = "el-team1"
	})
	d.Tick(ctx)

	got2, err := store.GetTask(ctx, st, "el-t2")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got2.Assignee != "el-w1" {
		t.Errorf("Expected el-w1 to take the second task, got %q", got2.Assignee)
	}
	if fs.requestCount() != 2 {
		t.Errorf("Expected one spawn per member, got %d", fs.requestCount())
	}
}

func TestDispatchSkipsRateLimitedWorker(t *testing.T) {
	d, fs, _, st := newTestDaemon(t, nil)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	createWorker(t, st, "el-w1", func(m *element.AgentMeta) { m.RateLimitResetAt = &future })
	createTask(t, st, "el-t1", "Tune the cache", nil)

	d.Tick(ctx)
	if fs.requestCount() != 0 {
		t.Fatalf("Expected no spawn for a rate-limited worker, got %d", fs.requestCount())
	}
	got, _ := store.GetTask(ctx, st, "el-t1")
	if got.Status != element.TaskOpen {
		t.Errorf("Expected the task untouched, got %s", got.Status)
	}

	// The window ends and the next tick dispatches.
	if _, err := st.Update(ctx, "el-w1", "el-tester", func(r element.Record) error {
		ent := r.(*element.Entity)
		meta, _ := element.AgentMetaOf(ent)
		meta.RateLimitResetAt = nil
		return element.SetAgentMeta(ent, meta)
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	d.Tick(ctx)
	if fs.requestCount() != 1 {
		t.Fatalf("Expected a spawn after the window, got %d", fs.requestCount())
	}
}

func TestSpawnFailureCompensates(t *testing.T) {
	d, fs, wts, st := newTestDaemon(t, nil)
	ctx := context.Background()

	createWorker(t, st, "el-w1", nil)
	createTask(t, st, "el-t1", "Ship the release", nil)

	fs.setErr(errors.New("agent binary missing"))
	d.Tick(ctx)

	got, err := store.GetTask(ctx, st, "el-t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != element.TaskOpen {
		t.Errorf("Expected the claim reverted to open, got %s", got.Status)
	}
	if got.Assignee != "" {
		t.Errorf("Expected the assignee restored, got %q", got.Assignee)
	}
	if removed := wts.removedPaths(); len(removed) != 1 || removed[0] != wts.PathFor("el-t1") {
		t.Errorf("Expected the worktree removed, got %v", removed)
	}
	if stats := d.Stats(); stats.Dispatched != 0 {
		t.Errorf("Expected no dispatch recorded, got %d", stats.Dispatched)
	}

	// The next tick succeeds once the spawner recovers.
	fs.setErr(nil)
	d.Tick(ctx)
	got, _ = store.GetTask(ctx, st, "el-t1")
	if got.Status != element.TaskInProgress || got.Assignee != "el-w1" {
		t.Errorf("Expected a successful redispatch, got %s/%q", got.Status, got.Assignee)
	}
}

func TestDrainRetriesThenTombstones(t *testing.T) {
	d, fs, wts, st := newTestDaemon(t, func(c *Config) { c.RetryLimit = 1 })
	ctx := context.Background()

	createWorker(t, st, "el-w1", nil)
	createTask(t, st, "el-t1", "Migrate the schema", nil)

	d.Tick(ctx)
	first := activeSession(t, d, "el-w1")
	fs.proc(0).exit(&fakeExitError{code: 1})
	waitTerminated(t, d, first.ID)

	// First failure burns one retry: the task reopens.
	d.Tick(ctx)
	got, _ := store.GetTask(ctx, st, "el-t1")
	if got.Status != element.TaskOpen {
		t.Fatalf("Expected the task reopened after one failure, got %s", got.Status)
	}
	if !journalHas(t, st, "el-w1", events.SessionTerminated, "") {
		t.Error("Expected a session-terminated journal entry on the agent")
	}

	// The reopened task redispatches to the now-idle worker.
	d.Tick(ctx)
	second := activeSession(t, d, "el-w1")
	if second.ID == first.ID {
		t.Fatal("Expected a fresh session for the retry")
	}
	fs.proc(1).exit(&fakeExitError{code: 1})
	waitTerminated(t, d, second.ID)

	// The budget is gone: the task is tombstoned and never dispatched again.
	d.Tick(ctx)
	got, _ = store.GetTask(ctx, st, "el-t1")
	if got.Status != element.TaskTombstone {
		t.Fatalf("Expected a tombstone after the retry budget, got %s", got.Status)
	}

	d.Tick(ctx)
	if fs.requestCount() != 2 {
		t.Errorf("Expected no dispatch after the tombstone, got %d requests", fs.requestCount())
	}
	if removed := wts.removedPaths(); len(removed) != 2 {
		t.Errorf("Expected both worktrees reclaimed, got %v", removed)
	}
}

func TestDrainLeavesClosedTaskAlone(t *testing.T) {
	d, fs, _, st := newTestDaemon(t, nil)
	ctx := context.Background()

	createWorker(t, st, "el-w1", nil)
	createTask(t, st, "el-t1", "Write the runbook", nil)

	d.Tick(ctx)
	sess := activeSession(t, d, "el-w1")

	// The agent closes its task, then the process exits cleanly.
	if _, err := d.tasks.UpdateStatus(ctx, "el-t1", element.TaskClosed, "el-w1"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	fs.proc(0).exit(nil)
	waitTerminated(t, d, sess.ID)

	d.Tick(ctx)
	got, err := store.GetTask(ctx, st, "el-t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != element.TaskClosed {
		t.Errorf("Expected the closed task left alone, got %s", got.Status)
	}
	if _, ok := got.Metadata["dispatchAttempts"]; ok {
		t.Error("Expected no retry bookkeeping on a finished task")
	}
	if stats := d.Stats(); stats.Drained != 1 {
		t.Errorf("Expected 1 drained session, got %d", stats.Drained)
	}
}

func TestReapStaleSessions(t *testing.T) {
	d, _, _, st := newTestDaemon(t, func(c *Config) { c.MaxSessionDuration = time.Hour })
	ctx := context.Background()

	createWorker(t, st, "el-w1", nil)
	createTask(t, st, "el-t1", "Long-running analysis", nil)

	d.Tick(ctx)
	sess := activeSession(t, d, "el-w1")

	// Two hours pass.
	d.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	d.Tick(ctx)

	got, err := d.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != session.StatusTerminated {
		t.Fatalf("Expected the session reaped, got %s", got.Status)
	}
	if got.TerminationReason != reasonMaxDuration {
		t.Errorf("Expected reason %q, got %q", reasonMaxDuration, got.TerminationReason)
	}
	if !journalHas(t, st, "el-w1", events.SessionTerminated, reasonMaxDuration) {
		t.Error("Expected the reap journaled on the agent")
	}

	// The same tick drained the reaped session and reopened its task.
	tk, _ := store.GetTask(ctx, st, "el-t1")
	if tk.Status != element.TaskOpen {
		t.Errorf("Expected the task reopened, got %s", tk.Status)
	}
}

func TestStewardFiresOnCronSchedule(t *testing.T) {
	d, fs, _, st := newTestDaemon(t, nil)
	ctx := context.Background()

	createAgentEntity(t, st, "el-s1", element.RoleSteward, func(m *element.AgentMeta) {
		m.Triggers = []element.Trigger{{Type: "cron", Schedule: "* * * * *", Prompt: "sweep stale branches"}}
	})

	now := time.Now().UTC()
	d.now = func() time.Time { return now }
	d.stewardLast[triggerKey{agentID: "el-s1", schedule: "* * * * *"}] = now.Add(-2 * time.Minute)

	d.Tick(ctx)
	if fs.requestCount() != 1 {
		t.Fatalf("Expected one steward spawn, got %d", fs.requestCount())
	}
	req := fs.request(0)
	if req.Args[len(req.Args)-1] != "sweep stale branches" {
		t.Errorf("Expected the trigger prompt, got %v", req.Args)
	}
	sess := activeSession(t, d, "el-s1")
	if sess.TaskID != "" {
		t.Errorf("Expected a task-less steward session, got %q", sess.TaskID)
	}
	if !journalHas(t, st, "el-s1", events.StewardFired, "* * * * *") {
		t.Error("Expected a steward-fired journal entry carrying the schedule")
	}
	if stats := d.Stats(); stats.StewardsFired != 1 {
		t.Errorf("Expected 1 steward firing, got %d", stats.StewardsFired)
	}

	// Not due again within the same minute, and the steward is busy anyway.
	d.Tick(ctx)
	if fs.requestCount() != 1 {
		t.Errorf("Expected no refire, got %d spawns", fs.requestCount())
	}

	fs.proc(0).exit(nil)
	waitTerminated(t, d, sess.ID)
	d.Tick(ctx)
	if fs.requestCount() != 1 {
		t.Errorf("Expected no refire before the next minute, got %d spawns", fs.requestCount())
	}
}

func TestInboxDeliveryMarksItemsRead(t *testing.T) {
	d, fs, _, st := newTestDaemon(t, nil)
	ctx := context.Background()

	createWorker(t, st, "el-w2", nil)
	channel := &element.Channel{Element: element.Element{ID: "el-chan1"}, Name: "w2-inbox"}
	if err := st.Create(ctx, channel, "el-tester"); err != nil {
		t.Fatalf("Failed to create channel: %v", err)
	}
	msg := &element.Message{
		Element:   element.Element{ID: "el-m1"},
		ChannelID: "el-chan1",
		Author:    "el-w9",
		Content:   "please review the rollout plan",
	}
	if err := st.Create(ctx, msg, "el-w9"); err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}
	items := []*element.InboxItem{
		{Element: element.Element{ID: "el-i1"}, Recipient: "el-w2", MessageID: "el-m1", ChannelID: "el-chan1", Source: element.InboxDirect, Status: element.InboxUnread},
		{Element: element.Element{ID: "el-i2"}, Recipient: "el-w2", MessageID: "el-ghost", ChannelID: "el-chan1", Source: element.InboxMention, Status: element.InboxUnread},
	}
	for _, item := range items {
		if err := st.Create(ctx, item, "el-tester"); err != nil {
			t.Fatalf("Failed to create inbox item: %v", err)
		}
	}

	d.Tick(ctx)

	if fs.requestCount() != 1 {
		t.Fatalf("Expected one inbox spawn, got %d", fs.requestCount())
	}
	prompt := fs.request(0).Args[len(fs.request(0).Args)-1]
	for _, want := range []string{"1 unread", "el-w9", "el-chan1", "rollout plan"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Expected the prompt to mention %q, got %q", want, prompt)
		}
	}
	sess := activeSession(t, d, "el-w2")
	if sess.TaskID != "" {
		t.Errorf("Expected a task-less inbox session, got %q", sess.TaskID)
	}

	// Both items end up read: one delivered, one undeliverable.
	for _, id := range []string{"el-i1", "el-i2"} {
		item, err := store.GetInboxItem(ctx, st, id)
		if err != nil {
			t.Fatalf("GetInboxItem failed: %v", err)
		}
		if item.Status != element.InboxRead {
			t.Errorf("Expected %s read, got %s", id, item.Status)
		}
		if item.ReadAt == nil {
			t.Errorf("Expected readAt on %s", id)
		}
	}
	if stats := d.Stats(); stats.InboxDelivered != 1 {
		t.Errorf("Expected 1 delivered item, got %d", stats.InboxDelivered)
	}

	// Nothing unread remains; the next tick spawns nothing.
	d.Tick(ctx)
	if fs.requestCount() != 1 {
		t.Errorf("Expected no second delivery, got %d spawns", fs.requestCount())
	}
}

func TestDispatchResumesSuspendedConversation(t *testing.T) {
	d, fs, _, st := newTestDaemon(t, nil)
	ctx := context.Background()

	createWorker(t, st, "el-w1", nil)
	prev, _, err := d.sessions.Start(ctx, "el-w1", session.StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.sessions.Suspend(ctx, prev.ID, "Self-handoff: context full"); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	createTask(t, st, "el-t1", "Continue the refactor", nil)
	d.Tick(ctx)

	req := fs.request(1)
	gotResume := false
	for i, arg := range req.Args {
		if arg == "--resume" && i+1 < len(req.Args) && req.Args[i+1] == prev.ProviderSessionID {
			gotResume = true
		}
	}
	if !gotResume {
		t.Errorf("Expected --resume %s, got %v", prev.ProviderSessionID, req.Args)
	}

	sess := activeSession(t, d, "el-w1")
	if sess.TaskID != "el-t1" {
		t.Errorf("Expected the resumed session bound to el-t1, got %q", sess.TaskID)
	}
	if sess.ProviderSessionID != prev.ProviderSessionID {
		t.Errorf("Expected the provider conversation carried over, got %q", sess.ProviderSessionID)
	}
}

func TestGCPassRunsOnCadence(t *testing.T) {
	d, _, _, st := newTestDaemon(t, func(c *Config) {
		c.GCEveryTicks = 2
		c.GCMaxAge = time.Hour
	})
	ctx := context.Background()

	finished := time.Now().UTC().Add(-2 * time.Hour)
	wf := &element.Workflow{
		Element:    element.Element{ID: "el-wf1"},
		Title:      "Old nightly run",
		Status:     element.WorkflowCompleted,
		Ephemeral:  true,
		FinishedAt: &finished,
	}
	if err := st.Create(ctx, wf, "el-tester"); err != nil {
		t.Fatalf("Failed to create workflow: %v", err)
	}

	// Tick 1 is off-cadence; tick 2 collects.
	d.Tick(ctx)
	if _, err := store.GetWorkflow(ctx, st, "el-wf1"); err != nil {
		t.Fatalf("Expected the workflow alive after tick 1, got %v", err)
	}
	d.Tick(ctx)
	if _, err := store.GetWorkflow(ctx, st, "el-wf1"); !apperrors.IsNotFound(err) {
		t.Errorf("Expected the workflow collected on tick 2, got %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	d, _, _, st := newTestDaemon(t, func(c *Config) { c.TickInterval = 20 * time.Millisecond })
	ctx := context.Background()

	createWorker(t, st, "el-w1", nil)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Errorf("Expected repeat start to be a no-op, got %v", err)
	}

	sess, _, err := d.sessions.Start(ctx, "el-w1", session.StartOptions{})
	if err != nil {
		t.Fatalf("Session start failed: %v", err)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Errorf("Expected repeat stop to be a no-op, got %v", err)
	}

	got, err := d.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != session.StatusTerminated {
		t.Errorf("Expected the session stopped with the daemon, got %s", got.Status)
	}
	if got.TerminationReason != "daemon-shutdown" {
		t.Errorf("Expected the shutdown reason, got %q", got.TerminationReason)
	}

	// The daemon restarts cleanly after a stop.
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
}
