package task

import (
	"context"
	"testing"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

func TestDispatchToWorkerAssignsUnassigned(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createAgent(t, st, "el-w1", "worker-one", true)
	createTask(t, st, "el-task", nil)

	var published *bus.Event
	_, err := svc.bus.Subscribe(events.SubjectTaskStatusChanged, func(ctx context.Context, e *bus.Event) error {
		published = e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	dispatched, err := svc.DispatchToWorker(ctx, "el-task", "el-w1", "el-daemon")
	if err != nil {
		t.Fatalf("DispatchToWorker failed: %v", err)
	}
	if dispatched.Assignee != "el-w1" {
		t.Errorf("Expected assignee el-w1, got %q", dispatched.Assignee)
	}
	if dispatched.Status != element.TaskInProgress {
		t.Errorf("Expected in_progress, got %s", dispatched.Status)
	}

	evts, err := st.ElementEvents(ctx, "el-task", 0)
	if err != nil {
		t.Fatalf("ElementEvents failed: %v", err)
	}
	var assigned *element.Event
	for _, ev := range evts {
		if ev.EventType == events.Assigned {
			assigned = ev
		}
	}
	if assigned == nil {
		t.Fatal("Expected an assigned journal entry")
	}
	if assigned.OldValue != "" || assigned.NewValue != "el-w1" {
		t.Errorf("Expected assigned event \"\" -> el-w1, got %q -> %q", assigned.OldValue, assigned.NewValue)
	}
	if n := countEvents(t, st, "el-task", events.StatusChanged); n != 1 {
		t.Errorf("Expected one status-changed event, got %d", n)
	}

	if published == nil {
		t.Fatal("Expected a bus event on dispatch")
	}
	if published.Data["taskId"] != "el-task" || published.Data["status"] != "in_progress" {
		t.Errorf("Unexpected status payload: %+v", published.Data)
	}
}

func TestDispatchToWorkerClaimsFromTeam(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createAgent(t, st, "el-w1", "worker-one", true)
	createTeam(t, st, "el-team", "backend", "el-w1")
	createTask(t, st, "el-task", func(task *element.Task) { task.Assignee = "el-team" })

	dispatched, err := svc.DispatchToWorker(ctx, "el-task", "el-w1", "el-daemon")
	if err != nil {
		t.Fatalf("DispatchToWorker failed: %v", err)
	}
	if dispatched.Assignee != "el-w1" {
		t.Errorf("Expected assignee el-w1, got %q", dispatched.Assignee)
	}
	if teamID, _ := dispatched.MetaString(claimedFromTeamKey); teamID != "el-team" {
		t.Errorf("Expected claimedFromTeam el-team, got %q", teamID)
	}

	evts, err := st.ElementEvents(ctx, "el-task", 0)
	if err != nil {
		t.Fatalf("ElementEvents failed: %v", err)
	}
	var claimed *element.Event
	for _, ev := range evts {
		if ev.EventType == events.Claimed {
			claimed = ev
		}
	}
	if claimed == nil {
		t.Fatal("Expected a claimed journal entry")
	}
	if claimed.OldValue != "el-team" || claimed.NewValue != "el-w1" {
		t.Errorf("Expected claimed event el-team -> el-w1, got %q -> %q", claimed.OldValue, claimed.NewValue)
	}
	if n := countEvents(t, st, "el-task", events.Assigned); n != 0 {
		t.Errorf("Expected no assigned event on a team claim, got %d", n)
	}
}

func TestDispatchToWorkerRepeatForHolder(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createAgent(t, st, "el-w1", "worker-one", true)
	createTask(t, st, "el-task", func(task *element.Task) { task.Assignee = "el-w1" })

	// A reopened task keeps its assignee; redispatching to the same worker
	// journals no ownership change.
	dispatched, err := svc.DispatchToWorker(ctx, "el-task", "el-w1", "el-daemon")
	if err != nil {
		t.Fatalf("DispatchToWorker failed: %v", err)
	}
	if dispatched.Status != element.TaskInProgress {
		t.Errorf("Expected in_progress, got %s", dispatched.Status)
	}
	if n := countEvents(t, st, "el-task", events.Assigned); n != 0 {
		t.Errorf("Expected no assigned event, got %d", n)
	}
	if n := countEvents(t, st, "el-task", events.Claimed); n != 0 {
		t.Errorf("Expected no claimed event, got %d", n)
	}
}

func TestDispatchToWorkerRejections(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createAgent(t, st, "el-w1", "worker-one", true)
	createAgent(t, st, "el-w2", "worker-two", true)
	createTeam(t, st, "el-team", "backend", "el-w1")
	createTask(t, st, "el-held", func(task *element.Task) { task.Assignee = "el-w2" })
	createTask(t, st, "el-teamtask", func(task *element.Task) { task.Assignee = "el-team" })
	createTask(t, st, "el-closed", func(task *element.Task) { task.Status = element.TaskClosed })
	createTask(t, st, "el-dead", func(task *element.Task) { task.Status = element.TaskTombstone })

	tests := map[string]struct {
		taskID   string
		workerID string
		wantCode apperrors.Code
	}{
		"held by another entity": {"el-held", "el-w1", apperrors.CodeAlreadyAssigned},
		"worker not a member":    {"el-teamtask", "el-w2", apperrors.CodeWrongAgent},
		"closed task":            {"el-closed", "el-w1", apperrors.CodeValidation},
		"tombstoned task":        {"el-dead", "el-w1", apperrors.CodeValidation},
		"task does not exist":    {"el-missing", "el-w1", apperrors.CodeNotFound},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.DispatchToWorker(ctx, tc.taskID, tc.workerID, "el-daemon")
			if !apperrors.IsCode(err, tc.wantCode) {
				t.Errorf("Expected %s, got %v", tc.wantCode, err)
			}
		})
	}
}

func TestDispatchStartsPendingWorkflow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createAgent(t, st, "el-w1", "worker-one", true)
	createWorkflow(t, st, "el-wf", element.WorkflowPending)
	createTask(t, st, "el-task", nil)
	linkChild(t, svc, "el-task", "el-wf")

	if _, err := svc.DispatchToWorker(ctx, "el-task", "el-w1", "el-daemon"); err != nil {
		t.Fatalf("DispatchToWorker failed: %v", err)
	}

	wf, err := store.GetWorkflow(ctx, st, "el-wf")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if wf.Status != element.WorkflowRunning {
		t.Errorf("Expected the parent workflow running, got %q", wf.Status)
	}
}

func TestRevertDispatch(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createAgent(t, st, "el-w1", "worker-one", true)
	createTeam(t, st, "el-team", "backend", "el-w1")
	createTask(t, st, "el-task", func(task *element.Task) { task.Assignee = "el-team" })

	if _, err := svc.DispatchToWorker(ctx, "el-task", "el-w1", "el-daemon"); err != nil {
		t.Fatalf("DispatchToWorker failed: %v", err)
	}
	if err := svc.RevertDispatch(ctx, "el-task", "el-team", "el-daemon"); err != nil {
		t.Fatalf("RevertDispatch failed: %v", err)
	}

	task, err := store.GetTask(ctx, st, "el-task")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Assignee != "el-team" {
		t.Errorf("Expected the team assignment restored, got %q", task.Assignee)
	}
	if task.Status != element.TaskOpen {
		t.Errorf("Expected open, got %s", task.Status)
	}
	if _, ok := task.MetaString(claimedFromTeamKey); ok {
		t.Error("Expected the claimedFromTeam marker dropped")
	}
	if _, ok := task.Metadata[dispatchAttemptsKey]; ok {
		t.Error("Expected no retry bookkeeping after a revert")
	}

	evts, err := st.ElementEvents(ctx, "el-task", 1)
	if err != nil {
		t.Fatalf("ElementEvents failed: %v", err)
	}
	if len(evts) != 1 || evts[0].EventType != events.Assigned {
		t.Fatalf("Expected newest event to be assigned, got %+v", evts)
	}
	if evts[0].OldValue != "el-w1" || evts[0].NewValue != "el-team" {
		t.Errorf("Expected assigned event el-w1 -> el-team, got %q -> %q", evts[0].OldValue, evts[0].NewValue)
	}
}

func TestRecordDispatchFailureRetryBudget(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createAgent(t, st, "el-w1", "worker-one", true)
	createTask(t, st, "el-task", func(task *element.Task) {
		task.Assignee = "el-w1"
		task.Status = element.TaskInProgress
	})

	// Two attempts fit in the budget; the third tombstones.
	for attempt := 1; attempt <= 2; attempt++ {
		failed, err := svc.RecordDispatchFailure(ctx, "el-task", 2, "el-daemon")
		if err != nil {
			t.Fatalf("RecordDispatchFailure %d failed: %v", attempt, err)
		}
		if failed.Status != element.TaskOpen {
			t.Fatalf("Expected open after attempt %d, got %s", attempt, failed.Status)
		}
		if failed.Assignee != "el-w1" {
			t.Errorf("Expected the assignee kept for the retry, got %q", failed.Assignee)
		}
		if got := dispatchAttempts(failed); got != attempt {
			t.Errorf("Expected %d recorded attempts, got %d", attempt, got)
		}
	}

	failed, err := svc.RecordDispatchFailure(ctx, "el-task", 2, "el-daemon")
	if err != nil {
		t.Fatalf("RecordDispatchFailure failed: %v", err)
	}
	if failed.Status != element.TaskTombstone {
		t.Errorf("Expected a tombstone past the budget, got %s", failed.Status)
	}

	// The counter survives a round-trip through storage.
	task, err := store.GetTask(ctx, st, "el-task")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got := dispatchAttempts(task); got != 3 {
		t.Errorf("Expected 3 persisted attempts, got %d", got)
	}
}

func TestRecordDispatchFailureLeavesTerminal(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "el-task", func(task *element.Task) { task.Status = element.TaskClosed })

	unchanged, err := svc.RecordDispatchFailure(ctx, "el-task", 3, "el-daemon")
	if err != nil {
		t.Fatalf("RecordDispatchFailure failed: %v", err)
	}
	if unchanged.Status != element.TaskClosed {
		t.Errorf("Expected the closed task untouched, got %s", unchanged.Status)
	}
	if _, ok := unchanged.Metadata[dispatchAttemptsKey]; ok {
		t.Error("Expected no attempt counter on a terminal task")
	}
	if n := countEvents(t, st, "el-task", events.StatusChanged); n != 0 {
		t.Errorf("Expected no status-changed events, got %d", n)
	}
}

func TestRecordDispatchFailureFailsRunningWorkflow(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createWorkflow(t, st, "el-wf", element.WorkflowRunning)
	createTask(t, st, "el-task", func(task *element.Task) {
		task.Assignee = "el-w1"
		task.Status = element.TaskInProgress
	})
	linkChild(t, svc, "el-task", "el-wf")

	// A zero budget tombstones on the first abnormal exit.
	failed, err := svc.RecordDispatchFailure(ctx, "el-task", 0, "el-daemon")
	if err != nil {
		t.Fatalf("RecordDispatchFailure failed: %v", err)
	}
	if failed.Status != element.TaskTombstone {
		t.Fatalf("Expected a tombstone, got %s", failed.Status)
	}

	wf, err := store.GetWorkflow(ctx, st, "el-wf")
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if wf.Status != element.WorkflowFailed {
		t.Errorf("Expected the parent workflow failed, got %q", wf.Status)
	}
}
