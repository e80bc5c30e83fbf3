package graph

import (
	"context"
	"reflect"
	"testing"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/store/sqlite"
)

func newTestService(t *testing.T) (*Service, store.Store, *bus.MemoryEventBus) {
	t.Helper()
	pool, err := db.Open(db.MemoryPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	st, err := sqlite.New(context.Background(), pool, log)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eb := bus.NewMemoryEventBus(log)
	t.Cleanup(eb.Close)

	return NewService(st, eb, log), st, eb
}

func createTask(t *testing.T, st store.Store, id string) {
	t.Helper()
	task := &element.Task{
		Element:    element.Element{ID: id},
		Title:      "Task " + id,
		Status:     element.TaskOpen,
		Priority:   3,
		Complexity: 2,
		TaskType:   element.TaskTypeTask,
	}
	if err := st.Create(context.Background(), task, "el-tester"); err != nil {
		t.Fatalf("Failed to create %s: %v", id, err)
	}
}

func TestAddAndQuery(t *testing.T) {
	svc, st, eb := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "el-a")
	createTask(t, st, "el-b")

	var published []*bus.Event
	if _, err := eb.Subscribe(events.SubjectDependencyAdded, func(_ context.Context, ev *bus.Event) error {
		published = append(published, ev)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	dep, err := svc.Add(ctx, AddRequest{
		BlockedID: "el-a",
		BlockerID: "el-b",
		Type:      element.DepBlocks,
		CreatedBy: "el-tester",
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if dep.BlockedID != "el-a" || dep.BlockerID != "el-b" {
		t.Errorf("Unexpected edge endpoints: %+v", dep)
	}

	deps, err := svc.Dependencies(ctx, "el-a")
	if err != nil {
		t.Fatalf("Dependencies failed: %v", err)
	}
	if len(deps) != 1 || deps[0].BlockerID != "el-b" {
		t.Errorf("Expected el-a to depend on el-b, got %+v", deps)
	}

	dependents, err := svc.Dependents(ctx, "el-b")
	if err != nil {
		t.Fatalf("Dependents failed: %v", err)
	}
	if len(dependents) != 1 || dependents[0].BlockedID != "el-a" {
		t.Errorf("Expected el-b to block el-a, got %+v", dependents)
	}

	// The blocked element's journal records the edge.
	journal, err := st.ElementEvents(ctx, "el-a", 0)
	if err != nil {
		t.Fatalf("ElementEvents failed: %v", err)
	}
	if len(journal) == 0 || journal[0].EventType != events.DependencyAdded {
		t.Errorf("Expected dependency-added journal entry, got %+v", journal)
	}

	if len(published) != 1 {
		t.Fatalf("Expected 1 bus event, got %d", len(published))
	}
	if published[0].Data["blockedId"] != "el-a" || published[0].Data["blockerId"] != "el-b" {
		t.Errorf("Unexpected bus payload: %v", published[0].Data)
	}
}

func TestAddValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, AddRequest{BlockedID: "el-a", BlockerID: "el-a", Type: element.DepBlocks})
	if !apperrors.IsCode(err, apperrors.CodeInvalidInput) {
		t.Errorf("Expected INVALID_INPUT for self-edge, got %v", err)
	}

	_, err = svc.Add(ctx, AddRequest{BlockedID: "el-a", BlockerID: "el-b", Type: "precedes"})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Errorf("Expected VALIDATION for unknown type, got %v", err)
	}

	_, err = svc.Add(ctx, AddRequest{BlockerID: "el-b", Type: element.DepBlocks})
	if !apperrors.IsCode(err, apperrors.CodeMissingRequiredField) {
		t.Errorf("Expected MISSING_REQUIRED_FIELD, got %v", err)
	}
}

func TestAddDuplicate(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "el-a")
	createTask(t, st, "el-b")

	req := AddRequest{BlockedID: "el-a", BlockerID: "el-b", Type: element.DepBlocks}
	if _, err := svc.Add(ctx, req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	_, err := svc.Add(ctx, req)
	if !apperrors.IsCode(err, apperrors.CodeDuplicateDependency) {
		t.Errorf("Expected DUPLICATE_DEPENDENCY, got %v", err)
	}
}

func TestCycleRejectionTwoNode(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "el-a")
	createTask(t, st, "el-b")

	// el-a waits for el-b.
	if _, err := svc.Add(ctx, AddRequest{BlockedID: "el-a", BlockerID: "el-b", Type: element.DepBlocks}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// el-b waits for el-a would close the loop.
	_, err := svc.Add(ctx, AddRequest{BlockedID: "el-b", BlockerID: "el-a", Type: element.DepBlocks})
	if !apperrors.IsCode(err, apperrors.CodeCycleDetected) {
		t.Fatalf("Expected CYCLE_DETECTED, got %v", err)
	}
	want := []string{"el-a", "el-b", "el-a"}
	if got := apperrors.CyclePath(err); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected cycle path %v, got %v", want, got)
	}

	// The rejected edge never landed.
	deps, err := svc.Dependencies(ctx, "el-b")
	if err != nil {
		t.Fatalf("Dependencies failed: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("Expected graph unchanged after rejection, got %+v", deps)
	}
}

func TestCycleRejectionLongChain(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"el-a", "el-b", "el-c"} {
		createTask(t, st, id)
	}

	// el-a waits for el-b, el-b waits for el-c.
	if _, err := svc.Add(ctx, AddRequest{BlockedID: "el-a", BlockerID: "el-b", Type: element.DepBlocks}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := svc.Add(ctx, AddRequest{BlockedID: "el-b", BlockerID: "el-c", Type: element.DepAwaits}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	_, err := svc.Add(ctx, AddRequest{BlockedID: "el-c", BlockerID: "el-a", Type: element.DepBlocks})
	if !apperrors.IsCode(err, apperrors.CodeCycleDetected) {
		t.Fatalf("Expected CYCLE_DETECTED, got %v", err)
	}
	want := []string{"el-a", "el-b", "el-c", "el-a"}
	if got := apperrors.CyclePath(err); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected cycle path %v, got %v", want, got)
	}
}

func TestRelatesToCanonicalization(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "el-a")
	createTask(t, st, "el-b")

	// Named in the "wrong" direction; stored with the smaller id blocked.
	dep, err := svc.Add(ctx, AddRequest{BlockedID: "el-b", BlockerID: "el-a", Type: element.DepRelatesTo})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if dep.BlockedID != "el-a" || dep.BlockerID != "el-b" {
		t.Errorf("Expected canonical (el-a, el-b), got (%s, %s)", dep.BlockedID, dep.BlockerID)
	}

	// The reverse direction is the same edge.
	_, err = svc.Add(ctx, AddRequest{BlockedID: "el-a", BlockerID: "el-b", Type: element.DepRelatesTo})
	if !apperrors.IsCode(err, apperrors.CodeDuplicateDependency) {
		t.Errorf("Expected DUPLICATE_DEPENDENCY for reverse direction, got %v", err)
	}

	// Both ends see the peer.
	for id, peer := range map[string]string{"el-a": "el-b", "el-b": "el-a"} {
		peers, err := svc.RelatedTo(ctx, id)
		if err != nil {
			t.Fatalf("RelatedTo failed: %v", err)
		}
		if len(peers) != 1 || peers[0] != peer {
			t.Errorf("RelatedTo(%s): expected [%s], got %v", id, peer, peers)
		}
	}

	// Removal accepts either direction.
	if err := svc.Remove(ctx, "el-b", "el-a", element.DepRelatesTo, "el-tester"); err != nil {
		t.Errorf("Remove in reverse direction failed: %v", err)
	}
}

func TestRelatesToExcludedFromCycles(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "el-a")
	createTask(t, st, "el-b")

	if _, err := svc.Add(ctx, AddRequest{BlockedID: "el-a", BlockerID: "el-b", Type: element.DepBlocks}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// A relates-to edge in the opposite direction is informational, not a cycle.
	if _, err := svc.Add(ctx, AddRequest{BlockedID: "el-b", BlockerID: "el-a", Type: element.DepRelatesTo}); err != nil {
		t.Errorf("Expected relates-to to bypass the cycle check, got %v", err)
	}
}

func TestDepthLimitPermissive(t *testing.T) {
	svc, st, _ := newTestService(t)
	svc.maxDepth = 2
	ctx := context.Background()

	for _, id := range []string{"el-a", "el-b", "el-c", "el-d"} {
		createTask(t, st, id)
	}

	// Chain: el-a waits el-b waits el-c waits el-d.
	chain := []AddRequest{
		{BlockedID: "el-a", BlockerID: "el-b", Type: element.DepBlocks},
		{BlockedID: "el-b", BlockerID: "el-c", Type: element.DepBlocks},
		{BlockedID: "el-c", BlockerID: "el-d", Type: element.DepBlocks},
	}
	for _, req := range chain {
		if _, err := svc.Add(ctx, req); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// The closing edge needs depth 3 to discover; at maxDepth 2 the search
	// gives up and accepts.
	if _, err := svc.Add(ctx, AddRequest{BlockedID: "el-d", BlockerID: "el-a", Type: element.DepBlocks}); err != nil {
		t.Errorf("Expected depth-limited check to accept, got %v", err)
	}

	// One level deeper finds it.
	svc2, st2, _ := newTestService(t)
	svc2.maxDepth = 3
	for _, id := range []string{"el-a", "el-b", "el-c", "el-d"} {
		createTask(t, st2, id)
	}
	for _, req := range chain {
		if _, err := svc2.Add(ctx, req); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	_, err := svc2.Add(ctx, AddRequest{BlockedID: "el-d", BlockerID: "el-a", Type: element.DepBlocks})
	if !apperrors.IsCode(err, apperrors.CodeCycleDetected) {
		t.Errorf("Expected CYCLE_DETECTED at sufficient depth, got %v", err)
	}
}

func TestRemoveMissing(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.Remove(context.Background(), "el-a", "el-b", element.DepBlocks, "el-tester")
	if !apperrors.IsCode(err, apperrors.CodeDependencyNotFound) {
		t.Errorf("Expected DEPENDENCY_NOT_FOUND, got %v", err)
	}
}
