package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/graph"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/store/sqlite"
)

func newTestService(t *testing.T, registry *Registry) (*Service, store.Store) {
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

	g := graph.NewService(st, eb, log)
	return NewService(st, g, eb, registry, log), st
}

func releasePlaybook(t *testing.T) *Playbook {
	t.Helper()
	return mustParse(t, `
name: release
title: "Release {{version}}"
ephemeral: true
variables:
  version: {required: true}
  notify: {default: "yes"}
  team: {default: el-team1}
steps:
  - id: build
    title: "Build {{version}}"
    description: "Compile and package {{version}}."
    priority: 2
    complexity: 3
    taskType: chore
  - id: test
    title: "Test {{version}}"
    assignee: "{{team}}"
    dependsOn: [build]
  - id: tag
    kind: function
    title: "Tag {{version}}"
    command: "git tag v{{version}}"
    dependsOn: [test]
  - id: announce
    title: "Announce {{version}}"
    condition: 'notify == "yes"'
    dependsOn: [tag]
  - id: party
    title: Party
    condition: "!notify"
    dependsOn: [announce]
`)
}

func TestInstantiate(t *testing.T) {
	svc, st := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Instantiate(ctx, releasePlaybook(t), map[string]string{"version": "1.2.0"}, "el-tester", InstantiateOptions{})
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}

	wf := res.Workflow
	if wf == nil || wf.ID == "" {
		t.Fatal("Expected a workflow with an allocated id")
	}
	if wf.Title != "Release 1.2.0" {
		t.Errorf("Expected substituted title, got '%s'", wf.Title)
	}
	if wf.Status != element.WorkflowPending {
		t.Errorf("Expected pending workflow, got '%s'", wf.Status)
	}
	if !wf.Ephemeral {
		t.Error("Expected ephemeral workflow")
	}
	if wf.PlaybookID != "release" {
		t.Errorf("Expected playbookId 'release' without a registry, got '%s'", wf.PlaybookID)
	}
	if wf.Variables["version"] != "1.2.0" || wf.Variables["notify"] != "yes" {
		t.Errorf("Unexpected workflow variables: %v", wf.Variables)
	}
	if res.ResolvedVariables["team"] != "el-team1" {
		t.Errorf("Expected team default in resolved variables, got %v", res.ResolvedVariables)
	}

	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "party" {
		t.Fatalf("Expected skipped steps [party], got %v", res.SkippedSteps)
	}
	if len(res.Steps) != 4 {
		t.Fatalf("Expected 4 included steps, got %d", len(res.Steps))
	}
	for i, sr := range res.Steps {
		want := fmt.Sprintf("%s.%d", wf.ID, i+1)
		if sr.ElementID != want {
			t.Errorf("Expected step %s to get child id %s, got %s", sr.StepID, want, sr.ElementID)
		}
	}

	if len(res.Tasks) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(res.Tasks))
	}
	build := res.Tasks[0]
	if build.Title != "Build 1.2.0" || build.Status != element.TaskOpen {
		t.Errorf("Unexpected build task: %+v", build)
	}
	if build.Priority != 2 || build.Complexity != 3 || build.TaskType != element.TaskTypeChore {
		t.Errorf("Expected explicit priority/complexity/type to survive, got %d/%d/%s",
			build.Priority, build.Complexity, build.TaskType)
	}
	if build.DescriptionRef == "" {
		t.Fatal("Expected build to reference a description document")
	}
	doc, err := store.GetDocument(ctx, st, build.DescriptionRef)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc.Content != "Compile and package 1.2.0." {
		t.Errorf("Expected substituted description, got '%s'", doc.Content)
	}
	if doc.Category != element.CategoryTaskDescription || doc.ContentType != element.ContentMarkdown {
		t.Errorf("Unexpected description document shape: %s/%s", doc.Category, doc.ContentType)
	}

	testTask := res.Tasks[1]
	if testTask.Assignee != "el-team1" {
		t.Errorf("Expected substituted assignee, got '%s'", testTask.Assignee)
	}
	if testTask.Priority != 3 || testTask.Complexity != 2 || testTask.TaskType != element.TaskTypeTask {
		t.Errorf("Expected defaults for unset fields, got %d/%d/%s",
			testTask.Priority, testTask.Complexity, testTask.TaskType)
	}

	if len(res.FunctionSteps) != 1 {
		t.Fatalf("Expected 1 function step, got %d", len(res.FunctionSteps))
	}
	fn := res.FunctionSteps[0]
	if fn.StepID != "tag" || fn.Command != "git tag v1.2.0" || fn.Title != "Tag 1.2.0" {
		t.Errorf("Unexpected function step: %+v", fn)
	}
	if !strings.HasPrefix(fn.ID, wf.ID+".") {
		t.Errorf("Expected function step to reserve a child id, got '%s'", fn.ID)
	}
	if _, err := st.Get(ctx, fn.ID); !apperrors.IsNotFound(err) {
		t.Fatalf("Expected function step to stay unpersisted, got %v", err)
	}

	// announce depends on the function step; its edge is persisted but
	// never blocks because the blocker has no row.
	if len(res.BlocksDependencies) != 3 {
		t.Fatalf("Expected 3 blocks edges, got %d", len(res.BlocksDependencies))
	}
	blockers := make(map[string]string, len(res.BlocksDependencies))
	for _, dep := range res.BlocksDependencies {
		blockers[dep.BlockedID] = dep.BlockerID
	}
	if blockers[res.Tasks[1].ID] != build.ID {
		t.Errorf("Expected test blocked by build, got %v", blockers)
	}
	if blockers[res.Tasks[2].ID] != fn.ID {
		t.Errorf("Expected announce blocked by the function step, got %v", blockers)
	}

	// Ownership: 3 tasks + 1 description document.
	if len(res.ParentChildDependencies) != 4 {
		t.Fatalf("Expected 4 parent-child edges, got %d", len(res.ParentChildDependencies))
	}
	for _, dep := range res.ParentChildDependencies {
		if dep.BlockerID != wf.ID {
			t.Errorf("Expected the workflow as parent, got blocker %s", dep.BlockerID)
		}
	}

	ready, err := st.ReadyCandidates(ctx, time.Now().UTC(), 0)
	if err != nil {
		t.Fatalf("ReadyCandidates failed: %v", err)
	}
	readyIDs := make(map[string]bool, len(ready))
	for _, task := range ready {
		readyIDs[task.ID] = true
	}
	if !readyIDs[build.ID] {
		t.Error("Expected build to be ready immediately")
	}
	if readyIDs[testTask.ID] {
		t.Error("Expected test to be blocked by build")
	}
	if !readyIDs[res.Tasks[2].ID] {
		t.Error("Expected announce to be ready; its only blocker has no row")
	}

	evs, err := st.ElementEvents(ctx, wf.ID, 10)
	if err != nil {
		t.Fatalf("ElementEvents failed: %v", err)
	}
	found := false
	for _, ev := range evs {
		if ev.EventType == events.WorkflowCreated && ev.NewValue == "release" {
			found = true
		}
	}
	if !found {
		t.Error("Expected a workflow-instantiated journal entry")
	}
}

func TestInstantiateValidation(t *testing.T) {
	svc, st := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Instantiate(ctx, releasePlaybook(t), nil, "el-tester", InstantiateOptions{})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("Expected VALIDATION for missing required variable, got %v", err)
	}

	bad := mustParse(t, `
name: broken
steps:
  - id: a
    title: A
    dependsOn: [ghost]
`)
	_, err = svc.Instantiate(ctx, bad, nil, "el-tester", InstantiateOptions{})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("Expected VALIDATION for unknown dependsOn, got %v", err)
	}

	for _, typ := range []element.Type{element.TypeWorkflow, element.TypeTask} {
		n, cerr := st.Count(ctx, store.Filter{Type: typ})
		if cerr != nil {
			t.Fatalf("Count failed: %v", cerr)
		}
		if n != 0 {
			t.Errorf("Expected failed instantiations to leave no %s rows, found %d", typ, n)
		}
	}

	if _, err := svc.Instantiate(ctx, nil, nil, "el-tester", InstantiateOptions{}); !apperrors.IsCode(err, apperrors.CodeMissingRequiredField) {
		t.Fatalf("Expected MISSING_REQUIRED_FIELD for nil playbook, got %v", err)
	}
}

func TestInstantiateSkippedDependencyEndpoints(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	pb := mustParse(t, `
name: partial
variables:
  extra: {default: "no"}
steps:
  - id: optional
    title: Optional
    condition: extra
  - id: main
    title: Main
    dependsOn: [optional]
`)
	res, err := svc.Instantiate(ctx, pb, nil, "el-tester", InstantiateOptions{})
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "optional" {
		t.Fatalf("Expected [optional] skipped, got %v", res.SkippedSteps)
	}
	if len(res.Tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(res.Tasks))
	}
	if len(res.BlocksDependencies) != 0 {
		t.Errorf("Expected the edge to the skipped step to be dropped, got %d edges", len(res.BlocksDependencies))
	}
}

func TestInstantiateOptionsOverride(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	off := false
	res, err := svc.Instantiate(ctx, releasePlaybook(t), map[string]string{"version": "2.0"}, "el-tester", InstantiateOptions{
		Title:     "Hotfix {{version}}",
		Ephemeral: &off,
	})
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if res.Workflow.Title != "Hotfix 2.0" {
		t.Errorf("Expected overridden title, got '%s'", res.Workflow.Title)
	}
	if res.Workflow.Ephemeral {
		t.Error("Expected ephemeral override to false")
	}
}

func TestInstantiateResolvesExtendsViaRegistry(t *testing.T) {
	reg := NewRegistry()
	base := mustParse(t, `
name: base
variables:
  env: {default: staging}
steps:
  - id: deploy
    title: "Deploy to {{env}}"
`)
	child := mustParse(t, `
name: prod
extends: base
variables:
  env: {default: production}
steps:
  - id: verify
    title: Verify
    dependsOn: [deploy]
`)
	if err := reg.Add(base); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := reg.Add(child); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	svc, st := newTestService(t, reg)
	ctx := context.Background()

	if err := reg.RegisterElements(ctx, st, "el-system"); err != nil {
		t.Fatalf("RegisterElements failed: %v", err)
	}

	res, err := svc.Instantiate(ctx, child, nil, "el-tester", InstantiateOptions{})
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("Expected merged playbook to yield 2 tasks, got %d", len(res.Tasks))
	}
	if res.Tasks[0].Title != "Deploy to production" {
		t.Errorf("Expected deeper variable default to win, got '%s'", res.Tasks[0].Title)
	}
	if res.Workflow.PlaybookID == "" || res.Workflow.PlaybookID == "prod" {
		t.Errorf("Expected playbookId to be the registered element id, got '%s'", res.Workflow.PlaybookID)
	}
	if _, err := store.GetPlaybook(ctx, st, res.Workflow.PlaybookID); err != nil {
		t.Errorf("Expected playbook element row, got %v", err)
	}

	// Extends without a registry is a validation error.
	bare, _ := newTestService(t, nil)
	if _, err := bare.Instantiate(ctx, child, nil, "el-tester", InstantiateOptions{}); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("Expected VALIDATION without a registry, got %v", err)
	}
}

func TestRegisterElementsIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	pb := mustParse(t, "name: solo\nsteps:\n  - id: a\n    title: A\n")
	if err := reg.Add(pb); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	_, st := newTestService(t, reg)
	ctx := context.Background()

	if err := reg.RegisterElements(ctx, st, "el-system"); err != nil {
		t.Fatalf("RegisterElements failed: %v", err)
	}
	first := reg.elements["solo"]
	if first == "" {
		t.Fatal("Expected an element id for 'solo'")
	}
	if err := reg.RegisterElements(ctx, st, "el-system"); err != nil {
		t.Fatalf("Second RegisterElements failed: %v", err)
	}
	if reg.elements["solo"] != first {
		t.Errorf("Expected the existing row to be reused, got '%s' then '%s'", first, reg.elements["solo"])
	}
	n, err := st.Count(ctx, store.Filter{Type: element.TypePlaybook})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 playbook row, got %d", n)
	}
}
