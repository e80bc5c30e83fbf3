package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/graph"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Service instantiates playbooks into workflows and reclaims expired
// ephemeral runs.
type Service struct {
	store    store.Store
	graph    *graph.Service
	bus      bus.EventBus
	registry *Registry
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a workflow service. The registry may be nil when every
// instantiated playbook is self-contained.
func NewService(st store.Store, g *graph.Service, eb bus.EventBus, registry *Registry, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		graph:    g,
		bus:      eb,
		registry: registry,
		log:      log.WithFields(zap.String("component", "workflow")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the playbook registry the service was built with.
func (s *Service) Registry() *Registry {
	return s.registry
}

// InstantiateOptions override playbook-level settings for one run.
type InstantiateOptions struct {
	Title     string
	Ephemeral *bool
}

// FunctionStep is an included function-kind step after substitution. It is
// not persisted; callers execute it externally. Its ID is a reserved child
// id so blocks edges between task and function steps stay addressable.
type FunctionStep struct {
	ID          string
	StepID      string
	Title       string
	Description string
	Assignee    string
	Code        string
	Command     string
}

// StepResult maps a playbook step id to the element id it produced.
type StepResult struct {
	StepID    string
	ElementID string
	Kind      string
}

// Result is everything one instantiation produced.
type Result struct {
	Workflow                *element.Workflow
	Tasks                   []*element.Task
	FunctionSteps           []*FunctionStep
	Steps                   []StepResult
	BlocksDependencies      []*element.Dependency
	ParentChildDependencies []*element.Dependency
	ResolvedVariables       map[string]string
	SkippedSteps            []string
}

// Instantiate turns a playbook plus variable values into a pending workflow
// with its child tasks and edges, all written in one transaction. Steps
// whose condition evaluates false are skipped along with any edges naming
// them. Function steps reserve a child id and come back in-memory only;
// blocks edges pointing at them are persisted and become inert once the
// referenced step has no row.
func (s *Service) Instantiate(ctx context.Context, pb *Playbook, values map[string]string, actor string, opts InstantiateOptions) (*Result, error) {
	if pb == nil {
		return nil, apperrors.MissingRequiredField("playbook")
	}
	if pb.Extends != "" {
		if s.registry == nil {
			return nil, apperrors.Validation("extends", fmt.Sprintf("playbook '%s' extends '%s' but no registry is configured", pb.Name, pb.Extends))
		}
		resolved, err := s.registry.ResolvePlaybook(pb)
		if err != nil {
			return nil, err
		}
		pb = resolved
	}

	vars, err := resolveVariables(pb, values)
	if err != nil {
		return nil, err
	}

	included := make([]Step, 0, len(pb.Steps))
	var skipped []string
	for _, step := range pb.Steps {
		ok, err := evalCondition(step.Condition, vars)
		if err != nil {
			return nil, apperrors.Wrap(err, fmt.Sprintf("step '%s'", step.ID))
		}
		if !ok {
			skipped = append(skipped, step.ID)
			continue
		}
		included = append(included, step)
	}

	title := pb.Title
	if opts.Title != "" {
		title = opts.Title
	}
	if title == "" {
		title = pb.Name
	}
	ephemeral := pb.ephemeral()
	if opts.Ephemeral != nil {
		ephemeral = *opts.Ephemeral
	}

	res := &Result{
		ResolvedVariables: vars,
		SkippedSteps:      skipped,
	}

	err = s.store.InTx(ctx, func(tx store.Store) error {
		wf := &element.Workflow{
			Element:    element.Element{Type: element.TypeWorkflow},
			Title:      substitute(title, vars),
			Status:     element.WorkflowPending,
			Ephemeral:  ephemeral,
			Variables:  vars,
			PlaybookID: s.playbookID(pb.Name),
		}
		if err := tx.Create(ctx, wf, actor); err != nil {
			return apperrors.Wrap(err, fmt.Sprintf("failed to create workflow for playbook '%s'", pb.Name))
		}
		res.Workflow = wf

		// Pass 1: reserve a child id per step and create the task rows.
		// Function steps keep their id but stay in memory.
		elementIDs := make(map[string]string, len(included))
		for _, step := range included {
			childID, err := tx.AllocateChildID(ctx, wf.ID)
			if err != nil {
				return err
			}
			elementIDs[step.ID] = childID
			res.Steps = append(res.Steps, StepResult{StepID: step.ID, ElementID: childID, Kind: step.Kind})

			if step.Kind == StepFunction {
				res.FunctionSteps = append(res.FunctionSteps, &FunctionStep{
					ID:          childID,
					StepID:      step.ID,
					Title:       substitute(step.Title, vars),
					Description: substitute(step.Description, vars),
					Assignee:    substitute(step.Assignee, vars),
					Code:        substitute(step.Code, vars),
					Command:     substitute(step.Command, vars),
				})
				continue
			}

			task, err := s.createStepTask(ctx, tx, wf, step, childID, vars, actor)
			if err != nil {
				return err
			}
			res.Tasks = append(res.Tasks, task)
		}

		// Pass 2: blocks edges from dependsOn, then ownership edges.
		for _, step := range included {
			for _, depID := range step.DependsOn {
				blockerID, ok := elementIDs[depID]
				if !ok {
					if containsStep(skipped, depID) {
						continue
					}
					return apperrors.Validation("dependsOn", fmt.Sprintf("step '%s' depends on unknown step '%s'", step.ID, depID))
				}
				dep, err := s.graph.AddInTx(ctx, tx, graph.AddRequest{
					BlockedID: elementIDs[step.ID],
					BlockerID: blockerID,
					Type:      element.DepBlocks,
					CreatedBy: actor,
				})
				if err != nil {
					return err
				}
				res.BlocksDependencies = append(res.BlocksDependencies, dep)
			}
		}
		for _, task := range res.Tasks {
			dep, err := s.graph.AddInTx(ctx, tx, graph.AddRequest{
				BlockedID: task.ID,
				BlockerID: wf.ID,
				Type:      element.DepParentChild,
				CreatedBy: actor,
			})
			if err != nil {
				return err
			}
			res.ParentChildDependencies = append(res.ParentChildDependencies, dep)
		}
		for _, task := range res.Tasks {
			if task.DescriptionRef == "" {
				continue
			}
			dep, err := s.graph.AddInTx(ctx, tx, graph.AddRequest{
				BlockedID: task.DescriptionRef,
				BlockerID: wf.ID,
				Type:      element.DepParentChild,
				CreatedBy: actor,
			})
			if err != nil {
				return err
			}
			res.ParentChildDependencies = append(res.ParentChildDependencies, dep)
		}

		return tx.AppendEvent(ctx, &element.Event{
			ElementID: wf.ID,
			EventType: events.WorkflowCreated,
			Actor:     actor,
			NewValue:  pb.Name,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.SubjectWorkflowInstantiated, map[string]interface{}{
		"workflowId": res.Workflow.ID,
		"playbook":   pb.Name,
		"tasks":      len(res.Tasks),
		"skipped":    len(res.SkippedSteps),
	})
	s.log.Info("Workflow instantiated",
		zap.String("workflow_id", res.Workflow.ID),
		zap.String("playbook", pb.Name),
		zap.Int("tasks", len(res.Tasks)),
		zap.Int("function_steps", len(res.FunctionSteps)),
		zap.Int("skipped", len(res.SkippedSteps)))
	return res, nil
}

// createStepTask writes one task-kind step: its description document first
// when present, then the task row referencing it. The document is owned by
// the workflow through a parent-child edge added in pass 2 so the GC
// reclaims it with the run.
func (s *Service) createStepTask(ctx context.Context, tx store.Store, wf *element.Workflow, step Step, childID string, vars map[string]string, actor string) (*element.Task, error) {
	descriptionRef := ""
	if step.Description != "" {
		doc := &element.Document{
			Element:     element.Element{Type: element.TypeDocument},
			Title:       substitute(step.Title, vars),
			Content:     substitute(step.Description, vars),
			ContentType: element.ContentMarkdown,
			Category:    element.CategoryTaskDescription,
		}
		if err := tx.Create(ctx, doc, actor); err != nil {
			return nil, apperrors.Wrap(err, fmt.Sprintf("failed to create description for step '%s'", step.ID))
		}
		descriptionRef = doc.ID
	}

	priority := step.Priority
	if priority == 0 {
		priority = 3
	}
	complexity := step.Complexity
	if complexity == 0 {
		complexity = 2
	}
	taskType := element.TaskType(step.TaskType)
	if taskType == "" {
		taskType = element.TaskTypeTask
	}

	task := &element.Task{
		Element:        element.Element{ID: childID, Type: element.TypeTask},
		Title:          substitute(step.Title, vars),
		Status:         element.TaskOpen,
		Priority:       priority,
		Complexity:     complexity,
		TaskType:       taskType,
		Assignee:       substitute(step.Assignee, vars),
		DescriptionRef: descriptionRef,
	}
	if err := tx.Create(ctx, task, actor); err != nil {
		return nil, apperrors.Wrap(err, fmt.Sprintf("failed to create task for step '%s'", step.ID))
	}
	return task, nil
}

// playbookID prefers the registered element id, falling back to the name.
func (s *Service) playbookID(name string) string {
	if s.registry != nil {
		if id, ok := s.registry.elements[name]; ok {
			return id
		}
	}
	return name
}

// RegisterElements makes every registered playbook addressable as an
// element row, creating missing rows and remembering name -> element id.
// Safe to call repeatedly; existing rows are reused.
func (r *Registry) RegisterElements(ctx context.Context, st store.Store, actor string) error {
	existing, err := st.List(ctx, store.Filter{Type: element.TypePlaybook})
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(existing))
	for _, rec := range existing {
		if ref, ok := rec.(*element.PlaybookRef); ok {
			byName[ref.Name] = ref.ID
		}
	}
	for _, name := range r.Names() {
		if id, ok := byName[name]; ok {
			r.elements[name] = id
			continue
		}
		ref := &element.PlaybookRef{
			Element: element.Element{Type: element.TypePlaybook},
			Name:    name,
		}
		if err := st.Create(ctx, ref, actor); err != nil {
			return apperrors.Wrap(err, fmt.Sprintf("failed to register playbook '%s'", name))
		}
		r.elements[name] = ref.ID
	}
	return nil
}

func containsStep(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "workflow", data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.log.Warn("Failed to publish workflow event", zap.String("subject", subject), zap.Error(err))
	}
}
