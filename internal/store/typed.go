package store

import (
	"context"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
)

// getAs fetches id and asserts its concrete type. An element of another
// type reads as NOT_FOUND for the requested one.
func getAs[T element.Record](ctx context.Context, s ElementStore, id string, want element.Type) (T, error) {
	var zero T
	rec, err := s.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, apperrors.NotFound(string(want), id)
	}
	return typed, nil
}

// GetTask fetches a task by id.
func GetTask(ctx context.Context, s ElementStore, id string) (*element.Task, error) {
	return getAs[*element.Task](ctx, s, id, element.TypeTask)
}

// GetWorkflow fetches a workflow by id.
func GetWorkflow(ctx context.Context, s ElementStore, id string) (*element.Workflow, error) {
	return getAs[*element.Workflow](ctx, s, id, element.TypeWorkflow)
}

// GetPlan fetches a plan by id.
func GetPlan(ctx context.Context, s ElementStore, id string) (*element.Plan, error) {
	return getAs[*element.Plan](ctx, s, id, element.TypePlan)
}

// GetEntity fetches an entity by id.
func GetEntity(ctx context.Context, s ElementStore, id string) (*element.Entity, error) {
	return getAs[*element.Entity](ctx, s, id, element.TypeEntity)
}

// GetTeam fetches a team by id.
func GetTeam(ctx context.Context, s ElementStore, id string) (*element.Team, error) {
	return getAs[*element.Team](ctx, s, id, element.TypeTeam)
}

// GetChannel fetches a channel by id.
func GetChannel(ctx context.Context, s ElementStore, id string) (*element.Channel, error) {
	return getAs[*element.Channel](ctx, s, id, element.TypeChannel)
}

// GetMessage fetches a message by id.
func GetMessage(ctx context.Context, s ElementStore, id string) (*element.Message, error) {
	return getAs[*element.Message](ctx, s, id, element.TypeMessage)
}

// GetDocument fetches a document by id.
func GetDocument(ctx context.Context, s ElementStore, id string) (*element.Document, error) {
	return getAs[*element.Document](ctx, s, id, element.TypeDocument)
}

// GetInboxItem fetches an inbox item by id.
func GetInboxItem(ctx context.Context, s ElementStore, id string) (*element.InboxItem, error) {
	return getAs[*element.InboxItem](ctx, s, id, element.TypeInboxItem)
}

// GetPlaybook fetches a playbook reference by id.
func GetPlaybook(ctx context.Context, s ElementStore, id string) (*element.PlaybookRef, error) {
	return getAs[*element.PlaybookRef](ctx, s, id, element.TypePlaybook)
}
