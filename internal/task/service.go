// Package task implements work-item semantics on top of the element store:
// the ready predicate, plan membership, team claims, guarded status
// transitions, and the auto-status engine for workflows and plans.
package task

import (
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/graph"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Service coordinates task mutations and readiness queries.
type Service struct {
	store store.Store
	graph *graph.Service
	bus   bus.EventBus
	log   *logger.Logger
	now   func() time.Time
}

// NewService creates a task service.
func NewService(st store.Store, g *graph.Service, eb bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store: st,
		graph: g,
		bus:   eb,
		log:   log.WithFields(zap.String("component", "task")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}
