// Package events provides journal event types and bus subjects for the
// Stoneforge event system.
package events

// Journal event types, stored in the events table. The journal is the
// authoritative history; bus publication mirrors it.
const (
	ElementCreated    = "created"
	ElementUpdated    = "updated"
	ElementDeleted    = "deleted"
	StatusChanged     = "status-changed"
	DependencyAdded   = "dependency-added"
	DependencyRemoved = "dependency-removed"
	Claimed           = "claimed"
	Assigned          = "assigned"
	TaskDispatched    = "task-dispatched"
	HandoffOccurred   = "handoff-occurred"
	StewardFired      = "steward-fired"
	SessionStarted    = "session-started"
	SessionTerminated = "session-terminated"
	WorkflowCreated   = "workflow-instantiated"
	GCDeleted         = "gc-deleted"
	PlanTaskAdded     = "plan-task-added"
	PlanTaskRemoved   = "plan-task-removed"
)

// Bus subjects for task lifecycle
const (
	SubjectTaskDispatched    = "stoneforge.task.dispatched"
	SubjectTaskClaimed       = "stoneforge.task.claimed"
	SubjectTaskStatusChanged = "stoneforge.task.status_changed"
)

// Bus subjects for dependency edges
const (
	SubjectDependencyAdded   = "stoneforge.dependency.added"
	SubjectDependencyRemoved = "stoneforge.dependency.removed"
)

// Bus subjects for sessions
const (
	SubjectSessionStarted    = "stoneforge.session.started"
	SubjectSessionSuspended  = "stoneforge.session.suspended"
	SubjectSessionTerminated = "stoneforge.session.terminated"
	SessionStream            = "stoneforge.session.stream" // base subject for per-session NDJSON events
)

// Bus subjects for workflows and plans
const (
	SubjectWorkflowInstantiated = "stoneforge.workflow.instantiated"
	SubjectWorkflowStatus       = "stoneforge.workflow.status_changed"
	SubjectGCCompleted          = "stoneforge.workflow.gc_completed"
)

// Bus subjects for agents
const (
	SubjectHandoffOccurred = "stoneforge.agent.handoff"
	SubjectStewardFired    = "stoneforge.agent.steward_fired"
)

// BuildSessionStreamSubject creates a stream subject for a specific session
func BuildSessionStreamSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionStreamWildcardSubject creates a wildcard subscription for all session stream events
func BuildSessionStreamWildcardSubject() string {
	return SessionStream + ".*"
}
