package element

import (
	"fmt"
	"regexp"
	"time"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskClosed     TaskStatus = "closed"
	TaskDeferred   TaskStatus = "deferred"
	TaskTombstone  TaskStatus = "tombstone"
)

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskClosed || s == TaskTombstone
}

func validTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskBlocked, TaskClosed, TaskDeferred, TaskTombstone:
		return true
	}
	return false
}

// TaskType classifies the work item.
type TaskType string

const (
	TaskTypeBug     TaskType = "bug"
	TaskTypeFeature TaskType = "feature"
	TaskTypeTask    TaskType = "task"
	TaskTypeChore   TaskType = "chore"
)

func validTaskType(t TaskType) bool {
	switch t {
	case TaskTypeBug, TaskTypeFeature, TaskTypeTask, TaskTypeChore:
		return true
	}
	return false
}

// Task is a unit of dispatchable work.
type Task struct {
	Element
	Title          string     `json:"title"`
	Status         TaskStatus `json:"status"`
	Priority       int        `json:"priority"`   // 1..5, 1 = critical
	Complexity     int        `json:"complexity"` // 1..5
	TaskType       TaskType   `json:"taskType"`
	Assignee       string     `json:"assignee,omitempty"` // entity or team id
	DescriptionRef string     `json:"descriptionRef,omitempty"`
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	ExternalRef    string     `json:"externalRef,omitempty"`
}

// Validate checks task field constraints.
func (t *Task) Validate() error {
	if t.Title == "" {
		return apperrors.MissingRequiredField("title")
	}
	if !validTaskStatus(t.Status) {
		return apperrors.Validation("status", fmt.Sprintf("unknown task status '%s'", t.Status))
	}
	if t.Priority < 1 || t.Priority > 5 {
		return apperrors.Validation("priority", "must be between 1 and 5")
	}
	if t.Complexity < 1 || t.Complexity > 5 {
		return apperrors.Validation("complexity", "must be between 1 and 5")
	}
	if !validTaskType(t.TaskType) {
		return apperrors.Validation("taskType", fmt.Sprintf("unknown task type '%s'", t.TaskType))
	}
	return nil
}

// WorkflowStatus is the workflow lifecycle state.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the status ends the workflow lifecycle.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

func validWorkflowStatus(s WorkflowStatus) bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Workflow is an instantiated playbook run owning child tasks.
type Workflow struct {
	Element
	Title         string            `json:"title"`
	Status        WorkflowStatus    `json:"status"`
	Ephemeral     bool              `json:"ephemeral"`
	Variables     map[string]string `json:"variables,omitempty"`
	PlaybookID    string            `json:"playbookId,omitempty"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CancelReason  string            `json:"cancelReason,omitempty"`
}

// Validate checks workflow field constraints.
func (w *Workflow) Validate() error {
	if w.Title == "" {
		return apperrors.MissingRequiredField("title")
	}
	if !validWorkflowStatus(w.Status) {
		return apperrors.Validation("status", fmt.Sprintf("unknown workflow status '%s'", w.Status))
	}
	return nil
}

// PlanStatus is the plan lifecycle state.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

// IsTerminal reports whether the status ends the plan lifecycle.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

func validPlanStatus(s PlanStatus) bool {
	switch s {
	case PlanDraft, PlanActive, PlanCompleted, PlanCancelled:
		return true
	}
	return false
}

// Plan groups tasks under an aggregate status driven by its members.
type Plan struct {
	Element
	Title  string     `json:"title"`
	Status PlanStatus `json:"status"`
}

// Validate checks plan field constraints.
func (p *Plan) Validate() error {
	if p.Title == "" {
		return apperrors.MissingRequiredField("title")
	}
	if !validPlanStatus(p.Status) {
		return apperrors.Validation("status", fmt.Sprintf("unknown plan status '%s'", p.Status))
	}
	return nil
}

// EntityType classifies an actor.
type EntityType string

const (
	EntityHuman  EntityType = "human"
	EntityAgent  EntityType = "agent"
	EntitySystem EntityType = "system"
)

func validEntityType(t EntityType) bool {
	switch t {
	case EntityHuman, EntityAgent, EntitySystem:
		return true
	}
	return false
}

var entityNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Entity is an actor: a human, an agent, or the system itself.
// Agent-specific fields live under metadata["agent"]; see AgentMeta.
type Entity struct {
	Element
	Name       string     `json:"name"`
	EntityType EntityType `json:"entityType"`
	IsActive   *bool      `json:"isActive,omitempty"`
}

// Active reports whether the entity is active; entities without the flag
// count as active.
func (e *Entity) Active() bool {
	return e.IsActive == nil || *e.IsActive
}

// Validate checks entity field constraints.
func (e *Entity) Validate() error {
	if e.Name == "" {
		return apperrors.MissingRequiredField("name")
	}
	if !entityNamePattern.MatchString(e.Name) {
		return apperrors.Validation("name", "must contain only letters, digits, hyphens, and underscores")
	}
	if !validEntityType(e.EntityType) {
		return apperrors.Validation("entityType", fmt.Sprintf("unknown entity type '%s'", e.EntityType))
	}
	return nil
}

// Team is a named set of entities. A task assigned to a team is claimable
// by any member.
type Team struct {
	Element
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// HasMember reports whether the entity id belongs to the team.
func (t *Team) HasMember(entityID string) bool {
	for _, m := range t.Members {
		if m == entityID {
			return true
		}
	}
	return false
}

// Validate checks team field constraints.
func (t *Team) Validate() error {
	if t.Name == "" {
		return apperrors.MissingRequiredField("name")
	}
	return nil
}

// Channel is an append-only message stream.
type Channel struct {
	Element
	Name string `json:"name"`
}

// Validate checks channel field constraints.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return apperrors.MissingRequiredField("name")
	}
	return nil
}

// Message is a single entry in a channel.
type Message struct {
	Element
	ChannelID string `json:"channelId"`
	Author    string `json:"author,omitempty"`
	Content   string `json:"content"`
}

// Validate checks message field constraints.
func (m *Message) Validate() error {
	if m.ChannelID == "" {
		return apperrors.MissingRequiredField("channelId")
	}
	if m.Content == "" {
		return apperrors.MissingRequiredField("content")
	}
	return nil
}

// ContentType classifies document content.
type ContentType string

const (
	ContentMarkdown ContentType = "markdown"
	ContentText     ContentType = "text"
	ContentJSON     ContentType = "json"
)

func validContentType(t ContentType) bool {
	switch t {
	case ContentMarkdown, ContentText, ContentJSON:
		return true
	}
	return false
}

// System document categories excluded from external sync.
const (
	CategoryTaskDescription = "task-description"
	CategoryMessageContent  = "message-content"
)

// Document is stored content: task descriptions, handoffs, notes.
type Document struct {
	Element
	Title       string      `json:"title,omitempty"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	Category    string      `json:"category,omitempty"`
}

// Validate checks document field constraints.
func (d *Document) Validate() error {
	if d.Content == "" {
		return apperrors.MissingRequiredField("content")
	}
	if !validContentType(d.ContentType) {
		return apperrors.Validation("contentType", fmt.Sprintf("unknown content type '%s'", d.ContentType))
	}
	return nil
}

// Library is a named container for documents. Libraries may nest via
// parent-child edges; a library has at most one parent and cannot contain
// itself.
type Library struct {
	Element
	Name string `json:"name"`
}

// Validate checks library field constraints.
func (l *Library) Validate() error {
	if l.Name == "" {
		return apperrors.MissingRequiredField("name")
	}
	return nil
}

// PlaybookRef records a registered playbook by name. The playbook body is
// parsed from YAML at load time; the element row makes it addressable.
type PlaybookRef struct {
	Element
	Name string `json:"name"`
}

// Validate checks playbook field constraints.
func (p *PlaybookRef) Validate() error {
	if p.Name == "" {
		return apperrors.MissingRequiredField("name")
	}
	return nil
}

// InboxSource says how a message landed in an inbox.
type InboxSource string

const (
	InboxDirect  InboxSource = "direct"
	InboxMention InboxSource = "mention"
)

// InboxStatus is the read-state of an inbox item.
type InboxStatus string

const (
	InboxUnread   InboxStatus = "unread"
	InboxRead     InboxStatus = "read"
	InboxArchived InboxStatus = "archived"
)

func validInboxStatus(s InboxStatus) bool {
	switch s {
	case InboxUnread, InboxRead, InboxArchived:
		return true
	}
	return false
}

// InboxItem binds a recipient to a channel message. At most one item exists
// per (recipient, message).
type InboxItem struct {
	Element
	Recipient string      `json:"recipient"`
	MessageID string      `json:"messageId"`
	ChannelID string      `json:"channelId"`
	Source    InboxSource `json:"source"`
	Status    InboxStatus `json:"status"`
	ReadAt    *time.Time  `json:"readAt,omitempty"`
}

// Validate checks inbox item field constraints.
func (i *InboxItem) Validate() error {
	if i.Recipient == "" {
		return apperrors.MissingRequiredField("recipient")
	}
	if i.MessageID == "" {
		return apperrors.MissingRequiredField("messageId")
	}
	if i.Source != InboxDirect && i.Source != InboxMention {
		return apperrors.Validation("source", fmt.Sprintf("unknown inbox source '%s'", i.Source))
	}
	if !validInboxStatus(i.Status) {
		return apperrors.Validation("status", fmt.Sprintf("unknown inbox status '%s'", i.Status))
	}
	return nil
}

// Validator is implemented by records with field constraints.
type Validator interface {
	Validate() error
}
