// Package session manages the lifecycle of external agent processes: spawn,
// resume from a provider session id, suspend, interrupt, and terminate, with
// checkpointing for crash recovery and an event emitter per session.
package session

import (
	"time"
)

// Status is the session lifecycle state. Transitions are driven by explicit
// operations plus process exit, never re-inferred from the external process.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Mode selects how the agent process is attached.
type Mode string

const (
	// ModeHeadless runs the agent on plain pipes.
	ModeHeadless Mode = "headless"
	// ModeInteractive runs the agent under a pseudo-terminal.
	ModeInteractive Mode = "interactive"
)

// Session is the tracked state of one external agent conversation. ID is
// local; ProviderSessionID is the opaque identifier the agent reports in its
// init event and accepts back via --resume.
type Session struct {
	ID                string
	ProviderSessionID string
	AgentID           string
	AgentRole         string
	TaskID            string
	Mode              Mode
	Status            Status
	WorkingDirectory  string
	Worktree          string
	PID               int
	CreatedAt         time.Time
	StartedAt         *time.Time
	LastActivityAt    time.Time
	EndedAt           *time.Time
	TerminationReason string
}

// Active reports whether the session still holds the agent's one active slot.
func (s *Session) Active() bool {
	return s.Status == StatusStarting || s.Status == StatusRunning
}

// Resumable reports whether the session can seed a --resume start.
func (s *Session) Resumable() bool {
	return s.Status != StatusTerminated && s.ProviderSessionID != ""
}

// EventType discriminates the NDJSON events an agent process writes to
// stdout.
type EventType string

const (
	EventInit      EventType = "init"
	EventAssistant EventType = "assistant"
	EventToolUse   EventType = "tool-use"
	EventResult    EventType = "result"
	EventExit      EventType = "exit"
)

// AgentEvent is one line of the agent's stdout stream.
type AgentEvent struct {
	Type              EventType      `json:"type"`
	ProviderSessionID string         `json:"providerSessionId,omitempty"`
	Message           string         `json:"message,omitempty"`
	Tool              string         `json:"tool,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
	ExitCode          int            `json:"exitCode,omitempty"`
}

// Terminated is one entry of the terminated-since-last-drain queue consumed
// by the daemon.
type Terminated struct {
	Session    *Session
	ExitCode   int
	Clean      bool
	LastResult *AgentEvent
}

// RateLimited is a pending rate-limit flag raised by the stdout pump and
// applied on the next daemon tick.
type RateLimited struct {
	SessionID string
	AgentID   string
	ResetAt   time.Time
	Message   string
}

// StartOptions configures a fresh session.
type StartOptions struct {
	WorkingDirectory string
	Worktree         string
	TaskID           string
	InitialPrompt    string
	Mode             Mode
}

// ResumeOptions reattaches to an existing provider conversation.
type ResumeOptions struct {
	ProviderSessionID string
	WorkingDirectory  string
	Worktree          string
	TaskID            string
	InitialPrompt     string
}

// StopOptions controls termination. Graceful sends SIGTERM and escalates to
// SIGKILL after the configured grace period.
type StopOptions struct {
	Graceful bool
	Reason   string
}

// ListFilter narrows Sessions results. Zero values match everything.
type ListFilter struct {
	AgentID string
	Role    string
	Status  Status
}

// Config holds the agent launch settings, normally fed from the central
// session.* configuration.
type Config struct {
	// Command is the agent binary; Args are prepended before any
	// per-session arguments such as --resume or the initial prompt.
	Command string
	Args    []string

	// SpawnTimeout bounds the handshake: the first stdout event must
	// arrive within it or the start is aborted.
	SpawnTimeout time.Duration

	// GracefulStopTimeout is how long a SIGTERM gets before SIGKILL.
	GracefulStopTimeout time.Duration

	// EventBuffer is the per-subscriber channel capacity on the emitter.
	EventBuffer int

	// Spawner overrides how agent processes are launched. Nil execs the
	// configured command; tests substitute an in-memory fake.
	Spawner Spawner
}

const (
	defaultSpawnTimeout        = 30 * time.Second
	defaultGracefulStopTimeout = 10 * time.Second
	defaultEventBuffer         = 256
)

func (c *Config) applyDefaults() {
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = defaultSpawnTimeout
	}
	if c.GracefulStopTimeout <= 0 {
		c.GracefulStopTimeout = defaultGracefulStopTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
}
