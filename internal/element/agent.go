package element

import (
	"encoding/json"
	"time"
)

// Agent roles recognized by the dispatch loop.
const (
	RoleWorker  = "worker"
	RoleSteward = "steward"
)

const agentMetaKey = "agent"

// Trigger schedules autonomous agent work. Only cron triggers are
// recognized today.
type Trigger struct {
	Type     string `json:"type"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt,omitempty"`
}

// AgentMeta is the agent-specific block stored under metadata["agent"] on
// an entity. Entities without the block are not agents.
type AgentMeta struct {
	Role               string     `json:"role,omitempty"`
	MaxConcurrentTasks int        `json:"maxConcurrentTasks,omitempty"`
	ChannelID          string     `json:"channelId,omitempty"`
	Triggers           []Trigger  `json:"triggers,omitempty"`
	RateLimitResetAt   *time.Time `json:"rateLimitResetAt,omitempty"`
	LastDispatchedAt   *time.Time `json:"lastDispatchedAt,omitempty"`
}

// RateLimited reports whether the agent is inside a rate-limit window.
func (a *AgentMeta) RateLimited(now time.Time) bool {
	return a.RateLimitResetAt != nil && now.Before(*a.RateLimitResetAt)
}

// TaskCapacity returns the concurrent-task limit, defaulting to 1.
func (a *AgentMeta) TaskCapacity() int {
	if a.MaxConcurrentTasks <= 0 {
		return 1
	}
	return a.MaxConcurrentTasks
}

// AgentMetaOf extracts the agent block from an entity's metadata. The
// second return is false when the entity carries no agent block. Metadata
// values survive storage as generic JSON, so the block is re-decoded
// through a marshal round-trip.
func AgentMetaOf(e *Entity) (*AgentMeta, bool) {
	raw, ok := e.Metadata[agentMetaKey]
	if !ok || raw == nil {
		return nil, false
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var meta AgentMeta
	if err := json.Unmarshal(buf, &meta); err != nil {
		return nil, false
	}
	return &meta, true
}

// SetAgentMeta writes the agent block into the entity's metadata, storing
// it as generic JSON so it round-trips identically through the store.
func SetAgentMeta(e *Entity, meta *AgentMeta) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	var generic map[string]any
	if err := json.Unmarshal(buf, &generic); err != nil {
		return err
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[agentMetaKey] = generic
	return nil
}

// IsAgent reports whether the entity is an agent with the given role. An
// empty role matches any agent.
func IsAgent(e *Entity, role string) bool {
	if e.EntityType != EntityAgent {
		return false
	}
	meta, ok := AgentMetaOf(e)
	if !ok {
		return false
	}
	return role == "" || meta.Role == role
}
