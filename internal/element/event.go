package element

import "time"

// Event is one append-only audit record. OldValue and NewValue hold JSON
// snapshots (or bare strings for status-changed events). The journal is the
// source of truth for element history; bus publication only mirrors it.
type Event struct {
	ID        string    `json:"id"`
	ElementID string    `json:"elementId"`
	EventType string    `json:"eventType"`
	Actor     string    `json:"actor,omitempty"`
	OldValue  string    `json:"oldValue,omitempty"`
	NewValue  string    `json:"newValue,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
