// Package element defines the typed records managed by the Stoneforge store:
// a common Element base plus one concrete type per record kind.
package element

import (
	"sort"
	"time"
)

// Type tags a record kind. The set is closed.
type Type string

const (
	TypeTask       Type = "task"
	TypeWorkflow   Type = "workflow"
	TypePlan       Type = "plan"
	TypeEntity     Type = "entity"
	TypeTeam       Type = "team"
	TypeChannel    Type = "channel"
	TypeMessage    Type = "message"
	TypeDocument   Type = "document"
	TypeLibrary    Type = "library"
	TypePlaybook   Type = "playbook"
	TypeDependency Type = "dependency"
	TypeEvent      Type = "event"
	TypeInboxItem  Type = "inbox-item"
)

// Types lists every valid record kind.
var Types = []Type{
	TypeTask, TypeWorkflow, TypePlan, TypeEntity, TypeTeam, TypeChannel,
	TypeMessage, TypeDocument, TypeLibrary, TypePlaybook, TypeDependency,
	TypeEvent, TypeInboxItem,
}

// ValidType reports whether t is a known record kind.
func ValidType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Element is the common base record embedded in every concrete type.
// The store exclusively owns each element's row; everything else refers to
// elements by id only.
type Element struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	CreatedBy string         `json:"createdBy,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Base returns the embedded Element; every concrete record satisfies Record
// through this method.
func (e *Element) Base() *Element { return e }

// HasTag reports whether the element carries the given tag.
func (e *Element) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag adds a tag, preserving set semantics.
func (e *Element) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Tags = append(e.Tags, tag)
		sort.Strings(e.Tags)
	}
}

// NormalizeTags sorts tags and removes duplicates in place.
func (e *Element) NormalizeTags() {
	if len(e.Tags) < 2 {
		return
	}
	sort.Strings(e.Tags)
	out := e.Tags[:1]
	for _, t := range e.Tags[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	e.Tags = out
}

// MetaString returns metadata[key] when it is a string.
func (e *Element) MetaString(key string) (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	v, ok := e.Metadata[key].(string)
	return v, ok
}

// SetMeta sets a metadata key, allocating the map on first use.
func (e *Element) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
}

// Record is any concrete element type. The store persists Records and
// returns them typed.
type Record interface {
	Base() *Element
}

// New returns an empty record of the given type, used when decoding rows.
func New(t Type) Record {
	switch t {
	case TypeTask:
		return &Task{Element: Element{Type: t}}
	case TypeWorkflow:
		return &Workflow{Element: Element{Type: t}}
	case TypePlan:
		return &Plan{Element: Element{Type: t}}
	case TypeEntity:
		return &Entity{Element: Element{Type: t}}
	case TypeTeam:
		return &Team{Element: Element{Type: t}}
	case TypeChannel:
		return &Channel{Element: Element{Type: t}}
	case TypeMessage:
		return &Message{Element: Element{Type: t}}
	case TypeDocument:
		return &Document{Element: Element{Type: t}}
	case TypeLibrary:
		return &Library{Element: Element{Type: t}}
	case TypePlaybook:
		return &PlaybookRef{Element: Element{Type: t}}
	case TypeInboxItem:
		return &InboxItem{Element: Element{Type: t}}
	default:
		return nil
	}
}
