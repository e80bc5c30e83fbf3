// Package handoff records context transfers between agent sessions. A
// handoff is a document + channel message + source-session suspension
// triple; the provider session id in the document is what lets the next
// session pick the conversation back up.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Handoff kinds, recorded as metadata.handoffType on the document.
const (
	KindSelf  = "self"
	KindAgent = "agent"
)

// Document tags. TagHandoff marks every handoff; the kind tag rides along.
const (
	TagHandoff      = "handoff"
	TagSelfHandoff  = "self-handoff"
	TagAgentHandoff = "agent-handoff"
)

// MessageTypeHandoff is the metadata.type marker on handoff channel
// messages.
const MessageTypeHandoff = "HANDOFF"

const (
	metaHandoffType = "handoffType"
	metaFromAgentID = "fromAgentId"
	metaToAgentID   = "toAgentId"
	metaDocumentID  = "handoffDocumentId"
)

// Options carries the handoff payload supplied by the outgoing agent.
type Options struct {
	ContextSummary string
	NextSteps      []string
	Reason         string
	TaskIDs        []string
	Metadata       map[string]any
}

// payload is the structured record shared by the document content and the
// channel message content.
type payload struct {
	Type              string    `json:"type"`
	FromAgentID       string    `json:"fromAgentId"`
	ToAgentID         string    `json:"toAgentId,omitempty"`
	ContextSummary    string    `json:"contextSummary"`
	NextSteps         []string  `json:"nextSteps,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	ProviderSessionID string    `json:"providerSessionId"`
	TaskIDs           []string  `json:"taskIds,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Result reports the writes a handoff made. On a mid-flight failure the
// ids written before the failing step are still filled in; nothing is
// rolled back.
type Result struct {
	HandoffDocumentID string
	MessageID         string
	SuspendedSession  *session.Session
}

// Handoff is a recorded transfer, decoded from its document.
type Handoff struct {
	DocumentID        string
	Kind              string
	FromAgentID       string
	ToAgentID         string
	ContextSummary    string
	NextSteps         []string
	Reason            string
	ProviderSessionID string
	TaskIDs           []string
	CreatedAt         time.Time
}

// SessionManager is the slice of the session manager the handoff service
// drives.
type SessionManager interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Suspend(ctx context.Context, id, reason string) error
	Sessions(ctx context.Context, f session.ListFilter) ([]*session.Session, error)
}

// Service performs and queries handoffs.
type Service struct {
	store    store.Store
	sessions SessionManager
	bus      bus.EventBus
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a handoff service.
func NewService(st store.Store, sm SessionManager, eb bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		sessions: sm,
		bus:      eb,
		log:      log.WithFields(zap.String("component", "handoff")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SelfHandoff hands a running session off to a future session of the same
// agent: it writes the handoff document, posts a HANDOFF message to the
// agent's own channel, and suspends the session so its provider session id
// survives. The three writes are not transactional; a failure after the
// first one returns the partial Result alongside the error.
func (s *Service) SelfHandoff(ctx context.Context, agentID, sessionID string, opts Options) (*Result, error) {
	return s.perform(ctx, KindSelf, agentID, "", sessionID, opts)
}

// HandoffToAgent hands a running session off to a different agent. The
// message goes to the target agent's channel, and the target's id is
// recorded on the document so incoming-handoff queries find it.
func (s *Service) HandoffToAgent(ctx context.Context, fromID, toID, sessionID string, opts Options) (*Result, error) {
	if toID == "" {
		return nil, apperrors.MissingRequiredField("toAgentId")
	}
	if toID == fromID {
		return nil, apperrors.Validation("toAgentId", "target agent is the source agent; use a self-handoff")
	}
	return s.perform(ctx, KindAgent, fromID, toID, sessionID, opts)
}

func (s *Service) perform(ctx context.Context, kind, fromID, toID, sessionID string, opts Options) (*Result, error) {
	if opts.ContextSummary == "" {
		return nil, apperrors.MissingRequiredField("contextSummary")
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.AgentID != fromID {
		return nil, apperrors.WrongAgent(sessionID, fromID)
	}
	if sess.Status != session.StatusRunning {
		return nil, apperrors.InvalidInput(fmt.Sprintf("session '%s' is not running", sessionID))
	}

	channelOwner := fromID
	if kind == KindAgent {
		channelOwner = toID
	}
	channelID, err := s.agentChannel(ctx, channelOwner)
	if err != nil {
		return nil, err
	}

	now := s.now()
	content, err := json.Marshal(&payload{
		Type:              "handoff",
		FromAgentID:       fromID,
		ToAgentID:         toID,
		ContextSummary:    opts.ContextSummary,
		NextSteps:         opts.NextSteps,
		Reason:            opts.Reason,
		ProviderSessionID: sess.ProviderSessionID,
		TaskIDs:           opts.TaskIDs,
		CreatedAt:         now,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode handoff payload")
	}

	// User metadata first so the reserved keys below always win; the
	// LastHandoff queries depend on them.
	meta := make(map[string]any, len(opts.Metadata)+3)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	meta[metaHandoffType] = kind
	meta[metaFromAgentID] = fromID
	tags := []string{TagHandoff, TagSelfHandoff}
	title := fmt.Sprintf("Handoff from %s", fromID)
	if kind == KindAgent {
		meta[metaToAgentID] = toID
		tags = []string{TagHandoff, TagAgentHandoff}
		title = fmt.Sprintf("Handoff from %s to %s", fromID, toID)
	}

	doc := &element.Document{
		Element:     element.Element{Tags: tags, Metadata: meta},
		Title:       title,
		Content:     string(content),
		ContentType: element.ContentJSON,
	}
	if err := s.store.Create(ctx, doc, fromID); err != nil {
		return nil, apperrors.Wrap(err, "failed to create handoff document")
	}
	res := &Result{HandoffDocumentID: doc.ID}

	msg := &element.Message{
		Element: element.Element{Metadata: map[string]any{
			"type":          MessageTypeHandoff,
			metaHandoffType: kind,
			metaDocumentID:  doc.ID,
		}},
		ChannelID: channelID,
		Author:    fromID,
		Content:   string(content),
	}
	if err := s.store.Create(ctx, msg, fromID); err != nil {
		return res, apperrors.Wrap(err, "handoff document created but message post failed")
	}
	res.MessageID = msg.ID

	// Land the message in the channel owner's inbox so the dispatch loop
	// wakes them up. Delivery is best-effort; the document and message are
	// the durable record.
	item := &element.InboxItem{
		Recipient: channelOwner,
		MessageID: msg.ID,
		ChannelID: channelID,
		Source:    element.InboxDirect,
		Status:    element.InboxUnread,
	}
	if err := s.store.Create(ctx, item, fromID); err != nil {
		s.log.Warn("Failed to create handoff inbox item",
			zap.String("recipient", channelOwner), zap.Error(err))
	}

	if err := s.sessions.Suspend(ctx, sessionID, suspendReason(kind, toID, opts)); err != nil {
		return res, apperrors.Wrap(err, "handoff recorded but session suspension failed")
	}
	suspended, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return res, apperrors.Wrap(err, "handoff recorded but the suspended session could not be read back")
	}
	res.SuspendedSession = suspended

	if err := s.store.AppendEvent(ctx, &element.Event{
		ElementID: fromID,
		EventType: events.HandoffOccurred,
		Actor:     fromID,
		OldValue:  sessionID,
		NewValue:  doc.ID,
	}); err != nil {
		s.log.Warn("Failed to journal handoff", zap.String("documentId", doc.ID), zap.Error(err))
	}

	event := bus.NewEvent(events.SubjectHandoffOccurred, "handoff", map[string]interface{}{
		"handoffDocumentId": doc.ID,
		"handoffType":       kind,
		"fromAgentId":       fromID,
		"toAgentId":         toID,
		"sessionId":         sessionID,
	})
	if err := s.bus.Publish(ctx, events.SubjectHandoffOccurred, event); err != nil {
		s.log.Warn("Failed to publish handoff event", zap.Error(err))
	}

	s.log.Info("Handoff recorded",
		zap.String("documentId", doc.ID),
		zap.String("handoffType", kind),
		zap.String("fromAgentId", fromID),
		zap.String("toAgentId", toID),
		zap.String("sessionId", sessionID))
	return res, nil
}

// suspendReason builds the termination reason stored on the suspended
// session. The free-text reason falls back to the context summary so the
// suspension always says what it was for.
func suspendReason(kind, toID string, opts Options) string {
	reason := opts.Reason
	if reason == "" {
		reason = opts.ContextSummary
	}
	if kind == KindAgent {
		return fmt.Sprintf("Handoff to %s: %s", toID, reason)
	}
	return "Self-handoff: " + reason
}

// agentChannel resolves the channel an agent receives handoffs on.
func (s *Service) agentChannel(ctx context.Context, agentID string) (string, error) {
	ent, err := store.GetEntity(ctx, s.store, agentID)
	if err != nil {
		return "", err
	}
	meta, ok := element.AgentMetaOf(ent)
	if !ok || meta.ChannelID == "" {
		return "", apperrors.Validation("channelId", fmt.Sprintf("agent '%s' has no channel", agentID))
	}
	return meta.ChannelID, nil
}

// LastHandoff returns the newest handoff involving agentID, either recorded
// by it (fromAgentId) or addressed to it (toAgentId). NOT_FOUND when the
// agent has none.
func (s *Service) LastHandoff(ctx context.Context, agentID string) (*Handoff, error) {
	newest, err := s.newestByMeta(ctx, metaFromAgentID, agentID)
	if err != nil {
		return nil, err
	}
	incoming, err := s.newestByMeta(ctx, metaToAgentID, agentID)
	if err != nil {
		return nil, err
	}
	if incoming != nil && (newest == nil || incoming.CreatedAt.After(newest.CreatedAt)) {
		newest = incoming
	}
	if newest == nil {
		return nil, apperrors.NotFound("handoff", agentID)
	}
	return decodeDocument(newest)
}

// HasPendingHandoff reports whether agentID's newest handoff has not yet
// been followed by a new session: the daemon uses it to decide between a
// resume and a cold start. A handoff counts as consumed as soon as any
// session for the agent starts after it was recorded.
func (s *Service) HasPendingHandoff(ctx context.Context, agentID string) (bool, error) {
	h, err := s.LastHandoff(ctx, agentID)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sessions, err := s.sessions.Sessions(ctx, session.ListFilter{AgentID: agentID})
	if err != nil {
		return false, err
	}
	for _, sess := range sessions {
		if sess.CreatedAt.After(h.CreatedAt) {
			return false, nil
		}
	}
	return true, nil
}

// newestByMeta returns the newest handoff document whose metadata key
// equals agentID, or nil when there is none.
func (s *Service) newestByMeta(ctx context.Context, key, agentID string) (*element.Document, error) {
	recs, err := s.store.List(ctx, store.Filter{
		Type:        element.TypeDocument,
		Tags:        []string{TagHandoff},
		Meta:        map[string]string{key: agentID},
		NewestFirst: true,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	doc, ok := recs[0].(*element.Document)
	if !ok {
		return nil, nil
	}
	return doc, nil
}

// decodeDocument rehydrates a Handoff from a stored document.
func decodeDocument(doc *element.Document) (*Handoff, error) {
	var p payload
	if err := json.Unmarshal([]byte(doc.Content), &p); err != nil {
		return nil, apperrors.Wrap(err, fmt.Sprintf("failed to decode handoff document '%s'", doc.ID))
	}
	kind, _ := doc.MetaString(metaHandoffType)
	return &Handoff{
		DocumentID:        doc.ID,
		Kind:              kind,
		FromAgentID:       p.FromAgentID,
		ToAgentID:         p.ToAgentID,
		ContextSummary:    p.ContextSummary,
		NextSteps:         p.NextSteps,
		Reason:            p.Reason,
		ProviderSessionID: p.ProviderSessionID,
		TaskIDs:           p.TaskIDs,
		CreatedAt:         p.CreatedAt,
	}, nil
}
