package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
)

// Emitter fans an agent's stdout events out to subscribers. Single producer
// (the session's stdout pump), any number of consumers; each consumer sees
// events in production order. Events produced before the first subscriber
// attaches are buffered and replayed to it, so the init handshake is not
// lost to callers that subscribe after Start returns.
type Emitter struct {
	mu        sync.Mutex
	sessionID string
	buffer    int
	subs      map[int]chan *AgentEvent
	nextSub   int
	backlog   []*AgentEvent
	delivered bool
	closed    bool
	log       *logger.Logger
}

func newEmitter(sessionID string, buffer int, log *logger.Logger) *Emitter {
	return &Emitter{
		sessionID: sessionID,
		buffer:    buffer,
		subs:      make(map[int]chan *AgentEvent),
		log:       log,
	}
}

// Subscribe returns a channel of session events and a cancel function. The
// channel is closed when the session's stdout stream ends or the
// subscription is cancelled. Slow consumers lose events rather than block
// the stream.
func (e *Emitter) Subscribe() (<-chan *AgentEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan *AgentEvent, e.buffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	if !e.delivered {
		for _, ev := range e.backlog {
			ch <- ev
		}
		e.backlog = nil
		e.delivered = true
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// emit delivers one event to every subscriber, or to the backlog when
// nobody has attached yet.
func (e *Emitter) emit(ev *AgentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if !e.delivered {
		if len(e.backlog) >= e.buffer {
			e.log.Warn("Session event backlog full, dropping event",
				zap.String("sessionId", e.sessionID),
				zap.String("eventType", string(ev.Type)))
			return
		}
		e.backlog = append(e.backlog, ev)
		return
	}

	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.Warn("Session event channel full, dropping event",
				zap.String("sessionId", e.sessionID),
				zap.String("eventType", string(ev.Type)))
		}
	}
}

// close ends the stream: all subscriber channels are closed and later
// subscribers receive an already-closed channel.
func (e *Emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.backlog = nil
}
