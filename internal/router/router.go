package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/codepod/internal/kernel"
	"github.com/danmuck/codepod/internal/observability"
	"github.com/danmuck/codepod/internal/protocol/wire"
	"github.com/rs/zerolog"
)

const DefaultBuffer = 256

// Subscription is the current listener for one session's events. Its
// channel is closed when the subscription is replaced or removed.
type Subscription struct {
	SessionID string
	events    chan Event
	dropped   atomic.Uint64
	closed    bool
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped counts events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Router delivers classified events to per-session subscribers.
type Router struct {
	buffer int
	ledger *RunLedger
	log    zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

func New(buffer int) *Router {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Router{
		buffer: buffer,
		ledger: NewRunLedger(),
		log:    observability.Component("router"),
		subs:   make(map[string]*Subscription),
	}
}

func (r *Router) Ledger() *RunLedger {
	return r.ledger
}

// Subscribe makes a new subscription the session's only listener, closing
// any previous one.
func (r *Router) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{SessionID: sessionID, events: make(chan Event, r.buffer)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.subs[sessionID]; ok {
		r.closeLocked(prev)
		r.log.Debug().Str("session", sessionID).Msg("router.Subscribe replaced listener")
	}
	r.subs[sessionID] = sub
	return sub
}

// Unsubscribe removes sub if it is still current. Closing a replaced
// subscription is a no-op.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.SessionID] == sub {
		delete(r.subs, sub.SessionID)
	}
	r.closeLocked(sub)
}

func (r *Router) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
}

// Current reports whether sub is still its session's listener.
func (r *Router) Current(sub *Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sub != nil && r.subs[sub.SessionID] == sub
}

// Subscribed reports whether sessionID has a listener.
func (r *Router) Subscribed(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[sessionID]
	return ok
}

// ReceiverFor adapts the router to one link's receive loop.
func (r *Router) ReceiverFor(sessionID, lang string) kernel.Receiver {
	return kernel.ReceiverFunc(func(_ string, msg wire.Message) {
		r.Route(sessionID, lang, msg)
	})
}

// Route classifies msg and queues the event for the session's listener.
func (r *Router) Route(sessionID, lang string, msg wire.Message) {
	ev, disp := Classify(lang, msg)
	switch disp {
	case Drop:
		observability.RecordDroppedEvent("classified")
		return
	case Unhandled:
		observability.RecordDroppedEvent("unhandled")
		return
	}
	ev.SessionID = sessionID
	r.track(ev)
	r.Publish(ev)
}

func (r *Router) track(ev Event) {
	if ev.MsgID == "" {
		return
	}
	now := time.Now()
	if ev.Topic != TopicStatus {
		r.ledger.Observe(ev.SessionID, ev.MsgID, "", now)
		return
	}
	switch ev.Status {
	case wire.StateIdle:
		if run, ok := r.ledger.Finish(ev.SessionID, ev.MsgID); ok {
			r.log.Debug().Str("session", ev.SessionID).Str("msg_id", run.MsgID).Int("events", run.Events).
				Dur("took", now.Sub(run.QueuedAt)).Msg("router run finished")
		}
	case wire.StateBusy:
		r.ledger.Observe(ev.SessionID, ev.MsgID, RunBusy, now)
	}
}

// Publish queues ev for its session without blocking.
func (r *Router) Publish(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[ev.SessionID]
	if !ok {
		observability.RecordDroppedEvent("no_subscriber")
		r.log.Debug().Str("session", ev.SessionID).Str("topic", ev.Topic).Msg("router dropped event without listener")
		return
	}
	select {
	case sub.events <- ev:
		observability.RecordRoutedEvent(ev.Topic)
	default:
		n := sub.dropped.Add(1)
		observability.RecordDroppedEvent("overflow")
		if n == 1 || n%100 == 0 {
			r.log.Warn().Str("session", ev.SessionID).Uint64("dropped", n).Msg("router subscriber queue full")
		}
	}
}

// Forget drops the session's listener and ledger entries.
func (r *Router) Forget(sessionID string) {
	r.mu.Lock()
	if sub, ok := r.subs[sessionID]; ok {
		delete(r.subs, sessionID)
		r.closeLocked(sub)
	}
	r.mu.Unlock()
	r.ledger.ForgetSession(sessionID)
}
