package channel

import (
	"sort"
	"sync"
	"sync/atomic"

	"relaybot/internal/domain"
)

// emitter is the subscribe/notify core shared by all adapters: a status
// state machine with idempotent transitions plus a message fan-out.
//
// subMu guards the subscriber maps only. dispatchMu serializes transitions
// and message delivery so observers see status changes strictly ordered and
// messages in provider order. The current status lives in an atomic so
// handlers can read it without re-entering a lock.
type emitter struct {
	subMu      sync.Mutex
	dispatchMu sync.Mutex
	status     atomic.Value // domain.ChannelStatus

	nextSubID  int
	msgSubs    map[int]domain.MessageHandler
	statusSubs map[int]domain.StatusHandler
}

func (e *emitter) init() {
	e.msgSubs = make(map[int]domain.MessageHandler)
	e.statusSubs = make(map[int]domain.StatusHandler)
	e.status.Store(domain.StatusDisconnected)
}

// Status returns the current connection status.
func (e *emitter) Status() domain.ChannelStatus {
	return e.status.Load().(domain.ChannelStatus)
}

// setStatus transitions to s and notifies subscribers. Setting the current
// status again is a no-op: no event is re-emitted.
func (e *emitter) setStatus(s domain.ChannelStatus) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	if e.Status() == s {
		return
	}
	e.status.Store(s)
	for _, h := range e.statusHandlers() {
		h(s)
	}
}

// emit delivers a normalized message to all subscribers in registration
// order. Also used to re-deliver an enriched copy under the same message ID.
func (e *emitter) emit(msg domain.ChannelMessage) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	for _, h := range e.messageHandlers() {
		h(msg)
	}
}

// OnMessage registers a message handler. The returned func removes exactly
// this registration; it cannot affect other subscribers.
func (e *emitter) OnMessage(h domain.MessageHandler) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	e.msgSubs[id] = h
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.msgSubs, id)
	}
}

// OnStatusChange registers a status handler with the same unsubscribe
// semantics as OnMessage.
func (e *emitter) OnStatusChange(h domain.StatusHandler) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	e.statusSubs[id] = h
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.statusSubs, id)
	}
}

func (e *emitter) messageHandlers() []domain.MessageHandler {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	ids := make([]int, 0, len(e.msgSubs))
	for id := range e.msgSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]domain.MessageHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.msgSubs[id])
	}
	return out
}

func (e *emitter) statusHandlers() []domain.StatusHandler {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	ids := make([]int, 0, len(e.statusSubs))
	for id := range e.statusSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]domain.StatusHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.statusSubs[id])
	}
	return out
}
