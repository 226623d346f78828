// Package localbus is an in-process remote.Bus. It backs tests and
// embedded deployments that don't need a real message broker: commands
// are dispatched synchronously to the subscribed handler, and events are
// delivered via Go channels, with per-index delivery goroutines that
// preserve the FIFO ordering guarantee the spec requires for a single
// ScriptInfo's event stream.
package localbus

import (
	"context"
	"errors"
	"sync"

	"scriptqueue/internal/remote"
)

// ErrClosed is returned by Bus methods once Close has been called.
var ErrClosed = errors.New("localbus: closed")

type indexQueue struct {
	ch   chan remote.Event
	done chan struct{}
}

// Bus is a remote.Bus backed by in-process channels.
type Bus struct {
	mu       sync.Mutex
	closed   bool
	cmdSubs  map[int]remote.CommandHandler
	evtSubs  map[int]remote.EventHandler // subscription id -> handler
	evtNext  int
	perIndex map[int]*indexQueue // event delivery queues, one per script index
}

// New creates an empty, unconnected Bus.
func New() *Bus {
	return &Bus{
		cmdSubs:  make(map[int]remote.CommandHandler),
		evtSubs:  make(map[int]remote.EventHandler),
		perIndex: make(map[int]*indexQueue),
	}
}

func (b *Bus) SendCommand(ctx context.Context, index int, cmd any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	h := b.cmdSubs[index]
	b.mu.Unlock()

	if h == nil {
		// No child currently subscribed for this index; the spec treats
		// commands to unknown/dead scripts as the caller's problem, not
		// the bus's, so this is not an error.
		return nil
	}
	h(cmd)
	return nil
}

func (b *Bus) SubscribeCommands(index int, h remote.CommandHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.cmdSubs[index] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.cmdSubs[index] != nil {
			delete(b.cmdSubs, index)
		}
	}, nil
}

func (b *Bus) PublishEvent(ctx context.Context, index int, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q := b.queueForLocked(index)
	b.mu.Unlock()

	select {
	case q.ch <- remote.Event{Index: index, Payload: payload}:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// queueForLocked returns (creating if necessary) the delivery queue for
// index, and starts its pump goroutine. Must be called with b.mu held.
func (b *Bus) queueForLocked(index int) *indexQueue {
	if q, ok := b.perIndex[index]; ok {
		return q
	}
	q := &indexQueue{ch: make(chan remote.Event, 64), done: make(chan struct{})}
	b.perIndex[index] = q
	go b.pump(index, q)
	return q
}

// pump delivers events for one script index to every current subscriber,
// in the order PublishEvent was called — the per-ScriptInfo FIFO
// ordering guarantee.
func (b *Bus) pump(index int, q *indexQueue) {
	for {
		select {
		case ev, ok := <-q.ch:
			if !ok {
				return
			}
			b.mu.Lock()
			handlers := make([]remote.EventHandler, 0, len(b.evtSubs))
			for _, h := range b.evtSubs {
				handlers = append(handlers, h)
			}
			b.mu.Unlock()
			for _, h := range handlers {
				h(ev)
			}
		case <-q.done:
			return
		}
	}
}

func (b *Bus) SubscribeEvents(h remote.EventHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.evtNext
	b.evtNext++
	b.evtSubs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.evtSubs, id)
	}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.perIndex {
		close(q.done)
	}
	return nil
}
