package events

import (
	"context"
	"slices"
	"sync"
)

// DeliveryMode selects what Notify does when a listener channel is full
type DeliveryMode int

const (
	// DropWhenFull skips a full listener. Suited to state snapshots where only the latest value matters.
	DropWhenFull DeliveryMode = iota
	// BlockUntilDelivered waits for every listener, preserving order and never losing a value.
	// Listeners must keep draining their channel until they unregister.
	BlockUntilDelivered
)

type channelListener[T any] struct {
	ch   chan<- T
	done chan struct{} // closed on unregister so a blocked Notify gives up on this listener
}

// ChannelEvent provides pub/sub behavior using channels
// T is the type of the value sent to channels
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	notifyMu              sync.Mutex // serializes notifications so listeners observe one global order
	listeners             map[uint64]*channelListener[T]
	nextID                uint64
	mode                  DeliveryMode
	sendLastEventOnListen bool
	lastEvent             *T
}

// NewChannelEvent creates a ChannelEvent that drops values for full listeners.
// sendLastEventOnListen: if true, the ChannelEvent remembers the last Notify parameter
// and offers it to new listeners immediately.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return NewChannelEventWithMode[T](DropWhenFull, sendLastEventOnListen)
}

// NewChannelEventWithMode creates a ChannelEvent with an explicit delivery mode
func NewChannelEventWithMode[T any](mode DeliveryMode, sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		listeners:             make(map[uint64]*channelListener[T]),
		mode:                  mode,
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers a channel to receive values when Notify is invoked
// Returns a deregistration function that can be called to remove the listener
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	l := &channelListener[T]{ch: ch, done: make(chan struct{})}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	var last *T
	if e.sendLastEventOnListen && e.lastEvent != nil {
		v := *e.lastEvent
		last = &v
	}
	e.mu.Unlock()

	// The replayed value is best effort in both modes; a new listener has not started draining yet
	if last != nil {
		select {
		case ch <- *last:
		default:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
			close(l.done)
		})
	}
}

// Notify sends value to every registered channel. In BlockUntilDelivered mode it waits
// for each listener; use NotifyContext to bound the wait.
func (e *ChannelEvent[T]) Notify(value T) {
	_ = e.NotifyContext(context.Background(), value)
}

// NotifyContext is Notify with a cancellation bound for BlockUntilDelivered listeners.
// It returns ctx.Err() if the context ends before every listener received the value.
func (e *ChannelEvent[T]) NotifyContext(ctx context.Context, value T) error {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if e.sendLastEventOnListen {
		v := value
		e.lastEvent = &v
	}
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	targets := make([]*channelListener[T], 0, len(ids))
	for _, id := range ids {
		targets = append(targets, e.listeners[id])
	}
	e.mu.Unlock()

	for _, l := range targets {
		if e.mode == DropWhenFull {
			select {
			case l.ch <- value:
			default:
				// Channel is full, skip this channel
			}
			continue
		}
		select {
		case l.ch <- value:
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
