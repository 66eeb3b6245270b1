package ccrouter

import (
	"sync"
)

// AccessController decides whether the recipient of a message may consume it.
// Calls must be fast; the router invokes it from a worker.
type AccessController interface {
	HasConsumerPermission(msg *ImmutableMessage) bool
}

// AccessControllerFunc adapts a function to AccessController.
type AccessControllerFunc func(msg *ImmutableMessage) bool

// HasConsumerPermission calls f(msg).
func (f AccessControllerFunc) HasConsumerPermission(msg *ImmutableMessage) bool {
	return f(msg)
}

// MessageProcessedListener is notified once per message when the router is
// done with it, whether delivery succeeded or failed.
type MessageProcessedListener interface {
	MessageProcessed(messageID string)
}

// MessageProcessedListenerFunc adapts a function to MessageProcessedListener.
type MessageProcessedListenerFunc func(messageID string)

// MessageProcessed calls f(messageID).
func (f MessageProcessedListenerFunc) MessageProcessed(messageID string) {
	f(messageID)
}

// listenerSet holds the registered listeners. Handles returned by add are
// used to unregister, since function values are not comparable.
type listenerSet struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]MessageProcessedListener
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[uint64]MessageProcessedListener)}
}

func (s *listenerSet) add(l MessageProcessedListener) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.listeners[s.nextID] = l
	return s.nextID
}

func (s *listenerSet) remove(id uint64) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

func (s *listenerSet) notify(messageID string) {
	s.mu.RLock()
	listeners := make([]MessageProcessedListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l.MessageProcessed(messageID)
	}
}
