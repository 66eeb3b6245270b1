package ccrouter

import (
	"context"
	"sync"
	"time"
)

// DefaultPrepareForShutdownTimeout bounds how long shutdown waits for tracked messages.
const DefaultPrepareForShutdownTimeout = 5 * time.Second

type trackerKey struct {
	msgType MessageType
	id      string
}

// MessageTracker keeps the in-flight messages that shutdown waits for.
//
// Requests and replies are keyed by their request-reply id so a reply caller
// can release a request it no longer waits for. Stateless async calls and all
// other types are keyed by message id. Subscription replies are never tracked.
type MessageTracker struct {
	mu      sync.Mutex
	tracked map[trackerKey]struct{}
	empty   chan struct{}
	logger  Logger
}

// NewMessageTracker creates an empty tracker.
func NewMessageTracker(logger Logger) *MessageTracker {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	t := &MessageTracker{
		tracked: make(map[trackerKey]struct{}),
		empty:   make(chan struct{}),
		logger:  logger,
	}
	close(t.empty)
	return t
}

func trackerKeyFor(msg *ImmutableMessage) (trackerKey, bool, error) {
	if msg == nil {
		return trackerKey{}, false, ErrNilMessage
	}
	if !msg.Type.IsTrackable() {
		return trackerKey{}, false, nil
	}

	id := msg.ID
	if msg.Type == MessageTypeRequest || msg.Type == MessageTypeReply {
		if rrid := msg.RequestReplyID(); rrid != "" && !msg.IsStatelessAsync() {
			id = rrid
		}
	}
	if id == "" {
		return trackerKey{}, false, ErrEmptyMessageID
	}

	return trackerKey{msgType: msg.Type, id: id}, true, nil
}

// Register starts tracking msg. Registering the same message twice counts once.
func (t *MessageTracker) Register(msg *ImmutableMessage) error {
	key, ok, err := trackerKeyFor(msg)
	if err != nil || !ok {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.tracked) == 0 {
		t.empty = make(chan struct{})
	}
	t.tracked[key] = struct{}{}

	return nil
}

// Unregister stops tracking msg. Unknown messages are ignored.
func (t *MessageTracker) Unregister(msg *ImmutableMessage) error {
	key, ok, err := trackerKeyFor(msg)
	if err != nil || !ok {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(key)
	return nil
}

// UnregisterAfterReplyCallerExpired releases the request with the given
// request-reply id once its caller stopped waiting for the reply.
func (t *MessageTracker) UnregisterAfterReplyCallerExpired(requestReplyID string) error {
	if requestReplyID == "" {
		return ErrEmptyRequestReplyID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(trackerKey{msgType: MessageTypeRequest, id: requestReplyID})
	return nil
}

func (t *MessageTracker) removeLocked(key trackerKey) {
	if _, ok := t.tracked[key]; !ok {
		return
	}
	delete(t.tracked, key)
	if len(t.tracked) == 0 {
		close(t.empty)
	}
}

// Count returns the number of tracked messages.
func (t *MessageTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// PrepareForShutdown blocks until no message is tracked or ctx is done.
// It returns ErrShutdownTimeout if messages were still tracked.
func (t *MessageTracker) PrepareForShutdown(ctx context.Context) error {
	t.mu.Lock()
	empty := t.empty
	t.mu.Unlock()

	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		remaining := t.Count()
		if remaining == 0 {
			return nil
		}
		t.logger.Warn("shutdown with tracked messages remaining", LogFields{LogFieldCount: remaining})
		return ErrShutdownTimeout
	}
}
