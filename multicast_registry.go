package ccrouter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/multierr"
)

// MulticastReceiverRegistrar registers participants as multicast receivers.
type MulticastReceiverRegistrar interface {
	RegisterMulticastReceiver(multicastID, participantID string) error
	UnregisterMulticastReceiver(multicastID, participantID string) error
}

// MulticastSubscriber subscribes the node to multicasts published on a
// transport. Implementations count registrations per multicast id.
type MulticastSubscriber interface {
	RegisterMulticastSubscription(multicastID string) error
	UnregisterMulticastSubscription(multicastID string) error
}

// MulticastReceiverRegistry maps multicast id patterns to receiver participant ids.
// It is safe for concurrent use; lookups only take a read lock.
type MulticastReceiverRegistry struct {
	mu        sync.RWMutex
	matcher   *multicastMatcher
	receivers map[string]map[string]struct{} // pattern -> participant ids
}

// NewMulticastReceiverRegistry creates an empty registry.
func NewMulticastReceiverRegistry() *MulticastReceiverRegistry {
	return &MulticastReceiverRegistry{
		matcher:   newMulticastMatcher(),
		receivers: make(map[string]map[string]struct{}),
	}
}

// Register adds participantID as a receiver of multicastID.
// multicastID may contain "+" and a trailing "*" wildcard.
func (r *MulticastReceiverRegistry) Register(multicastID, participantID string) error {
	if err := ValidateMulticastPattern(multicastID); err != nil {
		return fmt.Errorf("%w: %q", err, multicastID)
	}
	if participantID == "" {
		return ErrEmptyParticipantID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.receivers[multicastID]
	if !ok {
		ids = make(map[string]struct{})
		r.receivers[multicastID] = ids
	}
	ids[participantID] = struct{}{}
	r.matcher.add(multicastID, participantID)

	return nil
}

// Unregister removes participantID from multicastID and reports whether it was registered.
func (r *MulticastReceiverRegistry) Unregister(multicastID, participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.receivers[multicastID]
	if !ok {
		return false
	}
	if _, ok := ids[participantID]; !ok {
		return false
	}

	delete(ids, participantID)
	if len(ids) == 0 {
		delete(r.receivers, multicastID)
	}
	r.matcher.remove(multicastID, participantID)

	return true
}

// GetReceivers returns the sorted receivers of a published multicast id,
// combining exact and wildcard registrations.
func (r *MulticastReceiverRegistry) GetReceivers(multicastID string) []string {
	if ValidateMulticastID(multicastID) != nil {
		return nil
	}

	found := make(map[string]struct{})

	r.mu.RLock()
	r.matcher.match(multicastID, found)
	r.mu.RUnlock()

	if len(found) == 0 {
		return nil
	}

	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	slices.Sort(out)

	return out
}

// Receivers returns a snapshot of all registrations keyed by pattern.
func (r *MulticastReceiverRegistry) Receivers() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.receivers))
	for pattern, ids := range r.receivers {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		slices.Sort(list)
		out[pattern] = list
	}
	return out
}

// Len returns the number of registered patterns.
func (r *MulticastReceiverRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.receivers)
}

// SaveToFile writes a JSON snapshot of all registrations to path.
// The file is replaced atomically.
func (r *MulticastReceiverRegistry) SaveToFile(path string) error {
	data, err := json.MarshalIndent(r.Receivers(), "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// LoadFromFile adds the registrations stored at path.
// A missing file is not an error. Invalid entries are skipped and reported.
func (r *MulticastReceiverRegistry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var stored map[string][]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode multicast receivers %s: %w", path, err)
	}

	var errs error
	for pattern, ids := range stored {
		for _, id := range ids {
			if err := r.Register(pattern, id); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("receiver %q of %q: %w", id, pattern, err))
			}
		}
	}

	return errs
}
