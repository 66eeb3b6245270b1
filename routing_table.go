package ccrouter

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// NoExpiry is the expiry date of entries that never expire on their own.
const NoExpiry int64 = math.MaxInt64

// DefaultRoutingEntryTTL is the lifetime of an entry put without an expiry date.
const DefaultRoutingEntryTTL = 30 * 24 * time.Hour

// RoutingEntry is the routing information of one participant.
type RoutingEntry struct {
	ParticipantID     string
	Address           Address
	IsGloballyVisible bool
	ExpiryDateMs      int64
	IsSticky          bool
	Gbids             []string
}

// EntryOption configures a single Put.
type EntryOption func(*RoutingEntry)

// WithExpiryDate sets the absolute expiry date in unix milliseconds.
func WithExpiryDate(expiryDateMs int64) EntryOption {
	return func(e *RoutingEntry) {
		e.ExpiryDateMs = expiryDateMs
	}
}

// WithSticky makes the entry immune to expiry and removal.
func WithSticky() EntryOption {
	return func(e *RoutingEntry) {
		e.IsSticky = true
	}
}

// WithGbids sets the backends the participant is reachable through.
func WithGbids(gbids ...string) EntryOption {
	return func(e *RoutingEntry) {
		e.Gbids = slices.Clone(gbids)
	}
}

// RoutingTableOption configures a RoutingTable.
type RoutingTableOption func(*RoutingTable)

// WithGracePeriod sets how long expired entries are kept before the sweep removes them.
func WithGracePeriod(d time.Duration) RoutingTableOption {
	return func(t *RoutingTable) {
		if d >= 0 {
			t.gracePeriodMs = d.Milliseconds()
		}
	}
}

// WithTableLogger sets the logger.
func WithTableLogger(logger Logger) RoutingTableOption {
	return func(t *RoutingTable) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDefaultExpiry sets the lifetime of entries put without WithExpiryDate.
// A non-positive d makes such entries never expire.
func WithDefaultExpiry(d time.Duration) RoutingTableOption {
	return func(t *RoutingTable) {
		t.defaultExpiry = d
	}
}

// WithTableClock sets the clock used for default expiry dates and the cleanup sweep.
func WithTableClock(c clock.Clock) RoutingTableOption {
	return func(t *RoutingTable) {
		if c != nil {
			t.clock = c
		}
	}
}

// RoutingTable maps participant ids to transport addresses.
// It is safe for concurrent use.
type RoutingTable struct {
	mu               sync.RWMutex
	entries          map[string]RoutingEntry
	gcdParticipantID string

	validator     AddressValidator
	gracePeriodMs int64
	defaultExpiry time.Duration
	clock         clock.Clock
	logger        Logger
}

// NewRoutingTable creates an empty routing table. A nil validator accepts every address.
func NewRoutingTable(validator AddressValidator, opts ...RoutingTableOption) *RoutingTable {
	t := &RoutingTable{
		entries:       make(map[string]RoutingEntry),
		validator:     validator,
		gracePeriodMs: (60 * time.Second).Milliseconds(),
		defaultExpiry: DefaultRoutingEntryTTL,
		clock:         clock.New(),
		logger:        NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Put inserts or updates the entry for participantID and reports whether the
// table changed. Addresses rejected by the validator are ignored.
//
// Updating an entry with the same address never lowers its expiry date and
// never clears its sticky flag. A different address replaces the entry only
// if the entry is not sticky and the validator allows the update.
func (t *RoutingTable) Put(participantID string, addr Address, isGloballyVisible bool, opts ...EntryOption) bool {
	fields := LogFields{LogFieldParticipantID: participantID, LogFieldAddress: addressString(addr)}

	if participantID == "" || addr == nil {
		t.logger.Warn("routing entry rejected: missing participant id or address", fields)
		return false
	}

	if t.validator != nil && !t.validator.IsValidForRoutingTable(addr) {
		t.logger.Debug("routing entry rejected by validator", fields)
		return false
	}

	entry := RoutingEntry{
		ParticipantID:     participantID,
		Address:           addr,
		IsGloballyVisible: isGloballyVisible,
		ExpiryDateMs:      t.defaultExpiryDate(),
	}
	for _, opt := range opts {
		opt(&entry)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[participantID]
	if !ok {
		t.entries[participantID] = entry
		t.logger.Debug("routing entry added", fields)
		return true
	}

	if existing.Address == addr {
		entry.ExpiryDateMs = max(existing.ExpiryDateMs, entry.ExpiryDateMs)
		entry.IsSticky = existing.IsSticky || entry.IsSticky
		if entry.Gbids == nil {
			entry.Gbids = existing.Gbids
		}
		t.entries[participantID] = entry
		return true
	}

	if existing.IsSticky {
		t.logger.Warn("routing entry not replaced: existing entry is sticky", fields)
		return false
	}

	if t.validator != nil && !t.validator.AllowUpdate(existing, entry) {
		t.logger.Warn("routing entry not replaced: address precedence", LogFields{
			LogFieldParticipantID: participantID,
			LogFieldAddress:       addr.String(),
			"existing_address":    existing.Address.String(),
		})
		return false
	}

	entry.ExpiryDateMs = max(existing.ExpiryDateMs, entry.ExpiryDateMs)
	t.entries[participantID] = entry
	t.logger.Debug("routing entry replaced", fields)

	return true
}

func (t *RoutingTable) defaultExpiryDate() int64 {
	if t.defaultExpiry <= 0 {
		return NoExpiry
	}
	return addSaturated(t.clock.Now().UnixMilli(), t.defaultExpiry.Milliseconds())
}

// Get returns the address of participantID.
func (t *RoutingTable) Get(participantID string) (Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[participantID]
	if !ok {
		return nil, false
	}
	return entry.Address, true
}

// GetWithGbid returns the address of participantID as seen through the
// backend gbid. For the global capabilities directory the broker URI of its
// MQTT address is replaced by gbid.
func (t *RoutingTable) GetWithGbid(participantID, gbid string) (Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[participantID]
	if !ok {
		return nil, false
	}

	if participantID == t.gcdParticipantID && gbid != "" {
		if mqtt, isMqtt := entry.Address.(MqttAddress); isMqtt {
			return MqttAddress{BrokerURI: gbid, Topic: mqtt.Topic}, true
		}
	}

	return entry.Address, true
}

// Entry returns a copy of the full entry of participantID.
func (t *RoutingTable) Entry(participantID string) (RoutingEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[participantID]
	if ok {
		entry.Gbids = slices.Clone(entry.Gbids)
	}
	return entry, ok
}

// ContainsKey reports whether participantID has an entry.
func (t *RoutingTable) ContainsKey(participantID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.entries[participantID]
	return ok
}

// GetIsGloballyVisible reports the visibility of participantID.
func (t *RoutingTable) GetIsGloballyVisible(participantID string) (bool, error) {
	entry, ok := t.Entry(participantID)
	if !ok {
		return false, ErrAddressNotFound
	}
	return entry.IsGloballyVisible, nil
}

// GetExpiryDate returns the expiry date of participantID in unix milliseconds.
func (t *RoutingTable) GetExpiryDate(participantID string) (int64, error) {
	entry, ok := t.Entry(participantID)
	if !ok {
		return 0, ErrAddressNotFound
	}
	return entry.ExpiryDateMs, nil
}

// GetIsSticky reports whether participantID is sticky.
func (t *RoutingTable) GetIsSticky(participantID string) (bool, error) {
	entry, ok := t.Entry(participantID)
	if !ok {
		return false, ErrAddressNotFound
	}
	return entry.IsSticky, nil
}

// GetGbids returns the backends of participantID, or nil if it is unknown.
func (t *RoutingTable) GetGbids(participantID string) []string {
	entry, ok := t.Entry(participantID)
	if !ok {
		return nil
	}
	return entry.Gbids
}

// Remove deletes the entry of participantID. Unknown ids are ignored and
// sticky entries are kept.
func (t *RoutingTable) Remove(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(participantID)
}

// RemoveAll deletes the entries of all given participant ids.
func (t *RoutingTable) RemoveAll(participantIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range participantIDs {
		t.removeLocked(id)
	}
}

func (t *RoutingTable) removeLocked(participantID string) {
	entry, ok := t.entries[participantID]
	if !ok {
		return
	}
	if entry.IsSticky {
		t.logger.Debug("sticky routing entry not removed", LogFields{LogFieldParticipantID: participantID})
		return
	}
	delete(t.entries, participantID)
}

// SetGcdParticipantID records the participant id of the global capabilities directory.
func (t *RoutingTable) SetGcdParticipantID(participantID string) {
	t.mu.Lock()
	t.gcdParticipantID = participantID
	t.mu.Unlock()
}

// GcdParticipantID returns the participant id of the global capabilities directory.
func (t *RoutingTable) GcdParticipantID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gcdParticipantID
}

// Len returns the number of entries.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Purge removes every non-sticky entry whose expiry date plus the grace
// period lies in the past and returns the removed participant ids.
func (t *RoutingTable) Purge() []string {
	now := t.clock.Now().UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for id, entry := range t.entries {
		if entry.IsSticky {
			continue
		}
		if addSaturated(entry.ExpiryDateMs, t.gracePeriodMs) < now {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}

	if len(removed) > 0 {
		t.logger.Debug("expired routing entries purged", LogFields{LogFieldCount: len(removed)})
	}

	return removed
}

func addSaturated(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func addressString(addr Address) string {
	if addr == nil {
		return "<nil>"
	}
	return addr.String()
}
