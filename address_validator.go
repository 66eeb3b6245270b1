package ccrouter

import (
	"sync"
)

// AddressValidator decides which addresses may enter the routing table.
type AddressValidator interface {
	// IsValidForRoutingTable reports whether addr may be stored at all.
	IsValidForRoutingTable(addr Address) bool

	// AllowUpdate reports whether newEntry may replace oldEntry when their
	// addresses differ.
	AllowUpdate(oldEntry, newEntry RoutingEntry) bool
}

// TransportReadyNotifier announces the node's own addresses once the global
// transport has resolved them.
type TransportReadyNotifier interface {
	OnGlobalAddressReady(fn func(Address))
	OnReplyToAddressReady(fn func(Address))
}

// RoutingTableAddressValidator keeps the node's own addresses out of the
// routing table. Until the transport reports them every address is valid.
type RoutingTableAddressValidator struct {
	mu           sync.RWMutex
	ownAddresses map[Address]struct{}
	logger       Logger
}

// NewRoutingTableAddressValidator creates a validator without known own addresses.
func NewRoutingTableAddressValidator(logger Logger) *RoutingTableAddressValidator {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &RoutingTableAddressValidator{
		ownAddresses: make(map[Address]struct{}),
		logger:       logger,
	}
}

// Subscribe registers the validator for transport-ready notifications.
func (v *RoutingTableAddressValidator) Subscribe(n TransportReadyNotifier) {
	n.OnGlobalAddressReady(v.GlobalAddressReady)
	n.OnReplyToAddressReady(v.ReplyToAddressReady)
}

// GlobalAddressReady marks addr as the node's own global address.
func (v *RoutingTableAddressValidator) GlobalAddressReady(addr Address) {
	v.addOwnAddress(addr, "global")
}

// ReplyToAddressReady marks addr as the node's own reply-to address.
func (v *RoutingTableAddressValidator) ReplyToAddressReady(addr Address) {
	v.addOwnAddress(addr, "reply-to")
}

func (v *RoutingTableAddressValidator) addOwnAddress(addr Address, role string) {
	if addr == nil {
		return
	}

	v.mu.Lock()
	v.ownAddresses[addr] = struct{}{}
	v.mu.Unlock()

	v.logger.Info("own address ready", LogFields{LogFieldAddress: addr.String(), "role": role})
}

// IsValidForRoutingTable reports whether addr may be stored.
// WebSocket server addresses belong to this node's own listener and are never a next hop.
func (v *RoutingTableAddressValidator) IsValidForRoutingTable(addr Address) bool {
	switch KindOf(addr) {
	case AddressKindUnknown, AddressKindWebSocket:
		return false
	}

	v.mu.RLock()
	_, own := v.ownAddresses[addr]
	v.mu.RUnlock()

	return !own
}

// AllowUpdate applies the address precedence
// InProcess > WebSocketClient > Mqtt, Channel > WebSocket.
// An entry may only be replaced by an address of equal or higher precedence.
func (v *RoutingTableAddressValidator) AllowUpdate(oldEntry, newEntry RoutingEntry) bool {
	return addressPrecedence(KindOf(newEntry.Address)) >= addressPrecedence(KindOf(oldEntry.Address))
}

func addressPrecedence(kind AddressKind) int {
	switch kind {
	case AddressKindInProcess:
		return 3
	case AddressKindWebSocketClient:
		return 2
	case AddressKindMqtt, AddressKindChannel:
		return 1
	default:
		return 0
	}
}

// ReadyNotifier is a reusable TransportReadyNotifier for transports.
// Listeners registered after an address became ready are called immediately.
type ReadyNotifier struct {
	mu              sync.Mutex
	globalAddress   Address
	replyToAddress  Address
	globalListeners []func(Address)
	replyListeners  []func(Address)
}

// OnGlobalAddressReady registers fn for the global address.
func (n *ReadyNotifier) OnGlobalAddressReady(fn func(Address)) {
	n.mu.Lock()
	n.globalListeners = append(n.globalListeners, fn)
	addr := n.globalAddress
	n.mu.Unlock()

	if addr != nil {
		fn(addr)
	}
}

// OnReplyToAddressReady registers fn for the reply-to address.
func (n *ReadyNotifier) OnReplyToAddressReady(fn func(Address)) {
	n.mu.Lock()
	n.replyListeners = append(n.replyListeners, fn)
	addr := n.replyToAddress
	n.mu.Unlock()

	if addr != nil {
		fn(addr)
	}
}

// NotifyGlobalAddressReady publishes the global address to all listeners.
func (n *ReadyNotifier) NotifyGlobalAddressReady(addr Address) {
	n.mu.Lock()
	n.globalAddress = addr
	listeners := append([]func(Address){}, n.globalListeners...)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(addr)
	}
}

// NotifyReplyToAddressReady publishes the reply-to address to all listeners.
func (n *ReadyNotifier) NotifyReplyToAddressReady(addr Address) {
	n.mu.Lock()
	n.replyToAddress = addr
	listeners := append([]func(Address){}, n.replyListeners...)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(addr)
	}
}
