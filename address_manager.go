package ccrouter

import (
	"slices"
)

// CustomHeaderGbid selects the backend a message is routed through.
const CustomHeaderGbid = "gbid"

// MulticastAddressCalculator derives transport addresses for multicast
// publications, e.g. an MQTT topic derived from the multicast id.
type MulticastAddressCalculator interface {
	// Supports reports whether the calculator serves the named transport.
	Supports(transport string) bool

	// Calculate returns the addresses msg must be published to.
	Calculate(msg *ImmutableMessage) []Address

	// CreatesGlobalTransportAddresses reports whether the addresses leave this node.
	CreatesGlobalTransportAddresses() bool
}

// RoutingTableReader is the read side of the routing table used for resolution.
type RoutingTableReader interface {
	ContainsKey(participantID string) bool
	Get(participantID string) (Address, bool)
	GetWithGbid(participantID, gbid string) (Address, bool)
	GetIsGloballyVisible(participantID string) (bool, error)
}

// MulticastReceiverLookup resolves a published multicast id to receivers.
type MulticastReceiverLookup interface {
	GetReceivers(multicastID string) []string
}

// Destinations maps each resolved address to the participants reached through it.
type Destinations map[Address][]string

func (d Destinations) add(addr Address, participantID string) {
	ids := d[addr]
	if !slices.Contains(ids, participantID) {
		d[addr] = append(ids, participantID)
	}
}

// AddressManagerOption configures an AddressManager.
type AddressManagerOption func(*AddressManager)

// WithMulticastAddressCalculators sets the available multicast address calculators.
func WithMulticastAddressCalculators(calculators ...MulticastAddressCalculator) AddressManagerOption {
	return func(m *AddressManager) {
		m.calculators = append(m.calculators, calculators...)
	}
}

// WithPrimaryGlobalTransport names the transport whose calculator is used
// when several calculators are available.
func WithPrimaryGlobalTransport(transport string) AddressManagerOption {
	return func(m *AddressManager) {
		m.primaryTransport = transport
	}
}

// WithAddressManagerLogger sets the logger.
func WithAddressManagerLogger(logger Logger) AddressManagerOption {
	return func(m *AddressManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// AddressManager resolves messages to destination addresses.
type AddressManager struct {
	table            RoutingTableReader
	receivers        MulticastReceiverLookup
	calculators      []MulticastAddressCalculator
	primaryTransport string
	logger           Logger
}

// NewAddressManager creates an address manager over a routing table and a
// multicast receiver registry.
func NewAddressManager(table RoutingTableReader, receivers MulticastReceiverLookup, opts ...AddressManagerOption) *AddressManager {
	m := &AddressManager{
		table:     table,
		receivers: receivers,
		logger:    NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetAddresses resolves msg to its destinations.
//
// A unicast recipient without routing entry yields ErrAddressNotFound. A
// multicast without receivers yields empty Destinations and no error. An
// ambiguous calculator setup yields a ConfigurationError.
func (m *AddressManager) GetAddresses(msg *ImmutableMessage) (Destinations, error) {
	if msg.IsMulticast() {
		return m.multicastDestinations(msg)
	}

	addr, err := m.GetAddress(msg)
	if err != nil {
		return nil, err
	}
	return Destinations{addr: {msg.Recipient}}, nil
}

// GetAddress resolves the address of a unicast recipient.
func (m *AddressManager) GetAddress(msg *ImmutableMessage) (Address, error) {
	if !m.table.ContainsKey(msg.Recipient) {
		return nil, ErrAddressNotFound
	}

	var (
		addr Address
		ok   bool
	)
	if gbid := msg.CustomHeaders[CustomHeaderGbid]; gbid != "" {
		addr, ok = m.table.GetWithGbid(msg.Recipient, gbid)
	} else {
		addr, ok = m.table.Get(msg.Recipient)
	}
	if !ok {
		// removed between lookup and read
		return nil, ErrAddressNotFound
	}

	return addr, nil
}

func (m *AddressManager) multicastDestinations(msg *ImmutableMessage) (Destinations, error) {
	dest := make(Destinations)

	calculated, err := m.calculatedAddresses(msg)
	if err != nil {
		return nil, err
	}
	for _, addr := range calculated {
		dest.add(addr, MulticastAddressCalculatorParticipantID)
	}

	for _, participantID := range m.receivers.GetReceivers(msg.Recipient) {
		if participantID == MulticastAddressCalculatorParticipantID {
			continue
		}

		if addr, ok := m.table.Get(participantID); ok {
			dest.add(addr, participantID)
			continue
		}

		if len(calculated) == 0 {
			m.logger.Debug("multicast receiver without routing entry skipped", LogFields{
				LogFieldParticipantID: participantID,
				LogFieldMulticastID:   msg.Recipient,
			})
			continue
		}
		for _, addr := range calculated {
			dest.add(addr, participantID)
		}
	}

	return dest, nil
}

// calculatedAddresses returns the calculator addresses for a locally
// originated multicast. Multicasts received from global are never sent back.
func (m *AddressManager) calculatedAddresses(msg *ImmutableMessage) ([]Address, error) {
	if msg.ReceivedFromGlobal {
		return nil, nil
	}

	calc, err := m.selectCalculator()
	if err != nil || calc == nil {
		return nil, err
	}

	if calc.CreatesGlobalTransportAddresses() {
		visible, err := m.table.GetIsGloballyVisible(msg.Sender)
		if err != nil || !visible {
			return nil, nil
		}
	}

	return calc.Calculate(msg), nil
}

func (m *AddressManager) selectCalculator() (MulticastAddressCalculator, error) {
	switch len(m.calculators) {
	case 0:
		return nil, nil
	case 1:
		return m.calculators[0], nil
	}

	if m.primaryTransport == "" {
		return nil, NewConfigurationError("address manager", ErrAmbiguousMulticastCalculator)
	}

	var selected MulticastAddressCalculator
	for _, calc := range m.calculators {
		if !calc.Supports(m.primaryTransport) {
			continue
		}
		if selected != nil {
			return nil, NewConfigurationError("address manager", ErrAmbiguousMulticastCalculator)
		}
		selected = calc
	}

	return selected, nil
}
