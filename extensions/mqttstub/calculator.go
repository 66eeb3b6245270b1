package mqttstub

import (
	"slices"
	"strings"

	"github.com/vitalvas/ccrouter"
)

// MulticastAddressCalculator publishes locally originated multicasts to the
// multicast topic on every configured backend.
type MulticastAddressCalculator struct {
	gbids  []string
	prefix string
}

var _ ccrouter.MulticastAddressCalculator = (*MulticastAddressCalculator)(nil)

// NewMulticastAddressCalculator creates a calculator for the given backends.
// topicPrefix is prepended to the multicast id.
func NewMulticastAddressCalculator(topicPrefix string, gbids ...string) *MulticastAddressCalculator {
	return &MulticastAddressCalculator{gbids: slices.Clone(gbids), prefix: topicPrefix}
}

// Supports reports whether transport is MQTT.
func (c *MulticastAddressCalculator) Supports(transport string) bool {
	return strings.EqualFold(transport, Transport)
}

// Calculate returns one address per backend.
func (c *MulticastAddressCalculator) Calculate(msg *ccrouter.ImmutableMessage) []ccrouter.Address {
	topic := c.prefix + msg.Recipient

	addrs := make([]ccrouter.Address, 0, len(c.gbids))
	for _, gbid := range c.gbids {
		addrs = append(addrs, ccrouter.MqttAddress{BrokerURI: gbid, Topic: topic})
	}
	return addrs
}

// CreatesGlobalTransportAddresses is always true for MQTT.
func (c *MulticastAddressCalculator) CreatesGlobalTransportAddresses() bool {
	return true
}

// MulticastTopic translates a multicast receiver pattern to an MQTT topic
// filter. The trailing "*" wildcard becomes "#".
func MulticastTopic(prefix, multicastID string) string {
	if multicastID == "*" {
		return prefix + "#"
	}
	if base, ok := strings.CutSuffix(multicastID, "/*"); ok {
		return prefix + base + "/#"
	}
	return prefix + multicastID
}
