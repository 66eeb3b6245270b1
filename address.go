package ccrouter

import (
	"net"
	"strconv"
)

// AddressKind identifies the concrete transport behind an Address.
type AddressKind int

const (
	// AddressKindUnknown is the zero value and never routable.
	AddressKindUnknown AddressKind = iota
	// AddressKindMqtt is a topic on an MQTT broker.
	AddressKindMqtt
	// AddressKindWebSocket is a WebSocket server endpoint.
	AddressKindWebSocket
	// AddressKindWebSocketClient is a client connected to the local WebSocket server.
	AddressKindWebSocketClient
	// AddressKindInProcess is a skeleton living in the same process.
	AddressKindInProcess
	// AddressKindChannel is an HTTP long-polling channel.
	AddressKindChannel
)

// String returns the string representation of the address kind.
func (k AddressKind) String() string {
	switch k {
	case AddressKindMqtt:
		return "mqtt"
	case AddressKindWebSocket:
		return "websocket"
	case AddressKindWebSocketClient:
		return "websocket_client"
	case AddressKindInProcess:
		return "inprocess"
	case AddressKindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Address is a transport address a message can be delivered to.
//
// Implementations are comparable values so an Address can be used as a map
// key and compared with ==.
type Address interface {
	Kind() AddressKind
	String() string
}

// MqttAddress is a topic on an MQTT broker.
type MqttAddress struct {
	BrokerURI string
	Topic     string
}

func (a MqttAddress) Kind() AddressKind { return AddressKindMqtt }
func (a MqttAddress) String() string    { return "mqtt:" + a.BrokerURI + "/" + a.Topic }

// WebSocketProtocol is the scheme of a WebSocket server address.
type WebSocketProtocol string

const (
	WebSocketProtocolWS  WebSocketProtocol = "ws"
	WebSocketProtocolWSS WebSocketProtocol = "wss"
)

// WebSocketAddress is a WebSocket server endpoint.
type WebSocketAddress struct {
	Protocol WebSocketProtocol
	Host     string
	Port     int
	Path     string
}

func (a WebSocketAddress) Kind() AddressKind { return AddressKindWebSocket }

// String returns the address as a URL.
func (a WebSocketAddress) String() string {
	return string(a.Protocol) + "://" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) + a.Path
}

// WebSocketClientAddress identifies a client connected to the local WebSocket server.
type WebSocketClientAddress struct {
	ID string
}

func (a WebSocketClientAddress) Kind() AddressKind { return AddressKindWebSocketClient }
func (a WebSocketClientAddress) String() string    { return "websocket-client:" + a.ID }

// InProcessSkeleton receives messages addressed to an in-process participant.
type InProcessSkeleton interface {
	Receive(msg *ImmutableMessage) error
}

// InProcessAddress routes to a skeleton in the same process.
// The skeleton must be a comparable value, typically a pointer.
type InProcessAddress struct {
	Skeleton InProcessSkeleton
}

func (a InProcessAddress) Kind() AddressKind { return AddressKindInProcess }
func (a InProcessAddress) String() string    { return "inprocess" }

// ChannelAddress is an HTTP channel on a messaging endpoint.
type ChannelAddress struct {
	MessagingEndpointURL string
	ChannelID            string
}

func (a ChannelAddress) Kind() AddressKind { return AddressKindChannel }
func (a ChannelAddress) String() string    { return a.MessagingEndpointURL + "/channels/" + a.ChannelID }

// KindOf returns the kind of addr, or AddressKindUnknown for nil.
func KindOf(addr Address) AddressKind {
	if addr == nil {
		return AddressKindUnknown
	}
	return addr.Kind()
}
