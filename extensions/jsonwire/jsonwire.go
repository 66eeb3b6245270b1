// Package jsonwire is the JSON representation of routed messages used by the
// WebSocket and HTTP channel transports.
package jsonwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/vitalvas/ccrouter"
)

// ErrInvalidEnvelope is returned when an envelope lacks routing headers.
var ErrInvalidEnvelope = errors.New("invalid message envelope")

// Address kinds carried in envelopes.
const (
	AddressKindMqtt            = "mqtt"
	AddressKindChannel         = "channel"
	AddressKindWebSocketClient = "websocket_client"
)

// Address is a transport address in JSON form.
// Only globally reachable kinds and WebSocket clients are representable.
type Address struct {
	Kind                 string `json:"kind"`
	BrokerURI            string `json:"brokerUri,omitempty"`
	Topic                string `json:"topic,omitempty"`
	MessagingEndpointURL string `json:"messagingEndpointUrl,omitempty"`
	ChannelID            string `json:"channelId,omitempty"`
	ClientID             string `json:"clientId,omitempty"`
}

// Envelope is a message in JSON form. Payload is base64 encoded by encoding/json.
type Envelope struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Sender     string            `json:"sender,omitempty"`
	Recipient  string            `json:"recipient"`
	ExpiryDate int64             `json:"expiryDate,omitempty"`
	ReplyTo    *Address          `json:"replyTo,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
}

// EncodeAddress converts addr. It returns nil for kinds without JSON form.
func EncodeAddress(addr ccrouter.Address) *Address {
	switch a := addr.(type) {
	case ccrouter.MqttAddress:
		return &Address{Kind: AddressKindMqtt, BrokerURI: a.BrokerURI, Topic: a.Topic}
	case ccrouter.ChannelAddress:
		return &Address{Kind: AddressKindChannel, MessagingEndpointURL: a.MessagingEndpointURL, ChannelID: a.ChannelID}
	case ccrouter.WebSocketClientAddress:
		return &Address{Kind: AddressKindWebSocketClient, ClientID: a.ID}
	default:
		return nil
	}
}

// Decode converts a back into an address.
func (a *Address) Decode() (ccrouter.Address, error) {
	switch a.Kind {
	case AddressKindMqtt:
		return ccrouter.MqttAddress{BrokerURI: a.BrokerURI, Topic: a.Topic}, nil
	case AddressKindChannel:
		return ccrouter.ChannelAddress{MessagingEndpointURL: a.MessagingEndpointURL, ChannelID: a.ChannelID}, nil
	case AddressKindWebSocketClient:
		return ccrouter.WebSocketClientAddress{ID: a.ClientID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown address kind %q", ErrInvalidEnvelope, a.Kind)
	}
}

// FromMessage builds the envelope of msg.
func FromMessage(msg *ccrouter.ImmutableMessage) *Envelope {
	env := &Envelope{
		ID:        msg.ID,
		Type:      string(msg.Type),
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		ReplyTo:   EncodeAddress(msg.ReplyTo),
		Headers:   msg.CustomHeaders,
		Payload:   msg.Payload,
	}
	if !msg.ExpiryDate.IsZero() {
		env.ExpiryDate = msg.ExpiryDate.UnixMilli()
	}
	return env
}

// Message converts the envelope into a message.
func (e *Envelope) Message() (*ccrouter.ImmutableMessage, error) {
	if e.ID == "" || e.Type == "" {
		return nil, ErrInvalidEnvelope
	}

	msg := &ccrouter.ImmutableMessage{
		ID:            e.ID,
		Type:          ccrouter.MessageType(e.Type),
		Sender:        e.Sender,
		Recipient:     e.Recipient,
		CustomHeaders: e.Headers,
		Payload:       e.Payload,
	}
	if e.ExpiryDate != 0 {
		msg.ExpiryDate = time.UnixMilli(e.ExpiryDate)
	}
	if e.ReplyTo != nil {
		addr, err := e.ReplyTo.Decode()
		if err != nil {
			return nil, err
		}
		msg.ReplyTo = addr
	}

	return msg, nil
}

// Marshal encodes msg as JSON.
func Marshal(msg *ccrouter.ImmutableMessage) ([]byte, error) {
	return json.Marshal(FromMessage(msg))
}

// Unmarshal decodes a JSON envelope into a message.
func Unmarshal(data []byte) (*ccrouter.ImmutableMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, multierr.Combine(ErrInvalidEnvelope, err)
	}
	return env.Message()
}
