package ccrouter

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the wire value of a message type.
type MessageType string

const (
	MessageTypeRequest                      MessageType = "rq"
	MessageTypeReply                        MessageType = "rp"
	MessageTypeOneWay                       MessageType = "oneWay"
	MessageTypeSubscriptionRequest          MessageType = "srq"
	MessageTypeBroadcastSubscriptionRequest MessageType = "brq"
	MessageTypeMulticastSubscriptionRequest MessageType = "mrq"
	MessageTypeSubscriptionReply            MessageType = "srp"
	MessageTypeSubscriptionStop             MessageType = "sst"
	MessageTypePublication                  MessageType = "p"
	MessageTypeMulticast                    MessageType = "m"
)

// String returns the wire value.
func (t MessageType) String() string {
	if t == "" {
		return "unknown"
	}
	return string(t)
}

// IsTrackable reports whether messages of this type are tracked for graceful shutdown.
// Subscription replies are the only type that is never tracked.
func (t MessageType) IsTrackable() bool {
	switch t {
	case MessageTypeRequest, MessageTypeReply, MessageTypeOneWay,
		MessageTypeSubscriptionRequest, MessageTypeBroadcastSubscriptionRequest,
		MessageTypeMulticastSubscriptionRequest, MessageTypeSubscriptionStop,
		MessageTypePublication, MessageTypeMulticast:
		return true
	default:
		return false
	}
}

// carriesReplyTo reports whether a message of this type expects an answer on
// the sender's reply-to address.
func (t MessageType) carriesReplyTo() bool {
	switch t {
	case MessageTypeRequest, MessageTypeSubscriptionRequest, MessageTypeBroadcastSubscriptionRequest:
		return true
	default:
		return false
	}
}

const (
	// CustomHeaderRequestReplyID carries the id correlating a request with its reply.
	CustomHeaderRequestReplyID = "z4"

	// StatelessAsyncSeparator separates the request-reply id from the method id
	// in stateless async calls.
	StatelessAsyncSeparator = "#"
)

// ImmutableMessage is an already-serialized message as seen by the router.
// The router never modifies it.
type ImmutableMessage struct {
	ID        string
	Type      MessageType
	Sender    string
	Recipient string

	// ExpiryDate is the absolute TTL. A zero value means the router's default TTL applies.
	ExpiryDate time.Time

	// ReplyTo is the sender's reply-to address, set on messages received from global.
	ReplyTo Address

	CustomHeaders      map[string]string
	ReceivedFromGlobal bool
	Payload            []byte
}

// NewMessageID returns a random message id.
func NewMessageID() string {
	return uuid.NewString()
}

// IsMulticast reports whether the recipient is a multicast id.
func (m *ImmutableMessage) IsMulticast() bool {
	return m.Type == MessageTypeMulticast
}

// RequestReplyID returns the request-reply id custom header, if any.
func (m *ImmutableMessage) RequestReplyID() string {
	if m.CustomHeaders == nil {
		return ""
	}
	return m.CustomHeaders[CustomHeaderRequestReplyID]
}

// IsStatelessAsync reports whether the request-reply id belongs to a stateless async call.
func (m *ImmutableMessage) IsStatelessAsync() bool {
	return strings.Contains(m.RequestReplyID(), StatelessAsyncSeparator)
}

// IsExpired reports whether the absolute TTL has elapsed at now.
// Messages without an expiry date never expire on their own.
func (m *ImmutableMessage) IsExpired(now time.Time) bool {
	if m.ExpiryDate.IsZero() {
		return false
	}
	return !now.Before(m.ExpiryDate)
}
