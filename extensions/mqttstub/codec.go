package mqttstub

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/vitalvas/mqttv5"
	"go.uber.org/multierr"

	"github.com/vitalvas/ccrouter"
)

// User property keys carrying the routing headers of a message.
const (
	PropertyMessageID      = "id"
	PropertyType           = "t"
	PropertySender         = "fr"
	PropertyRecipient      = "to"
	PropertyExpiryDate     = "ee"
	PropertyReplyToBroker  = "rb"
	customHeaderPropPrefix = "c-"
)

// ErrInvalidMessage is returned when an MQTT message lacks routing headers.
var ErrInvalidMessage = errors.New("invalid mqtt message")

// Encode converts msg into an MQTT publication on topic.
// The MQTT message expiry is the remaining TTL rounded up to whole seconds.
func Encode(msg *ccrouter.ImmutableMessage, topic string, qos byte, now time.Time) *mqttv5.Message {
	props := []mqttv5.StringPair{
		{Key: PropertyMessageID, Value: msg.ID},
		{Key: PropertyType, Value: string(msg.Type)},
		{Key: PropertySender, Value: msg.Sender},
		{Key: PropertyRecipient, Value: msg.Recipient},
	}

	out := &mqttv5.Message{
		Topic:   topic,
		Payload: msg.Payload,
		QoS:     qos,
	}

	if !msg.ExpiryDate.IsZero() {
		props = append(props, mqttv5.StringPair{
			Key:   PropertyExpiryDate,
			Value: strconv.FormatInt(msg.ExpiryDate.UnixMilli(), 10),
		})
		out.MessageExpiry = expirySeconds(msg.ExpiryDate.Sub(now))
	}

	if replyTo, ok := msg.ReplyTo.(ccrouter.MqttAddress); ok {
		out.ResponseTopic = replyTo.Topic
		props = append(props, mqttv5.StringPair{Key: PropertyReplyToBroker, Value: replyTo.BrokerURI})
	}

	for key, value := range msg.CustomHeaders {
		props = append(props, mqttv5.StringPair{Key: customHeaderPropPrefix + key, Value: value})
	}

	out.UserProperties = props
	return out
}

func expirySeconds(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 1
	}
	secs := (ttl + time.Second - 1) / time.Second
	if secs > time.Duration(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(secs)
}

// Decode converts an MQTT publication received from a broker into a message.
// Decoded messages are marked as received from global.
func Decode(in *mqttv5.Message) (*ccrouter.ImmutableMessage, error) {
	if in == nil {
		return nil, ErrInvalidMessage
	}

	msg := &ccrouter.ImmutableMessage{
		Payload:            in.Payload,
		ReceivedFromGlobal: true,
	}

	var replyToBroker string
	for _, prop := range in.UserProperties {
		switch prop.Key {
		case PropertyMessageID:
			msg.ID = prop.Value
		case PropertyType:
			msg.Type = ccrouter.MessageType(prop.Value)
		case PropertySender:
			msg.Sender = prop.Value
		case PropertyRecipient:
			msg.Recipient = prop.Value
		case PropertyExpiryDate:
			ms, err := strconv.ParseInt(prop.Value, 10, 64)
			if err != nil {
				return nil, multierr.Combine(ErrInvalidMessage, err)
			}
			msg.ExpiryDate = time.UnixMilli(ms)
		case PropertyReplyToBroker:
			replyToBroker = prop.Value
		default:
			if key, ok := strings.CutPrefix(prop.Key, customHeaderPropPrefix); ok {
				if msg.CustomHeaders == nil {
					msg.CustomHeaders = make(map[string]string)
				}
				msg.CustomHeaders[key] = prop.Value
			}
		}
	}

	if msg.ID == "" || msg.Type == "" {
		return nil, ErrInvalidMessage
	}

	if in.ResponseTopic != "" {
		msg.ReplyTo = ccrouter.MqttAddress{BrokerURI: replyToBroker, Topic: in.ResponseTopic}
	}

	return msg, nil
}
