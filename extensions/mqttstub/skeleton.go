package mqttstub

import (
	"errors"
	"sync"

	"github.com/vitalvas/mqttv5"

	"github.com/vitalvas/ccrouter"
)

// Subscriber subscribes to MQTT topic filters. *mqttv5.Client implements it.
type Subscriber interface {
	Subscribe(filter string, qos byte, handler mqttv5.MessageHandler) error
	Unsubscribe(filters ...string) error
}

var _ Subscriber = (*mqttv5.Client)(nil)

// MessageRouter accepts decoded messages.
type MessageRouter interface {
	RouteIn(msg *ccrouter.ImmutableMessage) error
}

// SkeletonOption configures a Skeleton.
type SkeletonOption func(*Skeleton)

// WithMulticastTopicPrefix sets the prefix of multicast topics.
func WithMulticastTopicPrefix(prefix string) SkeletonOption {
	return func(s *Skeleton) {
		s.multicastPrefix = prefix
	}
}

// WithSubscribeQoS sets the QoS of all subscriptions.
func WithSubscribeQoS(qos byte) SkeletonOption {
	return func(s *Skeleton) {
		s.qos = qos
	}
}

// WithKnownBrokers sets the brokers, besides the skeleton's own, that
// reply-to addresses of incoming messages may name.
func WithKnownBrokers(brokerURIs ...string) SkeletonOption {
	return func(s *Skeleton) {
		for _, uri := range brokerURIs {
			s.knownBrokers[uri] = struct{}{}
		}
	}
}

// WithSkeletonLogger sets the logger.
func WithSkeletonLogger(logger ccrouter.Logger) SkeletonOption {
	return func(s *Skeleton) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Skeleton receives messages for this node from one broker and hands them
// to the router. Once subscribed it announces its address as the node's
// global and reply-to address.
type Skeleton struct {
	ccrouter.ReadyNotifier

	address         ccrouter.MqttAddress
	client          Subscriber
	router          MessageRouter
	multicastPrefix string
	qos             byte
	knownBrokers    map[string]struct{}
	logger          ccrouter.Logger

	mu         sync.Mutex
	started    bool
	multicasts map[string]int
}

var _ ccrouter.MulticastSubscriber = (*Skeleton)(nil)

// NewSkeleton creates a skeleton for the node address on the broker reached by client.
func NewSkeleton(address ccrouter.MqttAddress, client Subscriber, router MessageRouter, opts ...SkeletonOption) *Skeleton {
	s := &Skeleton{
		address:    address,
		client:     client,
		router:     router,
		qos:          DefaultQoS,
		knownBrokers: make(map[string]struct{}),
		logger:       ccrouter.NewNoOpLogger(),
		multicasts:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the node address served by the skeleton.
func (s *Skeleton) Address() ccrouter.MqttAddress {
	return s.address
}

// Start subscribes to the node topic and announces the node address.
func (s *Skeleton) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.client.Subscribe(s.address.Topic+"/#", s.qos, s.handle); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	s.logger.Info("mqtt skeleton subscribed", ccrouter.LogFields{ccrouter.LogFieldAddress: s.address.String()})

	s.NotifyGlobalAddressReady(s.address)
	s.NotifyReplyToAddressReady(s.address)

	return nil
}

// RegisterMulticastSubscription subscribes to a multicast receiver pattern
// unless another receiver already did.
func (s *Skeleton) RegisterMulticastSubscription(multicastID string) error {
	if err := ccrouter.ValidateMulticastPattern(multicastID); err != nil {
		return err
	}
	topic := MulticastTopic(s.multicastPrefix, multicastID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.multicasts[topic] > 0 {
		s.multicasts[topic]++
		return nil
	}

	if err := s.client.Subscribe(topic, s.qos, s.handle); err != nil {
		return err
	}
	s.multicasts[topic] = 1

	return nil
}

// UnregisterMulticastSubscription drops one registration of multicastID and
// unsubscribes when none remain.
func (s *Skeleton) UnregisterMulticastSubscription(multicastID string) error {
	topic := MulticastTopic(s.multicastPrefix, multicastID)

	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.multicasts[topic]
	if !ok {
		return nil
	}
	if count > 1 {
		s.multicasts[topic] = count - 1
		return nil
	}

	delete(s.multicasts, topic)
	return s.client.Unsubscribe(topic)
}

// MulticastSubscriptions returns the number of subscribed multicast topics.
func (s *Skeleton) MulticastSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.multicasts)
}

func (s *Skeleton) handle(in *mqttv5.Message) {
	msg, err := Decode(in)
	if err != nil {
		s.logger.Warn("dropping undecodable mqtt message", ccrouter.LogFields{
			"topic":                s.topicOf(in),
			ccrouter.LogFieldError: err.Error(),
		})
		return
	}

	msg.ReplyTo = s.checkReplyTo(msg)

	if err := s.router.RouteIn(msg); err != nil {
		level := s.logger.Warn
		if errors.Is(err, ccrouter.ErrMessageExpired) {
			level = s.logger.Debug
		}
		level("incoming mqtt message not routed", ccrouter.LogFields{
			ccrouter.LogFieldMessageID: msg.ID,
			ccrouter.LogFieldError:     err.Error(),
		})
	}
}

// checkReplyTo returns the reply-to address of msg the router may learn.
// A missing broker means the broker the message arrived on; a broker this
// node has no connection to is dropped, so the reply fails like any other
// message to an unknown participant.
func (s *Skeleton) checkReplyTo(msg *ccrouter.ImmutableMessage) ccrouter.Address {
	replyTo, ok := msg.ReplyTo.(ccrouter.MqttAddress)
	if !ok {
		return msg.ReplyTo
	}

	if replyTo.BrokerURI == "" {
		replyTo.BrokerURI = s.address.BrokerURI
		return replyTo
	}

	if replyTo.BrokerURI == s.address.BrokerURI {
		return replyTo
	}
	if _, known := s.knownBrokers[replyTo.BrokerURI]; known {
		return replyTo
	}

	s.logger.Warn("ignoring reply-to address on unknown broker", ccrouter.LogFields{
		ccrouter.LogFieldMessageID: msg.ID,
		ccrouter.LogFieldAddress:   replyTo.String(),
	})
	return nil
}

func (s *Skeleton) topicOf(in *mqttv5.Message) string {
	if in == nil {
		return ""
	}
	return in.Topic
}
