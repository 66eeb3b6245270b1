// Package mqttstub delivers messages to MQTT addresses and receives messages
// addressed to this node from an MQTT broker.
package mqttstub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/vitalvas/mqttv5"
	"golang.org/x/sync/semaphore"

	"github.com/vitalvas/ccrouter"
)

// Transport is the transport name served by this package.
const Transport = "mqtt"

// UnicastTopicSuffix is appended to the topic of unicast messages.
const UnicastTopicSuffix = "/low"

// DefaultMaxInflight bounds concurrent publishes per factory.
const DefaultMaxInflight = 256

// DefaultQoS is the publish and subscribe QoS (at least once).
const DefaultQoS byte = 1

var (
	// ErrUnknownBroker is returned for addresses on a broker without publisher.
	ErrUnknownBroker = errors.New("no publisher for broker")

	// ErrTooManyInflight is reported when the publish limit is reached.
	ErrTooManyInflight = errors.New("too many in-flight mqtt publishes")
)

// Publisher publishes MQTT messages. *mqttv5.Client implements it.
type Publisher interface {
	Publish(msg *mqttv5.Message) error
}

var _ Publisher = (*mqttv5.Client)(nil)

// Option configures a StubFactory.
type Option func(*StubFactory)

// WithPublisher serves addresses on brokerURI with p.
// brokerURI is the broker URI or gbid used in MqttAddress.
func WithPublisher(brokerURI string, p Publisher) Option {
	return func(f *StubFactory) {
		f.publishers[brokerURI] = p
	}
}

// WithQoS sets the publish QoS. The default is QoS 1.
func WithQoS(qos byte) Option {
	return func(f *StubFactory) {
		f.qos = qos
	}
}

// WithMaxInflight bounds the number of concurrent publishes.
func WithMaxInflight(n int64) Option {
	return func(f *StubFactory) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithClock sets the clock used to compute the MQTT message expiry.
func WithClock(c clock.Clock) Option {
	return func(f *StubFactory) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger ccrouter.Logger) Option {
	return func(f *StubFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// StubFactory creates stubs for MqttAddress values.
type StubFactory struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	qos        byte
	sem        *semaphore.Weighted
	clock      clock.Clock
	logger     ccrouter.Logger
}

// NewStubFactory creates a factory. Register publishers with WithPublisher or AddPublisher.
func NewStubFactory(opts ...Option) *StubFactory {
	f := &StubFactory{
		publishers: make(map[string]Publisher),
		qos:        DefaultQoS,
		sem:        semaphore.NewWeighted(DefaultMaxInflight),
		clock:      clock.New(),
		logger:     ccrouter.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddPublisher serves addresses on brokerURI with p.
func (f *StubFactory) AddPublisher(brokerURI string, p Publisher) {
	f.mu.Lock()
	f.publishers[brokerURI] = p
	f.mu.Unlock()
}

// Create returns a stub for an MqttAddress. Addresses on a broker without
// publisher are not a configuration fault: reply-to addresses come from peers.
func (f *StubFactory) Create(addr ccrouter.Address) (ccrouter.MessagingStub, error) {
	mqttAddr, ok := addr.(ccrouter.MqttAddress)
	if !ok {
		return nil, ccrouter.NewConfigurationError("mqtt stub factory",
			fmt.Errorf("%w: %s", ccrouter.ErrNoStubFactory, ccrouter.KindOf(addr)))
	}

	f.mu.RLock()
	publisher, ok := f.publishers[mqttAddr.BrokerURI]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", ccrouter.ErrInvalidAddress, ErrUnknownBroker, mqttAddr.BrokerURI)
	}

	return &Stub{address: mqttAddr, publisher: publisher, factory: f}, nil
}

// Stub publishes messages to one MQTT address.
type Stub struct {
	address   ccrouter.MqttAddress
	publisher Publisher
	factory   *StubFactory
}

// Address returns the address served by the stub.
func (s *Stub) Address() ccrouter.MqttAddress {
	return s.address
}

// Transmit publishes msg asynchronously. Unicast messages go to the address
// topic plus UnicastTopicSuffix, multicasts to the address topic itself.
func (s *Stub) Transmit(msg *ccrouter.ImmutableMessage, onSuccess func(), onFailure func(error)) {
	topic := s.address.Topic
	if !msg.IsMulticast() {
		topic += UnicastTopicSuffix
	}

	if !s.factory.sem.TryAcquire(1) {
		onFailure(ErrTooManyInflight)
		return
	}

	out := Encode(msg, topic, s.factory.qos, s.factory.clock.Now())

	go func() {
		defer s.factory.sem.Release(1)

		start := s.factory.clock.Now()
		if err := s.publisher.Publish(out); err != nil {
			s.factory.logger.Debug("mqtt publish failed", ccrouter.LogFields{
				ccrouter.LogFieldMessageID: msg.ID,
				ccrouter.LogFieldAddress:   s.address.String(),
				ccrouter.LogFieldError:     err.Error(),
			})
			onFailure(err)
			return
		}

		s.factory.logger.Debug("mqtt message published", ccrouter.LogFields{
			ccrouter.LogFieldMessageID: msg.ID,
			"topic":                    topic,
			ccrouter.LogFieldDuration:  s.factory.clock.Since(start).String(),
		})
		onSuccess()
	}()
}

