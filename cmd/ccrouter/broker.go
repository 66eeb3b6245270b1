package main

import (
	"context"
	"errors"
	"sync"

	"github.com/vitalvas/mqttv5"
	"go.uber.org/multierr"

	"github.com/vitalvas/ccrouter"
	"github.com/vitalvas/ccrouter/extensions/mqttstub"
)

var errBrokerNotConnected = errors.New("mqtt broker not connected")

// broker is one MQTT backend. The client is dialed on start, so publishers
// and skeletons can be wired before the connection exists.
type broker struct {
	gbid string
	uri  string
	opts []mqttv5.Option

	mu     sync.RWMutex
	client *mqttv5.Client
}

var (
	_ mqttstub.Publisher  = (*broker)(nil)
	_ mqttstub.Subscriber = (*broker)(nil)
)

func (b *broker) connect(ctx context.Context) error {
	client, err := mqttv5.DialContext(ctx, append([]mqttv5.Option{mqttv5.WithServers(b.uri)}, b.opts...)...)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *broker) current() (*mqttv5.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, errBrokerNotConnected
	}
	return b.client, nil
}

func (b *broker) Publish(msg *mqttv5.Message) error {
	c, err := b.current()
	if err != nil {
		return err
	}
	return c.Publish(msg)
}

func (b *broker) Subscribe(filter string, qos byte, handler mqttv5.MessageHandler) error {
	c, err := b.current()
	if err != nil {
		return err
	}
	return c.Subscribe(filter, qos, handler)
}

func (b *broker) Unsubscribe(filters ...string) error {
	c, err := b.current()
	if err != nil {
		return err
	}
	return c.Unsubscribe(filters...)
}

func (b *broker) close() error {
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// brokers holds the MQTT backends in gbid order. The first one is the
// default backend.
type brokers []*broker

func newBrokers(cfg *Config) brokers {
	opts := []mqttv5.Option{
		mqttv5.WithClientID(cfg.MQTTClientID),
		mqttv5.WithKeepAlive(cfg.MQTTKeepAlive),
		mqttv5.WithAutoReconnect(true),
	}
	if cfg.MQTTUsername != "" {
		opts = append(opts, mqttv5.WithCredentials(cfg.MQTTUsername, cfg.MQTTPassword))
	}

	out := make(brokers, 0, len(cfg.MQTTBrokers))
	for i, uri := range cfg.MQTTBrokers {
		out = append(out, &broker{gbid: cfg.GBIDs[i], uri: uri, opts: opts})
	}
	return out
}

func (bs brokers) connect(ctx context.Context) error {
	for _, b := range bs {
		if err := b.connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (bs brokers) close() error {
	var errs error
	for _, b := range bs {
		errs = multierr.Append(errs, b.close())
	}
	return errs
}

func (bs brokers) gbids() []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.gbid)
	}
	return out
}

// skeletons maps gbids to the skeleton receiving on that backend.
type skeletons map[string]*mqttstub.Skeleton

// lookup returns the skeleton subscribing to multicasts of a provider at addr.
func (s skeletons) lookup(addr ccrouter.Address) (ccrouter.MulticastSubscriber, bool) {
	mqtt, ok := addr.(ccrouter.MqttAddress)
	if !ok {
		return nil, false
	}
	sk, ok := s[mqtt.BrokerURI]
	if !ok {
		return nil, false
	}
	return sk, true
}
