package ccrouter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransmit = errors.New("transmit failed")

// fakeStub fails the first failures transmissions and records the rest.
// A negative failures fails forever. With clk set, attempt times are kept.
type fakeStub struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	delivered []*ImmutableMessage
	clk       clock.Clock
	times     []time.Time
}

func (s *fakeStub) Transmit(msg *ImmutableMessage, onSuccess func(), onFailure func(error)) {
	s.mu.Lock()
	s.attempts++
	if s.clk != nil {
		s.times = append(s.times, s.clk.Now())
	}
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		onFailure(errTransmit)
		return
	}
	s.delivered = append(s.delivered, msg)
	s.mu.Unlock()

	onSuccess()
}

func (s *fakeStub) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *fakeStub) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeStub) attemptTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

type stubSet struct {
	mu    sync.Mutex
	stubs map[Address]*fakeStub
}

func newStubSet() *stubSet {
	return &stubSet{stubs: make(map[Address]*fakeStub)}
}

func (s *stubSet) stub(addr Address) *fakeStub {
	s.mu.Lock()
	defer s.mu.Unlock()

	stub, ok := s.stubs[addr]
	if !ok {
		stub = &fakeStub{}
		s.stubs[addr] = stub
	}
	return stub
}

func (s *stubSet) Create(addr Address) (MessagingStub, error) {
	return s.stub(addr), nil
}

func (s *stubSet) created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stubs)
}

type processedRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *processedRecorder) MessageProcessed(messageID string) {
	r.mu.Lock()
	r.ids = append(r.ids, messageID)
	r.mu.Unlock()
}

func (r *processedRecorder) contains(id string) bool {
	return r.count(id) > 0
}

func (r *processedRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.ids {
		if got == id {
			n++
		}
	}
	return n
}

type failureRecorder struct {
	mu     sync.Mutex
	errors map[string]error
}

func (r *failureRecorder) record(msg *ImmutableMessage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors == nil {
		r.errors = make(map[string]error)
	}
	r.errors[msg.ID] = err
}

func (r *failureRecorder) get(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors[id]
}

type routerFixture struct {
	router   *CcMessageRouter
	table    *RoutingTable
	registry *MulticastReceiverRegistry
	stubs    *stubSet
	metrics  *MemoryMetrics
	done     *processedRecorder
	failed   *failureRecorder
}

func newRouterFixture(t *testing.T, opts ...RouterOption) *routerFixture {
	t.Helper()
	return newRouterFixtureOn(t, NewRoutingTable(NewRoutingTableAddressValidator(nil)), nil, opts...)
}

// newRouterFixtureOn builds a started router on table. A nil factory sends
// everything to the fixture's stub set.
func newRouterFixtureOn(t *testing.T, table *RoutingTable, factory MessagingStubFactory, opts ...RouterOption) *routerFixture {
	t.Helper()

	f := &routerFixture{
		table:    table,
		registry: NewMulticastReceiverRegistry(),
		stubs:    newStubSet(),
		metrics:  NewMemoryMetrics(),
		done:     &processedRecorder{},
		failed:   &failureRecorder{},
	}
	if factory == nil {
		factory = f.stubs
	}

	base := []RouterOption{
		WithSendMsgRetryInterval(20 * time.Millisecond),
		WithMaxParallelSends(4),
		WithPollTimeout(20 * time.Millisecond),
		WithShutdownTimeout(100 * time.Millisecond),
		WithMetrics(f.metrics),
		OnDeliveryFailed(f.failed.record),
	}

	f.router = NewCcMessageRouter(f.table, f.registry, factory, nil, append(base, opts...)...)
	f.router.RegisterMessageProcessedListener(f.done)
	f.router.Start()

	t.Cleanup(func() {
		_ = f.router.Shutdown(context.Background())
	})

	return f
}

func oneWay(recipient string) *ImmutableMessage {
	return &ImmutableMessage{
		ID:         NewMessageID(),
		Type:       MessageTypeOneWay,
		Sender:     "sender",
		Recipient:  recipient,
		ExpiryDate: time.Now().Add(time.Minute),
	}
}

func TestCcMessageRouterRouteIn(t *testing.T) {
	t.Run("delivers to known participant", func(t *testing.T) {
		f := newRouterFixture(t)
		f.table.Put(testParticipant, testClientAddr, false)

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.stubs.stub(testClientAddr).deliveredCount())
		assert.Equal(t, 0, f.router.Tracker().Count())
		assert.Nil(t, f.failed.get(msg.ID))
		assert.Equal(t, float64(1), f.metrics.Routed(MessageTypeOneWay))
		assert.Equal(t, float64(1), f.metrics.Delivered(AddressKindWebSocketClient))
	})

	t.Run("message without expiry date uses default ttl", func(t *testing.T) {
		f := newRouterFixture(t)
		f.table.Put(testParticipant, testClientAddr, false)

		msg := oneWay(testParticipant)
		msg.ExpiryDate = time.Time{}
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
	})

	t.Run("nil message", func(t *testing.T) {
		f := newRouterFixture(t)

		assert.ErrorIs(t, f.router.RouteIn(nil), ErrNilMessage)
	})

	t.Run("expired message is rejected synchronously", func(t *testing.T) {
		f := newRouterFixture(t)
		f.table.Put(testParticipant, testClientAddr, false)

		msg := oneWay(testParticipant)
		msg.ExpiryDate = time.Now().Add(-time.Second)

		err := f.router.RouteIn(msg)
		assert.ErrorIs(t, err, ErrMessageExpired)
		assert.Equal(t, 0, f.router.QueueLen())
		assert.Equal(t, 0, f.router.Tracker().Count())
		assert.Equal(t, float64(1), f.metrics.Rejected(MessageTypeOneWay))

		time.Sleep(30 * time.Millisecond)
		assert.False(t, f.done.contains(msg.ID))
		assert.Equal(t, 0, f.stubs.stub(testClientAddr).attemptCount())
	})

	t.Run("request from global registers reply to address", func(t *testing.T) {
		f := newRouterFixture(t)
		f.table.Put(testParticipant, testInProcAddr, false)

		msg := oneWay(testParticipant)
		msg.Type = MessageTypeRequest
		msg.Sender = "remote-consumer"
		msg.ReplyTo = testMqttAddr2
		msg.ReceivedFromGlobal = true

		require.NoError(t, f.router.RouteIn(msg))

		addr, ok := f.table.Get("remote-consumer")
		require.True(t, ok)
		assert.Equal(t, testMqttAddr2, addr)

		visible, err := f.table.GetIsGloballyVisible("remote-consumer")
		require.NoError(t, err)
		assert.True(t, visible)

		expiry, err := f.table.GetExpiryDate("remote-consumer")
		require.NoError(t, err)
		assert.Equal(t, msg.ExpiryDate.UnixMilli(), expiry)
	})

	t.Run("local request does not register reply to address", func(t *testing.T) {
		f := newRouterFixture(t)

		msg := oneWay(testParticipant)
		msg.Type = MessageTypeRequest
		msg.Sender = "local-consumer"
		msg.ReplyTo = testMqttAddr2

		require.NoError(t, f.router.RouteIn(msg))
		assert.False(t, f.table.ContainsKey("local-consumer"))
	})
}

func TestCcMessageRouterRetry(t *testing.T) {
	t.Run("failed transmissions are retried", func(t *testing.T) {
		f := newRouterFixture(t)
		f.table.Put(testParticipant, testClientAddr, false)
		f.stubs.stub(testClientAddr).failures = 2

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 3, f.stubs.stub(testClientAddr).attemptCount())
		assert.Equal(t, 1, f.stubs.stub(testClientAddr).deliveredCount())
		assert.Equal(t, float64(2), f.metrics.Retries())
	})

	t.Run("unknown recipient is retried until ttl expires", func(t *testing.T) {
		f := newRouterFixture(t)

		msg := oneWay("missing")
		msg.ExpiryDate = time.Now().Add(100 * time.Millisecond)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)

		err := f.failed.get(msg.ID)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMessageExpired)

		var deliveryErr *DeliveryError
		require.True(t, errors.As(err, &deliveryErr))
		assert.Equal(t, msg.ID, deliveryErr.MessageID)
		assert.Positive(t, deliveryErr.RetryCount)
		assert.Equal(t, 0, f.router.Tracker().Count())
	})

	t.Run("transmission failing until ttl expires", func(t *testing.T) {
		f := newRouterFixture(t)
		f.table.Put(testParticipant, testClientAddr, false)
		f.stubs.stub(testClientAddr).failures = -1

		msg := oneWay(testParticipant)
		msg.ExpiryDate = time.Now().Add(100 * time.Millisecond)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, f.failed.get(msg.ID), ErrMessageExpired)
		assert.Equal(t, float64(1), f.metrics.Failed("expired"))
	})

	t.Run("retry cap", func(t *testing.T) {
		f := newRouterFixture(t, WithMaxRetryCount(2))
		f.table.Put(testParticipant, testClientAddr, false)
		f.stubs.stub(testClientAddr).failures = -1

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, f.failed.get(msg.ID), ErrMaxRetriesExceeded)
		assert.ErrorIs(t, f.failed.get(msg.ID), errTransmit)
		assert.Equal(t, 3, f.stubs.stub(testClientAddr).attemptCount())
	})

	t.Run("new next hop flushes waiting messages", func(t *testing.T) {
		f := newRouterFixture(t, WithSendMsgRetryInterval(time.Hour))

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		require.Eventually(t, func() bool {
			return f.metrics.Retries() >= 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.router.QueueLen())

		require.True(t, f.router.AddNextHop(testParticipant, testClientAddr, false))
		assert.True(t, f.router.ResolveNextHop(testParticipant))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.stubs.stub(testClientAddr).deliveredCount())
	})

	t.Run("failing recipient does not starve others", func(t *testing.T) {
		f := newRouterFixture(t, WithMaxParallelSends(2))
		f.table.Put("broken", testMqttAddr, false)
		f.table.Put(testParticipant, testClientAddr, false)
		f.stubs.stub(testMqttAddr).failures = -1

		for i := 0; i < 4; i++ {
			require.NoError(t, f.router.RouteIn(oneWay("broken")))
		}

		var ids []string
		for i := 0; i < 10; i++ {
			msg := oneWay(testParticipant)
			ids = append(ids, msg.ID)
			require.NoError(t, f.router.RouteIn(msg))
		}

		assert.Eventually(t, func() bool {
			return f.stubs.stub(testClientAddr).deliveredCount() == len(ids)
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestCcMessageRouterAccessControl(t *testing.T) {
	deny := func(calls *atomic.Int32) AccessController {
		return AccessControllerFunc(func(*ImmutableMessage) bool {
			calls.Add(1)
			return false
		})
	}

	t.Run("denied message is dropped", func(t *testing.T) {
		var calls atomic.Int32
		f := newRouterFixture(t, WithAccessControl(deny(&calls)))
		f.table.Put(testParticipant, testClientAddr, false)

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, f.failed.get(msg.ID), ErrAccessDenied)
		assert.Equal(t, 0, f.stubs.stub(testClientAddr).attemptCount())
		assert.Equal(t, float64(1), f.metrics.Denied())
	})

	t.Run("audit mode delivers and checks once", func(t *testing.T) {
		var calls atomic.Int32
		f := newRouterFixture(t, WithAccessControl(deny(&calls)), WithAccessControlAudit(true))
		f.table.Put(testParticipant, testClientAddr, false)
		f.stubs.stub(testClientAddr).failures = 1

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.stubs.stub(testClientAddr).deliveredCount())
		assert.Equal(t, int32(1), calls.Load())
		assert.Nil(t, f.failed.get(msg.ID))
	})

	t.Run("disabled access control is not consulted", func(t *testing.T) {
		var calls atomic.Int32
		f := newRouterFixture(t, WithAccessControl(deny(&calls)), WithAccessControlEnabled(false))
		f.table.Put(testParticipant, testClientAddr, false)

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(0), calls.Load())
	})
}

func TestCcMessageRouterMulticast(t *testing.T) {
	const multicastID = "provider/weather/munich"

	t.Run("fans out to all receivers", func(t *testing.T) {
		f := newRouterFixture(t)
		other := WebSocketClientAddress{ID: "client-2"}
		f.table.Put(testParticipant, testClientAddr, false)
		f.table.Put(testParticipant2, other, false)

		require.NoError(t, f.router.RegisterMulticastReceiver("provider/+/munich", testParticipant))
		require.NoError(t, f.router.RegisterMulticastReceiver("provider/weather/*", testParticipant2))

		msg := multicastMsg("provider", multicastID)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.stubs.stub(testClientAddr).deliveredCount())
		assert.Equal(t, 1, f.stubs.stub(other).deliveredCount())
	})

	t.Run("multicast without receivers completes", func(t *testing.T) {
		f := newRouterFixture(t)

		msg := multicastMsg("provider", multicastID)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Nil(t, f.failed.get(msg.ID))
	})

	t.Run("partial failure retries the whole message", func(t *testing.T) {
		f := newRouterFixture(t)
		other := WebSocketClientAddress{ID: "client-2"}
		f.table.Put(testParticipant, testClientAddr, false)
		f.table.Put(testParticipant2, other, false)
		f.stubs.stub(other).failures = 1

		require.NoError(t, f.router.RegisterMulticastReceiver(multicastID, testParticipant))
		require.NoError(t, f.router.RegisterMulticastReceiver(multicastID, testParticipant2))

		msg := multicastMsg("provider", multicastID)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, f.stubs.stub(other).deliveredCount())
		assert.GreaterOrEqual(t, f.stubs.stub(testClientAddr).deliveredCount(), 1)
		assert.Equal(t, 2, f.stubs.stub(other).attemptCount())
	})

	t.Run("unregister receiver", func(t *testing.T) {
		f := newRouterFixture(t)
		f.table.Put(testParticipant, testClientAddr, false)

		require.NoError(t, f.router.RegisterMulticastReceiver(multicastID, testParticipant))
		require.NoError(t, f.router.UnregisterMulticastReceiver(multicastID, testParticipant))

		msg := multicastMsg("provider", multicastID)
		require.NoError(t, f.router.RouteIn(msg))

		assert.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, f.stubs.stub(testClientAddr).attemptCount())
	})

	t.Run("invalid receiver pattern", func(t *testing.T) {
		f := newRouterFixture(t)

		assert.ErrorIs(t, f.router.RegisterMulticastReceiver("a/*/b", testParticipant), ErrInvalidMulticastID)
	})

	t.Run("receivers are persisted", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "receivers.json")

		f := newRouterFixture(t, WithMulticastReceiverPersistence(path))
		require.NoError(t, f.router.RegisterMulticastReceiver(multicastID, testParticipant))

		restored := NewMulticastReceiverRegistry()
		r := NewCcMessageRouter(NewRoutingTable(nil), restored, newStubSet(), nil, WithMulticastReceiverPersistence(path))
		defer r.Shutdown(context.Background())

		assert.Equal(t, []string{testParticipant}, restored.GetReceivers(multicastID))
	})
}

type recordingSubscriber struct {
	mu     sync.Mutex
	active map[string]int
	err    error
}

func (s *recordingSubscriber) RegisterMulticastSubscription(multicastID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.active == nil {
		s.active = make(map[string]int)
	}
	s.active[multicastID]++
	return nil
}

func (s *recordingSubscriber) UnregisterMulticastSubscription(multicastID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[multicastID]--
	return nil
}

func (s *recordingSubscriber) count(multicastID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[multicastID]
}

func TestCcMessageRouterMulticastSubscriptions(t *testing.T) {
	const multicastID = "provider/weather"

	newFixture := func(t *testing.T, sub *recordingSubscriber) *routerFixture {
		return newRouterFixture(t, WithMulticastSubscribers(func(provider Address) (MulticastSubscriber, bool) {
			if _, ok := provider.(MqttAddress); ok {
				return sub, true
			}
			return nil, false
		}))
	}

	t.Run("global provider subscribes transport", func(t *testing.T) {
		sub := &recordingSubscriber{}
		f := newFixture(t, sub)
		f.table.Put("provider", testMqttAddr, true)

		require.NoError(t, f.router.AddMulticastReceiver(multicastID, testParticipant, "provider"))
		assert.Equal(t, 1, sub.count(multicastID))
		assert.Equal(t, []string{testParticipant}, f.registry.GetReceivers(multicastID))

		require.NoError(t, f.router.RemoveMulticastReceiver(multicastID, testParticipant, "provider"))
		assert.Equal(t, 0, sub.count(multicastID))
		assert.Empty(t, f.registry.GetReceivers(multicastID))
	})

	t.Run("local provider needs no subscription", func(t *testing.T) {
		sub := &recordingSubscriber{}
		f := newFixture(t, sub)
		f.table.Put("provider", testClientAddr, false)

		require.NoError(t, f.router.AddMulticastReceiver(multicastID, testParticipant, "provider"))
		assert.Equal(t, 0, sub.count(multicastID))
		assert.Equal(t, []string{testParticipant}, f.registry.GetReceivers(multicastID))
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t, &recordingSubscriber{})

		assert.ErrorIs(t, f.router.AddMulticastReceiver(multicastID, testParticipant, "provider"), ErrUnknownProvider)
		assert.Empty(t, f.registry.GetReceivers(multicastID))
	})

	t.Run("failed subscription rolls back receiver", func(t *testing.T) {
		sub := &recordingSubscriber{err: errTransmit}
		f := newFixture(t, sub)
		f.table.Put("provider", testMqttAddr, true)

		assert.ErrorIs(t, f.router.AddMulticastReceiver(multicastID, testParticipant, "provider"), errTransmit)
		assert.Empty(t, f.registry.GetReceivers(multicastID))
	})
}

func TestCcMessageRouterConfigurationErrors(t *testing.T) {
	t.Run("missing stub factory is fatal", func(t *testing.T) {
		var fatal atomic.Int32
		failed := &failureRecorder{}
		done := &processedRecorder{}

		table := NewRoutingTable(nil)
		table.Put(testParticipant, testChannelAddr, false)

		r := NewCcMessageRouter(table, NewMulticastReceiverRegistry(), NewStubFactoryRegistry(0), nil,
			WithPollTimeout(20*time.Millisecond),
			OnFatalError(func(error) { fatal.Add(1) }),
			OnDeliveryFailed(failed.record),
		)
		r.RegisterMessageProcessedListener(done)
		r.Start()
		defer r.Shutdown(context.Background())

		msg := oneWay(testParticipant)
		require.NoError(t, r.RouteIn(msg))

		assert.Eventually(t, func() bool { return done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), fatal.Load())
		assert.ErrorIs(t, failed.get(msg.ID), ErrNoStubFactory)
	})

	t.Run("ambiguous multicast calculators are fatal", func(t *testing.T) {
		var fatal atomic.Int32
		done := &processedRecorder{}

		table := NewRoutingTable(nil)
		registry := NewMulticastReceiverRegistry()
		resolver := NewAddressManager(table, registry, WithMulticastAddressCalculators(
			&fakeCalculator{transport: "mqtt"},
			&fakeCalculator{transport: "http"},
		))

		r := NewCcMessageRouter(table, registry, newStubSet(), nil,
			WithPollTimeout(20*time.Millisecond),
			WithAddressResolver(resolver),
			OnFatalError(func(error) { fatal.Add(1) }),
		)
		r.RegisterMessageProcessedListener(done)
		r.Start()
		defer r.Shutdown(context.Background())

		msg := multicastMsg("provider", "a/b")
		require.NoError(t, r.RouteIn(msg))

		assert.Eventually(t, func() bool { return done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), fatal.Load())
	})
}

func TestCcMessageRouterListeners(t *testing.T) {
	f := newRouterFixture(t)
	f.table.Put(testParticipant, testClientAddr, false)

	var calls atomic.Int32
	unregister := f.router.RegisterMessageProcessedListener(MessageProcessedListenerFunc(func(string) {
		calls.Add(1)
	}))

	first := oneWay(testParticipant)
	require.NoError(t, f.router.RouteIn(first))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	unregister()

	second := oneWay(testParticipant)
	require.NoError(t, f.router.RouteIn(second))
	require.Eventually(t, func() bool { return f.done.contains(second.ID) }, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
}

func TestCcMessageRouterNextHops(t *testing.T) {
	f := newRouterFixture(t)

	assert.False(t, f.router.ResolveNextHop(testParticipant))
	assert.False(t, f.router.AddNextHop(testParticipant, testWebSockAddr, false))

	require.True(t, f.router.AddNextHop(testParticipant, testClientAddr, true, WithSticky()))
	assert.True(t, f.router.ResolveNextHop(testParticipant))

	f.router.RemoveNextHop(testParticipant)
	assert.True(t, f.router.ResolveNextHop(testParticipant), "sticky entries survive removal")

	require.True(t, f.router.AddNextHop(testParticipant2, testMqttAddr, false))
	f.router.RemoveNextHop(testParticipant2)
	assert.False(t, f.router.ResolveNextHop(testParticipant2))
}

func TestCcMessageRouterShutdown(t *testing.T) {
	t.Run("rejects messages after shutdown", func(t *testing.T) {
		f := newRouterFixture(t)

		require.NoError(t, f.router.Shutdown(context.Background()))
		assert.ErrorIs(t, f.router.RouteIn(oneWay(testParticipant)), ErrRouterShutdown)
		assert.NoError(t, f.router.Shutdown(context.Background()))
	})

	t.Run("waits for in-flight messages", func(t *testing.T) {
		f := newRouterFixture(t, WithShutdownTimeout(time.Second))
		f.table.Put(testParticipant, testClientAddr, false)
		f.stubs.stub(testClientAddr).failures = 2

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		require.NoError(t, f.router.Shutdown(context.Background()))
		assert.True(t, f.done.contains(msg.ID))
		assert.Equal(t, 1, f.stubs.stub(testClientAddr).deliveredCount())
	})

	t.Run("fails undeliverable messages on timeout", func(t *testing.T) {
		f := newRouterFixture(t, WithSendMsgRetryInterval(time.Hour))

		msg := oneWay("missing")
		require.NoError(t, f.router.RouteIn(msg))
		require.Eventually(t, func() bool {
			return f.metrics.Retries() >= 1
		}, time.Second, 5*time.Millisecond)

		err := f.router.Shutdown(context.Background())
		assert.ErrorIs(t, err, ErrShutdownTimeout)

		assert.True(t, f.done.contains(msg.ID))
		assert.ErrorIs(t, f.failed.get(msg.ID), ErrRouterShutdown)
		assert.Equal(t, 0, f.router.QueueLen())
		assert.Equal(t, 0, f.router.Tracker().Count())
	})

	t.Run("shutdown without start", func(t *testing.T) {
		r := NewCcMessageRouter(NewRoutingTable(nil), NewMulticastReceiverRegistry(), newStubSet(), nil)

		assert.NoError(t, r.Shutdown(context.Background()))
	})
}
