package ccrouter

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// advanceUntil nudges the mock clock until cond holds. A nudge only matters
// when a worker armed its timer after the last Add.
func advanceUntil(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(time.Millisecond)
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func mockClockOptions(mock *clock.Mock) []RouterOption {
	return []RouterOption{
		WithClock(mock),
		WithPollTimeout(time.Hour),
		WithMaxParallelSends(1),
	}
}

func TestCcMessageRouterRetrySchedule(t *testing.T) {
	const interval = 3 * time.Second

	mock := clock.NewMock()
	f := newRouterFixture(t, append(mockClockOptions(mock), WithSendMsgRetryInterval(interval))...)
	f.table.Put(testParticipant, testClientAddr, false)

	stub := f.stubs.stub(testClientAddr)
	stub.failures = -1
	stub.clk = mock

	msg := oneWay(testParticipant)
	msg.ExpiryDate = mock.Now().Add(10 * time.Second)
	require.NoError(t, f.router.RouteIn(msg))

	advanceUntil(t, mock, func() bool { return f.metrics.Retries() == 1 })
	assert.Equal(t, 1, stub.attemptCount())
	assert.Equal(t, 1, f.router.Tracker().Count())

	for k := 2; k <= 4; k++ {
		mock.Add(interval)
		advanceUntil(t, mock, func() bool { return f.metrics.Retries() == float64(k) })
		assert.Equal(t, k, stub.attemptCount())
		assert.Equal(t, 1, f.router.Tracker().Count())
	}

	mock.Add(time.Second)
	advanceUntil(t, mock, func() bool { return f.done.contains(msg.ID) })

	assert.ErrorIs(t, f.failed.get(msg.ID), ErrMessageExpired)
	assert.Equal(t, float64(1), f.metrics.Failed("expired"))
	assert.Equal(t, 0, f.router.Tracker().Count())
	assert.Equal(t, 0, f.router.QueueLen())

	times := stub.attemptTimes()
	require.Len(t, times, 4)
	for i, at := range times {
		assert.True(t, at.Before(msg.ExpiryDate), "attempt %d after expiry", i)
		if i > 0 {
			assert.GreaterOrEqual(t, at.Sub(times[i-1]), interval, "attempt %d too early", i)
		}
	}
}

// gateStub holds every transmission until release is closed.
type gateStub struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGateStub() *gateStub {
	return &gateStub{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *gateStub) Transmit(_ *ImmutableMessage, onSuccess func(), _ func(error)) {
	s.calls.Add(1)
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	onSuccess()
}

func (s *gateStub) factory() MessagingStubFactory {
	return MessagingStubFactoryFunc(func(Address) (MessagingStub, error) { return s, nil })
}

func TestCcMessageRouterInFlight(t *testing.T) {
	t.Run("message stays tracked until transmission completes", func(t *testing.T) {
		gate := newGateStub()
		f := newRouterFixtureOn(t, NewRoutingTable(nil), gate.factory())
		f.table.Put(testParticipant, testClientAddr, false)

		msg := oneWay(testParticipant)
		require.NoError(t, f.router.RouteIn(msg))

		select {
		case <-gate.entered:
		case <-time.After(time.Second):
			t.Fatal("transmission did not start")
		}

		assert.Equal(t, 1, f.router.Tracker().Count())
		assert.Equal(t, 0, f.router.QueueLen())
		assert.False(t, f.done.contains(msg.ID))

		close(gate.release)

		require.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), gate.calls.Load())
		assert.Equal(t, 1, f.done.count(msg.ID))
		assert.Equal(t, 0, f.router.Tracker().Count())
		assert.Nil(t, f.failed.get(msg.ID))
	})

	t.Run("shutdown gives up on a stuck worker", func(t *testing.T) {
		mock := clock.NewMock()
		gate := newGateStub()
		f := newRouterFixtureOn(t, NewRoutingTable(nil), gate.factory(),
			append(mockClockOptions(mock),
				WithShutdownTimeout(10*time.Millisecond),
				WithWorkerStopTimeout(time.Second),
			)...)
		f.table.Put(testParticipant, testClientAddr, false)
		t.Cleanup(func() {
			select {
			case <-gate.release:
			default:
				close(gate.release)
			}
		})

		require.NoError(t, f.router.RouteIn(oneWay(testParticipant)))
		<-gate.entered

		result := make(chan error, 1)
		go func() { result <- f.router.Shutdown(context.Background()) }()

		var err error
		require.Eventually(t, func() bool {
			select {
			case err = <-result:
				return true
			default:
				mock.Add(time.Second)
				return false
			}
		}, 2*time.Second, 5*time.Millisecond)

		assert.ErrorIs(t, err, ErrWorkerStopTimeout)
		assert.ErrorIs(t, err, ErrShutdownTimeout)
		close(gate.release)
	})
}

func TestCcMessageRouterResolution(t *testing.T) {
	t.Run("unknown participant is looked up on every attempt", func(t *testing.T) {
		mock := clock.NewMock()
		table := NewRoutingTable(nil)
		counting := &countingTable{RoutingTable: table}
		resolver := &countingResolver{AddressResolver: NewAddressManager(counting, NewMulticastReceiverRegistry())}

		f := newRouterFixtureOn(t, table, nil,
			append(mockClockOptions(mock),
				WithSendMsgRetryInterval(time.Second),
				WithAddressResolver(resolver),
			)...)

		msg := oneWay("missing")
		msg.ExpiryDate = mock.Now().Add(time.Minute)
		require.NoError(t, f.router.RouteIn(msg))

		advanceUntil(t, mock, func() bool { return f.metrics.Retries() == 1 })
		mock.Add(time.Second)
		advanceUntil(t, mock, func() bool { return f.metrics.Retries() == 2 })

		assert.GreaterOrEqual(t, resolver.calls.Load(), int32(2))
		assert.GreaterOrEqual(t, counting.containsKeyCalls.Load(), int32(2))
		assert.Equal(t, 0, f.stubs.created())
		assert.Equal(t, 1, f.router.Tracker().Count())

		require.True(t, f.router.AddNextHop("missing", testClientAddr, false))
		require.True(t, f.router.ResolveNextHop("missing"))
		advanceUntil(t, mock, func() bool { return f.done.contains(msg.ID) })
		assert.Equal(t, 1, f.stubs.stub(testClientAddr).deliveredCount())
	})

	t.Run("multicast without receivers creates no stub", func(t *testing.T) {
		f := newRouterFixture(t)

		msg := multicastMsg("provider", "provider/weather")
		msg.ExpiryDate = time.Now().Add(time.Minute)
		require.NoError(t, f.router.RouteIn(msg))

		require.Eventually(t, func() bool { return f.done.contains(msg.ID) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, f.stubs.created())
		assert.Equal(t, float64(0), f.metrics.Retries())
		assert.Nil(t, f.failed.get(msg.ID))
	})
}

func TestCcMessageRouterLearnedReplyTo(t *testing.T) {
	const knownBroker = "tcp://broker:1883"

	var fatal atomic.Int32
	stubs := newStubSet()
	factory := MessagingStubFactoryFunc(func(addr Address) (MessagingStub, error) {
		if mqtt, ok := addr.(MqttAddress); ok && mqtt.BrokerURI != knownBroker {
			return nil, fmt.Errorf("%w: unknown broker %q", ErrInvalidAddress, mqtt.BrokerURI)
		}
		return stubs.Create(addr)
	})

	f := newRouterFixtureOn(t, NewRoutingTable(nil), factory, OnFatalError(func(error) { fatal.Add(1) }))
	f.table.Put(testParticipant, testClientAddr, false)

	request := oneWay(testParticipant)
	request.Type = MessageTypeRequest
	request.Sender = "remote-consumer"
	request.ReplyTo = MqttAddress{BrokerURI: "tcp://attacker-chosen:1883", Topic: "remote/replies"}
	request.ReceivedFromGlobal = true
	require.NoError(t, f.router.RouteIn(request))
	require.Eventually(t, func() bool { return f.done.contains(request.ID) }, time.Second, 5*time.Millisecond)

	reply := oneWay("remote-consumer")
	reply.Type = MessageTypeReply
	reply.ExpiryDate = time.Now().Add(100 * time.Millisecond)
	require.NoError(t, f.router.RouteIn(reply))
	require.Eventually(t, func() bool { return f.done.contains(reply.ID) }, time.Second, 5*time.Millisecond)

	err := f.failed.get(reply.ID)
	assert.ErrorIs(t, err, ErrMessageExpired)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.False(t, IsConfigurationError(err))
	assert.Equal(t, int32(0), fatal.Load())
	assert.Equal(t, 1, stubs.stub(testClientAddr).deliveredCount())
}
