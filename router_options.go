package ccrouter

import (
	"time"

	"github.com/benbjohnson/clock"
)

// RouterOption configures a CcMessageRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	sendMsgRetryInterval time.Duration
	maxParallelSends     int
	cleanupInterval      time.Duration
	accessController     AccessController
	accessControlEnabled bool
	accessControlAudit   bool
	defaultTTL           time.Duration
	maxRetryCount        int
	shutdownTimeout      time.Duration
	workerStopTimeout    time.Duration
	pollTimeout          time.Duration
	addressResolver      AddressResolver
	persistencePath      string
	multicastSubscribers func(provider Address) (MulticastSubscriber, bool)
	logger               Logger
	metrics              Metrics
	clock                clock.Clock
	onFatalError         func(error)
	onDeliveryFailed     func(*ImmutableMessage, error)
	onMessageQueued      func(*DelayableMessage)
}

func defaultRouterConfig() *routerConfig {
	return &routerConfig{
		sendMsgRetryInterval: 3 * time.Second,
		maxParallelSends:     20,
		cleanupInterval:      60 * time.Second,
		defaultTTL:           30 * 24 * time.Hour,
		maxRetryCount:        -1, // unlimited, TTL bounds retries
		shutdownTimeout:      DefaultPrepareForShutdownTimeout,
		workerStopTimeout:    1500 * time.Millisecond,
		pollTimeout:          time.Second,
		logger:               NewNoOpLogger(),
		metrics:              &NoOpMetrics{},
		clock:                clock.New(),
	}
}

// WithSendMsgRetryInterval sets the fixed delay before a failed delivery is retried.
func WithSendMsgRetryInterval(d time.Duration) RouterOption {
	return func(c *routerConfig) {
		if d > 0 {
			c.sendMsgRetryInterval = d
		}
	}
}

// WithMaxParallelSends sets the number of delivery workers.
func WithMaxParallelSends(n int) RouterOption {
	return func(c *routerConfig) {
		if n > 0 {
			c.maxParallelSends = n
		}
	}
}

// WithRoutingTableCleanupInterval sets how often expired routing entries are purged.
func WithRoutingTableCleanupInterval(d time.Duration) RouterOption {
	return func(c *routerConfig) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// WithAccessControl sets the access controller and enables access control.
func WithAccessControl(ac AccessController) RouterOption {
	return func(c *routerConfig) {
		c.accessController = ac
		c.accessControlEnabled = ac != nil
	}
}

// WithAccessControlEnabled toggles access control without changing the controller.
func WithAccessControlEnabled(enabled bool) RouterOption {
	return func(c *routerConfig) {
		c.accessControlEnabled = enabled
	}
}

// WithAccessControlAudit only logs denials instead of rejecting messages.
func WithAccessControlAudit(audit bool) RouterOption {
	return func(c *routerConfig) {
		c.accessControlAudit = audit
	}
}

// WithDefaultTTL sets the TTL applied to messages without expiry date.
func WithDefaultTTL(d time.Duration) RouterOption {
	return func(c *routerConfig) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithMaxRetryCount caps delivery retries. A negative value means unlimited.
func WithMaxRetryCount(n int) RouterOption {
	return func(c *routerConfig) {
		c.maxRetryCount = n
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for tracked messages.
func WithShutdownTimeout(d time.Duration) RouterOption {
	return func(c *routerConfig) {
		if d >= 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithWorkerStopTimeout bounds how long Shutdown waits for workers to finish their current item.
func WithWorkerStopTimeout(d time.Duration) RouterOption {
	return func(c *routerConfig) {
		if d > 0 {
			c.workerStopTimeout = d
		}
	}
}

// WithPollTimeout sets how long a worker blocks on the delay queue per poll.
func WithPollTimeout(d time.Duration) RouterOption {
	return func(c *routerConfig) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithAddressResolver replaces the default AddressManager.
func WithAddressResolver(r AddressResolver) RouterOption {
	return func(c *routerConfig) {
		c.addressResolver = r
	}
}

// WithMulticastReceiverPersistence loads multicast receivers from path at
// construction and saves them after every change.
func WithMulticastReceiverPersistence(path string) RouterOption {
	return func(c *routerConfig) {
		c.persistencePath = path
	}
}

// WithMulticastSubscribers sets the lookup of the transport skeleton that
// subscribes to multicasts of a provider reached at the given address.
func WithMulticastSubscribers(lookup func(provider Address) (MulticastSubscriber, bool)) RouterOption {
	return func(c *routerConfig) {
		c.multicastSubscribers = lookup
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) RouterOption {
	return func(c *routerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) RouterOption {
	return func(c *routerConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock sets the clock used for TTL checks, retries and cleanup.
func WithClock(clk clock.Clock) RouterOption {
	return func(c *routerConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// OnFatalError sets the callback for configuration faults found while routing.
func OnFatalError(fn func(error)) RouterOption {
	return func(c *routerConfig) {
		c.onFatalError = fn
	}
}

// OnDeliveryFailed sets the callback for terminal delivery failures.
// The error is a *DeliveryError.
func OnDeliveryFailed(fn func(*ImmutableMessage, error)) RouterOption {
	return func(c *routerConfig) {
		c.onDeliveryFailed = fn
	}
}

// OnMessageQueued sets a callback observing every (re)enqueued message.
func OnMessageQueued(fn func(*DelayableMessage)) RouterOption {
	return func(c *routerConfig) {
		c.onMessageQueued = fn
	}
}
