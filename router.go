package ccrouter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// AddressResolver resolves a message to its destinations.
type AddressResolver interface {
	GetAddresses(msg *ImmutableMessage) (Destinations, error)
}

// delivery is the per-message state shared by all attempts of one message.
type delivery struct {
	expiry        time.Time
	acceptedAt    time.Time
	accessChecked bool
	lastErr       error
	finalized     atomic.Bool
}

// attempt aggregates the callbacks of one dispatch to all destinations.
type attempt struct {
	remaining atomic.Int32
	settled   atomic.Bool
}

// CcMessageRouter routes messages through the delay queue to transport stubs,
// retrying failed deliveries at a fixed interval until their TTL expires.
type CcMessageRouter struct {
	cfg       *routerConfig
	table     *RoutingTable
	registry  *MulticastReceiverRegistry
	resolver  AddressResolver
	stubs     MessagingStubFactory
	tracker   *MessageTracker
	queue     *MessageQueue
	listeners *listenerSet
	metrics   *RouterMetrics
	logger    Logger

	startOnce    sync.Once
	shuttingDown atomic.Bool
	cancel       context.CancelFunc
	workers      *errgroup.Group
	persistMu    sync.Mutex
}

// NewCcMessageRouter creates a router. The tracker is owned by the router
// from now on and drained by Shutdown. Workers start with Start.
func NewCcMessageRouter(
	table *RoutingTable,
	registry *MulticastReceiverRegistry,
	stubs MessagingStubFactory,
	tracker *MessageTracker,
	opts ...RouterOption,
) *CcMessageRouter {
	cfg := defaultRouterConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if tracker == nil {
		tracker = NewMessageTracker(cfg.logger)
	}
	if cfg.addressResolver == nil {
		cfg.addressResolver = NewAddressManager(table, registry, WithAddressManagerLogger(cfg.logger))
	}

	r := &CcMessageRouter{
		cfg:       cfg,
		table:     table,
		registry:  registry,
		resolver:  cfg.addressResolver,
		stubs:     stubs,
		tracker:   tracker,
		queue:     NewMessageQueue(cfg.clock),
		listeners: newListenerSet(),
		metrics:   NewRouterMetrics(cfg.metrics),
		logger:    cfg.logger,
	}

	if cfg.persistencePath != "" {
		if err := registry.LoadFromFile(cfg.persistencePath); err != nil {
			r.logger.Warn("multicast receivers not fully restored", LogFields{LogFieldError: err.Error()})
		}
	}

	return r
}

// Start launches the delivery workers and the routing table cleanup.
// Calling Start more than once has no effect.
func (r *CcMessageRouter) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.maxParallelSends + 1)

		for i := 0; i < r.cfg.maxParallelSends; i++ {
			g.Go(func() error {
				r.work(gctx)
				return nil
			})
		}
		g.Go(func() error {
			r.cleanup(gctx)
			return nil
		})

		r.workers = g

		r.logger.Info("message router started", LogFields{"workers": r.cfg.maxParallelSends})
	})
}

// RouteIn accepts a message for delivery. Expired messages are rejected
// synchronously with ErrMessageExpired and never queued.
func (r *CcMessageRouter) RouteIn(msg *ImmutableMessage) error {
	if msg == nil {
		return ErrNilMessage
	}
	if r.shuttingDown.Load() {
		return ErrRouterShutdown
	}

	now := r.cfg.clock.Now()
	expiry := msg.ExpiryDate
	if expiry.IsZero() {
		expiry = now.Add(r.cfg.defaultTTL)
	}

	if !now.Before(expiry) {
		r.metrics.MessageRejected(msg.Type)
		r.logger.Debug("expired message rejected", messageFields(msg))
		return fmt.Errorf("%w: %s", ErrMessageExpired, msg.ID)
	}

	r.registerGlobalRoutingEntryIfRequired(msg, expiry)

	if err := r.tracker.Register(msg); err != nil {
		return err
	}

	dm := NewDelayableMessage(msg, now)
	dm.delivery = &delivery{expiry: expiry, acceptedAt: now}

	if !r.enqueue(dm) {
		r.fail(dm, ErrRouterShutdown)
		return ErrRouterShutdown
	}

	r.metrics.MessageRouted(msg.Type)
	r.metrics.TrackedMessages(r.tracker.Count())

	return nil
}

// registerGlobalRoutingEntryIfRequired makes the sender of a request from
// global reachable for the reply.
func (r *CcMessageRouter) registerGlobalRoutingEntryIfRequired(msg *ImmutableMessage, expiry time.Time) {
	if !msg.ReceivedFromGlobal || !msg.Type.carriesReplyTo() || msg.ReplyTo == nil || msg.Sender == "" {
		return
	}
	r.table.Put(msg.Sender, msg.ReplyTo, true, WithExpiryDate(expiry.UnixMilli()))
}

func (r *CcMessageRouter) enqueue(dm *DelayableMessage) bool {
	if !r.queue.Put(dm) {
		return false
	}
	r.metrics.QueueSize(r.queue.Len())
	if r.cfg.onMessageQueued != nil {
		r.cfg.onMessageQueued(dm)
	}
	return true
}

func (r *CcMessageRouter) work(ctx context.Context) {
	for {
		dm, ok := r.queue.Poll(ctx, r.cfg.pollTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		r.process(dm)
	}
}

func (r *CcMessageRouter) cleanup(ctx context.Context) {
	ticker := r.cfg.clock.Ticker(r.cfg.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.table.Purge()
			r.metrics.RoutingEntries(r.table.Len())
		}
	}
}

// process runs one delivery attempt. The worker owns dm until it is either
// requeued or finalized.
func (r *CcMessageRouter) process(dm *DelayableMessage) {
	msg := dm.Message
	d := dm.delivery

	r.metrics.QueueSize(r.queue.Len())

	if !r.cfg.clock.Now().Before(d.expiry) {
		r.fail(dm, multierr.Combine(ErrMessageExpired, d.lastErr))
		return
	}

	if r.cfg.accessControlEnabled && r.cfg.accessController != nil && !d.accessChecked {
		d.accessChecked = true
		if !r.cfg.accessController.HasConsumerPermission(msg) {
			r.metrics.AccessDenied()
			if !r.cfg.accessControlAudit {
				r.fail(dm, ErrAccessDenied)
				return
			}
			r.logger.Warn("access denied, delivering in audit mode", messageFields(msg))
		}
	}

	destinations, err := r.resolver.GetAddresses(msg)
	switch {
	case err == nil:
	case IsConfigurationError(err):
		r.fatal(err)
		r.fail(dm, err)
		return
	default:
		r.logger.Debug("no address for message, retrying", withError(messageFields(msg), err))
		r.retry(dm, err)
		return
	}

	if len(destinations) == 0 {
		r.logger.Debug("multicast without receivers", messageFields(msg))
		r.succeed(dm)
		return
	}

	r.dispatch(dm, destinations)
}

func (r *CcMessageRouter) dispatch(dm *DelayableMessage, destinations Destinations) {
	a := &attempt{}
	a.remaining.Store(int32(len(destinations)))

	for addr := range destinations {
		stub, err := r.stubs.Create(addr)
		if err != nil {
			if IsConfigurationError(err) {
				r.fatal(err)
				if a.settled.CompareAndSwap(false, true) {
					r.fail(dm, err)
				}
				return
			}
			if a.settled.CompareAndSwap(false, true) {
				r.retry(dm, err)
			}
			return
		}

		kind := addr.Kind()
		var called atomic.Bool

		onSuccess := func() {
			if !called.CompareAndSwap(false, true) {
				return
			}
			r.metrics.MessageDelivered(kind)
			if a.remaining.Add(-1) == 0 && a.settled.CompareAndSwap(false, true) {
				r.succeed(dm)
			}
		}
		onFailure := func(cause error) {
			if !called.CompareAndSwap(false, true) {
				return
			}
			if a.settled.CompareAndSwap(false, true) {
				r.logger.Debug("transmit failed", withError(LogFields{
					LogFieldMessageID: dm.Message.ID,
					LogFieldAddress:   addr.String(),
				}, cause))
				r.retry(dm, cause)
			}
		}

		stub.Transmit(dm.Message, onSuccess, onFailure)
	}
}

// retry requeues dm after the fixed retry interval, or finalizes it when the
// TTL or the optional retry cap is exhausted.
func (r *CcMessageRouter) retry(dm *DelayableMessage, cause error) {
	d := dm.delivery

	if r.cfg.maxRetryCount >= 0 && dm.RetryCount >= r.cfg.maxRetryCount {
		r.fail(dm, multierr.Combine(ErrMaxRetriesExceeded, cause))
		return
	}

	now := r.cfg.clock.Now()
	if !now.Before(d.expiry) {
		r.fail(dm, multierr.Combine(ErrMessageExpired, cause))
		return
	}

	d.lastErr = cause
	dm.RetryCount++
	readyAt := now.Add(r.cfg.sendMsgRetryInterval)
	if readyAt.After(d.expiry) {
		readyAt = d.expiry
	}
	dm.ReadyAt = readyAt

	if !r.enqueue(dm) {
		r.fail(dm, multierr.Combine(ErrRouterShutdown, cause))
		return
	}
	r.metrics.Retry()
}

func (r *CcMessageRouter) succeed(dm *DelayableMessage) {
	if r.finalize(dm) {
		r.logger.Debug("message processed", messageFields(dm.Message))
	}
}

func (r *CcMessageRouter) fail(dm *DelayableMessage, cause error) {
	if !r.finalize(dm) {
		return
	}

	err := NewDeliveryError(dm.Message.ID, dm.RetryCount, cause)
	r.metrics.MessageFailed(failureReason(cause))
	r.logger.Warn("message not delivered", withError(messageFields(dm.Message), err))

	if r.cfg.onDeliveryFailed != nil {
		r.cfg.onDeliveryFailed(dm.Message, err)
	}
}

// finalize releases a message exactly once and reports whether this call did it.
func (r *CcMessageRouter) finalize(dm *DelayableMessage) bool {
	d := dm.delivery
	if !d.finalized.CompareAndSwap(false, true) {
		return false
	}

	if err := r.tracker.Unregister(dm.Message); err != nil {
		r.logger.Error("untracking message failed", withError(messageFields(dm.Message), err))
	}
	r.metrics.TrackedMessages(r.tracker.Count())
	r.metrics.DispatchLatency(r.cfg.clock.Since(d.acceptedAt))
	r.listeners.notify(dm.Message.ID)

	return true
}

func (r *CcMessageRouter) fatal(err error) {
	r.logger.Error("router configuration error", LogFields{LogFieldError: err.Error()})
	if r.cfg.onFatalError != nil {
		r.cfg.onFatalError(err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrMaxRetriesExceeded):
		return "max_retries"
	case errors.Is(err, ErrMessageExpired):
		return "expired"
	case errors.Is(err, ErrRouterShutdown):
		return "shutdown"
	case IsConfigurationError(err):
		return "configuration"
	default:
		return "other"
	}
}

// RegisterMulticastReceiver adds participantID as receiver of multicastID.
func (r *CcMessageRouter) RegisterMulticastReceiver(multicastID, participantID string) error {
	if err := r.registry.Register(multicastID, participantID); err != nil {
		return err
	}
	r.persistReceivers()
	return nil
}

// UnregisterMulticastReceiver removes participantID from multicastID.
func (r *CcMessageRouter) UnregisterMulticastReceiver(multicastID, participantID string) error {
	if r.registry.Unregister(multicastID, participantID) {
		r.persistReceivers()
	}
	return nil
}

// AddMulticastReceiver registers subscriberID for multicastID and, when the
// provider is reached over a transport with a multicast subscriber, subscribes
// that transport to the multicast. The provider must be routable.
func (r *CcMessageRouter) AddMulticastReceiver(multicastID, subscriberID, providerID string) error {
	providerAddr, ok := r.table.Get(providerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	if err := r.RegisterMulticastReceiver(multicastID, subscriberID); err != nil {
		return err
	}

	if sub, ok := r.multicastSubscriber(providerAddr); ok {
		if err := sub.RegisterMulticastSubscription(multicastID); err != nil {
			_ = r.UnregisterMulticastReceiver(multicastID, subscriberID)
			return err
		}
	}
	return nil
}

// RemoveMulticastReceiver reverses AddMulticastReceiver. The receiver is
// removed even when the provider is no longer routable.
func (r *CcMessageRouter) RemoveMulticastReceiver(multicastID, subscriberID, providerID string) error {
	_ = r.UnregisterMulticastReceiver(multicastID, subscriberID)

	providerAddr, ok := r.table.Get(providerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	if sub, ok := r.multicastSubscriber(providerAddr); ok {
		return sub.UnregisterMulticastSubscription(multicastID)
	}
	return nil
}

func (r *CcMessageRouter) multicastSubscriber(provider Address) (MulticastSubscriber, bool) {
	if r.cfg.multicastSubscribers == nil {
		return nil, false
	}
	sub, ok := r.cfg.multicastSubscribers(provider)
	if !ok || sub == nil {
		r.logger.Debug("no multicast subscriber for provider address", LogFields{LogFieldAddress: addressString(provider)})
		return nil, false
	}
	return sub, true
}

func (r *CcMessageRouter) persistReceivers() {
	if r.cfg.persistencePath == "" {
		return
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if err := r.registry.SaveToFile(r.cfg.persistencePath); err != nil {
		r.logger.Error("saving multicast receivers failed", LogFields{LogFieldError: err.Error()})
	}
}

// AddNextHop adds a routing entry and makes queued messages for that
// participant ready immediately.
func (r *CcMessageRouter) AddNextHop(participantID string, addr Address, isGloballyVisible bool, opts ...EntryOption) bool {
	if !r.table.Put(participantID, addr, isGloballyVisible, opts...) {
		return false
	}

	moved := r.queue.Reschedule(func(dm *DelayableMessage) bool {
		return !dm.Message.IsMulticast() && dm.Message.Recipient == participantID
	}, r.cfg.clock.Now())
	if moved > 0 {
		r.logger.Debug("queued messages rescheduled for new next hop", LogFields{
			LogFieldParticipantID: participantID,
			LogFieldCount:         moved,
		})
	}

	r.metrics.RoutingEntries(r.table.Len())
	return true
}

// RemoveNextHop removes the routing entry of participantID.
func (r *CcMessageRouter) RemoveNextHop(participantID string) {
	r.table.Remove(participantID)
	r.metrics.RoutingEntries(r.table.Len())
}

// ResolveNextHop reports whether participantID is routable.
func (r *CcMessageRouter) ResolveNextHop(participantID string) bool {
	return r.table.ContainsKey(participantID)
}

// RegisterMessageProcessedListener adds l and returns a function removing it.
func (r *CcMessageRouter) RegisterMessageProcessedListener(l MessageProcessedListener) (unregister func()) {
	id := r.listeners.add(l)
	return func() { r.listeners.remove(id) }
}

// Tracker returns the message tracker owned by the router.
func (r *CcMessageRouter) Tracker() *MessageTracker {
	return r.tracker
}

// QueueLen returns the number of messages waiting in the delay queue.
func (r *CcMessageRouter) QueueLen() int {
	return r.queue.Len()
}

// Shutdown stops accepting messages, waits for tracked messages to drain,
// then stops the workers after their current item. Messages still queued are
// finalized as failed. Waits are bounded by the configured timeouts and ctx.
func (r *CcMessageRouter) Shutdown(ctx context.Context) error {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	var errs error

	drainCtx, cancelDrain := context.WithTimeout(ctx, r.cfg.shutdownTimeout)
	errs = multierr.Append(errs, r.tracker.PrepareForShutdown(drainCtx))
	cancelDrain()

	errs = multierr.Append(errs, r.stopWorkers(ctx))

	for _, dm := range r.queue.Close() {
		r.fail(dm, ErrRouterShutdown)
	}

	if closer, ok := r.stubs.(interface{ Close() }); ok {
		closer.Close()
	}

	r.persistReceivers()

	r.logger.Info("message router stopped", nil)

	return errs
}

func (r *CcMessageRouter) stopWorkers(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		_ = r.workers.Wait()
		close(done)
	}()

	timer := r.cfg.clock.Timer(r.cfg.workerStopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWorkerStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ MulticastReceiverRegistrar = (*CcMessageRouter)(nil)

func messageFields(msg *ImmutableMessage) LogFields {
	return LogFields{
		LogFieldMessageID:     msg.ID,
		LogFieldMessageType:   msg.Type.String(),
		LogFieldParticipantID: msg.Recipient,
	}
}

func withError(fields LogFields, err error) LogFields {
	fields[LogFieldError] = err.Error()
	return fields
}
