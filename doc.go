// Package ccrouter provides the message routing core of a cluster controller.
//
// A cluster controller sits between local participants (providers and
// consumers in the same process or connected through WebSockets) and the
// global transports (MQTT brokers, HTTP channels). Every message passing the
// node is handed to the router, which resolves the recipient to one or more
// transport addresses and delivers it through messaging stubs, retrying until
// the message's TTL runs out.
//
// # Features
//
//   - Routing table with sticky entries, address precedence and expiry sweep
//   - Multicast receivers with "+" and trailing "*" wildcards
//   - Delay queue with FIFO order for equal ready times
//   - Fixed-interval retries bounded by the message TTL
//   - Access control hook with audit mode
//   - Graceful shutdown waiting for in-flight messages
//   - Pluggable logging and metrics
//
// # Routing Table
//
// The routing table maps participant ids to addresses. Updates never lower an
// entry's expiry date; a different address replaces an entry only if the
// AddressValidator allows it:
//
//	validator := ccrouter.NewRoutingTableAddressValidator(logger)
//	table := ccrouter.NewRoutingTable(validator)
//
//	table.Put("provider-1", ccrouter.MqttAddress{BrokerURI: "tcp://broker:1883", Topic: "cc/1"}, true,
//	    ccrouter.WithExpiryDate(expiry.UnixMilli()),
//	)
//
// # Router
//
// CcMessageRouter ties table, multicast registry and stubs together:
//
//	stubs := ccrouter.NewStubFactoryRegistry(0)
//	stubs.Register(ccrouter.AddressKindInProcess, inprocess.NewStubFactory())
//
//	router := ccrouter.NewCcMessageRouter(table, ccrouter.NewMulticastReceiverRegistry(), stubs, nil,
//	    ccrouter.WithSendMsgRetryInterval(time.Second),
//	    ccrouter.WithLogger(logger),
//	)
//	router.Start()
//	defer router.Shutdown(context.Background())
//
//	err := router.RouteIn(msg)
//
// RouteIn returns before delivery. Completion, successful or not, is reported
// to every MessageProcessedListener; terminal failures additionally reach the
// OnDeliveryFailed callback as a *DeliveryError.
//
// # Multicast
//
// Multicast ids are "/" separated partitions. Receivers register patterns
// where "+" matches exactly one partition and a trailing "*" matches any
// number of partitions, including none:
//
//	router.RegisterMulticastReceiver("weather/+/munich", "consumer-1")
//	router.RegisterMulticastReceiver("weather/*", "consumer-2")
//
// For locally originated multicasts a MulticastAddressCalculator adds the
// global transport address. Multicasts received from global are never sent
// back.
//
// # Errors
//
// Sentinel errors are checked with errors.Is. A *ConfigurationError means the
// router was assembled wrongly (missing stub factory, ambiguous multicast
// calculators); the router reports it through OnFatalError and does not retry.
//
// # Extensions
//
// The extensions directory holds messaging stubs for in-process skeletons,
// MQTT, WebSocket clients and HTTP channels, plus adapters for zap logging
// and Prometheus metrics. cmd/ccrouter wires them into a standalone cluster
// controller.
package ccrouter
