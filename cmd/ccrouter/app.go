package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/vitalvas/ccrouter"
	"github.com/vitalvas/ccrouter/extensions/httpstub"
	"github.com/vitalvas/ccrouter/extensions/inprocess"
	"github.com/vitalvas/ccrouter/extensions/mqttstub"
	"github.com/vitalvas/ccrouter/extensions/prommetrics"
	"github.com/vitalvas/ccrouter/extensions/wsstub"
	"github.com/vitalvas/ccrouter/extensions/zaplog"
)

var errRouterNotReady = errors.New("message router not ready")

// appOptions is the dependency graph of the process.
func appOptions(cfg *Config) []fx.Option {
	return []fx.Option{
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newMetrics,
			newBrokers,
			newInbound,
			newValidator,
			newRoutingTable,
			ccrouter.NewMulticastReceiverRegistry,
			newWSServer,
			newStubs,
			newSkeletons,
			newRouter,
			newHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	}
}

func newLogger(cfg *Config) (*zaplog.Logger, ccrouter.Logger, error) {
	l, err := zaplog.NewProduction(ccrouter.ParseLogLevel(cfg.LogLevel))
	if err != nil {
		return nil, nil, err
	}
	return l, l, nil
}

func newMetrics() (*prommetrics.Metrics, ccrouter.Metrics) {
	m := prommetrics.New(nil)
	return m, m
}

// inbound hands messages from transports to the router once it exists.
// Transports are built before the router because the router's stubs need them.
type inbound struct {
	router atomic.Pointer[ccrouter.CcMessageRouter]
}

func newInbound() *inbound {
	return &inbound{}
}

func (in *inbound) RouteIn(msg *ccrouter.ImmutableMessage) error {
	r := in.router.Load()
	if r == nil {
		return errRouterNotReady
	}
	return r.RouteIn(msg)
}

func newValidator(logger ccrouter.Logger) *ccrouter.RoutingTableAddressValidator {
	return ccrouter.NewRoutingTableAddressValidator(logger)
}

func newRoutingTable(cfg *Config, validator *ccrouter.RoutingTableAddressValidator, logger ccrouter.Logger) *ccrouter.RoutingTable {
	table := ccrouter.NewRoutingTable(validator,
		ccrouter.WithGracePeriod(cfg.RoutingTableGrace),
		ccrouter.WithDefaultExpiry(cfg.DefaultTTL),
		ccrouter.WithTableLogger(logger),
	)
	if cfg.GcdParticipantID != "" {
		table.SetGcdParticipantID(cfg.GcdParticipantID)
	}
	return table
}

func newWSServer(in *inbound, logger ccrouter.Logger) *wsstub.Server {
	return wsstub.NewServer(in, wsstub.WithLogger(logger))
}

func newStubs(cfg *Config, bs brokers, ws *wsstub.Server, logger ccrouter.Logger) (*ccrouter.StubFactoryRegistry, error) {
	reg := ccrouter.NewStubFactoryRegistry(cfg.StubCacheSize)

	reg.Register(ccrouter.AddressKindInProcess, inprocess.NewStubFactory())

	mqttOpts := []mqttstub.Option{mqttstub.WithLogger(logger)}
	for _, b := range bs {
		mqttOpts = append(mqttOpts, mqttstub.WithPublisher(b.gbid, b))
	}
	reg.Register(ccrouter.AddressKindMqtt, mqttstub.NewStubFactory(mqttOpts...))

	reg.Register(ccrouter.AddressKindWebSocketClient, wsstub.NewStubFactory(ws))

	httpOpts := []httpstub.Option{
		httpstub.WithRateLimit(rate.Limit(cfg.HTTPRateLimit), cfg.HTTPRateBurst),
		httpstub.WithLogger(logger),
	}
	if cfg.HTTPSocks5Proxy != "" {
		httpOpts = append(httpOpts, httpstub.WithSOCKS5Proxy(cfg.HTTPSocks5Proxy, "", ""))
	}
	channels, err := httpstub.NewStubFactory(httpOpts...)
	if err != nil {
		return nil, err
	}
	reg.Register(ccrouter.AddressKindChannel, channels)

	return reg, nil
}

func newSkeletons(cfg *Config, bs brokers, in *inbound, validator *ccrouter.RoutingTableAddressValidator, logger ccrouter.Logger) skeletons {
	out := make(skeletons, len(bs))
	for _, b := range bs {
		sk := mqttstub.NewSkeleton(
			ccrouter.MqttAddress{BrokerURI: b.gbid, Topic: cfg.NodeTopic},
			b,
			in,
			mqttstub.WithMulticastTopicPrefix(cfg.MulticastTopicPrefix),
			mqttstub.WithKnownBrokers(bs.gbids()...),
			mqttstub.WithSkeletonLogger(logger),
		)
		validator.Subscribe(sk)
		out[b.gbid] = sk
	}
	return out
}

type routerParams struct {
	fx.In

	Config     *Config
	Table      *ccrouter.RoutingTable
	Registry   *ccrouter.MulticastReceiverRegistry
	Stubs      *ccrouter.StubFactoryRegistry
	Brokers    brokers
	Skeletons  skeletons
	Inbound    *inbound
	Logger     ccrouter.Logger
	Metrics    ccrouter.Metrics
	Shutdowner fx.Shutdowner
}

func newRouter(p routerParams) *ccrouter.CcMessageRouter {
	cfg := p.Config

	manager := ccrouter.NewAddressManager(p.Table, p.Registry,
		ccrouter.WithMulticastAddressCalculators(
			mqttstub.NewMulticastAddressCalculator(cfg.MulticastTopicPrefix, p.Brokers.gbids()...),
		),
		ccrouter.WithPrimaryGlobalTransport(mqttstub.Transport),
		ccrouter.WithAddressManagerLogger(p.Logger),
	)

	opts := []ccrouter.RouterOption{
		ccrouter.WithSendMsgRetryInterval(cfg.SendMsgRetryInterval),
		ccrouter.WithMaxParallelSends(cfg.MaxParallelSends),
		ccrouter.WithMaxRetryCount(cfg.MaxRetryCount),
		ccrouter.WithDefaultTTL(cfg.DefaultTTL),
		ccrouter.WithShutdownTimeout(cfg.ShutdownTimeout),
		ccrouter.WithRoutingTableCleanupInterval(cfg.RoutingTableCleanup),
		ccrouter.WithAddressResolver(manager),
		ccrouter.WithMulticastSubscribers(p.Skeletons.lookup),
		ccrouter.WithLogger(p.Logger),
		ccrouter.WithMetrics(p.Metrics),
		ccrouter.OnFatalError(func(err error) {
			p.Logger.Error("fatal routing configuration error", ccrouter.LogFields{ccrouter.LogFieldError: err.Error()})
			_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
		}),
	}
	if cfg.MulticastReceiversFile != "" {
		opts = append(opts, ccrouter.WithMulticastReceiverPersistence(cfg.MulticastReceiversFile))
	}

	r := ccrouter.NewCcMessageRouter(p.Table, p.Registry, p.Stubs, nil, opts...)
	p.Inbound.router.Store(r)
	return r
}

func newHTTPServer(cfg *Config, ws *wsstub.Server, metrics *prommetrics.Metrics) *http.Server {
	r := mux.NewRouter()
	r.Handle("/ws", ws)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type lifecycleParams struct {
	fx.In

	Router    *ccrouter.CcMessageRouter
	Brokers   brokers
	Skeletons skeletons
	WS        *wsstub.Server
	HTTP      *http.Server
	Logger    *zaplog.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Router.Start()

			if err := p.Brokers.connect(ctx); err != nil {
				return err
			}
			for _, sk := range p.Skeletons {
				if err := sk.Start(); err != nil {
					return err
				}
			}

			ln, err := net.Listen("tcp", p.HTTP.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := p.HTTP.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("http server stopped", ccrouter.LogFields{ccrouter.LogFieldError: err.Error()})
				}
			}()

			p.Logger.Info("cluster controller started", ccrouter.LogFields{
				"http_addr": ln.Addr().String(),
				"brokers":   len(p.Brokers),
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs error
			errs = multierr.Append(errs, p.HTTP.Shutdown(ctx))
			errs = multierr.Append(errs, p.WS.Close())
			errs = multierr.Append(errs, p.Router.Shutdown(ctx))
			errs = multierr.Append(errs, p.Brokers.close())
			_ = p.Logger.Sync()
			return errs
		},
	})
}
