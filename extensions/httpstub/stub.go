// Package httpstub delivers messages to HTTP channels of a messaging endpoint.
//
// A message for ccrouter.ChannelAddress{MessagingEndpointURL: u, ChannelID: c}
// is POSTed as a JSON envelope to u/channels/c/message.
package httpstub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/vitalvas/ccrouter"
	"github.com/vitalvas/ccrouter/extensions/jsonwire"
)

// Defaults.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultRateLimit      = rate.Limit(100)
	DefaultRateBurst      = 100
)

// ContentType is the content type of posted envelopes.
const ContentType = "application/json"

// HeaderMessageTTL carries the remaining TTL in milliseconds.
const HeaderMessageTTL = "X-Message-Ttl-Ms"

var (
	// ErrRateLimited is reported when an endpoint exceeds its send rate.
	ErrRateLimited = errors.New("http channel send rate exceeded")

	// ErrUnexpectedStatus is reported for non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected http status")
)

// Option configures a StubFactory.
type Option func(*StubFactory) error

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *StubFactory) error {
		if c != nil {
			f.client = c
		}
		return nil
	}
}

// WithSOCKS5Proxy sends all requests through the SOCKS5 proxy at addr.
// user may be empty.
func WithSOCKS5Proxy(addr, user, password string) Option {
	return func(f *StubFactory) error {
		var auth *proxy.Auth
		if user != "" {
			auth = &proxy.Auth{User: user, Password: password}
		}

		dialer, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return fmt.Errorf("socks5 proxy: %w", err)
		}

		transport := &http.Transport{}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, address string) (net.Conn, error) {
				return dialer.Dial(network, address)
			}
		}

		f.client = &http.Client{Transport: transport}
		return nil
	}
}

// WithRateLimit bounds the send rate per messaging endpoint.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(f *StubFactory) error {
		f.limit = limit
		f.burst = burst
		return nil
	}
}

// WithRequestTimeout bounds a single request. Requests never outlive the
// message TTL.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *StubFactory) error {
		if d > 0 {
			f.timeout = d
		}
		return nil
	}
}

// WithClock sets the clock used for TTL computation.
func WithClock(c clock.Clock) Option {
	return func(f *StubFactory) error {
		if c != nil {
			f.clock = c
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger ccrouter.Logger) Option {
	return func(f *StubFactory) error {
		if logger != nil {
			f.logger = logger
		}
		return nil
	}
}

// StubFactory creates stubs for ccrouter.ChannelAddress values.
type StubFactory struct {
	client  *http.Client
	limit   rate.Limit
	burst   int
	timeout time.Duration
	clock   clock.Clock
	logger  ccrouter.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewStubFactory creates a factory.
func NewStubFactory(opts ...Option) (*StubFactory, error) {
	f := &StubFactory{
		client:   http.DefaultClient,
		limit:    DefaultRateLimit,
		burst:    DefaultRateBurst,
		timeout:  DefaultRequestTimeout,
		clock:    clock.New(),
		logger:   ccrouter.NewNoOpLogger(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Create returns a stub posting to the channel of addr.
func (f *StubFactory) Create(addr ccrouter.Address) (ccrouter.MessagingStub, error) {
	channel, ok := addr.(ccrouter.ChannelAddress)
	if !ok {
		return nil, ccrouter.NewConfigurationError("http stub factory",
			fmt.Errorf("%w: %s", ccrouter.ErrNoStubFactory, ccrouter.KindOf(addr)))
	}
	if channel.ChannelID == "" {
		return nil, fmt.Errorf("%w: channel id is empty", ccrouter.ErrInvalidAddress)
	}

	endpoint, err := url.Parse(channel.MessagingEndpointURL)
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") {
		return nil, fmt.Errorf("%w: messaging endpoint %q", ccrouter.ErrInvalidAddress, channel.MessagingEndpointURL)
	}

	return &Stub{
		factory: f,
		url:     ChannelURL(channel),
		limiter: f.limiterFor(endpoint.Host),
	}, nil
}

func (f *StubFactory) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.limiters[host] = l
	}
	return l
}

// ChannelURL returns the URL messages for addr are posted to.
func ChannelURL(addr ccrouter.ChannelAddress) string {
	return strings.TrimSuffix(addr.MessagingEndpointURL, "/") + "/channels/" + url.PathEscape(addr.ChannelID) + "/message"
}

// Stub posts messages to one channel.
type Stub struct {
	factory *StubFactory
	url     string
	limiter *rate.Limiter
}

// Transmit posts msg in the background. A rate-limited send fails at once so
// the router retries it later.
func (s *Stub) Transmit(msg *ccrouter.ImmutableMessage, onSuccess func(), onFailure func(error)) {
	if !s.limiter.Allow() {
		onFailure(ErrRateLimited)
		return
	}

	body, err := jsonwire.Marshal(msg)
	if err != nil {
		onFailure(err)
		return
	}

	go func() {
		if err := s.post(msg, body); err != nil {
			s.factory.logger.Debug("http channel send failed", ccrouter.LogFields{
				ccrouter.LogFieldMessageID: msg.ID,
				ccrouter.LogFieldAddress:   s.url,
				ccrouter.LogFieldError:     err.Error(),
			})
			onFailure(err)
			return
		}
		onSuccess()
	}()
}

func (s *Stub) post(msg *ccrouter.ImmutableMessage, body []byte) error {
	timeout := s.factory.timeout
	var ttl time.Duration
	if !msg.ExpiryDate.IsZero() {
		ttl = msg.ExpiryDate.Sub(s.factory.clock.Now())
		if ttl <= 0 {
			return ccrouter.ErrMessageExpired
		}
		timeout = min(timeout, ttl)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)
	if ttl > 0 {
		req.Header.Set(HeaderMessageTTL, strconv.FormatInt(ttl.Milliseconds(), 10))
	}

	resp, err := s.factory.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return nil
}
