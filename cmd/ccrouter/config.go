package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/vitalvas/ccrouter"
)

// Config is the process configuration read from CCROUTER_* environment variables.
type Config struct {
	LogLevel string

	// HTTPAddr serves the WebSocket endpoint for local clients and /metrics.
	HTTPAddr string

	// MQTT backends, one gbid per broker URI.
	MQTTBrokers          []string
	GBIDs                []string
	MQTTClientID         string
	MQTTUsername         string
	MQTTPassword         string
	MQTTKeepAlive        uint16
	NodeTopic            string
	MulticastTopicPrefix string

	SendMsgRetryInterval   time.Duration
	MaxParallelSends       int
	MaxRetryCount          int
	DefaultTTL             time.Duration
	ShutdownTimeout        time.Duration
	RoutingTableGrace      time.Duration
	RoutingTableCleanup    time.Duration
	GcdParticipantID       string
	StubCacheSize          int
	MulticastReceiversFile string

	HTTPSocks5Proxy string
	HTTPRateLimit   float64
	HTTPRateBurst   int
}

// envLoader reads typed environment variables and collects parse errors.
type envLoader struct {
	errs error
}

func (l *envLoader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (l *envLoader) list(key string, def []string) []string {
	v := l.str(key, "")
	if v == "" {
		return def
	}

	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (l *envLoader) duration(key string, def time.Duration) time.Duration {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = multierr.Append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (l *envLoader) int(key string, def int) int {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = multierr.Append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (l *envLoader) float(key string, def float64) float64 {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = multierr.Append(l.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

// LoadConfig reads the configuration from the environment.
// Unparsable values are reported together.
func LoadConfig() (*Config, error) {
	l := &envLoader{}

	hostname, _ := os.Hostname()
	clientID := l.str("CCROUTER_MQTT_CLIENT_ID", "ccrouter-"+hostname)

	cfg := &Config{
		LogLevel:             l.str("CCROUTER_LOG_LEVEL", "info"),
		HTTPAddr:             l.str("CCROUTER_HTTP_ADDR", ":4242"),
		MQTTBrokers:          l.list("CCROUTER_MQTT_BROKERS", []string{"tcp://localhost:1883"}),
		GBIDs:                l.list("CCROUTER_GBIDS", []string{"joynrdefaultgbid"}),
		MQTTClientID:         clientID,
		MQTTUsername:         l.str("CCROUTER_MQTT_USERNAME", ""),
		MQTTPassword:         l.str("CCROUTER_MQTT_PASSWORD", ""),
		MQTTKeepAlive:        uint16(l.int("CCROUTER_MQTT_KEEP_ALIVE", 60)),
		NodeTopic:            l.str("CCROUTER_NODE_TOPIC", "ccrouter/"+clientID),
		MulticastTopicPrefix: l.str("CCROUTER_MULTICAST_TOPIC_PREFIX", ""),

		SendMsgRetryInterval:   l.duration("CCROUTER_SEND_MSG_RETRY_INTERVAL", 3*time.Second),
		MaxParallelSends:       l.int("CCROUTER_MAX_PARALLEL_SENDS", 20),
		MaxRetryCount:          l.int("CCROUTER_MAX_RETRY_COUNT", -1),
		DefaultTTL:             l.duration("CCROUTER_DEFAULT_TTL", 30*24*time.Hour),
		ShutdownTimeout:        l.duration("CCROUTER_SHUTDOWN_TIMEOUT", ccrouter.DefaultPrepareForShutdownTimeout),
		RoutingTableGrace:      l.duration("CCROUTER_ROUTING_TABLE_GRACE_PERIOD", 60*time.Second),
		RoutingTableCleanup:    l.duration("CCROUTER_ROUTING_TABLE_CLEANUP_INTERVAL", 60*time.Second),
		GcdParticipantID:       l.str("CCROUTER_GCD_PARTICIPANT_ID", ""),
		StubCacheSize:          l.int("CCROUTER_STUB_CACHE_SIZE", ccrouter.DefaultStubCacheSize),
		MulticastReceiversFile: l.str("CCROUTER_MULTICAST_RECEIVERS_FILE", ""),

		HTTPSocks5Proxy: l.str("CCROUTER_HTTP_SOCKS5_PROXY", ""),
		HTTPRateLimit:   l.float("CCROUTER_HTTP_RATE_LIMIT", 100),
		HTTPRateBurst:   l.int("CCROUTER_HTTP_RATE_BURST", 100),
	}

	if l.errs != nil {
		return nil, l.errs
	}
	return cfg, nil
}

// Validate rejects configurations the router cannot run with.
func (c *Config) Validate() error {
	var errs error

	if len(c.MQTTBrokers) == 0 {
		errs = multierr.Append(errs, errors.New("CCROUTER_MQTT_BROKERS must list at least one broker"))
	}
	if len(c.GBIDs) != len(c.MQTTBrokers) {
		errs = multierr.Append(errs, fmt.Errorf("CCROUTER_GBIDS has %d entries, want one per broker (%d)", len(c.GBIDs), len(c.MQTTBrokers)))
	}
	if c.MQTTClientID == "" {
		errs = multierr.Append(errs, errors.New("CCROUTER_MQTT_CLIENT_ID must not be empty"))
	}
	if c.NodeTopic == "" || strings.ContainsAny(c.NodeTopic, "+#") {
		errs = multierr.Append(errs, errors.New("CCROUTER_NODE_TOPIC must be a non-empty topic without wildcards"))
	}
	if c.SendMsgRetryInterval <= 0 {
		errs = multierr.Append(errs, errors.New("CCROUTER_SEND_MSG_RETRY_INTERVAL must be positive"))
	}
	if c.MaxParallelSends < 1 {
		errs = multierr.Append(errs, errors.New("CCROUTER_MAX_PARALLEL_SENDS must be at least 1"))
	}
	if c.DefaultTTL <= 0 {
		errs = multierr.Append(errs, errors.New("CCROUTER_DEFAULT_TTL must be positive"))
	}
	if c.RoutingTableGrace < 0 || c.RoutingTableCleanup <= 0 {
		errs = multierr.Append(errs, errors.New("routing table grace period must not be negative and cleanup interval must be positive"))
	}
	if c.HTTPRateLimit <= 0 || c.HTTPRateBurst < 1 {
		errs = multierr.Append(errs, errors.New("CCROUTER_HTTP_RATE_LIMIT and CCROUTER_HTTP_RATE_BURST must be positive"))
	}

	return errs
}
