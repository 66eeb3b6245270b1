// Command ccrouter runs a cluster controller message router.
//
// It receives messages for this node from MQTT brokers, accepts local
// clients over WebSocket and delivers messages to MQTT, WebSocket, HTTP
// channel and in-process addresses. Configuration is read from CCROUTER_*
// environment variables, optionally loaded from a .env file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vitalvas/ccrouter/extensions/zaplog"
)

func main() {
	envFile := flag.String("env-file", ".env", "file with CCROUTER_* variables, ignored when missing")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
		os.Exit(2)
	}

	cfg, err := LoadConfig()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	opts := append(appOptions(cfg),
		fx.WithLogger(func(l *zaplog.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Zap()}
		}),
	)

	fx.New(opts...).Run()
}
