// Command turbogate runs the L4 TCP load balancer daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/turbogate/turbogate/turbogate"
)

func main() {
	os.Exit(run())
}

// envOr reads a TURBOGATE_* environment override for a flag default, for the
// handful of knobs that make sense to set outside the directive file.
func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv("TURBOGATE_" + key); ok {
		return v
	}
	return fallback
}

func run() int {
	configPath := flag.String("config", envOr("CONFIG", "./turbogate.cfg"), "path to the directive config file")
	tuningPath := flag.String("tuning", envOr("TUNING", ""), "optional path to a YAML tuning overlay")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level: trace|debug|info|warn|error")
	jsonLogs := flag.Bool("json-logs", envOr("JSON_LOGS", "") != "", "emit logs as JSON")
	checkOnly := flag.Bool("check", false, "validate config and exit without binding")
	flag.Parse()

	log := turbogate.NewLogger(*logLevel, *jsonLogs)

	cfg, err := turbogate.LoadConfig(*configPath, *tuningPath)
	if err != nil {
		log.WithError(err).Error("failed to load config")
		return 1
	}

	rt, err := turbogate.NewRuntime(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to build runtime")
		return 1
	}

	if *checkOnly {
		fmt.Printf("config ok: %d frontend(s), %d backend(s)\n", len(cfg.Frontends), len(cfg.Backends))
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.WithError(err).Error("runtime exited with error")
		return 1
	}
	return 0
}
