package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/tenantsync/internal/config"
	"github.com/agentworkforce/tenantsync/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "config file (default: TENANTCTX_CONFIG or ./tenantctx.yaml)")
	switchTo := flag.String("switch", "", "select a context, as org or org:company")
	clearCtx := flag.Bool("clear", false, "forget the local context")
	watch := flag.Bool("watch", false, "restore, then mirror context changes to the profile until interrupted")
	relayAddr := flag.String("relay-addr", envOrDefault("TENANTCTX_RELAY_ADDR", ""), "serve the broadcast relay and metrics on this address")
	session := flag.String("session", envOrDefault("TENANTCTX_SESSION", ""), "session context, as org or org:company")
	activityLog := flag.String("activity-log", envOrDefault("TENANTCTX_ACTIVITY_LOG", ""), "append activity records to this file")
	revalidate := flag.Duration("revalidate", durationEnv("TENANTCTX_REVALIDATE_INTERVAL", 0), "re-run restore on this interval while watching (0 disables)")
	jitter := flag.Float64("revalidate-jitter", floatEnv("TENANTCTX_REVALIDATE_JITTER", 0.2), "revalidation jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("TENANTCTX_TIMEOUT", 30*time.Second), "timeout for one-shot commands")
	events := flag.Bool("events", false, "print tracked events before exiting")
	flag.Parse()

	logger := log.Default()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	if strings.TrimSpace(*relayAddr) != "" {
		handler, _ := relayHandler(cfg, registry, logger)
		if err := serveRelay(rootCtx, *relayAddr, handler, logger); err != nil {
			log.Fatalf("relay failed: %v", err)
		}
		return
	}

	opts := appOptions{ActivityLog: *activityLog, Registry: registry}
	if *session != "" {
		selection, err := parseSelection(*session)
		if err != nil {
			log.Fatalf("invalid session context: %v", err)
		}
		opts.Session = &selection
	}
	var recorder *telemetry.Recorder
	if *events {
		recorder = telemetry.NewRecorder(256)
		opts.Recorder = recorder
	}

	application, err := newApp(rootCtx, cfg, logger, opts)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer application.Close()
	defer printEvents(recorder)

	if *watch {
		if err := application.watch(rootCtx, *revalidate, clampJitterRatio(*jitter)); err != nil {
			log.Printf("watch failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(rootCtx, *timeout)
	defer cancel()
	switch {
	case *clearCtx:
		if err := application.clear(ctx); err != nil {
			log.Printf("clear failed: %v", err)
			return
		}
		fmt.Println("context cleared")
	case *switchTo != "":
		selection, err := parseSelection(*switchTo)
		if err != nil {
			log.Printf("invalid context: %v", err)
			return
		}
		record, err := application.switchTo(ctx, selection)
		if err != nil {
			log.Printf("switch failed: %v", err)
			return
		}
		fmt.Println(describeRecord(record))
	default:
		result, err := application.restore(ctx)
		if err != nil {
			log.Printf("restore failed: %v", err)
			return
		}
		fmt.Println(describeResult(result))
	}
}

func printEvents(recorder *telemetry.Recorder) {
	if recorder == nil {
		return
	}
	for _, event := range recorder.Drain() {
		fmt.Printf("event %s %v\n", event.Name, event.Properties)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func randomSample() float64 {
	return rand.Float64()
}

// jitteredInterval spreads revalidation of many watchers sharing one backend
// profile. sample in [0, 1] maps to [base*(1-ratio), base*(1+ratio)].
func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
