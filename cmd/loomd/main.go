// Command loomd hosts the Loom runtime: Event Bus, Capability Broker,
// Model Router, and Agent Runtime wired together from a config file,
// with the example MQTT and kvstore capability providers registered
// and one demo echo agent running until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/nugget/loom/internal/broker"
	"github.com/nugget/loom/internal/bus"
	"github.com/nugget/loom/internal/buildinfo"
	"github.com/nugget/loom/internal/config"
	"github.com/nugget/loom/internal/loomevent"
	"github.com/nugget/loom/internal/providers/kvstore"
	"github.com/nugget/loom/internal/providers/mqtt"
	"github.com/nugget/loom/internal/router"
	"github.com/nugget/loom/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	printBanner()
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the Loom runtime")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// printBanner colorizes the startup name only when stdout is a real
// terminal, matching the teacher's habit of using go-isatty to decide
// whether ANSI escapes are safe to emit.
func printBanner() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println("\033[1mLoom\033[0m - event-driven agent runtime")
	} else {
		fmt.Println("Loom - event-driven agent runtime")
	}
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting loomd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		logger.Info("config loaded", "path", cfgPath)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	b := bus.New(bus.Policy{
		RealtimeCapacity:   cfg.Bus.RealtimeCapacity,
		BatchedCapacity:    cfg.Bus.BatchedCapacity,
		BackgroundCapacity: cfg.Bus.BackgroundCapacity,
		BatchedBlock:       time.Duration(cfg.Bus.BatchedBlockMs) * time.Millisecond,
		RealtimeDropOldest: cfg.Bus.RealtimeDropOldest,
	}, logger.With("component", "bus"))

	k := broker.New(broker.Config{
		DefaultTimeout:    time.Duration(cfg.Broker.DefaultTimeoutMs) * time.Millisecond,
		IdempotencyTTL:    time.Duration(cfg.Broker.IdempotencyTTLSec) * time.Second,
		IdempotencyMaxTTL: time.Duration(cfg.Broker.IdempotencyMaxTTLSec) * time.Second,
	}, logger.With("component", "broker"))
	defer k.Close()

	if cfg.KVStore.Enabled || cfg.KVStore.Path != "" {
		kv, err := kvstore.Open(cfg.KVStore.Path)
		if err != nil {
			logger.Error("failed to open kvstore", "path", cfg.KVStore.Path, "error", err)
		} else {
			defer kv.Close()
			for _, desc := range kvstore.Descriptors() {
				if err := k.Register(desc, kv, false); err != nil {
					logger.Error("failed to register kvstore capability", "name", desc.Name, "error", err)
				}
			}
			logger.Info("kvstore provider registered", "path", cfg.KVStore.Path)
		}
	}

	if cfg.MQTT.Enabled {
		provider := mqtt.New(mqtt.Config{
			BrokerURL:    cfg.MQTT.BrokerURL,
			ClientID:     cfg.MQTT.ClientID,
			RequestTopic: cfg.MQTT.RequestTop,
			ReplyTopic:   cfg.MQTT.ReplyTop,
		}, logger.With("component", "mqtt"))

		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := provider.Start(startCtx); err != nil {
			logger.Error("failed to start mqtt provider", "error", err)
		} else if err := k.Register(loomevent.Descriptor{
			Name:         "mqtt.call",
			Version:      "v1",
			ProviderKind: loomevent.External,
		}, provider, false); err != nil {
			logger.Error("failed to register mqtt capability", "error", err)
		}
		cancel()
	}

	rt := runtime.New(b, k, runtime.Config{
		DefaultMailboxCapacity:    cfg.Runtime.DefaultMailboxCapacity,
		DeferMaxAttempts:          cfg.Runtime.DeferMaxAttempts,
		DeferBaseBackoff:          time.Duration(cfg.Runtime.DeferBaseBackoffMs) * time.Millisecond,
		SlowAgentBacklogThreshold: cfg.Runtime.SlowAgentBacklogThreshold,
	}, logger.With("component", "runtime"))

	policy := router.Policy{
		PrivacyLevel:             cfg.Router.PrivacyLevel,
		LatencyBudgetMs:          int64(cfg.Router.LatencyBudgetMs),
		CostCap:                  cfg.Router.CostCap,
		QualityThreshold:         cfg.Router.QualityThreshold,
		LocalConfidenceThreshold: cfg.Router.LocalConfidenceThreshold,
		NetworkAvailable:         cfg.Router.NetworkAvailable,
	}

	if _, err := rt.CreateAgent(context.Background(), runtime.AgentConfig{
		SubscribedTopics: []string{"demo.echo"},
		Policy:           policy,
	}, &echoBehavior{logger: logger.With("agent", "echo")}); err != nil {
		logger.Error("failed to create demo echo agent", "error", err)
	}

	logger.Info("loomd running", "data_dir", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
}
