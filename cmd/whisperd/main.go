// Command whisperd runs a whisper-trading discovery fleet: it registers
// agents, starts autonomous operations, and keeps the fleet healthy until
// it receives an interrupt.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisperfleet/whisperfleet/core"
	"github.com/whisperfleet/whisperfleet/eventbridge"
	"github.com/whisperfleet/whisperfleet/logger"
	"github.com/whisperfleet/whisperfleet/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	redisURL := flag.String("redis-url", os.Getenv("WHISPERFLEET_REDIS_URL"), "redis URL for fleet snapshots")
	natsURL := flag.String("nats-url", os.Getenv("WHISPERFLEET_NATS_URL"), "NATS URL for event publishing")
	snapshotPath := flag.String("snapshot-path", "", "file path for fleet snapshots when redis is not configured")
	enableTracing := flag.Bool("tracing", false, "emit spans to stdout")
	seed := flag.Int64("seed", time.Now().UnixNano(), "seed for the simulated strategies")
	flag.Parse()

	if err := run(*configPath, *redisURL, *natsURL, *snapshotPath, *enableTracing, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "whisperd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, redisURL, natsURL, snapshotPath string, enableTracing bool, seed int64) error {
	fileCfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if redisURL == "" {
		redisURL = fileCfg.RedisURL
	}
	if natsURL == "" {
		natsURL = fileCfg.NATSURL
	}
	if snapshotPath == "" {
		snapshotPath = fileCfg.SnapshotPath
	}

	log := logger.NewFromEnv()
	if fileCfg.LogLevel != "" && os.Getenv("WHISPERFLEET_LOG_LEVEL") == "" {
		log = logger.New(fileCfg.LogLevel)
	}

	var tel core.Telemetry = &core.NoOpTelemetry{}
	if enableTracing {
		otelTel, shutdown, err := telemetry.New("whisperfleet")
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Warn("Telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		tel = otelTel
	}

	orchOpts := []core.OrchestratorOpt{
		core.WithOrchestratorLogger(log),
		core.WithOrchestratorTelemetry(tel),
	}

	store, closeStore, err := buildSnapshotStore(redisURL, snapshotPath, fileCfg.Orchestrator.Namespace, log)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	if store != nil {
		orchOpts = append(orchOpts, core.WithSnapshotStore(store))
	}

	if natsURL != "" {
		sink, err := eventbridge.NewNATSSink(natsURL, eventbridge.WithLogger(log))
		if err != nil {
			return fmt.Errorf("connect event sink: %w", err)
		}
		defer sink.Close()
		orchOpts = append(orchOpts, core.WithEventSink(sink))
		log.Info("Event sink connected", map[string]interface{}{"url": natsURL})
	}

	core.RegisterSimulatedStrategies(seed)

	orch := core.NewOrchestrator(fileCfg.Orchestrator, orchOpts...)
	for i := range fileCfg.Agents {
		cfg := fileCfg.Agents[i]
		agent, err := core.NewAgent(&cfg, core.WithLogger(log), core.WithTelemetry(tel))
		if err != nil {
			return fmt.Errorf("create agent %q: %w", cfg.Name, err)
		}
		if err := orch.Register(agent); err != nil {
			return fmt.Errorf("register agent %q: %w", cfg.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.StartAutonomousOperations(ctx); err != nil {
		return fmt.Errorf("start operations: %w", err)
	}
	status := orch.Status()
	log.Info("Fleet operating", map[string]interface{}{
		"agents": len(status.Agents),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", map[string]interface{}{"signal": sig.String()})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := orch.StopAutonomousOperations(stopCtx); err != nil {
		return fmt.Errorf("stop operations: %w", err)
	}
	return nil
}

// loadConfig reads the YAML file when given, otherwise returns a default
// three-agent fleet covering each built-in kind.
func loadConfig(path string) (*core.FileConfig, error) {
	if path != "" {
		return core.LoadFileConfig(path)
	}

	fc := &core.FileConfig{Orchestrator: core.DefaultOrchestratorConfig()}
	for _, kind := range []core.AgentKind{
		core.KindDomainSweeper,
		core.KindRegistrarScan,
		core.KindChainAnalyst,
	} {
		cfg, err := core.NewAgentConfig(
			core.WithName(string(kind)),
			core.WithKind(kind),
		)
		if err != nil {
			return nil, fmt.Errorf("default config for %s: %w", kind, err)
		}
		fc.Agents = append(fc.Agents, *cfg)
	}
	return fc, nil
}

func buildSnapshotStore(redisURL, snapshotPath, namespace string, log core.Logger) (core.SnapshotStore, func() error, error) {
	if redisURL != "" {
		store, err := core.NewRedisSnapshotStore(redisURL, namespace)
		if err != nil {
			return nil, nil, fmt.Errorf("connect snapshot store: %w", err)
		}
		store.SetLogger(log)
		log.Info("Snapshot store connected", map[string]interface{}{"backend": "redis"})
		return store, store.Close, nil
	}
	if snapshotPath != "" {
		log.Info("Snapshot store configured", map[string]interface{}{
			"backend": "file",
			"path":    snapshotPath,
		})
		return core.NewFileSnapshotStore(snapshotPath), nil, nil
	}
	return nil, nil, nil
}
