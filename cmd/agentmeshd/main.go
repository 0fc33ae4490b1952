// Command agentmeshd runs the agent runtime and integration fabric as
// one process: it loads configuration, wires the stores and providers,
// starts the background loops, and serves the HTTP surface until
// signalled.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/itsneelabh/agentmesh/api"
	"github.com/itsneelabh/agentmesh/core"
	"github.com/itsneelabh/agentmesh/fleet"
	"github.com/itsneelabh/agentmesh/integration"
	"github.com/itsneelabh/agentmesh/provider"
	"github.com/itsneelabh/agentmesh/runtime"
	"github.com/itsneelabh/agentmesh/state"
	"github.com/itsneelabh/agentmesh/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis-backed tiers; the hot state store falls back to memory when
	// no usable Redis URL is configured. An unreachable server at startup
	// is only logged by the client and does not trigger the fallback.
	var hot core.HotStateStore
	var redisClient *core.RedisClient
	redisClient, err = core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.Integration.RedisURL,
		DB:        core.RedisDBHotState,
		Namespace: "agentmesh",
		Logger:    logger,
	})
	if err != nil {
		logger.Warn("Redis unavailable, using in-memory hot state", map[string]interface{}{
			"error": err.Error(),
		})
		hot = state.NewMemoryHotStateStore()
	} else {
		hot = state.NewRedisHotStateStore(redisClient, logger)
	}

	// Durable checkpoint tier; memory fallback without a database.
	var store core.CheckpointStore
	if cfg.Integration.DatabaseURL != "" {
		pgStore, perr := state.NewPostgresCheckpointStore(cfg.Integration.DatabaseURL, cfg.Checkpoint, logger)
		if perr != nil {
			logger.Error("Checkpoint store unavailable, using in-memory store", map[string]interface{}{
				"error": perr.Error(),
			})
			store = state.NewMemoryCheckpointStore(cfg.Checkpoint)
		} else {
			store = pgStore
			defer pgStore.Close()
		}
	} else {
		store = state.NewMemoryCheckpointStore(cfg.Checkpoint)
	}

	// Integration layer first: the runtime emits its state changes
	// through the event router.
	var busClient *core.RedisClient
	if redisClient != nil {
		busClient, _ = core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Integration.RedisURL,
			DB:        core.RedisDBEventBus,
			Namespace: "",
			Logger:    logger,
		})
	}
	var layer *integration.IntegrationLayer
	var sink core.EventSink = &core.NoOpEventSink{}
	if busClient != nil {
		layer, err = integration.NewIntegrationLayer(cfg.Integration, cfg.CircuitBreaker,
			busClient, nil, cfg.ServiceName, logger)
		if err != nil {
			panic(err)
		}
		if err := layer.Start(ctx); err != nil {
			panic(err)
		}
		sink = layer.Router
	} else {
		logger.Warn("Integration layer disabled without redis", nil)
	}

	// Sandbox provider backend.
	var sandboxProvider core.SandboxProvider
	switch cfg.Runtime.Backend {
	case "kubernetes":
		sandboxProvider = provider.NewKubernetesProvider("", logger)
	default:
		sandboxProvider = provider.NewLocalProvider(logger)
	}

	rt := runtime.NewAgentRuntime(cfg, runtime.RuntimeDeps{
		Provider: sandboxProvider,
		Store:    store,
		Hot:      hot,
		Sink:     sink,
		Logger:   logger,
	})
	rt.Start(ctx)

	fleetMgr := fleet.NewManager(cfg.Fleet, rt.Lifecycle, store, logger)
	fleetMgr.Start(ctx)

	collector := telemetry.NewCollector(cfg.ServiceName, cfg.Integration.ObservabilityOutputFile, logger)
	collector.Start(ctx)

	sweeper := state.NewRetentionSweeper(store, cfg.Checkpoint, logger)
	sweeper.AddJob(rt.Resources.ResetExpired)
	if err := sweeper.Start(); err != nil {
		logger.Error("Retention sweeper failed to start", map[string]interface{}{"error": err.Error()})
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(rt, logger).Router(),
	}
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("HTTP server failed", map[string]interface{}{"error": serveErr.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	fleetMgr.Stop()
	sweeper.Stop()
	collector.Stop()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("Runtime shutdown reported errors", map[string]interface{}{"error": err.Error()})
	}
	if layer != nil {
		if err := layer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Integration shutdown reported errors", map[string]interface{}{"error": err.Error()})
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if busClient != nil {
		_ = busClient.Close()
	}
	os.Exit(0)
}
