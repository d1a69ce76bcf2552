package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/justSteve/claude-flow/api/handlers"
	"github.com/justSteve/claude-flow/checkpoint"
	"github.com/justSteve/claude-flow/communication"
	"github.com/justSteve/claude-flow/config"
	"github.com/justSteve/claude-flow/core"
	"github.com/justSteve/claude-flow/observability"
	"github.com/justSteve/claude-flow/swarm"
	"github.com/justSteve/claude-flow/topology"
	"github.com/justSteve/claude-flow/utils"
)

func main() {
	configPath := flag.String("config", "", "path to swarmd.toml")
	flag.Parse()

	// Optional .env for deployment overrides.
	if utils.FileExists(".env") {
		if err := godotenv.Load(); err != nil {
			log.Printf("Error loading .env file: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.InitLogger(cfg.Name)
	sink := observability.NewSink(logger, 256)
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	broker, err := buildBroker(cfg)
	if err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}
	defer broker.Close()

	coord := swarm.NewCoordinator(store, sink, broker)
	defer coord.Close()

	if cfg.Spool.Enabled {
		if err := startSpool(ctx, cfg, coord); err != nil {
			log.Fatalf("Failed to start task spool: %v", err)
		}
	}

	h := &handlers.Handlers{Coord: coord, Sink: sink}
	router := gin.Default()
	h.RegisterRoutes(router)

	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", utils.FindAvailableAPIPort())
	}
	go func() {
		if err := router.Run(addr); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()
	log.Printf("swarmd listening on %s (broker %s)", addr, broker.URL())

	<-ctx.Done()
	log.Println("Shutting down")
}

func buildStore(cfg config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Driver {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	default:
		if err := utils.EnsureParentDir(cfg.Checkpoint.Path); err != nil {
			return nil, err
		}
		return checkpoint.NewSQLiteStore(cfg.Checkpoint.Path)
	}
}

func buildBroker(cfg config.Config) (*communication.Broker, error) {
	if cfg.Nats.Embedded {
		return communication.StartEmbedded(cfg.Nats.Port)
	}
	return communication.Connect(cfg.Nats.URL)
}

// startSpool creates the default group and pipes spool submissions into it.
func startSpool(ctx context.Context, cfg config.Config, coord *swarm.Coordinator) error {
	group, err := coord.InitGroup("default", swarm.Options{
		Topology:      topology.Kind(cfg.Defaults.Topology),
		Consensus:     core.ProtocolKind(cfg.Defaults.Consensus),
		SweepInterval: cfg.Defaults.SweepInterval(),
	})
	if err != nil {
		return err
	}
	if err := utils.EnsureParentDir(cfg.Spool.Path); err != nil {
		return err
	}

	go func() {
		err := communication.WatchTaskSpool(ctx, cfg.Spool.Path, func(task core.Task) {
			if _, err := group.SubmitTask(task); err != nil {
				log.Printf("Spool submission rejected: %v", err)
				return
			}
			if _, err := group.Pump(ctx); err != nil {
				log.Printf("Assignment held: %v", err)
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("Task spool watcher stopped: %v", err)
		}
	}()
	return nil
}
