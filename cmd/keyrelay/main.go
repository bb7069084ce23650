// Package main runs the key-press relay: WebSocket and optional line-TCP
// listeners over one shared group registry, plus a gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cory-johannsen/keyrelay/internal/config"
	"github.com/cory-johannsen/keyrelay/internal/group"
	"github.com/cory-johannsen/keyrelay/internal/observability"
	"github.com/cory-johannsen/keyrelay/internal/server"
	"github.com/cory-johannsen/keyrelay/internal/session"
	"github.com/cory-johannsen/keyrelay/internal/transport/telnet"
	"github.com/cory-johannsen/keyrelay/internal/transport/websocket"
)

const serviceName = "keyrelay"

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and KEYRELAY_ environment when empty)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			log.Fatalf("rendering config: %v", err)
		}
		fmt.Fprint(os.Stdout, string(out))
		return
	}

	logger, err := observability.NewLogger(cfg.Logging, serviceName)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("no .env file loaded", zap.Error(envErr))
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("wiring services", zap.Error(err))
	}

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
		zap.String("websocket_path", cfg.WebSocket.Path),
		zap.Bool("telnet_enabled", cfg.Telnet.Enabled),
		zap.Bool("health_enabled", cfg.Health.Enabled),
	)

	if err := a.lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// app holds every wired service. line and health are nil when disabled.
type app struct {
	registry  *group.Registry
	lifecycle *server.Lifecycle
	ws        *websocket.Server
	line      *telnet.Acceptor
	health    *server.HealthServer
}

// newApp builds the registry, relay and listeners from cfg and registers
// them with a Lifecycle. Health is registered last, so it stops first.
//
// Precondition: cfg must be validated; logger must be non-nil.
func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	registry := group.NewRegistry(logger.Named("registry"))
	relay := session.NewRelay(registry, cfg.Relay, logger.Named("relay"))

	a := &app{
		registry:  registry,
		lifecycle: server.NewLifecycle(logger),
	}

	wsLogger := logger.Named("websocket")
	a.ws = websocket.NewServer(cfg.WebSocket, websocket.NewGateway(cfg.WebSocket, relay, wsLogger), registry, wsLogger)
	if err := a.lifecycle.Add("websocket", a.ws); err != nil {
		return nil, err
	}

	if cfg.Telnet.Enabled {
		a.line = telnet.NewAcceptor(cfg.Telnet, relay, logger.Named("telnet"))
		err := a.lifecycle.Add("telnet", &server.FuncService{
			StartFn: a.line.ListenAndServe,
			StopFn:  a.line.Stop,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Health.Enabled {
		a.health = server.NewHealthServer(cfg.Health, serviceName, logger.Named("health"))
		if err := a.lifecycle.Add("health", a.health); err != nil {
			return nil, err
		}
	}

	return a, nil
}
