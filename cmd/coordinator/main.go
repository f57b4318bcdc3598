package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/synergy/cmd/internal/logcfg"
	"github.com/danmuck/synergy/src/api/nodes"
	"github.com/danmuck/synergy/src/config"
	logs "github.com/danmuck/smplog"
)

func main() {
	configPath := flag.String("config", "coordinator.toml", "node configuration file")
	id := flag.String("id", "", "override the coordinator id")
	password := flag.String("password", "", "override the coordinator password")
	hub := flag.String("hub", "", "override the hub address")
	flag.Parse()

	logs.Configure(logcfg.Load("coordinator"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logs.Fatalf(err, "failed to load config")
	}
	if cfg.OverrideCoordinator(*id, *password, *hub) {
		if err := config.Save(*configPath, cfg); err != nil {
			logs.Errorf(err, "failed to persist overrides")
		}
	}

	c, err := nodes.NewCoordinator(cfg)
	if err != nil {
		logs.Fatalf(err, "failed to create coordinator")
	}
	logs.Infof("Connecting to hub at %s...", cfg.Coordinator.Address)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the first attempt blocks on the handshake; keep the signal path free
	go c.Start()
	<-ctx.Done()
	c.Shutdown()
}
