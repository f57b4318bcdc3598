package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/synergy/cmd/internal/logcfg"
	"github.com/danmuck/synergy/src/api/nodes"
	"github.com/danmuck/synergy/src/config"
	"github.com/danmuck/synergy/src/key_store"
	logs "github.com/danmuck/smplog"
)

func main() {
	configPath := flag.String("config", "network.toml", "node configuration file")
	id := flag.String("id", "", "override the hub id")
	address := flag.String("addr", "", "override the listen address")
	addCoordinator := flag.String("add-coordinator", "", "generate credentials for a new coordinator with this name and exit")
	flag.Parse()

	logs.Configure(logcfg.Load("network"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logs.Fatalf(err, "failed to load config")
	}
	if cfg.OverrideNetwork(*id, *address) {
		if err := config.Save(*configPath, cfg); err != nil {
			logs.Errorf(err, "failed to persist overrides")
		}
	}

	pool, err := key_store.LoadPool(cfg.Network.PoolFile)
	if err != nil {
		logs.Fatalf(err, "failed to load coordinator pool")
	}

	if *addCoordinator != "" {
		ks, err := key_store.Generate(*addCoordinator)
		if err != nil {
			logs.Fatalf(err, "failed to generate coordinator")
		}
		if err := pool.Add(ks); err != nil {
			logs.Fatalf(err, "failed to add coordinator")
		}
		if err := key_store.SavePool(cfg.Network.PoolFile, pool); err != nil {
			logs.Fatalf(err, "failed to save coordinator pool")
		}
		fmt.Printf("id = %q\npassword = %q\n", ks.ID, ks.Password)
		return
	}
	logs.Infof("loaded %d coordinators from %s", pool.Len(), cfg.Network.PoolFile)

	n, err := nodes.NewNetwork(cfg, pool)
	if err != nil {
		logs.Fatalf(err, "failed to create network")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n.Start()
	<-ctx.Done()
	n.Shutdown()
}
