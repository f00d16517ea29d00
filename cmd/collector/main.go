package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/goctm/pkg/collector"
	"github.com/itohio/goctm/pkg/logging"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configFlag = flag.String("config", "collector.toml", "Collector configuration file path")
		onceFlag   = flag.Bool("once", false, "Poll every meter once and exit")
		tokenFlag  = flag.String("token", "", "Provision this access token on every meter and exit")
	)
	flag.Parse()

	cfg, err := collector.LoadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), "text")
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *tokenFlag != "" {
		for _, m := range cfg.Meters {
			if err := collector.NewClient(m.URL, nil).SetToken(ctx, []byte(*tokenFlag)); err != nil {
				log.Error("failed to set token", "meter", m.Name, "error", err)
				os.Exit(1)
			}
			log.Info("token provisioned", "meter", m.Name)
		}
		return
	}

	db, err := collector.OpenDB(cfg.DatabasePath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	c := collector.New(cfg, db)
	if *onceFlag {
		if err := c.Poll(ctx); err != nil {
			log.Error("poll failed", "error", err)
			os.Exit(1)
		}
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	if err := g.Wait(); err != nil {
		log.Error("collector failed", "error", err)
		os.Exit(1)
	}
}
