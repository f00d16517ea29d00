package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/goctm/pkg/adc"
	"github.com/itohio/goctm/pkg/api"
	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/ct"
	"github.com/itohio/goctm/pkg/logging"
	"github.com/itohio/goctm/pkg/meter"
	"github.com/itohio/goctm/pkg/storage"
	"github.com/itohio/goctm/pkg/systime"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port of the sampler MCU override (e.g., /dev/ttyUSB0)")
		configFlag = flag.String("config", "ctmeter.yaml", "Configuration file path (.yaml or .toml)")
		mockFlag   = flag.Bool("mock", false, "Use the synthetic sine front-end instead of the serial port")
		listenFlag = flag.String("listen", "", "HTTP listen address override")
		listPorts  = flag.Bool("list-ports", false, "List serial ports and exit")
	)
	flag.Parse()

	if *listPorts {
		ports, err := adc.Ports()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != "" {
		cfg.ADC.Port = *portFlag
	}
	if *mockFlag {
		cfg.ADC.Port = ""
	}
	if *listenFlag != "" {
		cfg.HTTP.Listen = *listenFlag
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	log := logging.Component("main")

	if err := run(cfg, log); err != nil {
		log.Error("ctmeter failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	// Without storage nothing can be persisted; refuse to start.
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	if err := store.RestoreTime(systime.Set); err != nil {
		if errors.Is(err, storage.ErrNoTime) {
			log.Info("no stored time to restore")
		} else {
			log.Warn("failed to restore system time", "error", err)
		}
	}
	store.LogPowerLoss(systime.Now())

	reader, closeADC, err := openADC(cfg, log)
	if err != nil {
		return err
	}
	defer closeADC()

	sampler := ct.NewSampler(reader, ct.ParamsFromConfig(cfg.Sampling))
	m := meter.New(cfg, sampler, ct.NewChannels(cfg.Channels), store)
	srv := api.New(cfg.HTTP, store, m, api.WithClockSetter(systime.Set))
	m.OnUpdate(srv.Broadcast)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	return g.Wait()
}

func openADC(cfg *config.Config, log *slog.Logger) (adc.Reader, func(), error) {
	if cfg.ADC.Port == "" {
		log.Info("using synthetic sine front-end", "channels", len(cfg.Channels))
		return adc.NewSineFromConfig(cfg), func() {}, nil
	}

	s := adc.NewSerial(cfg.ADC.Port, cfg.ADC.BaudRate, cfg.ADC.ReadTimeout)
	if err := s.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connect sampler: %w", err)
	}
	log.Info("connected to sampler", "port", cfg.ADC.Port, "baud", cfg.ADC.BaudRate)
	return s, func() {
		if err := s.Close(); err != nil {
			log.Warn("failed to close sampler port", "error", err)
		}
	}, nil
}
