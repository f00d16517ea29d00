// Package collector drains CT meters over HTTP and stores their readings in SQLite.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itohio/goctm/pkg/logging"
	"github.com/itohio/goctm/pkg/systime"
)

// Collector polls a set of meters on an interval.
type Collector struct {
	meters   []meter
	db       *DB
	interval time.Duration
	syncTime bool
	now      func() time.Time
	log      *slog.Logger
}

type meter struct {
	name   string
	client *Client
}

// New creates a collector for cfg.Meters writing into db.
func New(cfg *Config, db *DB) *Collector {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	c := &Collector{
		db:       db,
		interval: cfg.Interval,
		syncTime: cfg.SyncTime,
		now:      time.Now,
		log:      logging.Component("collector"),
	}
	for _, m := range cfg.Meters {
		c.meters = append(c.meters, meter{name: m.Name, client: NewClient(m.URL, httpClient)})
	}
	return c
}

// Poll collects once from every meter. Errors from individual meters are joined.
func (c *Collector) Poll(ctx context.Context) error {
	var errs []error
	for _, m := range c.meters {
		if err := c.pollMeter(ctx, m); err != nil {
			c.log.Error("poll failed", "meter", m.name, "error", err)
			errs = append(errs, fmt.Errorf("meter %s: %w", m.name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Collector) pollMeter(ctx context.Context, m meter) error {
	collectedAt := systime.ToMillis(c.now())

	// Drained data is already gone from the meter; store whatever arrived.
	recs, drainErr := m.client.Drain(ctx)
	if err := c.db.InsertReadings(ctx, m.name, collectedAt, recs); err != nil {
		return errors.Join(drainErr, err)
	}
	if drainErr != nil {
		return drainErr
	}

	stamps, err := m.client.DrainPowerLoss(ctx)
	if ierr := c.db.InsertPowerLosses(ctx, m.name, collectedAt, stamps); ierr != nil {
		return errors.Join(err, ierr)
	}
	if err != nil {
		return err
	}

	if c.syncTime {
		if err := m.client.SetTime(ctx, systime.ToMillis(c.now())); err != nil {
			return err
		}
	}

	c.log.Info("collected", "meter", m.name, "readings", len(recs), "power_losses", len(stamps))
	return nil
}

// Run polls immediately and then every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		//nolint:errcheck // Logged per meter; retried next tick
		c.Poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
