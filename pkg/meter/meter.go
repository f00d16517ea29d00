package meter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/ct"
	"github.com/itohio/goctm/pkg/logging"
	"github.com/itohio/goctm/pkg/reading"
	"github.com/itohio/goctm/pkg/systime"
)

var _ EnergyMeter = (*Meter)(nil)

// Saver persists one batch of channel records together with a time checkpoint.
type Saver interface {
	Save(batch []reading.Record, nowMs uint64) error
}

// EnergyMeter runs the sampling/save loop and exposes the accumulated readings.
type EnergyMeter interface {
	Run(ctx context.Context) error
	Cycle() error
	Snapshot() []reading.Record             // Accumulated readings in channel order
	OnUpdate(func(records []reading.Record)) // Register callback for updates
}

// Meter measures every channel in turn, merges bursts into per-channel readings and
// hands them to the Saver once per save period.
type Meter struct {
	sampler  *ct.Sampler
	channels []*ct.Channel
	store    Saver

	savePeriod   time.Duration
	pollInterval time.Duration
	now          func() time.Time
	log          *slog.Logger

	// mu guards channel state and lastSave; bursts run on copies so readers are
	// never blocked for a whole burst.
	mu       sync.RWMutex
	lastSave time.Time

	// Update callbacks receive a copy of the accumulated readings.
	callbacks []func(records []reading.Record)
	cbMu      sync.RWMutex

	// Set once Run returns, prevents further callbacks.
	shutdown bool
}

// Option configures a Meter.
type Option func(*Meter)

// WithClock replaces the wall clock used for save scheduling and checkpoints.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) { m.log = l }
}

// New creates a Meter. The save period starts now.
func New(cfg *config.Config, sampler *ct.Sampler, channels []*ct.Channel, store Saver, opts ...Option) *Meter {
	m := &Meter{
		sampler:      sampler,
		channels:     channels,
		store:        store,
		savePeriod:   cfg.Sampling.SavePeriod,
		pollInterval: cfg.Sampling.PollInterval,
		now:          time.Now,
		callbacks:    make([]func(records []reading.Record), 0),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Component("meter")
	}
	m.lastSave = m.now()
	return m
}

// Run cycles until ctx is cancelled, sleeping pollInterval between passes.
// Save failures are logged and retried on the next pass.
func (m *Meter) Run(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()
	}()

	m.log.Info("meter started", "channels", len(m.channels), "save_period", m.savePeriod)
	for {
		if err := m.Cycle(); err != nil {
			m.log.Error("failed to save readings", "error", err)
		}

		select {
		case <-ctx.Done():
			m.log.Info("meter stopped")
			return nil
		case <-time.After(m.pollInterval):
		}
	}
}

// Cycle measures every channel once and saves when the period has elapsed.
// On a failed save the readings are kept so the next pass retries them.
func (m *Meter) Cycle() error {
	for i := range m.channels {
		m.mu.RLock()
		ch := *m.channels[i]
		m.mu.RUnlock()

		burst := m.sampler.Measure(&ch)

		m.mu.Lock()
		*m.channels[i] = ch
		m.mu.Unlock()

		m.log.Debug("measured channel",
			"channel", ch.ID,
			"real_power", burst.Reading.RealPower,
			"v_rms", burst.Reading.VRMS,
			"i_rms", burst.Reading.IRMS,
		)
	}

	err := m.saveIfDue()
	m.notifyCallbacks()
	return err
}

func (m *Meter) saveIfDue() error {
	now := m.now()

	m.mu.RLock()
	due := now.Sub(m.lastSave) >= m.savePeriod
	m.mu.RUnlock()
	if !due {
		return nil
	}

	batch := m.Snapshot()
	if err := m.store.Save(batch, systime.ToMillis(now)); err != nil {
		return err
	}

	m.mu.Lock()
	for _, ch := range m.channels {
		ch.Reading.Reset()
	}
	m.lastSave = now
	m.mu.Unlock()

	m.log.Info("saved readings", "records", len(batch))
	return nil
}

// Snapshot returns a copy of the accumulated readings in channel order.
func (m *Meter) Snapshot() []reading.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]reading.Record, len(m.channels))
	for i, ch := range m.channels {
		result[i] = ch.Record()
	}
	return result
}

// OnUpdate registers a callback invoked after every pass with the accumulated readings.
// The callback should copy data quickly and return as fast as possible.
func (m *Meter) OnUpdate(callback func(records []reading.Record)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ResetShutdown re-enables callbacks after Run returned.
func (m *Meter) ResetShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = false
}

// notifyCallbacks invokes all registered callbacks without holding any locks.
func (m *Meter) notifyCallbacks() {
	m.mu.RLock()
	shutdown := m.shutdown
	m.mu.RUnlock()
	if shutdown {
		return
	}

	records := m.Snapshot()

	m.cbMu.RLock()
	callbacks := make([]func(records []reading.Record), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(records)
		}
	}
}
