package meter

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/itohio/goctm/pkg/adc"
	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/ct"
	"github.com/itohio/goctm/pkg/logging"
	"github.com/itohio/goctm/pkg/reading"
	"github.com/itohio/goctm/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSaver struct {
	mu      sync.Mutex
	batches [][]reading.Record
	times   []uint64
	err     error
}

func (f *fakeSaver) Save(batch []reading.Record, nowMs uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	f.times = append(f.times, nowMs)
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// manualClock only moves when told to.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// steppingClock advances on every call; drives sampler timeouts.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(100 * time.Microsecond)
	return c.t
}

func newTestMeter(t *testing.T, phases int, store Saver) (*Meter, *manualClock) {
	t.Helper()

	cfg := config.Default()
	channels, err := config.DefaultChannels(phases)
	require.NoError(t, err)
	cfg.Channels = channels
	cfg.Sampling.Crossings = 4
	cfg.Sampling.PollInterval = time.Millisecond

	sampler := ct.NewSampler(
		adc.NewSineFromConfig(cfg),
		ct.ParamsFromConfig(cfg.Sampling),
		ct.WithClock((&steppingClock{t: time.UnixMilli(1_700_000_000_000)}).Now),
		ct.WithLogger(logging.Discard()),
	)

	clock := &manualClock{t: time.UnixMilli(1_700_000_000_000)}
	m := New(cfg, sampler, ct.NewChannels(cfg.Channels), store,
		WithClock(clock.Now),
		WithLogger(logging.Discard()),
	)
	return m, clock
}

func TestNew(t *testing.T) {
	m, _ := newTestMeter(t, 3, &fakeSaver{})

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	for i, rec := range snap {
		assert.Equal(t, uint16(i+1), rec.ChannelID)
		assert.Zero(t, rec.Reading)
	}
}

func TestCycle_AccumulatesBeforeSavePeriod(t *testing.T) {
	store := &fakeSaver{}
	m, clock := newTestMeter(t, 1, store)

	require.NoError(t, m.Cycle())
	first := m.Snapshot()[0]
	assert.Greater(t, first.RealPower, float32(0))
	assert.Greater(t, first.KWh, float32(0))

	clock.Advance(time.Second)
	require.NoError(t, m.Cycle())
	second := m.Snapshot()[0]
	assert.Greater(t, second.KWh, first.KWh)
	assert.Zero(t, store.count())
}

func TestCycle_SavesAndResets(t *testing.T) {
	store := &fakeSaver{}
	m, clock := newTestMeter(t, 3, store)

	require.NoError(t, m.Cycle())
	clock.Advance(120 * time.Second)
	require.NoError(t, m.Cycle())

	require.Equal(t, 1, store.count())
	batch := store.batches[0]
	require.Len(t, batch, 3)
	for i, rec := range batch {
		assert.Equal(t, uint16(i+1), rec.ChannelID)
		assert.Greater(t, rec.KWh, float32(0))
	}
	assert.Equal(t, uint64(1_700_000_120_000), store.times[0])

	for _, rec := range m.Snapshot() {
		assert.Zero(t, rec.Reading)
	}

	// The period restarts from the save.
	clock.Advance(60 * time.Second)
	require.NoError(t, m.Cycle())
	assert.Equal(t, 1, store.count())
}

func TestCycle_SaveFailureKeepsReadings(t *testing.T) {
	store := &fakeSaver{err: errors.New("flash full")}
	m, clock := newTestMeter(t, 1, store)

	clock.Advance(120 * time.Second)
	err := m.Cycle()
	require.Error(t, err)
	kept := m.Snapshot()[0]
	assert.Greater(t, kept.KWh, float32(0))

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	require.NoError(t, m.Cycle())
	require.Equal(t, 1, store.count())
	assert.GreaterOrEqual(t, store.batches[0][0].KWh, kept.KWh)
}

func TestOnUpdate(t *testing.T) {
	m, _ := newTestMeter(t, 3, &fakeSaver{})

	var got [][]reading.Record
	m.OnUpdate(func(records []reading.Record) {
		got = append(got, records)
	})

	require.NoError(t, m.Cycle())
	require.NoError(t, m.Cycle())
	require.Len(t, got, 2)
	assert.Len(t, got[1], 3)

	// Callbacks get copies.
	got[1][0].KWh = -1
	assert.NotEqual(t, float32(-1), m.Snapshot()[0].KWh)
}

func TestRun_StopsOnCancelWithoutFurtherCallbacks(t *testing.T) {
	m, _ := newTestMeter(t, 1, &fakeSaver{})

	var mu sync.Mutex
	updates := 0
	m.OnUpdate(func([]reading.Record) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates > 0
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	mu.Lock()
	before := updates
	mu.Unlock()

	require.NoError(t, m.Cycle())
	mu.Lock()
	assert.Equal(t, before, updates)
	mu.Unlock()

	m.ResetShutdown()
	require.NoError(t, m.Cycle())
	mu.Lock()
	assert.Equal(t, before+1, updates)
	mu.Unlock()
}

// drainBuffer collects drained bytes in memory.
type drainBuffer struct {
	data []byte
}

func (b *drainBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *drainBuffer) Flush() error { return nil }

func TestCycle_TimeCheckpointFailureSavesOnce(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Root = t.TempDir()
	engine, err := storage.Open(cfg, storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.TimePath(), 0755))

	m, clock := newTestMeter(t, 1, engine)
	require.NoError(t, m.Cycle())
	clock.Advance(120 * time.Second)
	require.NoError(t, m.Cycle())
	assert.Zero(t, m.Snapshot()[0].Reading)

	require.NoError(t, os.Remove(cfg.TimePath()))
	clock.Advance(time.Second)
	require.NoError(t, m.Cycle())

	var out drainBuffer
	_, err = engine.DrainReadings(&out)
	require.NoError(t, err)
	recs, err := reading.DecodeAll(out.data)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
