// Package storage persists meter data on a flash-backed filesystem.
//
// Layout under the storage root:
//
//	<root>/<readings_dir>/<id>  shards of 30-byte reading records
//	<root>/time                 8-byte millisecond checkpoints, restarted when full
//	<root>/token                fixed-length access token
//	<root>/powerloss_log        8-byte boot timestamps, deleted on drain
//
// Engine owns all of it behind a single mutex held for one operation at a time.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/logging"
	"github.com/itohio/goctm/pkg/reading"
)

// Engine serializes access to the shard set and the auxiliary files.
type Engine struct {
	mu sync.Mutex

	shards    *Shards
	powerLoss *PowerLoss
	times     *TimeStore
	token     *TokenStore
	chunk     int

	log *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Open creates the storage root and scans existing shards. Any failure here means
// the device cannot persist readings and should not start.
func Open(cfg config.StorageConfig, opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Component("storage")
	}

	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	chunkRecs := cfg.DrainChunkRecs
	if chunkRecs <= 0 {
		chunkRecs = 5
	}
	e.chunk = chunkRecs * reading.RecordSize
	e.shards = NewShards(cfg.ReadingsPath(), cfg.MaxShardSize, chunkRecs, e.log)
	e.powerLoss = &PowerLoss{path: cfg.PowerLossPath()}
	e.times = &TimeStore{path: cfg.TimePath(), maxSize: cfg.MaxTimeSize}
	e.token = &TokenStore{path: cfg.TokenPath(), size: cfg.TokenSize}

	if err := e.shards.Scan(); err != nil {
		return nil, err
	}
	return e, nil
}

// do runs fn under the engine lock. A panicking operation is turned into an error
// and leaves the lock usable: every operation is consistent at file granularity.
func (e *Engine) do(op string, fn func() error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("storage operation panicked", "op", op, "panic", r)
			err = fmt.Errorf("storage %s: panic: %v", op, r)
		}
	}()
	return fn()
}

// Save appends one batch of records and checkpoints the wall clock.
// The append commits the batch; a failed checkpoint is logged and does not fail the save,
// otherwise the caller would store the same records again.
func (e *Engine) Save(batch []reading.Record, nowMs uint64) error {
	return e.do("save", func() error {
		if err := e.shards.Append(batch); err != nil {
			return err
		}
		if err := e.times.Store(nowMs); err != nil {
			e.log.Warn("failed to checkpoint time", "ms", nowMs, "error", err)
		}
		return nil
	})
}

// DrainReadings streams and deletes every reading shard.
func (e *Engine) DrainReadings(w Flusher) (n int64, err error) {
	err = e.do("drain readings", func() error {
		var derr error
		n, derr = e.shards.Drain(w)
		return derr
	})
	return n, err
}

// DrainPowerLoss streams and deletes the power-loss log.
func (e *Engine) DrainPowerLoss(w Flusher) (n int64, err error) {
	err = e.do("drain power-loss", func() error {
		var derr error
		n, derr = e.powerLoss.Drain(w, e.chunk)
		return derr
	})
	return n, err
}

// LogPowerLoss records a boot timestamp. Failures are logged and otherwise ignored
// so they never block startup.
func (e *Engine) LogPowerLoss(nowMs uint64) {
	err := e.do("log power-loss", func() error {
		return e.powerLoss.Record(nowMs)
	})
	if err != nil {
		e.log.Warn("failed to record power loss", "error", err)
	}
}

// StoreTime appends a time checkpoint.
func (e *Engine) StoreTime(ms uint64) error {
	return e.do("store time", func() error {
		return e.times.Store(ms)
	})
}

// LastTime returns the latest time checkpoint.
func (e *Engine) LastTime() (ms uint64, err error) {
	err = e.do("last time", func() error {
		var terr error
		ms, terr = e.times.Last()
		return terr
	})
	return ms, err
}

// RestoreTime applies the latest time checkpoint through set.
func (e *Engine) RestoreTime(set func(ms uint64) error) error {
	ms, err := e.LastTime()
	if err != nil {
		return err
	}
	if err := set(ms); err != nil {
		return fmt.Errorf("set system time: %w", err)
	}
	e.log.Info("restored system time", "ms", ms)
	return nil
}

// StoreToken replaces the access token.
func (e *Engine) StoreToken(token []byte) error {
	return e.do("store token", func() error {
		return e.token.Store(token)
	})
}

// Token returns the access token.
func (e *Engine) Token() (token []byte, err error) {
	err = e.do("load token", func() error {
		var terr error
		token, terr = e.token.Load()
		return terr
	})
	return token, err
}

// TokenSize returns the fixed token length.
func (e *Engine) TokenSize() int {
	return e.token.size
}

// ShardIDs returns the undrained shard ids and the writable shard.
func (e *Engine) ShardIDs() (ids []uint64, counter uint64) {
	_ = e.do("shard ids", func() error {
		ids = e.shards.IDs()
		counter = e.shards.Counter()
		return nil
	})
	return ids, counter
}
