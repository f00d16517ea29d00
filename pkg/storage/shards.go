package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/itohio/goctm/pkg/reading"
)

// ErrShardName is returned when the readings directory holds an entry that is not a shard id.
var ErrShardName = errors.New("storage: invalid shard name")

// Flusher is a drain destination. Bytes count as delivered once Flush returns nil.
type Flusher interface {
	io.Writer
	Flush() error
}

// Shards is an append-only set of bounded files holding encoded reading batches.
// Each file is named by its decimal id; ids grow in write order and a full shard is
// never written again. Shards is not safe for concurrent use; Engine serializes it.
type Shards struct {
	dir        string
	capacity   int64
	chunkBytes int

	counter uint64
	ids     map[uint64]struct{}

	log *slog.Logger
}

// NewShards creates a shard set rooted at dir. Call Scan before use.
func NewShards(dir string, capacity int64, chunkRecords int, log *slog.Logger) *Shards {
	if chunkRecords <= 0 {
		chunkRecords = 5
	}
	return &Shards{
		dir:        dir,
		capacity:   capacity,
		chunkBytes: chunkRecords * reading.RecordSize,
		counter:    1,
		ids:        make(map[uint64]struct{}),
		log:        log,
	}
}

// Scan registers every shard found on disk, creating the directory if needed.
// The writable shard becomes the highest id found, or 1.
func (s *Shards) Scan() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create readings dir: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read readings dir: %w", err)
	}

	s.counter = 1
	clear(s.ids)
	for _, e := range entries {
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		// Names must round-trip through path, or the file could never be drained.
		if err != nil || strconv.FormatUint(id, 10) != e.Name() {
			return fmt.Errorf("%w: %q", ErrShardName, e.Name())
		}
		s.ids[id] = struct{}{}
		s.counter = max(s.counter, id)
	}

	s.log.Info("scanned readings shards", "dir", s.dir, "shards", len(s.ids), "counter", s.counter)
	return nil
}

// Counter returns the id of the writable shard.
func (s *Shards) Counter() uint64 {
	return s.counter
}

// IDs returns the undrained shard ids in ascending order.
func (s *Shards) IDs() []uint64 {
	ids := make([]uint64, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Shards) path(id uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(id, 10))
}

// size returns the shard size; a missing shard is empty.
func (s *Shards) size(id uint64) (int64, error) {
	info, err := os.Stat(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat shard %d: %w", id, err)
	}
	return info.Size(), nil
}

// Append writes one batch (a record per channel) to the writable shard, moving to
// the next id first when the batch would not fit.
func (s *Shards) Append(batch []reading.Record) error {
	if len(batch) == 0 {
		return nil
	}
	need := int64(len(batch) * reading.RecordSize)
	if need > s.capacity {
		return fmt.Errorf("batch of %d bytes exceeds shard capacity %d", need, s.capacity)
	}

	for {
		size, err := s.size(s.counter)
		if err != nil {
			return err
		}
		if s.capacity-size >= need {
			break
		}
		s.counter++
		s.log.Info("rotated readings shard", "shard", s.counter)
	}
	s.ids[s.counter] = struct{}{}

	f, err := os.OpenFile(s.path(s.counter), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open shard %d: %w", s.counter, err)
	}

	buf := reading.AppendRecords(make([]byte, 0, need), batch...)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write shard %d: %w", s.counter, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close shard %d: %w", s.counter, err)
	}

	s.log.Debug("appended readings", "shard", s.counter, "records", len(batch))
	return nil
}

// Drain streams every shard to w in id order, deleting each one after a successful
// flush. The first failure stops the drain; shards not yet flushed stay registered.
func (s *Shards) Drain(w Flusher) (int64, error) {
	buf := make([]byte, s.chunkBytes)
	var total int64

	for _, id := range s.IDs() {
		n, err := drainFile(s.path(id), w, buf)
		total += n
		if err != nil {
			return total, fmt.Errorf("drain shard %d: %w", id, err)
		}

		delete(s.ids, id)
		if id == s.counter {
			s.counter = 1
		}
		s.log.Info("drained readings shard", "shard", id, "bytes", n)
	}
	return total, nil
}

// drainFile copies path into w in len(buf) chunks, flushes and removes the file.
// A missing file is treated as empty.
func drainFile(path string, w Flusher, buf []byte) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	//nolint:errcheck // Checked below on the success path
	defer f.Close()

	var total int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, rerr
		}
	}
	if err := f.Close(); err != nil {
		return total, err
	}

	if err := w.Flush(); err != nil {
		return total, err
	}
	if err := os.Remove(path); err != nil {
		return total, err
	}
	return total, nil
}
