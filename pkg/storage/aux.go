package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const timeRecordSize = 8

var (
	// ErrNoTime is returned when no time checkpoint has been stored.
	ErrNoTime = errors.New("storage: no stored time")
	// ErrTokenSize is returned when a token is longer than the token file.
	ErrTokenSize = errors.New("storage: token too long")
)

// PowerLoss is an append-only log of boot timestamps.
type PowerLoss struct {
	path string
}

// Record appends a millisecond timestamp.
func (p *PowerLoss) Record(ms uint64) error {
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open power-loss log: %w", err)
	}
	var buf [timeRecordSize]byte
	binary.LittleEndian.PutUint64(buf[:], ms)
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return fmt.Errorf("write power-loss log: %w", err)
	}
	return f.Close()
}

// Drain streams the log to w and deletes it. A missing log drains nothing.
func (p *PowerLoss) Drain(w Flusher, chunk int) (int64, error) {
	n, err := drainFile(p.path, w, make([]byte, chunk))
	if err != nil {
		return n, fmt.Errorf("drain power-loss log: %w", err)
	}
	return n, nil
}

// TimeStore keeps consecutive 8-byte little-endian millisecond checkpoints.
// A store that would exceed maxSize restarts the file.
type TimeStore struct {
	path    string
	maxSize int64
}

// Store appends ms, truncating the file first when it is full.
func (t *TimeStore) Store(ms uint64) error {
	var size int64
	info, err := os.Stat(t.path)
	switch {
	case err == nil:
		size = info.Size()
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat time file: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if t.maxSize-size < timeRecordSize {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(t.path, flags, 0644)
	if err != nil {
		return fmt.Errorf("open time file: %w", err)
	}
	var buf [timeRecordSize]byte
	binary.LittleEndian.PutUint64(buf[:], ms)
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return fmt.Errorf("write time file: %w", err)
	}
	return f.Close()
}

// Last returns the most recent checkpoint.
func (t *TimeStore) Last() (uint64, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNoTime
	}
	if err != nil {
		return 0, fmt.Errorf("open time file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat time file: %w", err)
	}
	if info.Size() < timeRecordSize {
		return 0, ErrNoTime
	}

	var buf [timeRecordSize]byte
	if _, err := f.ReadAt(buf[:], info.Size()-timeRecordSize); err != nil && err != io.EOF {
		return 0, fmt.Errorf("read time file: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// TokenStore holds one fixed-length access token.
type TokenStore struct {
	path string
	size int
}

// Store rewrites the token file. Shorter tokens are zero padded to the fixed size.
func (t *TokenStore) Store(token []byte) error {
	if len(token) > t.size {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTokenSize, len(token), t.size)
	}
	buf := make([]byte, t.size)
	copy(buf, token)
	if err := os.WriteFile(t.path, buf, 0644); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Load returns the stored token.
func (t *TokenStore) Load() ([]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, t.size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return buf, nil
}
