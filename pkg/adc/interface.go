package adc

import (
	"errors"
	"fmt"
)

// Reader is the analog front-end capability: one raw conversion per call.
// Implementations must bound each Read in time; a stuck converter surfaces as an error.
type Reader interface {
	Read(pin uint8) (uint16, error)
}

var (
	// ErrTimeout is returned when the converter did not answer in time.
	ErrTimeout = errors.New("adc: read timeout")
	// ErrChecksum is returned when a sample frame fails CRC validation.
	ErrChecksum = errors.New("adc: frame checksum mismatch")
	// ErrScriptExhausted is returned by Scripted when a pin has no more steps.
	ErrScriptExhausted = errors.New("adc: script exhausted")
	// ErrNotConnected is returned by Serial before Connect.
	ErrNotConnected = errors.New("adc: not connected")
)

// ChannelError reports a failed conversion on one input pin.
type ChannelError struct {
	Pin uint8
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("adc pin %d: %v", e.Pin, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Ensure Serial implements Reader.
var _ Reader = (*Serial)(nil)

// Ensure Sine implements Reader.
var _ Reader = (*Sine)(nil)

// Ensure Scripted implements Reader.
var _ Reader = (*Scripted)(nil)
