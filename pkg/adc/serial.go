package adc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sigurn/crc16"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the sampler firmware UART.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds a single conversion round trip.
	DefaultReadTimeout = 50 * time.Millisecond

	// FrameSize is the sampler reply: u16 value LE + u16 CRC16/ARC LE.
	FrameSize = 4
)

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// link is the part of serial.Port the reader needs.
type link interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial reads conversions from the sampler MCU over a serial line.
// Protocol: the host writes one byte (pin index); the MCU answers with a FrameSize frame.
type Serial struct {
	port     string
	baudRate int
	timeout  time.Duration

	mu        sync.Mutex
	conn      link
	connected bool
}

// NewSerial creates a serial front-end for the given port.
func NewSerial(port string, baudRate int, timeout time.Duration) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if timeout == 0 {
		timeout = DefaultReadTimeout
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		timeout:  timeout,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	if err := port.SetReadTimeout(s.timeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", s.port, err)
	}

	s.conn = port
	s.connected = true
	return nil
}

// Close closes the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	err := s.conn.Close()
	s.conn = nil
	return err
}

// IsConnected returns whether the port is open.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Read requests one conversion of pin and waits for the reply frame.
func (s *Serial) Read(pin uint8) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return 0, &ChannelError{Pin: pin, Err: ErrNotConnected}
	}

	// Drop late replies from a previous timed-out request.
	if err := s.conn.ResetInputBuffer(); err != nil {
		return 0, &ChannelError{Pin: pin, Err: err}
	}
	if _, err := s.conn.Write([]byte{pin}); err != nil {
		return 0, &ChannelError{Pin: pin, Err: err}
	}

	var frame [FrameSize]byte
	got := 0
	for got < FrameSize {
		n, err := s.conn.Read(frame[got:])
		if err != nil {
			return 0, &ChannelError{Pin: pin, Err: err}
		}
		if n == 0 {
			// go.bug.st/serial reports an expired read timeout as (0, nil).
			return 0, &ChannelError{Pin: pin, Err: ErrTimeout}
		}
		got += n
	}

	value, err := parseFrame(frame[:])
	if err != nil {
		return 0, &ChannelError{Pin: pin, Err: err}
	}
	return value, nil
}

// EncodeFrame builds a reply frame for value. The firmware emits the same layout.
func EncodeFrame(value uint16) [FrameSize]byte {
	var frame [FrameSize]byte
	binary.LittleEndian.PutUint16(frame[0:2], value)
	binary.LittleEndian.PutUint16(frame[2:4], crc16.Checksum(frame[0:2], crcTable))
	return frame
}

// parseFrame validates a reply frame and returns the sample value.
func parseFrame(frame []byte) (uint16, error) {
	if len(frame) != FrameSize {
		return 0, fmt.Errorf("invalid frame: expected %d bytes, got %d", FrameSize, len(frame))
	}
	want := binary.LittleEndian.Uint16(frame[2:4])
	if got := crc16.Checksum(frame[0:2], crcTable); got != want {
		return 0, fmt.Errorf("%w: got %04X, want %04X", ErrChecksum, got, want)
	}
	return binary.LittleEndian.Uint16(frame[0:2]), nil
}
