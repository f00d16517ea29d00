package adc

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink replays scripted reply chunks; an exhausted script reads as a timeout.
type fakeLink struct {
	written []byte
	replies [][]byte
	resets  int
	readErr error
	closed  bool
}

func (f *fakeLink) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.replies) == 0 {
		return 0, nil
	}
	n := copy(p, f.replies[0])
	f.replies[0] = f.replies[0][n:]
	if len(f.replies[0]) == 0 {
		f.replies = f.replies[1:]
	}
	return n, nil
}

func (f *fakeLink) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeLink) Close() error {
	f.closed = true
	return nil
}

func (f *fakeLink) ResetInputBuffer() error {
	f.resets++
	return nil
}

func connectedSerial(l *fakeLink) *Serial {
	s := NewSerial("fake", 0, 0)
	s.conn = l
	s.connected = true
	return s
}

func TestParseFrame(t *testing.T) {
	good := EncodeFrame(1288)
	corrupt := good
	corrupt[0] ^= 0x01

	tests := []struct {
		name    string
		frame   []byte
		want    uint16
		wantErr error
	}{
		{name: "valid mid scale", frame: good[:], want: 1288},
		{name: "valid zero", frame: func() []byte { f := EncodeFrame(0); return f[:] }(), want: 0},
		{name: "valid max", frame: func() []byte { f := EncodeFrame(4095); return f[:] }(), want: 4095},
		{name: "corrupt value", frame: corrupt[:], wantErr: ErrChecksum},
		{name: "short frame", frame: good[:3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFrame(tt.frame)
			if tt.name == "short frame" {
				assert.Error(t, err)
				return
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSerial_Defaults(t *testing.T) {
	s := NewSerial("/dev/ttyUSB0", 0, 0)
	assert.Equal(t, DefaultBaudRate, s.baudRate)
	assert.Equal(t, DefaultReadTimeout, s.timeout)
	assert.False(t, s.IsConnected())

	s = NewSerial("/dev/ttyUSB0", 9600, time.Second)
	assert.Equal(t, 9600, s.baudRate)
	assert.Equal(t, time.Second, s.timeout)
}

func TestSerial_Read(t *testing.T) {
	frame := EncodeFrame(2047)
	// Reply split across two reads exercises reassembly.
	l := &fakeLink{replies: [][]byte{frame[:1], frame[1:]}}
	s := connectedSerial(l)

	v, err := s.Read(34)
	require.NoError(t, err)
	assert.Equal(t, uint16(2047), v)
	assert.Equal(t, []byte{34}, l.written)
	assert.Equal(t, 1, l.resets)
}

func TestSerial_ReadTimeout(t *testing.T) {
	frame := EncodeFrame(100)
	l := &fakeLink{replies: [][]byte{frame[:2]}}
	s := connectedSerial(l)

	_, err := s.Read(35)
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, uint8(35), chErr.Pin)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerial_ReadChecksum(t *testing.T) {
	frame := EncodeFrame(100)
	frame[3] ^= 0xFF
	s := connectedSerial(&fakeLink{replies: [][]byte{frame[:]}})

	_, err := s.Read(1)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestSerial_ReadError(t *testing.T) {
	boom := errors.New("port gone")
	s := connectedSerial(&fakeLink{readErr: boom})

	_, err := s.Read(1)
	assert.ErrorIs(t, err, boom)
}

func TestSerial_NotConnected(t *testing.T) {
	s := NewSerial("fake", 0, 0)
	_, err := s.Read(1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSerial_Close(t *testing.T) {
	l := &fakeLink{}
	s := connectedSerial(l)

	require.NoError(t, s.Close())
	assert.True(t, l.closed)
	assert.False(t, s.IsConnected())
	assert.NoError(t, s.Close())
}

func TestEncodeFrame_Layout(t *testing.T) {
	frame := EncodeFrame(0x0102)
	assert.True(t, bytes.Equal([]byte{0x02, 0x01}, frame[:2]))
}
