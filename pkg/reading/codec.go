package reading

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Record encoding format (binary, little-endian, fixed width):
// - ChannelID     (2 bytes, u16)
// - RealPower     (4 bytes, f32)
// - ApparentPower (4 bytes, f32)
// - IRMS          (4 bytes, f32)
// - VRMS          (4 bytes, f32)
// - KWh           (4 bytes, f32)
// - Timestamp     (8 bytes, u64)
//
// Records are written back to back with no framing, so readers must know RecordSize.

// RecordSize is the encoded size of one Record in bytes.
const RecordSize = 30

// ErrBufferSize is returned when a buffer does not hold exactly the expected bytes.
var ErrBufferSize = errors.New("reading: buffer size mismatch")

// Encode returns the fixed-width encoding of rec.
func Encode(rec Record) [RecordSize]byte {
	var buf [RecordSize]byte
	// Cannot fail: buf is exactly RecordSize.
	_ = EncodeTo(buf[:], rec)
	return buf
}

// EncodeTo writes rec into dst, which must be exactly RecordSize bytes long.
func EncodeTo(dst []byte, rec Record) error {
	if len(dst) != RecordSize {
		return fmt.Errorf("%w: encode into %d bytes, want %d", ErrBufferSize, len(dst), RecordSize)
	}
	binary.LittleEndian.PutUint16(dst[0:2], rec.ChannelID)
	binary.LittleEndian.PutUint32(dst[2:6], math.Float32bits(rec.RealPower))
	binary.LittleEndian.PutUint32(dst[6:10], math.Float32bits(rec.ApparentPower))
	binary.LittleEndian.PutUint32(dst[10:14], math.Float32bits(rec.IRMS))
	binary.LittleEndian.PutUint32(dst[14:18], math.Float32bits(rec.VRMS))
	binary.LittleEndian.PutUint32(dst[18:22], math.Float32bits(rec.KWh))
	binary.LittleEndian.PutUint64(dst[22:30], rec.Timestamp)
	return nil
}

// AppendRecords appends the encodings of recs to dst.
func AppendRecords(dst []byte, recs ...Record) []byte {
	for _, rec := range recs {
		buf := Encode(rec)
		dst = append(dst, buf[:]...)
	}
	return dst
}

// Decode is the inverse of Encode. src must be exactly RecordSize bytes.
func Decode(src []byte) (Record, error) {
	if len(src) != RecordSize {
		return Record{}, fmt.Errorf("%w: decode %d bytes, want %d", ErrBufferSize, len(src), RecordSize)
	}
	return Record{
		ChannelID: binary.LittleEndian.Uint16(src[0:2]),
		Reading: Reading{
			RealPower:     math.Float32frombits(binary.LittleEndian.Uint32(src[2:6])),
			ApparentPower: math.Float32frombits(binary.LittleEndian.Uint32(src[6:10])),
			IRMS:          math.Float32frombits(binary.LittleEndian.Uint32(src[10:14])),
			VRMS:          math.Float32frombits(binary.LittleEndian.Uint32(src[14:18])),
			KWh:           math.Float32frombits(binary.LittleEndian.Uint32(src[18:22])),
			Timestamp:     binary.LittleEndian.Uint64(src[22:30]),
		},
	}, nil
}

// DecodeAll splits a drained byte stream into records.
func DecodeAll(src []byte) ([]Record, error) {
	if len(src)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: stream of %d bytes is not a multiple of %d", ErrBufferSize, len(src), RecordSize)
	}

	recs := make([]Record, 0, len(src)/RecordSize)
	for off := 0; off < len(src); off += RecordSize {
		rec, err := Decode(src[off : off+RecordSize])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", off/RecordSize, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
