// Package codec encodes memory records into self-framing, checksummed bytes.
//
// A frame is laid out as
//
//	[u32 length][u32 crc32c(payload)][payload]
//
// with all integers little-endian. The payload is
//
//	version u8 | op u8 | seq u64 | ts i64 | session u16+bytes |
//	category u16+bytes | key u16+bytes | value u32+bytes
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/rcliao/agent-memstore/internal/model"
)

const (
	// HeaderSize is the size of the frame header (length + checksum).
	HeaderSize = 8

	// MaxFrameSize bounds a single payload so a corrupt length prefix can't
	// make replay allocate unbounded memory.
	MaxFrameSize = 64 << 20

	payloadVersion uint8 = 1
	fixedPayload         = 1 + 1 + 8 + 8 + 2 + 2 + 2 + 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32-C of b.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}

// ErrFieldTooLong is returned by Encode when an identity field does not fit
// its length prefix.
var ErrFieldTooLong = errors.New("codec: field too long")

// EncodedSize returns the full frame size Encode would produce for rec.
func EncodedSize(rec model.Record) int {
	return HeaderSize + fixedPayload + len(rec.SessionID) + len(rec.Category) + len(rec.Key) + len(rec.Value)
}

// Encode serializes rec into a complete frame.
func Encode(rec model.Record) ([]byte, error) {
	return AppendFrame(nil, rec)
}

// AppendFrame appends the frame for rec to dst.
func AppendFrame(dst []byte, rec model.Record) ([]byte, error) {
	if !rec.Op.Valid() {
		return dst, fmt.Errorf("codec: invalid op %d", rec.Op)
	}
	for _, f := range []string{rec.SessionID, rec.Category, rec.Key} {
		if len(f) > math.MaxUint16 {
			return dst, fmt.Errorf("%w: %d bytes", ErrFieldTooLong, len(f))
		}
	}
	size := EncodedSize(rec) - HeaderSize
	if size > MaxFrameSize {
		return dst, fmt.Errorf("%w: record of %d bytes exceeds frame limit", ErrFieldTooLong, size)
	}

	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(size))
	dst = binary.LittleEndian.AppendUint32(dst, 0) // checksum, patched below

	dst = append(dst, payloadVersion, byte(rec.Op))
	dst = binary.LittleEndian.AppendUint64(dst, rec.Seq)
	var ts int64
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp.UnixNano()
	}
	dst = binary.LittleEndian.AppendUint64(dst, uint64(ts))
	dst = appendString16(dst, rec.SessionID)
	dst = appendString16(dst, rec.Category)
	dst = appendString16(dst, rec.Key)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec.Value)))
	dst = append(dst, rec.Value...)

	payload := dst[start+HeaderSize:]
	binary.LittleEndian.PutUint32(dst[start+4:], Checksum(payload))
	return dst, nil
}

func appendString16(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// Decode parses a complete frame.
func Decode(frame []byte) (model.Record, error) {
	if len(frame) < HeaderSize {
		return model.Record{}, &CorruptionError{Kind: TruncatedTail, Reason: "short header"}
	}
	n := binary.LittleEndian.Uint32(frame[0:4])
	sum := binary.LittleEndian.Uint32(frame[4:8])
	if n == 0 || n > MaxFrameSize {
		return model.Record{}, &CorruptionError{Kind: TruncatedTail, Reason: fmt.Sprintf("invalid frame length %d", n)}
	}
	if uint32(len(frame)-HeaderSize) < n {
		return model.Record{}, &CorruptionError{Kind: TruncatedTail, Reason: "short payload"}
	}
	payload := frame[HeaderSize : HeaderSize+int(n)]
	if Checksum(payload) != sum {
		return model.Record{}, &CorruptionError{Kind: ChecksumMismatch, Reason: "checksum mismatch"}
	}
	return decodePayload(payload)
}

func decodePayload(p []byte) (model.Record, error) {
	var rec model.Record
	if len(p) < fixedPayload {
		return rec, malformed("payload shorter than fixed fields")
	}
	if p[0] != payloadVersion {
		return rec, malformed(fmt.Sprintf("unsupported payload version %d", p[0]))
	}
	rec.Op = model.Op(p[1])
	if !rec.Op.Valid() {
		return rec, malformed(fmt.Sprintf("unknown op %d", p[1]))
	}
	rec.Seq = binary.LittleEndian.Uint64(p[2:10])
	if ts := int64(binary.LittleEndian.Uint64(p[10:18])); ts != 0 {
		rec.Timestamp = time.Unix(0, ts).UTC()
	}

	rest := p[18:]
	var ok bool
	if rec.SessionID, rest, ok = readString16(rest); !ok {
		return rec, malformed("session overruns payload")
	}
	if rec.Category, rest, ok = readString16(rest); !ok {
		return rec, malformed("category overruns payload")
	}
	if rec.Key, rest, ok = readString16(rest); !ok {
		return rec, malformed("key overruns payload")
	}
	if len(rest) < 4 {
		return rec, malformed("missing value length")
	}
	vn := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint32(len(rest)) != vn {
		return rec, malformed("value length mismatch")
	}
	if vn > 0 {
		rec.Value = append([]byte(nil), rest...)
	}
	return rec, nil
}

func readString16(b []byte) (string, []byte, bool) {
	if len(b) < 2 {
		return "", b, false
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", b, false
	}
	return string(b[:n]), b[n:], true
}

// A payload with a valid checksum that still fails to parse was written by
// something else; it is skipped like any other bad record.
func malformed(reason string) error {
	return &CorruptionError{Kind: ChecksumMismatch, Reason: "malformed payload: " + reason}
}
