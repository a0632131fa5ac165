package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rcliao/agent-memstore/internal/model"
)

// Scanner reads consecutive frames from a stream.
type Scanner struct {
	r   *bufio.Reader
	off int64
	hdr [HeaderSize]byte
}

// NewScanner returns a Scanner reading from r, whose first byte sits at
// offset base in the underlying file.
func NewScanner(r io.Reader, base int64) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024), off: base}
}

// Offset returns the position just past the last frame consumed, good or
// skipped. After a TruncatedTail it still points at the start of the torn
// frame.
func (s *Scanner) Offset() int64 {
	return s.off
}

// Next returns the next record and the offset its frame started at.
//
// At a clean end of stream Next returns io.EOF. A *CorruptionError of kind
// ChecksumMismatch means a damaged stretch was skipped and the scanner now
// sits on the next intact frame, so the caller may continue. TruncatedTail
// means no intact frame follows the damage and is terminal.
func (s *Scanner) Next() (model.Record, int64, error) {
	start := s.off
	n, err := io.ReadFull(s.r, s.hdr[:])
	if err == io.EOF {
		return model.Record{}, start, io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return model.Record{}, start, &CorruptionError{Kind: TruncatedTail, Offset: start, Size: int64(n), Reason: "short header"}
	}
	if err != nil {
		return model.Record{}, start, fmt.Errorf("codec: read header: %w", err)
	}

	size := binary.LittleEndian.Uint32(s.hdr[0:4])
	sum := binary.LittleEndian.Uint32(s.hdr[4:8])
	if size == 0 || size > MaxFrameSize {
		return s.resync(start, s.hdr[:], fmt.Sprintf("invalid frame length %d", size))
	}

	payload := make([]byte, size)
	pn, err := io.ReadFull(s.r, payload)
	if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
		return s.resync(start, append(s.hdr[:], payload[:pn]...), "short payload")
	}
	if err != nil {
		return model.Record{}, start, fmt.Errorf("codec: read payload: %w", err)
	}
	frameLen := int64(HeaderSize) + int64(size)

	if Checksum(payload) != sum {
		return s.resync(start, append(s.hdr[:], payload...), "checksum mismatch")
	}

	s.off += frameLen
	rec, err := decodePayload(payload)
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			ce.Offset, ce.Size = start, frameLen
		}
		return model.Record{}, start, err
	}
	return rec, start, nil
}

// resync looks for the first intact frame after a damaged one at start.
// head holds the bytes already read from start. A corrupt length prefix
// says nothing about where the next frame begins, so the rest of the stream
// is searched byte by byte. Only when nothing intact follows is the damage
// a torn tail.
func (s *Scanner) resync(start int64, head []byte, reason string) (model.Record, int64, error) {
	rest, err := io.ReadAll(s.r)
	if err != nil {
		return model.Record{}, start, fmt.Errorf("codec: read: %w", err)
	}
	buf := make([]byte, 0, len(head)+len(rest))
	buf = append(append(buf, head...), rest...)

	for i := 1; i+HeaderSize+fixedPayload <= len(buf); i++ {
		if !intactFrame(buf[i:]) {
			continue
		}
		s.r.Reset(bytes.NewReader(buf[i:]))
		s.off = start + int64(i)
		return model.Record{}, start, &CorruptionError{Kind: ChecksumMismatch, Offset: start, Size: int64(i), Reason: reason}
	}
	return model.Record{}, start, &CorruptionError{Kind: TruncatedTail, Offset: start, Size: int64(len(buf)), Reason: reason}
}

// intactFrame reports whether b begins with a whole frame whose checksum
// verifies and whose payload parses.
func intactFrame(b []byte) bool {
	if len(b) < HeaderSize+fixedPayload {
		return false
	}
	size := binary.LittleEndian.Uint32(b[0:4])
	if size < fixedPayload || size > MaxFrameSize || uint64(size) > uint64(len(b)-HeaderSize) {
		return false
	}
	payload := b[HeaderSize : HeaderSize+int(size)]
	if payload[0] != payloadVersion || !model.Op(payload[1]).Valid() {
		return false
	}
	if Checksum(payload) != binary.LittleEndian.Uint32(b[4:8]) {
		return false
	}
	_, err := decodePayload(payload)
	return err == nil
}
