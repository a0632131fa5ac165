package codec

import (
	"errors"
	"fmt"
)

// CorruptionKind classifies a decode failure.
type CorruptionKind int

const (
	// TruncatedTail means the log ends in damage with no intact frame after
	// it: the last append was interrupted. Replay drops it.
	TruncatedTail CorruptionKind = iota + 1
	// ChecksumMismatch means a frame failed verification but intact frames
	// follow it. Replay skips the damaged bytes only.
	ChecksumMismatch
)

func (k CorruptionKind) String() string {
	switch k {
	case TruncatedTail:
		return "truncated tail"
	case ChecksumMismatch:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

// CorruptionError reports a frame that could not be decoded.
type CorruptionError struct {
	Kind   CorruptionKind
	Offset int64 // start of the bad frame within the stream
	Size   int64 // bytes the bad frame occupied, when known
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("codec: %s at offset %d: %s", e.Kind, e.Offset, e.Reason)
}

// Is matches any *CorruptionError of the same kind, so callers can write
// errors.Is(err, codec.ErrTruncatedTail).
func (e *CorruptionError) Is(target error) bool {
	t, ok := target.(*CorruptionError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTruncatedTail    error = &CorruptionError{Kind: TruncatedTail}
	ErrChecksumMismatch error = &CorruptionError{Kind: ChecksumMismatch}
)

// IsTruncatedTail reports whether err is a torn final frame.
func IsTruncatedTail(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce) && ce.Kind == TruncatedTail
}
