package serialcomm

import (
	"fmt"
	"time"
)

// Reason explains why a framing attempt stopped.
type Reason int

const (
	// ReasonSettled: bytes arrived and the line then stayed silent for the
	// silence window.
	ReasonSettled Reason = iota + 1
	// ReasonNoData: the deadline passed before the first byte.
	ReasonNoData
	// ReasonSilenceTimeout: the deadline passed while bytes were still
	// arriving, so silence was never observed.
	ReasonSilenceTimeout
	// ReasonMaxWait: the deadline passed during a quiet gap shorter than the
	// silence window. The bytes so far are returned.
	ReasonMaxWait
)

func (r Reason) String() string {
	switch r {
	case ReasonSettled:
		return "data-settled"
	case ReasonNoData:
		return "timeout-before-first-byte"
	case ReasonSilenceTimeout:
		return "timeout-waiting-for-silence"
	case ReasonMaxWait:
		return "max-wait-exceeded"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// label is the metrics form of the reason.
func (r Reason) label() string {
	switch r {
	case ReasonSettled:
		return "data_settled"
	case ReasonNoData:
		return "no_data"
	case ReasonSilenceTimeout:
		return "silence_timeout"
	case ReasonMaxWait:
		return "max_wait"
	}
	return "unknown"
}

// Partial reports whether the frame was cut short by a deadline with some
// bytes already received.
func (r Reason) Partial() bool {
	return r == ReasonSilenceTimeout || r == ReasonMaxWait
}

// FrameResult is the outcome of one framing attempt. It is never mutated
// after construction.
type FrameResult struct {
	data    []byte
	reason  Reason
	elapsed time.Duration
}

// NewFrameResult copies data into a new result.
func NewFrameResult(data []byte, reason Reason, elapsed time.Duration) FrameResult {
	var cp []byte
	if len(data) > 0 {
		cp = make([]byte, len(data))
		copy(cp, data)
	}
	return FrameResult{data: cp, reason: reason, elapsed: elapsed}
}

// Bytes returns a copy of the received bytes in arrival order.
func (r FrameResult) Bytes() []byte {
	if len(r.data) == 0 {
		return []byte{}
	}
	cp := make([]byte, len(r.data))
	copy(cp, r.data)
	return cp
}

func (r FrameResult) Len() int               { return len(r.data) }
func (r FrameResult) Reason() Reason         { return r.reason }
func (r FrameResult) Elapsed() time.Duration { return r.elapsed }
func (r FrameResult) Empty() bool            { return len(r.data) == 0 }

// ByteValues widens each byte to its unsigned value 0-255, order preserved.
func (r FrameResult) ByteValues() []int {
	out := make([]int, len(r.data))
	for i, b := range r.data {
		out[i] = int(b)
	}
	return out
}

// Text decodes the bytes with the named encoding ("" means UTF-8).
// Undecodable sequences become U+FFFD.
func (r FrameResult) Text(encoding string) (string, error) {
	return DecodeText(r.data, encoding)
}

// TextStrict decodes like Text but fails with ErrDecodeFailed instead of
// substituting replacement characters.
func (r FrameResult) TextStrict(encoding string) (string, error) {
	return DecodeTextStrict(r.data, encoding)
}

func (r FrameResult) String() string {
	return fmt.Sprintf("%s: %d bytes in %v", r.reason, len(r.data), r.elapsed)
}
