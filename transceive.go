package serialcomm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// State is a step of one transceive call.
type State int

const (
	StateIdle State = iota
	StateWriting
	StateWaitingFirstByte
	StateDraining
	StateSettled
	StatePartialTimeout
	StateEmptyTimeout
	StateWriteError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateWaitingFirstByte:
		return "waiting-first-byte"
	case StateDraining:
		return "draining"
	case StateSettled:
		return "settled"
	case StatePartialTimeout:
		return "partial-timeout"
	case StateEmptyTimeout:
		return "empty-timeout"
	case StateWriteError:
		return "write-error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool {
	return s >= StateSettled
}

// TerminalState maps the outcome of a transceive call to its terminal
// state. It reports false when the call failed in a way the state machine
// has no terminal state for (a read-side transport error, cancellation or a
// missing channel).
func TerminalState(res FrameResult, err error) (State, bool) {
	switch {
	case errors.Is(err, ErrWriteFailed):
		return StateWriteError, true
	case err != nil:
		return StateIdle, false
	case res.Reason() == ReasonSettled:
		return StateSettled, true
	case res.Reason() == ReasonNoData:
		return StateEmptyTimeout, true
	case res.Reason().Partial():
		return StatePartialTimeout, true
	}
	return StateIdle, false
}

// StateHook observes every state transition of a transceive call.
type StateHook func(id string, s State)

// TransceiveRequest describes one write-then-frame exchange.
type TransceiveRequest struct {
	Payload []byte
	// Pacing is the gap between consecutive bytes. Zero writes the payload
	// in one go.
	Pacing time.Duration
	Frame  FrameParams
}

// NewTextRequest encodes text with the named encoding ("" is UTF-8).
func NewTextRequest(text, encoding string, pacing time.Duration, frame FrameParams) (TransceiveRequest, error) {
	payload, err := EncodeText(text, encoding)
	if err != nil {
		return TransceiveRequest{}, err
	}
	return TransceiveRequest{Payload: payload, Pacing: pacing, Frame: frame}, nil
}

func (r TransceiveRequest) Validate() error {
	if r.Pacing < 0 {
		return fmt.Errorf("%w: pacing cannot be negative: %v", ErrConfiguration, r.Pacing)
	}
	return r.Frame.Validate()
}

// Transceiver writes requests to registry channels and frames the replies.
// It performs no retries.
type Transceiver struct {
	reg    *Registry
	framer *Framer
	hook   StateHook
	log    zerolog.Logger

	// allow tests to override pacing sleeps
	sleep func(ctx context.Context, d time.Duration) error
}

type TransceiverOption func(*Transceiver)

func WithFramer(f *Framer) TransceiverOption {
	return func(t *Transceiver) {
		if f != nil {
			t.framer = f
		}
	}
}

func WithStateHook(h StateHook) TransceiverOption {
	return func(t *Transceiver) { t.hook = h }
}

func WithTransceiverLogger(l zerolog.Logger) TransceiverOption {
	return func(t *Transceiver) { t.log = l }
}

func NewTransceiver(reg *Registry, opts ...TransceiverOption) *Transceiver {
	t := &Transceiver{
		reg:    reg,
		framer: NewFramer(),
		log:    zerolog.Nop(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transceiver) enter(id string, s State) {
	if t.hook != nil {
		t.hook(id, s)
	}
}

// SendAndReceive writes req.Payload to id and frames the response. A write
// failure ends the call with ErrWriteFailed before any reading.
func (t *Transceiver) SendAndReceive(ctx context.Context, id string, req TransceiveRequest) (FrameResult, error) {
	t.enter(id, StateIdle)
	h, err := t.reg.lookup(id)
	if err != nil {
		return FrameResult{}, err
	}
	if err = req.Validate(); err != nil {
		return FrameResult{}, fmt.Errorf("%s: %w", id, err)
	}

	t.enter(id, StateWriting)
	n, err := t.write(ctx, h, req.Payload, req.Pacing)
	t.reg.metrics.recordWrite(n, err)
	if err != nil {
		t.enter(id, StateWriteError)
		t.log.Warn().Str("channel", id).Int("written", n).Err(err).Msg("write_failed")
		return FrameResult{}, err
	}
	t.log.Debug().Str("channel", id).Int("bytes", n).Dur("pacing", req.Pacing).Msg("payload_written")

	return t.frame(ctx, h, req.Frame)
}

// Receive frames whatever id sends without writing first.
func (t *Transceiver) Receive(ctx context.Context, id string, p FrameParams) (FrameResult, error) {
	t.enter(id, StateIdle)
	h, err := t.reg.lookup(id)
	if err != nil {
		return FrameResult{}, err
	}
	return t.frame(ctx, h, p)
}

func (t *Transceiver) frame(ctx context.Context, h *Handle, p FrameParams) (FrameResult, error) {
	t.enter(h.id, StateWaitingFirstByte)
	res, err := t.framer.readUntilSilence(ctx, h, p, func() { t.enter(h.id, StateDraining) })
	return t.done(h.id, res, err)
}

// PollOnce waits up to maxWait for id to have bytes and reads them once.
func (t *Transceiver) PollOnce(ctx context.Context, id string, maxWait time.Duration) (FrameResult, error) {
	h, err := t.reg.lookup(id)
	if err != nil {
		return FrameResult{}, err
	}
	res, err := t.framer.PollOnce(ctx, h, maxWait)
	return t.done(id, res, err)
}

// ReadOnce reads id once, bounded by its configured read timeout.
func (t *Transceiver) ReadOnce(ctx context.Context, id string) (FrameResult, error) {
	h, err := t.reg.lookup(id)
	if err != nil {
		return FrameResult{}, err
	}
	res, err := t.framer.ReadOnce(ctx, h)
	return t.done(id, res, err)
}

func (t *Transceiver) done(id string, res FrameResult, err error) (FrameResult, error) {
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s: %w", id, err)
			t.reg.metrics.recordError(err)
		}
		t.log.Warn().Str("channel", id).Err(err).Msg("receive_failed")
		return FrameResult{}, err
	}
	t.reg.metrics.recordFrame(res)
	if s, ok := TerminalState(res, nil); ok {
		t.enter(id, s)
	}
	t.log.Debug().
		Str("channel", id).
		Stringer("reason", res.Reason()).
		Int("bytes", res.Len()).
		Dur("elapsed", res.Elapsed()).
		Msg("transceive_done")
	return res, nil
}

func (t *Transceiver) write(ctx context.Context, h *Handle, payload []byte, pacing time.Duration) (int, error) {
	if pacing <= 0 {
		n, err := writeAll(h, payload)
		if err != nil {
			return n, fmt.Errorf("%w: %s: %w", ErrWriteFailed, h.id, err)
		}
		if err = h.flush(); err != nil {
			return n, fmt.Errorf("%w: %s: flush: %w", ErrWriteFailed, h.id, err)
		}
		return n, nil
	}

	written := 0
	for i := range payload {
		if i > 0 {
			if err := t.sleep(ctx, pacing); err != nil {
				return written, fmt.Errorf("%w: %s: %w", ErrWriteFailed, h.id, err)
			}
		}
		n, err := h.write(payload[i : i+1])
		written += n
		if err == nil && n == 0 {
			err = errors.New("partial write: not all bytes written")
		}
		if err != nil {
			return written, fmt.Errorf("%w: %s: byte %d: %w", ErrWriteFailed, h.id, i, err)
		}
		if err = h.flush(); err != nil {
			return written, fmt.Errorf("%w: %s: flush: %w", ErrWriteFailed, h.id, err)
		}
	}
	return written, nil
}

// writeAll retries short writes and gives up when the transport makes no
// progress.
func writeAll(h *Handle, b []byte) (int, error) {
	const maxRetries = 3

	var totalWritten int
	for retries := 0; totalWritten < len(b) && retries < maxRetries; retries++ {
		n, err := h.write(b[totalWritten:])
		if err != nil {
			return totalWritten, err
		}
		totalWritten += n
		if n == 0 {
			// Prevent infinite loop if Write returns 0
			break
		}
	}
	if totalWritten < len(b) {
		return totalWritten, errors.New("partial write: not all bytes written")
	}
	return totalWritten, nil
}
