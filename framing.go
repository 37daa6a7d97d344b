package serialcomm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how long the framer sleeps between availability
// checks while the line is idle.
const DefaultPollInterval = time.Millisecond

// FrameParams controls silence-based framing. All durations must be
// non-negative.
type FrameParams struct {
	// InitialDelay is slept before the first availability check.
	InitialDelay time.Duration
	// Silence is how long the line must stay quiet after the last byte
	// before the frame counts as complete.
	Silence time.Duration
	// MaxWait bounds the whole attempt, measured from its start and
	// including InitialDelay.
	MaxWait time.Duration
}

func (p FrameParams) Validate() error {
	switch {
	case p.InitialDelay < 0:
		return fmt.Errorf("%w: initial delay cannot be negative: %v", ErrConfiguration, p.InitialDelay)
	case p.Silence < 0:
		return fmt.Errorf("%w: silence window cannot be negative: %v", ErrConfiguration, p.Silence)
	case p.MaxWait < 0:
		return fmt.Errorf("%w: max wait cannot be negative: %v", ErrConfiguration, p.MaxWait)
	}
	return nil
}

// Framer decides when an inbound byte stream is complete. It never looks at
// payload content. A Framer holds no per-call state and may be shared.
type Framer struct {
	pollInterval time.Duration
	maxFrameSize int
	log          zerolog.Logger

	// allow tests to override the clock
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type FramerOption func(*Framer)

func WithPollInterval(d time.Duration) FramerOption {
	return func(f *Framer) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithMaxFrameSize caps how many bytes one frame accumulates. Bytes past the
// cap are still drained from the line but discarded.
func WithMaxFrameSize(n int) FramerOption {
	return func(f *Framer) {
		if n > 0 {
			f.maxFrameSize = n
		}
	}
}

func WithFramerLogger(l zerolog.Logger) FramerOption {
	return func(f *Framer) { f.log = l }
}

func NewFramer(opts ...FramerOption) *Framer {
	f := &Framer{
		pollInterval: DefaultPollInterval,
		maxFrameSize: MaxFrameSize,
		log:          zerolog.Nop(),
		now:          time.Now,
		sleep:        sleepCtx,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func transportErr(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// ReadUntilSilence collects bytes until the line has been quiet for
// p.Silence after the last byte, or until p.MaxWait has passed since the
// call began. Running out of time with bytes in hand is not an error; the
// result's Reason tells the cases apart. Cancelling ctx aborts the wait with
// ctx.Err().
func (f *Framer) ReadUntilSilence(ctx context.Context, src Source, p FrameParams) (FrameResult, error) {
	return f.readUntilSilence(ctx, src, p, nil)
}

func (f *Framer) readUntilSilence(ctx context.Context, src Source, p FrameParams, firstByte func()) (FrameResult, error) {
	if err := p.Validate(); err != nil {
		return FrameResult{}, err
	}
	start := f.now()
	deadline := start.Add(p.MaxWait)

	if err := f.sleep(ctx, p.InitialDelay); err != nil {
		return FrameResult{}, err
	}
	n, err := f.waitFirst(ctx, src, deadline, true)
	if err != nil {
		return FrameResult{}, err
	}
	if n == 0 {
		return f.finish(nil, ReasonNoData, start), nil
	}
	if firstByte != nil {
		firstByte()
	}

	var data []byte
	var lastActivity time.Time
	for {
		if err := ctx.Err(); err != nil {
			return FrameResult{}, err
		}
		if n > 0 {
			if data, err = f.drain(src, n, data); err != nil {
				return FrameResult{}, err
			}
			lastActivity = f.now()
		}
		if n, err = src.Available(); err != nil {
			return FrameResult{}, transportErr(err)
		}
		now := f.now()
		switch {
		case n > 0 && !now.Before(deadline):
			// still streaming at the deadline; silence never came
			if data, err = f.drain(src, n, data); err != nil {
				return FrameResult{}, err
			}
			return f.finish(data, ReasonSilenceTimeout, start), nil
		case n > 0:
			continue
		case now.Sub(lastActivity) >= p.Silence:
			return f.finish(data, ReasonSettled, start), nil
		case !now.Before(deadline):
			return f.finish(data, ReasonMaxWait, start), nil
		}
		if err := f.sleep(ctx, f.pollInterval); err != nil {
			return FrameResult{}, err
		}
	}
}

// PollOnce waits up to maxWait for bytes to become available, then reads
// whatever is there in one pass.
func (f *Framer) PollOnce(ctx context.Context, src Source, maxWait time.Duration) (FrameResult, error) {
	if maxWait < 0 {
		return FrameResult{}, fmt.Errorf("%w: max wait cannot be negative: %v", ErrConfiguration, maxWait)
	}
	start := f.now()
	n, err := f.waitFirst(ctx, src, start.Add(maxWait), true)
	if err != nil {
		return FrameResult{}, err
	}
	if n == 0 {
		return f.finish(nil, ReasonNoData, start), nil
	}
	data, err := f.drain(src, n, nil)
	if err != nil {
		return FrameResult{}, err
	}
	return f.finish(data, ReasonSettled, start), nil
}

// ReadOnce performs a single read bounded only by the transport's own read
// timeout, then appends whatever else is already available. Sources without
// a timed read are polled without a deadline, so ctx or closing the channel
// are the only ways out.
func (f *Framer) ReadOnce(ctx context.Context, src Source) (FrameResult, error) {
	start := f.now()
	var data []byte

	if tr, ok := timedReader(src); ok {
		if err := ctx.Err(); err != nil {
			return FrameResult{}, err
		}
		buf := chunkPool.Get()
		n, err := tr.ReadTimeout(buf)
		data = append(data, buf[:n]...)
		chunkPool.Put(buf)
		if err != nil {
			return FrameResult{}, transportErr(err)
		}
	} else {
		n, err := f.waitFirst(ctx, src, time.Time{}, false)
		if err != nil {
			return FrameResult{}, err
		}
		if data, err = f.drain(src, n, nil); err != nil {
			return FrameResult{}, err
		}
	}
	if len(data) == 0 {
		return f.finish(nil, ReasonNoData, start), nil
	}

	n, err := src.Available()
	if err != nil {
		return FrameResult{}, transportErr(err)
	}
	if data, err = f.drain(src, n, data); err != nil {
		return FrameResult{}, err
	}
	return f.finish(data, ReasonSettled, start), nil
}

func timedReader(src Source) (TimedReader, bool) {
	tr, ok := src.(TimedReader)
	if !ok {
		return nil, false
	}
	// a Handle always has the method but only forwards it when its
	// transport supports it
	if h, ok := src.(interface{ timed() bool }); ok && !h.timed() {
		return nil, false
	}
	return tr, true
}

// waitFirst polls until bytes are available. With useDeadline it gives up
// once deadline has passed and returns 0.
func (f *Framer) waitFirst(ctx context.Context, src Source, deadline time.Time, useDeadline bool) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := src.Available()
		if err != nil {
			return 0, transportErr(err)
		}
		if n > 0 {
			return n, nil
		}
		if useDeadline && !f.now().Before(deadline) {
			return 0, nil
		}
		if err := f.sleep(ctx, f.pollInterval); err != nil {
			return 0, err
		}
	}
}

// drain reads n announced bytes in pooled chunks and appends them to acc,
// dropping anything past the frame size cap.
func (f *Framer) drain(src Source, n int, acc []byte) ([]byte, error) {
	buf := chunkPool.Get()
	defer chunkPool.Put(buf)
	for n > 0 {
		want := min(n, len(buf))
		got, err := src.Read(buf[:want])
		if got > 0 {
			room := f.maxFrameSize - len(acc)
			if room < got {
				f.log.Warn().Int("limit", f.maxFrameSize).Int("dropped", got-max(room, 0)).Msg("frame_overflow")
			}
			if room > 0 {
				acc = append(acc, buf[:min(got, room)]...)
			}
		}
		if err != nil {
			return acc, transportErr(err)
		}
		if got == 0 {
			break
		}
		n -= got
	}
	return acc, nil
}

func (f *Framer) finish(data []byte, reason Reason, start time.Time) FrameResult {
	res := NewFrameResult(data, reason, f.now().Sub(start))
	f.log.Debug().
		Stringer("reason", reason).
		Int("bytes", res.Len()).
		Dur("elapsed", res.Elapsed()).
		Msg("frame_done")
	return res
}
