package serialcomm

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tarm "github.com/tarm/serial"
)

// tarmPoll is the shortest read timeout tarm/serial can program (one VTIME
// decisecond). Every read on a tarm port blocks at most this long.
const tarmPoll = 100 * time.Millisecond

type tarmPort interface {
	io.ReadWriteCloser
}

// allow tests to override external dependencies
var openTarmPort = func(c *tarm.Config) (tarmPort, error) { return tarm.OpenPort(c) }

// tarmTransport adapts tarm/serial, which only offers blocking reads with a
// decisecond timeout. Available therefore costs up to tarmPoll when the line
// is idle.
type tarmTransport struct {
	mu          sync.Mutex
	port        tarmPort
	pending     []byte
	readTimeout *time.Duration
	now         func() time.Time
}

// OpenTarm opens id with tarm/serial. The library supports neither flow
// control nor mark/space parity nor 1.5 stop bits on POSIX systems.
func OpenTarm(id string, cfg Config) (Transport, error) {
	if err := checkPortName(id); err != nil {
		return nil, err
	}
	c, err := tarmConfig(id, cfg)
	if err != nil {
		return nil, err
	}
	p, err := openTarmPort(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, id, err)
	}
	return &tarmTransport{port: p, readTimeout: cfg.ReadTimeout, now: time.Now}, nil
}

func tarmConfig(id string, cfg Config) (*tarm.Config, error) {
	c := &tarm.Config{
		Name:        id,
		Baud:        cfg.BaudRate.Int(),
		ReadTimeout: tarmPoll,
		Size:        byte(cfg.DataBits.Int()),
	}
	switch cfg.Parity {
	case ParityNone:
		c.Parity = tarm.ParityNone
	case ParityOdd:
		c.Parity = tarm.ParityOdd
	case ParityEven:
		c.Parity = tarm.ParityEven
	default:
		return nil, fmt.Errorf("%w: parity %s is not supported by the tarm driver", ErrConfiguration, cfg.Parity)
	}
	switch cfg.StopBits {
	case StopBits1:
		c.StopBits = tarm.Stop1
	case StopBits2:
		c.StopBits = tarm.Stop2
	default:
		return nil, fmt.Errorf("%w: %v stop bits are not supported by the tarm driver", ErrConfiguration, cfg.StopBits.Float())
	}
	if cfg.FlowControl != FlowNone {
		return nil, fmt.Errorf("%w: flow control %s is not supported by the tarm driver", ErrConfiguration, cfg.FlowControl)
	}
	return c, nil
}

// read performs one bounded read. A timeout surfaces from tarm as io.EOF.
func (t *tarmTransport) read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (t *tarmTransport) Available() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		return len(t.pending), nil
	}
	buf := chunkPool.Get()
	defer chunkPool.Put(buf)
	n, err := t.read(buf)
	if n > 0 {
		t.pending = append(t.pending, buf[:n]...)
	}
	return len(t.pending), err
}

func (t *tarmTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		n := copy(p, t.pending)
		t.pending = t.pending[:copy(t.pending, t.pending[n:])]
		return n, nil
	}
	return t.read(p)
}

// ReadTimeout repeats bounded reads until data arrives or the configured
// read timeout elapses. Without a configured timeout it waits for data.
func (t *tarmTransport) ReadTimeout(p []byte) (int, error) {
	var deadline time.Time
	if t.readTimeout != nil {
		deadline = t.now().Add(*t.readTimeout)
	}
	for {
		n, err := t.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if !deadline.IsZero() && !t.now().Before(deadline) {
			return 0, nil
		}
	}
}

func (t *tarmTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

// Flush is a no-op: tarm writes go straight to the file descriptor and the
// library exposes no drain.
func (t *tarmTransport) Flush() error {
	return nil
}

func (t *tarmTransport) Close() error {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	return t.port.Close()
}
