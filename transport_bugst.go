package serialcomm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gobug "go.bug.st/serial"
)

// bugstPort is the subset of gobug.Port the driver uses.
type bugstPort interface {
	SetReadTimeout(timeout time.Duration) error
	SetDTR(bool) error
	SetRTS(bool) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Drain() error
	Close() error
}

// allow tests to override external dependencies
var openBugstPort = func(name string, mode *gobug.Mode) (bugstPort, error) { return gobug.Open(name, mode) }

// bugstTransport adapts go.bug.st/serial. That library has no input queue
// query, so Available performs a zero-timeout read into a pending buffer that
// later Reads drain first.
type bugstTransport struct {
	mu      sync.Mutex
	port    bugstPort
	pending []byte
	// timeout currently programmed into the port
	timeout     time.Duration
	readTimeout time.Duration
}

// OpenBugst opens id with go.bug.st/serial. Hardware flow control asserts
// the matching output lines; software flow control is not supported by the
// library and is rejected.
func OpenBugst(id string, cfg Config) (Transport, error) {
	if err := checkPortName(id); err != nil {
		return nil, err
	}
	mode, err := bugstMode(cfg)
	if err != nil {
		return nil, err
	}
	p, err := openBugstPort(id, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, id, err)
	}

	t := &bugstTransport{port: p, timeout: gobug.NoTimeout, readTimeout: gobug.NoTimeout}
	if cfg.ReadTimeout != nil {
		t.readTimeout = *cfg.ReadTimeout
	}
	if err = t.setTimeout(0); err == nil {
		switch cfg.FlowControl {
		case FlowRTSCTS:
			err = p.SetRTS(true)
		case FlowDSRDTR:
			err = p.SetDTR(true)
		}
	}
	if err != nil {
		if cerr := p.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, id, err)
	}
	return t, nil
}

func bugstMode(cfg Config) (*gobug.Mode, error) {
	mode := &gobug.Mode{
		BaudRate: cfg.BaudRate.Int(),
		DataBits: cfg.DataBits.Int(),
	}
	switch cfg.Parity {
	case ParityNone:
		mode.Parity = gobug.NoParity
	case ParityOdd:
		mode.Parity = gobug.OddParity
	case ParityEven:
		mode.Parity = gobug.EvenParity
	case ParityMark:
		mode.Parity = gobug.MarkParity
	case ParitySpace:
		mode.Parity = gobug.SpaceParity
	default:
		return nil, fmt.Errorf("%w: invalid parity value: %d", ErrConfiguration, int(cfg.Parity))
	}
	switch cfg.StopBits {
	case StopBits1:
		mode.StopBits = gobug.OneStopBit
	case StopBits1Half:
		mode.StopBits = gobug.OnePointFiveStopBits
	case StopBits2:
		mode.StopBits = gobug.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits must be 1, 1.5, or 2, got: %v", ErrConfiguration, cfg.StopBits.Float())
	}
	if cfg.FlowControl == FlowSoftware {
		return nil, fmt.Errorf("%w: software flow control is not supported by the bugst driver", ErrConfiguration)
	}
	return mode, nil
}

func (t *bugstTransport) setTimeout(d time.Duration) error {
	if t.timeout == d {
		return nil
	}
	if err := t.port.SetReadTimeout(d); err != nil {
		return err
	}
	t.timeout = d
	return nil
}

func (t *bugstTransport) Available() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= readChunkSize {
		return len(t.pending), nil
	}
	if err := t.setTimeout(0); err != nil {
		return 0, bugstErr(err)
	}
	buf := chunkPool.Get()
	defer chunkPool.Put(buf)
	n, err := t.port.Read(buf)
	if n > 0 {
		t.pending = append(t.pending, buf[:n]...)
	}
	if err != nil {
		return len(t.pending), bugstErr(err)
	}
	return len(t.pending), nil
}

func (t *bugstTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		return t.takePending(p), nil
	}
	if err := t.setTimeout(0); err != nil {
		return 0, bugstErr(err)
	}
	n, err := t.port.Read(p)
	return n, bugstErr(err)
}

// ReadTimeout blocks for the configured read timeout, or until data when
// none was configured.
func (t *bugstTransport) ReadTimeout(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		return t.takePending(p), nil
	}
	if err := t.setTimeout(t.readTimeout); err != nil {
		return 0, bugstErr(err)
	}
	n, err := t.port.Read(p)
	return n, bugstErr(err)
}

func (t *bugstTransport) takePending(p []byte) int {
	n := copy(p, t.pending)
	t.pending = t.pending[:copy(t.pending, t.pending[n:])]
	return n
}

func (t *bugstTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	return n, bugstErr(err)
}

func (t *bugstTransport) Flush() error {
	return bugstErr(t.port.Drain())
}

func (t *bugstTransport) Close() error {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	return t.port.Close()
}

// bugstErr marks a port the library reports as closed so the handle can be
// considered gone.
func bugstErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *gobug.PortError
	if errors.As(err, &pe) && pe.Code() == gobug.PortClosed {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
