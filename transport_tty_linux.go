//go:build linux

package serialcomm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

var ttySpeeds = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

var ttyDataBits = map[DataBits]uint32{
	DataBits5: unix.CS5,
	DataBits6: unix.CS6,
	DataBits7: unix.CS7,
	DataBits8: unix.CS8,
}

// ttyTransport drives a Linux tty directly through termios. The kernel input
// queue length (TIOCINQ) backs Available, so no bytes are read ahead.
type ttyTransport struct {
	fd          int
	readTimeout *time.Duration
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// OpenTTY opens id as a raw Linux tty.
func OpenTTY(id string, cfg Config) (Transport, error) {
	if err := checkPortName(id); err != nil {
		return nil, err
	}
	fd, err := unix.Open(id, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, id, err)
	}
	if err = configureTTY(fd, cfg); err == nil {
		// O_NONBLOCK was only needed so open does not wait for carrier.
		err = unix.SetNonblock(fd, false)
	}
	if err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, id, err)
	}
	return &ttyTransport{fd: fd, readTimeout: cfg.ReadTimeout}, nil
}

func configureTTY(fd int, cfg Config) error {
	speed, ok := ttySpeeds[cfg.BaudRate.Int()]
	if !ok {
		return fmt.Errorf("%w: baud rate %d is not a standard termios speed", ErrConfiguration, cfg.BaudRate.Int())
	}
	size, ok := ttyDataBits[cfg.DataBits]
	if !ok {
		return fmt.Errorf("%w: data bits must be 5-8, got: %d", ErrConfiguration, cfg.DataBits.Int())
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode: disable all terminal processing.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY | unix.INPCK
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CMSPAR | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= size | speed | unix.CLOCAL | unix.CREAD
	t.Ispeed = speed
	t.Ospeed = speed

	switch cfg.Parity {
	case ParityNone:
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityMark:
		t.Cflag |= unix.PARENB | unix.CMSPAR | unix.PARODD
	case ParitySpace:
		t.Cflag |= unix.PARENB | unix.CMSPAR
	default:
		return fmt.Errorf("%w: invalid parity value: %d", ErrConfiguration, int(cfg.Parity))
	}
	if cfg.Parity != ParityNone {
		t.Iflag |= unix.INPCK
	}

	switch cfg.StopBits {
	case StopBits1:
	case StopBits2:
		t.Cflag |= unix.CSTOPB
	default:
		return fmt.Errorf("%w: %v stop bits are not supported by the tty driver", ErrConfiguration, cfg.StopBits.Float())
	}

	switch cfg.FlowControl {
	case FlowSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
	case FlowRTSCTS:
		t.Cflag |= unix.CRTSCTS
	}

	// Reads never block in the kernel; waiting is done with poll.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	if cfg.FlowControl == FlowDSRDTR {
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, unix.TIOCM_DTR); err != nil {
			return fmt.Errorf("assert DTR: %w", err)
		}
	}
	return nil
}

func (t *ttyTransport) check() error {
	if t.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (t *ttyTransport) Available() (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	n, err := unix.IoctlGetInt(t.fd, unix.TIOCINQ)
	return n, ttyErr(err)
}

func (t *ttyTransport) Read(p []byte) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	for {
		n, err := unix.Read(t.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, ttyErr(err)
	}
}

// ReadTimeout waits with poll(2) for the configured read timeout, or
// indefinitely when none was configured, then reads what is there.
func (t *ttyTransport) ReadTimeout(p []byte) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	ms := -1
	if t.readTimeout != nil {
		ms = int(t.readTimeout.Milliseconds())
	}
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, ttyErr(err)
		}
		if n == 0 {
			return 0, nil
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			return 0, fmt.Errorf("%w: device hung up", ErrClosed)
		}
		return t.Read(p)
	}
}

func (t *ttyTransport) Write(p []byte) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	for {
		n, err := unix.Write(t.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, ttyErr(err)
	}
}

// Flush waits until the output queue has been transmitted (tcdrain).
func (t *ttyTransport) Flush() error {
	if err := t.check(); err != nil {
		return err
	}
	return ttyErr(unix.IoctlSetInt(t.fd, unix.TCSBRK, 1))
}

func (t *ttyTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = unix.Close(t.fd)
	})
	return t.closeErr
}

// ttyErr maps errors meaning the device is gone onto ErrClosed.
func ttyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EIO) || errors.Is(err, unix.ENXIO) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
