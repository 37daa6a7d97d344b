package serialcomm

import (
	"fmt"
	"strings"
)

// Source is the read side of a transport as seen by the framing engine.
type Source interface {
	// Available reports how many bytes can be read without blocking.
	Available() (int, error)
	// Read reads up to len(p) bytes. It does not block once Available has
	// reported data.
	Read(p []byte) (int, error)
}

// Transport is the byte-level capability behind one open channel.
type Transport interface {
	Source
	Write(p []byte) (int, error)
	// Flush blocks until written bytes have left the output buffer.
	Flush() error
	Close() error
}

// TimedReader is implemented by transports that offer a blocking read
// bounded by the channel's configured read timeout. A zero return with a nil
// error means the timeout elapsed.
type TimedReader interface {
	ReadTimeout(p []byte) (int, error)
}

// OpenFunc acquires a transport for the named channel.
type OpenFunc func(id string, cfg Config) (Transport, error)

// DriverByName returns the opener for a driver name: "bugst" (default),
// "tarm" or "tty".
func DriverByName(name string) (OpenFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bugst":
		return OpenBugst, nil
	case "tarm":
		return OpenTarm, nil
	case "tty":
		return OpenTTY, nil
	}
	return nil, fmt.Errorf("%w: unknown driver %q (use bugst|tarm|tty)", ErrConfiguration, name)
}
