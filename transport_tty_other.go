//go:build !linux

package serialcomm

import "fmt"

// OpenTTY is only available on Linux; use OpenBugst elsewhere.
func OpenTTY(id string, _ Config) (Transport, error) {
	return nil, fmt.Errorf("%w: %s: the tty driver requires linux", ErrOpenFailed, id)
}
