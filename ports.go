package serialcomm

import (
	"fmt"
	"strings"

	gobug "go.bug.st/serial"
)

// allow tests to override external dependencies
var getPortsList = gobug.GetPortsList

// AvailablePorts lists the serial devices the OS currently reports.
func AvailablePorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: listing ports: %w", ErrTransport, err)
	}
	return ports, nil
}

func checkPortName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty device path", ErrConfiguration)
	}
	// Security: Prevent path traversal attacks
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid port name %q: contains path traversal", ErrConfiguration, name)
	}
	if !isValidPortPattern(name) {
		return fmt.Errorf("%w: port name doesn't match expected pattern: %s", ErrConfiguration, name)
	}
	return nil
}

func isValidPortPattern(name string) bool {
	// Windows: COM1-COM999 (must have at least one digit after COM)
	if strings.HasPrefix(name, "COM") && len(name) >= 4 && len(name) <= 6 {
		return true
	}
	// Unix/Linux: /dev/tty*, pseudo terminals, udev symlinks; macOS: /dev/cu*
	for _, prefix := range unixPortPrefixes {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

var unixPortPrefixes = []string{"/dev/tty", "/dev/cu", "/dev/pts/", "/dev/serial/", "/dev/rfcomm"}
