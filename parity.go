package serialcomm

import (
	"fmt"
	"strings"
)

type Parity int

const (
	// ParityNone represents no parity bit
	ParityNone Parity = iota
	// ParityOdd represents odd parity bit
	ParityOdd
	// ParityEven represents even parity bit
	ParityEven
	// ParityMark represents mark parity bit (always 1)
	ParityMark
	// ParitySpace represents space parity bit (always 0)
	ParitySpace
)

func (pa Parity) String() string {
	switch pa {
	case ParityNone:
		return "N"
	case ParityOdd:
		return "O"
	case ParityEven:
		return "E"
	case ParityMark:
		return "M"
	case ParitySpace:
		return "S"
	}
	return fmt.Sprintf("Parity(%d)", int(pa))
}

// ParseParity accepts the single-letter selectors N, E, O, M and S as well as
// their spelled-out names.
func ParseParity(s string) (Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "N", "NONE", "":
		return ParityNone, nil
	case "O", "ODD":
		return ParityOdd, nil
	case "E", "EVEN":
		return ParityEven, nil
	case "M", "MARK":
		return ParityMark, nil
	case "S", "SPACE":
		return ParitySpace, nil
	}
	return ParityNone, fmt.Errorf("%w: unsupported parity %q (use N,E,O,M,S)", ErrConfiguration, s)
}
