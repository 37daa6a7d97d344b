package serialcomm

import (
	"fmt"
	"strconv"
	"strings"
)

type StopBits float64

func (sb StopBits) Float() float64 {
	return float64(sb)
}

const (
	// StopBits1 represents 1 stop bit
	StopBits1 StopBits = 1
	// StopBits1Half represents 1.5 stop bits
	StopBits1Half StopBits = 1.5
	// StopBits2 represents 2 stop bits
	StopBits2 StopBits = 2
)

func (sb StopBits) valid() bool {
	return sb == StopBits1 || sb == StopBits1Half || sb == StopBits2
}

// ParseStopBits accepts "1", "1.5" and "2".
func ParseStopBits(s string) (StopBits, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || !StopBits(f).valid() {
		return 0, fmt.Errorf("%w: unsupported stop bits %q (use 1, 1.5 or 2)", ErrConfiguration, s)
	}
	return StopBits(f), nil
}
