package serialcomm

import (
	"fmt"
	"strings"
)

type FlowControl int

const (
	FlowNone FlowControl = iota
	// FlowSoftware is XON/XOFF.
	FlowSoftware
	FlowRTSCTS
	FlowDSRDTR
)

func (f FlowControl) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowSoftware:
		return "software"
	case FlowRTSCTS:
		return "rtscts"
	case FlowDSRDTR:
		return "dsrdtr"
	}
	return fmt.Sprintf("FlowControl(%d)", int(f))
}

func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FlowNone, nil
	case "software", "xonxoff":
		return FlowSoftware, nil
	case "rtscts", "hardware":
		return FlowRTSCTS, nil
	case "dsrdtr":
		return FlowDSRDTR, nil
	}
	return FlowNone, fmt.Errorf("%w: unsupported flow control %q (use none|software|rtscts|dsrdtr)", ErrConfiguration, s)
}
