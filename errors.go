package serialcomm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotOpen       = errors.New("serial: channel not open")
	ErrAlreadyOpen   = errors.New("serial: channel already open")
	ErrOpenFailed    = errors.New("serial: open failed")
	ErrWriteFailed   = errors.New("serial: write failed")
	ErrDecodeFailed  = errors.New("serial: decode failed")
	ErrTransport     = errors.New("serial: transport failure")
	ErrConfiguration = errors.New("serial: configuration error")

	// ErrClosed is reported when a channel is closed underneath an in-flight
	// operation. It is always wrapped together with ErrTransport.
	ErrClosed = errors.New("serial: channel closed")
)

// CloseAllError reports every channel whose release failed during
// Registry.CloseAll. All listed channels have already been removed.
type CloseAllError struct {
	Failures map[string]error
}

// IDs returns the failed channel ids in sorted order.
func (e *CloseAllError) IDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *CloseAllError) Error() string {
	ids := e.IDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return "serial: errors closing channels: " + strings.Join(parts, "; ")
}

func (e *CloseAllError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, id := range e.IDs() {
		errs = append(errs, e.Failures[id])
	}
	return errs
}

// errorLabel maps wrapped sentinel errors to stable metrics labels.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotOpen):
		return "not_open"
	case errors.Is(err, ErrAlreadyOpen):
		return "already_open"
	case errors.Is(err, ErrOpenFailed):
		return "open"
	case errors.Is(err, ErrWriteFailed):
		return "write"
	case errors.Is(err, ErrDecodeFailed):
		return "decode"
	case errors.Is(err, ErrConfiguration):
		return "config"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
