package serialcomm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Handle owns the transport of one open channel.
type Handle struct {
	id       string
	cfg      Config
	t        Transport
	openedAt time.Time

	closed atomic.Bool
	// stale is set when the transport reported that the device went away.
	stale atomic.Bool
}

func (h *Handle) ID() string          { return h.id }
func (h *Handle) Config() Config      { return h.cfg }
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Open reports whether the handle is still usable.
func (h *Handle) Open() bool {
	return !h.closed.Load() && !h.stale.Load()
}

// Available implements Source. It fails with ErrClosed once the handle is
// closed, which is how a Close from another goroutine ends an in-flight wait.
func (h *Handle) Available() (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	n, err := h.t.Available()
	if err != nil {
		h.noteErr(err)
		return 0, err
	}
	return n, nil
}

func (h *Handle) Read(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	n, err := h.t.Read(p)
	if err != nil {
		h.noteErr(err)
	}
	return n, err
}

// ReadTimeout implements TimedReader when the transport does.
func (h *Handle) ReadTimeout(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	tr, ok := h.t.(TimedReader)
	if !ok {
		return 0, fmt.Errorf("%w: transport has no timed read", ErrConfiguration)
	}
	n, err := tr.ReadTimeout(p)
	if err != nil {
		h.noteErr(err)
	}
	return n, err
}

func (h *Handle) timed() bool {
	_, ok := h.t.(TimedReader)
	return ok
}

func (h *Handle) write(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	n, err := h.t.Write(p)
	if err != nil {
		h.noteErr(err)
	}
	return n, err
}

func (h *Handle) flush() error {
	if h.closed.Load() {
		return ErrClosed
	}
	err := h.t.Flush()
	if err != nil {
		h.noteErr(err)
	}
	return err
}

// noteErr marks the handle stale when the error means the device is gone.
func (h *Handle) noteErr(err error) {
	if isGone(err) {
		h.stale.Store(true)
	}
}

func isGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, ErrClosed)
}

// Registry maps channel ids to open handles and owns their lifecycle. At
// most one open handle exists per id. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	open    OpenFunc
	log     zerolog.Logger
	metrics *Metrics
}

type Option func(*Registry)

// WithOpener replaces the default go.bug.st/serial driver.
func WithOpener(fn OpenFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.open = fn
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }
func WithMetrics(m *Metrics) Option      { return func(r *Registry) { r.metrics = m } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handles: make(map[string]*Handle),
		open:    OpenBugst,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open acquires a transport for id. It fails with ErrAlreadyOpen while id
// maps to an open handle and with ErrOpenFailed when the transport cannot be
// acquired; in both cases any existing entry is left as it was.
func (r *Registry) Open(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		r.metrics.recordOpen(err)
		return fmt.Errorf("open %s: %w", id, err)
	}
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[id]; ok && h.Open() {
		err := fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
		r.metrics.recordOpen(err)
		return err
	}

	t, err := r.open(id, cfg)
	if err != nil {
		if !errors.Is(err, ErrOpenFailed) && !errors.Is(err, ErrConfiguration) {
			err = fmt.Errorf("%w: %s: %w", ErrOpenFailed, id, err)
		}
		r.metrics.recordOpen(err)
		r.log.Warn().Str("channel", id).Err(err).Msg("channel_open_failed")
		return err
	}

	if prev, ok := r.handles[id]; ok {
		// stale entry: the device is gone but the transport was never released
		prev.closed.Store(true)
		if cerr := prev.t.Close(); cerr != nil {
			r.log.Debug().Str("channel", id).Err(cerr).Msg("stale_channel_release")
		}
		r.metrics.recordClose(nil)
	}
	r.handles[id] = &Handle{id: id, cfg: cfg, t: t, openedAt: time.Now()}
	r.metrics.recordOpen(nil)
	r.log.Info().
		Str("channel", id).
		Stringer("baud", cfg.BaudRate).
		Str("format", fmt.Sprintf("%s%s%g", cfg.DataBits, cfg.Parity, cfg.StopBits.Float())).
		Stringer("flow", cfg.FlowControl).
		Msg("channel_open")
	return nil
}

// Close removes id and releases its transport. The entry is removed even if
// the release fails; such errors are logged, not returned.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	if err := r.release(h); err != nil {
		r.log.Warn().Str("channel", id).Err(err).Msg("channel_close_error")
	}
	return nil
}

// CloseAll closes every channel, attempting each release regardless of
// earlier failures. The registry is empty afterwards. A non-nil error is a
// *CloseAllError naming each channel whose release failed.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	failures := make(map[string]error)
	for _, id := range ids {
		if err := r.release(handles[id]); err != nil {
			r.log.Warn().Str("channel", id).Err(err).Msg("channel_close_error")
			failures[id] = err
		}
	}
	if len(failures) > 0 {
		return &CloseAllError{Failures: failures}
	}
	return nil
}

func (r *Registry) release(h *Handle) error {
	h.closed.Store(true)
	err := h.t.Close()
	if err != nil {
		err = fmt.Errorf("%w: close %s: %w", ErrTransport, h.id, err)
	}
	r.metrics.recordClose(err)
	r.log.Info().Str("channel", h.id).Dur("uptime", time.Since(h.openedAt)).Msg("channel_closed")
	return err
}

// IsOpen reports whether id maps to an open handle. Unknown ids are false.
func (r *Registry) IsOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return ok && h.Open()
}

// IDs lists the open channel ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id, h := range r.handles {
		if h.Open() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Config returns the configuration id was opened with.
func (r *Registry) Config(id string) (Config, bool) {
	h, err := r.lookup(id)
	if err != nil {
		return Config{}, false
	}
	return h.cfg, true
}

// Len counts registry entries, including stale ones.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Handle returns the open handle for id.
func (r *Registry) Handle(id string) (*Handle, error) {
	return r.lookup(id)
}

func (r *Registry) lookup(id string) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok || !h.Open() {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	return h, nil
}
