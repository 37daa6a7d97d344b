package serialcomm

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Station-Manager/serialcomm/internal/simport"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var testConfig = Config{BaudRate: Baud9600}

// simDevices hands out simulated ports by id and counts opener calls.
type simDevices struct {
	mu    sync.Mutex
	ports map[string]*simport.Port
	calls atomic.Int64
}

func newSimDevices(ids ...string) *simDevices {
	d := &simDevices{ports: make(map[string]*simport.Port)}
	for _, id := range ids {
		d.ports[id] = simport.New()
	}
	return d
}

func (d *simDevices) port(id string) *simport.Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[id]
}

// plug replaces the device behind id, as if it was unplugged and reattached.
func (d *simDevices) plug(id string) *simport.Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := simport.New()
	d.ports[id] = p
	return p
}

func (d *simDevices) open(id string, _ Config) (Transport, error) {
	d.calls.Inc()
	p := d.port(id)
	if p == nil {
		return nil, errors.New("no such file or directory")
	}
	return p, nil
}

func newTestRegistry(t *testing.T, d *simDevices, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(append([]Option{WithOpener(d.open)}, opts...)...)
}

func TestRegistry_OpenAndIsOpen(t *testing.T) {
	d := newSimDevices("/dev/ttyUSB0")
	r := newTestRegistry(t, d)

	if r.IsOpen("/dev/ttyUSB0") {
		t.Fatal("unknown id should not be open")
	}
	if err := r.Open("/dev/ttyUSB0", testConfig); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !r.IsOpen("/dev/ttyUSB0") {
		t.Fatal("expected channel to be open")
	}
	cfg, ok := r.Config("/dev/ttyUSB0")
	if !ok || cfg.DataBits != DataBits8 || cfg.StopBits != StopBits1 {
		t.Fatalf("Config() = %+v, %v", cfg, ok)
	}
}

func TestRegistry_DuplicateOpenKeepsFirstHandle(t *testing.T) {
	d := newSimDevices("a")
	r := newTestRegistry(t, d)

	if err := r.Open("a", testConfig); err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, err := r.Handle("a")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	err = r.Open("a", Config{BaudRate: Baud115200})
	if !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	if d.calls.Load() != 1 {
		t.Fatalf("second open must not reach the transport, opener called %d times", d.calls.Load())
	}
	second, _ := r.Handle("a")
	if first != second || !first.Open() {
		t.Fatal("first handle must remain the registered, open handle")
	}
	if cfg, _ := r.Config("a"); cfg.BaudRate != Baud9600 {
		t.Fatalf("config changed to %v", cfg.BaudRate)
	}
	if d.port("a").Closed() {
		t.Fatal("first transport must not be released")
	}
}

func TestRegistry_OpenFailure(t *testing.T) {
	d := newSimDevices()
	r := newTestRegistry(t, d)

	err := r.Open("/dev/missing", testConfig)
	if !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "no such file") {
		t.Fatalf("cause should be wrapped, got %v", err)
	}
	if r.IsOpen("/dev/missing") || r.Len() != 0 {
		t.Fatal("failed open must not leave an entry")
	}
}

func TestRegistry_InvalidConfigSkipsTransport(t *testing.T) {
	d := newSimDevices("a")
	r := newTestRegistry(t, d)

	err := r.Open("a", Config{BaudRate: 9600, DataBits: 9})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if d.calls.Load() != 0 {
		t.Fatal("transport must not be touched for an invalid config")
	}
}

func TestRegistry_Close(t *testing.T) {
	d := newSimDevices("a")
	r := newTestRegistry(t, d)
	if err := r.Open("a", testConfig); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Close("a"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.IsOpen("a") || r.Len() != 0 {
		t.Fatal("closed channel still registered")
	}
	if !d.port("a").Closed() {
		t.Fatal("transport not released")
	}
	if err := r.Close("a"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("second close: expected ErrNotOpen, got %v", err)
	}
}

func TestRegistry_CloseSwallowsReleaseError(t *testing.T) {
	d := newSimDevices("a")
	d.port("a").FailClose(errors.New("device busy"))
	var logBuf bytes.Buffer
	r := newTestRegistry(t, d, WithLogger(zerolog.New(&logBuf)))
	if err := r.Open("a", testConfig); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Close("a"); err != nil {
		t.Fatalf("release failure must not surface from Close, got %v", err)
	}
	if r.IsOpen("a") || r.Len() != 0 {
		t.Fatal("entry must be removed even when release fails")
	}
	if !strings.Contains(logBuf.String(), "channel_close_error") || !strings.Contains(logBuf.String(), "device busy") {
		t.Fatalf("release failure not logged: %s", logBuf.String())
	}
}

func TestRegistry_CloseAllAggregatesFailures(t *testing.T) {
	d := newSimDevices("a", "b", "c")
	d.port("b").FailClose(errors.New("io timeout"))
	m := NewMetrics("test")
	r := newTestRegistry(t, d, WithMetrics(m))
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Open(id, testConfig); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
	}

	err := r.CloseAll()
	var agg *CloseAllError
	if !errors.As(err, &agg) {
		t.Fatalf("expected *CloseAllError, got %v", err)
	}
	if ids := agg.IDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("failures should name only b, got %v", ids)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("aggregate should match ErrTransport: %v", err)
	}
	if !strings.Contains(err.Error(), "io timeout") {
		t.Fatalf("cause missing from message: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if r.IsOpen(id) {
			t.Fatalf("%s still open", id)
		}
		if !d.port(id).Closed() {
			t.Fatalf("%s release was not attempted", id)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty: %d", r.Len())
	}
	if m.OpenChannels.Load() != 0 || m.CloseErrors.Load() != 1 {
		t.Fatalf("metrics: open=%d closeErrors=%d", m.OpenChannels.Load(), m.CloseErrors.Load())
	}
}

func TestRegistry_CloseAllClean(t *testing.T) {
	d := newSimDevices("a", "b")
	r := newTestRegistry(t, d)
	_ = r.Open("a", testConfig)
	_ = r.Open("b", testConfig)
	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll on empty registry: %v", err)
	}
}

func TestRegistry_StaleHandleCanBeReplaced(t *testing.T) {
	d := newSimDevices("a")
	r := newTestRegistry(t, d)
	if err := r.Open("a", testConfig); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h, _ := r.Handle("a")

	// device disappears underneath the handle
	_ = d.port("a").Close()
	if _, err := h.Available(); err == nil {
		t.Fatal("expected error from vanished device")
	}
	if r.IsOpen("a") {
		t.Fatal("stale handle must not report open")
	}
	if _, err := r.Handle("a"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("lookup of stale handle: expected ErrNotOpen, got %v", err)
	}

	fresh := d.plug("a")
	if err := r.Open("a", testConfig); err != nil {
		t.Fatalf("reopen after stale: %v", err)
	}
	h2, err := r.Handle("a")
	if err != nil || h2 == h {
		t.Fatalf("expected a new handle, got %v", err)
	}
	if fresh.Closed() {
		t.Fatal("new transport closed")
	}
}

func TestRegistry_IDsSorted(t *testing.T) {
	d := newSimDevices("c", "a", "b")
	r := newTestRegistry(t, d)
	for _, id := range []string{"c", "a", "b"} {
		_ = r.Open(id, testConfig)
	}
	ids := r.IDs()
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("IDs() = %v", ids)
	}
}

func TestRegistry_IndependentInstances(t *testing.T) {
	d1 := newSimDevices("a")
	d2 := newSimDevices("a")
	r1 := newTestRegistry(t, d1)
	r2 := newTestRegistry(t, d2)

	if err := r1.Open("a", testConfig); err != nil {
		t.Fatalf("r1.Open: %v", err)
	}
	if err := r2.Open("a", testConfig); err != nil {
		t.Fatalf("r2.Open: %v", err)
	}
	_ = r1.Close("a")
	if !r2.IsOpen("a") {
		t.Fatal("registries must not share state")
	}
}

func TestRegistry_ConcurrentOpenSameID(t *testing.T) {
	d := newSimDevices("a")
	r := newTestRegistry(t, d)

	const n = 20
	var wg sync.WaitGroup
	var ok, already atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Open("a", testConfig)
			switch {
			case err == nil:
				ok.Inc()
			case errors.Is(err, ErrAlreadyOpen):
				already.Inc()
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || already.Load() != n-1 {
		t.Fatalf("expected exactly one successful open, got ok=%d already=%d", ok.Load(), already.Load())
	}
}

func TestRegistry_OperationsAfterClose(t *testing.T) {
	d := newSimDevices("a")
	r := newTestRegistry(t, d)
	_ = r.Open("a", testConfig)
	h, _ := r.Handle("a")
	_ = r.Close("a")

	if _, err := h.Available(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Available after close: expected ErrClosed, got %v", err)
	}
	if _, err := h.Read(make([]byte, 4)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after close: expected ErrClosed, got %v", err)
	}
	if _, err := h.write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: expected ErrClosed, got %v", err)
	}
}

func TestRegistry_OpenLogsLineSettings(t *testing.T) {
	d := newSimDevices("a")
	var logBuf bytes.Buffer
	r := newTestRegistry(t, d, WithLogger(zerolog.New(&logBuf)))
	if err := r.Open("a", Config{BaudRate: Baud19200, Parity: ParityEven, StopBits: StopBits1Half, DataBits: DataBits7}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	out := logBuf.String()
	if !strings.Contains(out, `"baud":"19200"`) || !strings.Contains(out, `"format":"7E1.5"`) {
		t.Fatalf("unexpected open log: %s", out)
	}
}
