package serialcomm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
)

// delayedTransport simulates a device with slow operations to widen the
// window in which Close can race an in-flight read or write.
type delayedTransport struct {
	writeDelay time.Duration
	readDelay  time.Duration
	closeDelay time.Duration
	closed     atomic.Bool
	writeCount atomic.Int64
	readCount  atomic.Int64
	closeCount atomic.Int64

	mu      sync.Mutex
	pending []byte
	stream  bool
}

func newDelayedTransport(writeDelay, readDelay, closeDelay time.Duration) *delayedTransport {
	return &delayedTransport{
		writeDelay: writeDelay,
		readDelay:  readDelay,
		closeDelay: closeDelay,
	}
}

func (m *delayedTransport) Write(b []byte) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.writeCount.Inc()
	if m.writeDelay > 0 {
		time.Sleep(m.writeDelay)
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.mu.Lock()
	m.pending = append(m.pending, "test data"...)
	m.mu.Unlock()
	return len(b), nil
}

func (m *delayedTransport) Available() (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream {
		m.pending = append(m.pending, 'x')
	}
	return len(m.pending), nil
}

func (m *delayedTransport) Read(b []byte) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.readCount.Inc()
	if m.readDelay > 0 {
		time.Sleep(m.readDelay)
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(b, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *delayedTransport) Flush() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *delayedTransport) Close() error {
	m.closeCount.Inc()
	if m.closeDelay > 0 {
		time.Sleep(m.closeDelay)
	}
	m.closed.Store(true)
	return nil
}

func registryWith(t *testing.T, ports map[string]*delayedTransport) *Registry {
	t.Helper()
	r := NewRegistry(WithOpener(func(id string, _ Config) (Transport, error) {
		p, ok := ports[id]
		if !ok {
			return nil, errors.New("no such device")
		}
		return p, nil
	}))
	for id := range ports {
		if err := r.Open(id, testConfig); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
	}
	return r
}

// closedUnderneath reports whether err is one of the outcomes a caller may
// see when its channel is closed mid-operation.
func closedUnderneath(err error) bool {
	return errors.Is(err, ErrNotOpen) || errors.Is(err, ErrClosed)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out, possible deadlock between close and in-flight operations")
	}
}

func TestCloseDuringTransceiveRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		t.Run("iteration", func(t *testing.T) {
			testTransceiveCloseRace(t)
		})
	}
}

func testTransceiveCloseRace(t *testing.T) {
	port := newDelayedTransport(100*time.Microsecond, 50*time.Microsecond, 10*time.Microsecond)
	r := registryWith(t, map[string]*delayedTransport{"a": port})
	tr := NewTransceiver(r)

	var wg sync.WaitGroup
	var unexpected atomic.Int64

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			_, err := tr.SendAndReceive(ctx, "a", TransceiveRequest{
				Payload: []byte("test"),
				Frame:   FrameParams{Silence: time.Millisecond, MaxWait: 50 * time.Millisecond},
			})
			if err != nil && !closedUnderneath(err) && !errors.Is(err, context.DeadlineExceeded) {
				unexpected.Inc()
				t.Errorf("unexpected transceive error: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Microsecond)
		if err := r.Close("a"); err != nil {
			unexpected.Inc()
			t.Errorf("Close failed: %v", err)
		}
	}()

	waitOrFail(t, &wg)

	if unexpected.Load() > 0 {
		t.Errorf("unexpected errors: %d", unexpected.Load())
	}
	if port.closeCount.Load() != 1 {
		t.Errorf("transport released %d times", port.closeCount.Load())
	}
	if r.IsOpen("a") {
		t.Error("channel still open")
	}
}

func TestCloseDuringFramingRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		t.Run("iteration", func(t *testing.T) {
			testFramingCloseRace(t)
		})
	}
}

func testFramingCloseRace(t *testing.T) {
	port := newDelayedTransport(0, 50*time.Microsecond, 10*time.Microsecond)
	port.stream = true
	r := registryWith(t, map[string]*delayedTransport{"a": port})
	h, err := r.Handle("a")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	f := NewFramer()

	var wg sync.WaitGroup
	var unexpected atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ReadUntilSilence(context.Background(), h, FrameParams{Silence: 10 * time.Millisecond, MaxWait: time.Second})
			switch {
			case err == nil && res.Reason() != ReasonSilenceTimeout:
				unexpected.Inc()
				t.Errorf("continuous stream ended with %s", res.Reason())
			case err != nil && !errors.Is(err, ErrClosed):
				unexpected.Inc()
				t.Errorf("unexpected framing error: %v", err)
			case err != nil && !errors.Is(err, ErrTransport):
				unexpected.Inc()
				t.Errorf("close mid-wait must surface as a transport failure: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		_ = r.Close("a")
	}()

	waitOrFail(t, &wg)
	if unexpected.Load() > 0 {
		t.Errorf("unexpected errors: %d", unexpected.Load())
	}
}

func TestCloseOneChannelLeavesOthersRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		t.Run("iteration", func(t *testing.T) {
			testMixedChannelsRace(t)
		})
	}
}

func testMixedChannelsRace(t *testing.T) {
	a := newDelayedTransport(80*time.Microsecond, 80*time.Microsecond, 20*time.Microsecond)
	b := newDelayedTransport(80*time.Microsecond, 80*time.Microsecond, 20*time.Microsecond)
	r := registryWith(t, map[string]*delayedTransport{"a": a, "b": b})
	tr := NewTransceiver(r)
	req := TransceiveRequest{
		Payload: []byte("test"),
		Frame:   FrameParams{Silence: time.Millisecond, MaxWait: 100 * time.Millisecond},
	}

	var wg sync.WaitGroup
	var unexpected atomic.Int64

	for i := 0; i < 15; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := tr.SendAndReceive(context.Background(), "a", req)
			if err != nil && !closedUnderneath(err) {
				unexpected.Inc()
				t.Errorf("channel a: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := tr.SendAndReceive(context.Background(), "b", req); err != nil {
				unexpected.Inc()
				t.Errorf("channel b must be unaffected by closing a: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Microsecond)
		_ = r.Close("a")
	}()

	waitOrFail(t, &wg)
	if unexpected.Load() > 0 {
		t.Errorf("unexpected errors: %d", unexpected.Load())
	}
	if !r.IsOpen("b") {
		t.Error("channel b closed")
	}
}
