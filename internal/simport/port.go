// Package simport provides an in-memory serial transport whose inbound
// bytes arrive on a schedule. It stands in for hardware in tests.
package simport

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrClosed wraps os.ErrClosed so callers treat the port like a vanished
// device.
var ErrClosed = fmt.Errorf("simport: %w", os.ErrClosed)

// Burst is a chunk of inbound data that becomes readable After a reference
// time (the Schedule call, or the write that triggered it).
type Burst struct {
	After time.Duration
	Data  []byte
}

// Write records one Write call.
type Write struct {
	At   time.Time
	Data []byte
}

type scheduled struct {
	due  time.Time
	data []byte
}

// Responder is called after every successful write with everything written
// so far and returns the bursts to schedule in reply.
type Responder func(written []byte) []Burst

// Port is safe for concurrent use; Close may race with polling.
type Port struct {
	mu       sync.Mutex
	pending  []scheduled
	inbound  []byte
	written  []byte
	writes   []Write
	flushes  int
	closed   bool
	respond  Responder
	timeout  *time.Duration
	closeErr error
	writeErr error
	failAt   int
	availErr error
}

func New() *Port { return &Port{failAt: -1} }

// Schedule queues bursts relative to now.
func (p *Port) Schedule(bursts ...Burst) *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduleLocked(time.Now(), bursts)
	return p
}

// OnWrite installs a responder.
func (p *Port) OnWrite(fn Responder) *Port {
	p.mu.Lock()
	p.respond = fn
	p.mu.Unlock()
	return p
}

// Reply answers once the written bytes equal req.
func (p *Port) Reply(req string, bursts ...Burst) *Port {
	return p.OnWrite(func(written []byte) []Burst {
		if string(written) == req {
			return bursts
		}
		return nil
	})
}

// FailClose makes Close return err (the port is still marked closed).
func (p *Port) FailClose(err error) *Port {
	p.mu.Lock()
	p.closeErr = err
	p.mu.Unlock()
	return p
}

// FailWrite makes the write with index n (0-based) and all later writes fail with err.
func (p *Port) FailWrite(n int, err error) *Port {
	p.mu.Lock()
	p.failAt = n
	p.writeErr = err
	p.mu.Unlock()
	return p
}

// FailAvailable makes Available return err.
func (p *Port) FailAvailable(err error) *Port {
	p.mu.Lock()
	p.availErr = err
	p.mu.Unlock()
	return p
}

// SetReadTimeout sets the bound used by ReadTimeout. Nil blocks until data
// arrives or the port is closed.
func (p *Port) SetReadTimeout(d *time.Duration) *Port {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return p
}

func (p *Port) scheduleLocked(ref time.Time, bursts []Burst) {
	for _, b := range bursts {
		data := append([]byte(nil), b.Data...)
		p.pending = append(p.pending, scheduled{due: ref.Add(b.After), data: data})
	}
}

// promoteLocked moves due bursts into the inbound queue in due order.
func (p *Port) promoteLocked(now time.Time) {
	for {
		idx := -1
		for i, s := range p.pending {
			if !s.due.After(now) && (idx < 0 || s.due.Before(p.pending[idx].due)) {
				idx = i
			}
		}
		if idx < 0 {
			return
		}
		p.inbound = append(p.inbound, p.pending[idx].data...)
		p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
	}
}

func (p *Port) Available() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.availErr != nil {
		return 0, p.availErr
	}
	p.promoteLocked(time.Now())
	return len(p.inbound), nil
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	p.promoteLocked(time.Now())
	n := copy(b, p.inbound)
	p.inbound = p.inbound[n:]
	return n, nil
}

// ReadTimeout blocks until data is readable or the configured timeout
// elapses.
func (p *Port) ReadTimeout(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()
	var deadline time.Time
	if timeout != nil {
		deadline = time.Now().Add(*timeout)
	}
	for {
		n, err := p.Available()
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return p.Read(b)
		}
		if timeout != nil && !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.failAt >= 0 && len(p.writes) >= p.failAt {
		return 0, p.writeErr
	}
	now := time.Now()
	data := append([]byte(nil), b...)
	p.writes = append(p.writes, Write{At: now, Data: data})
	p.written = append(p.written, data...)
	if p.respond != nil {
		p.scheduleLocked(now, p.respond(append([]byte(nil), p.written...)))
	}
	return len(b), nil
}

func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.flushes++
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

// Writes returns a copy of the recorded writes.
func (p *Port) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// Written returns every byte written so far.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

func (p *Port) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
