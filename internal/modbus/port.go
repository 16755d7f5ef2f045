// SPDX-License-Identifier: MIT

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Port abstracts the exclusive RS-485 bus access. Implementations must not
// be used concurrently; the executor serializes all calls.
type Port interface {
	// WriteCoil sets one relay coil and waits for the slave echo.
	WriteCoil(ctx context.Context, unit uint8, coil uint16, on bool) error
	Close() error
}

// ErrTimeout indicates the slave did not answer within the configured window.
var ErrTimeout = errors.New("modbus: response timeout")

// RTUPort speaks Modbus RTU over an opened serial device (any
// io.ReadWriteCloser, typically an os.File on /dev/ttyUSBx configured by the
// surrounding deployment).
type RTUPort struct {
	rw      io.ReadWriteCloser
	timeout time.Duration
}

// NewRTUPort wraps an opened serial stream. timeout bounds each
// request/response exchange.
func NewRTUPort(rw io.ReadWriteCloser, timeout time.Duration) *RTUPort {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RTUPort{rw: rw, timeout: timeout}
}

func (p *RTUPort) WriteCoil(ctx context.Context, unit uint8, coil uint16, on bool) error {
	frame := writeCoilFrame(unit, coil, on)
	if _, err := p.rw.Write(frame); err != nil {
		return fmt.Errorf("modbus: write failed: %w", err)
	}

	resp, err := p.readResponse(ctx, len(frame))
	if err != nil {
		return err
	}
	return validateEcho(frame, resp)
}

// readResponse reads the expected echo with a deadline. Serial files do not
// support read deadlines portably, so the blocking read runs in a goroutine
// and is abandoned on timeout; the next exchange resynchronises the stream.
func (p *RTUPort) readResponse(ctx context.Context, n int) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	ch := make(chan result, 1)

	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(p.rw, buf)
		ch <- result{buf: buf, err: err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("modbus: read failed: %w", r.err)
		}
		return r.buf, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *RTUPort) Close() error {
	return p.rw.Close()
}

// LoopbackPort is a Port fake for tests: it records coil writes and can be
// programmed to fail a number of times per coil.
type LoopbackPort struct {
	mu       sync.Mutex
	writes   []CoilWrite
	failures map[uint16]int
	closed   bool
}

// CoilWrite is one recorded operation.
type CoilWrite struct {
	Unit uint8
	Coil uint16
	On   bool
}

func NewLoopbackPort() *LoopbackPort {
	return &LoopbackPort{failures: make(map[uint16]int)}
}

// FailNext makes the next n writes to coil fail with ErrTimeout.
func (p *LoopbackPort) FailNext(coil uint16, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[coil] = n
}

func (p *LoopbackPort) WriteCoil(_ context.Context, unit uint8, coil uint16, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[coil] > 0 {
		p.failures[coil]--
		return ErrTimeout
	}
	p.writes = append(p.writes, CoilWrite{Unit: unit, Coil: coil, On: on})
	return nil
}

// Writes returns a copy of the recorded operations.
func (p *LoopbackPort) Writes() []CoilWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CoilWrite(nil), p.writes...)
}

func (p *LoopbackPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
