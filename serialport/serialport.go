// package serialport adapts github.com/tarm/serial into the
// non-blocking, timeout-bounded, auto-reconnecting byte transport the
// relay's direction pipelines need. It knows nothing about APDUs or
// ring buffers; it only moves bytes and recovers from I/O failures.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"nfcrelay.dev/internal/backoff"
)

// ErrTimeout is returned by Read when no bytes arrived within the
// configured read timeout. It is benign; the caller's loop continues.
var ErrTimeout = errors.New("serialport: read timeout")

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// device is the narrow interface Port drives; satisfied by
// *github.com/tarm/serial.Port in production and by a fake in tests,
// the same seam seedhammer.com/nfc/type4 uses (its Device interface) to
// test protocol logic without real hardware.
type device interface {
	io.ReadWriteCloser
}

// Port is a serial endpoint with built-in reconnect-with-backoff,
// generalized from seedhammer.com/mjolnir.Open's device-open helper to
// the two independently configured, higher-baud links the relay uses.
type Port struct {
	name        string
	baud        int
	readTimeout time.Duration

	dev  device
	open func(name string, baud int, timeout time.Duration) (device, error)
	bo   *backoff.Backoff
}

// Open opens name at baud with the given per-call read timeout (§4.3
// default 1 ms). 8N1 framing, no hardware flow control, matching
// spec.md §6.
func Open(name string, baud int, readTimeout time.Duration) (*Port, error) {
	return openWith(name, baud, readTimeout, openTarmSerial)
}

func openWith(name string, baud int, readTimeout time.Duration, open func(string, int, time.Duration) (device, error)) (*Port, error) {
	p := &Port{
		name:        name,
		baud:        baud,
		readTimeout: readTimeout,
		open:        open,
		bo:          backoff.New(backoffBase, backoffCap),
	}
	if err := p.reopen(); err != nil {
		return nil, err
	}
	return p, nil
}

func openTarmSerial(name string, baud int, readTimeout time.Duration) (device, error) {
	cfg := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
	}
	return serial.OpenPort(cfg)
}

// NewSimulated wraps an already-open device as a Port, skipping the
// backoff-driven open sequence. It exists for tests and in-process
// simulators that need a full Port (with its Reconnect behavior) in
// front of a fake transport, in the style of
// seedhammer.com/driver/mjolnir's channel-backed Simulator.
func NewSimulated(name string, dev io.ReadWriteCloser, readTimeout time.Duration) *Port {
	return &Port{
		name:        name,
		readTimeout: readTimeout,
		dev:         dev,
		open:        func(string, int, time.Duration) (device, error) { return dev, nil },
		bo:          backoff.New(backoffBase, backoffCap),
	}
}

func (p *Port) reopen() error {
	dev, err := p.open(p.name, p.baud, p.readTimeout)
	if err != nil {
		return fmt.Errorf("serialport: open %s: %w", p.name, err)
	}
	p.dev = dev
	return nil
}

// Read reads up to len(buf) bytes, blocking for at most the configured
// read timeout. It returns (0, ErrTimeout) rather than (0, nil) when
// the timeout elapses with no data, so callers can treat "no bytes yet"
// and "I/O failure" uniformly as distinct, named outcomes per
// spec.md §4.3.
func (p *Port) Read(buf []byte) (int, error) {
	n, err := p.dev.Read(buf)
	if err != nil {
		return n, fmt.Errorf("serialport: read %s: %w", p.name, err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// Write writes buf in full or returns an I/O error.
func (p *Port) Write(buf []byte) (int, error) {
	n, err := p.dev.Write(buf)
	if err != nil {
		return n, fmt.Errorf("serialport: write %s: %w", p.name, err)
	}
	return n, nil
}

// Close releases the underlying OS handle.
func (p *Port) Close() error {
	if p.dev == nil {
		return nil
	}
	return p.dev.Close()
}

// Reconnect tears down the current handle and retries opening it with
// exponential backoff (100 ms, 200 ms, 400 ms, ... capped at 2 s, per
// spec.md §4.3), calling onAttempt before each sleep so the caller can
// surface a PortUnavailable event. It returns early with ctx.Err() if
// ctx is cancelled while waiting.
func (p *Port) Reconnect(ctx context.Context, onAttempt func(delay time.Duration)) error {
	if p.dev != nil {
		p.dev.Close()
		p.dev = nil
	}
	for {
		delay := p.bo.Next()
		if onAttempt != nil {
			onAttempt(delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := p.reopen(); err == nil {
			p.bo.Reset()
			return nil
		}
	}
}
