// package pipeline implements the relay's direction pipeline (C4): one
// instance per direction, reading raw bytes from a serial port, framing
// them into complete APDU commands or responses, and forwarding the
// framed bytes into the ring buffer the opposite direction's pipeline
// drains and writes out its own port -- the two physical links being
// full-duplex, each pipeline's own port doubles as the write target for
// whatever the opposite pipeline forwards (spec.md §4.4).
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"nfcrelay.dev/apdu"
	"nfcrelay.dev/latency"
	"nfcrelay.dev/relayevent"
	"nfcrelay.dev/ringbuf"
	"nfcrelay.dev/serialport"
)

// State is the direction pipeline's state machine position (spec.md
// §4.4).
type State int

const (
	Idle State = iota
	Reading
	Forwarding
	Blocked
	Draining
	Error
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reading:
		return "reading"
	case Forwarding:
		return "forwarding"
	case Blocked:
		return "blocked"
	case Draining:
		return "draining"
	case Error:
		return "error"
	case Stopped:
		return "stopped"
	default:
		return "state?"
	}
}

// Kind distinguishes the two roles a direction can play: carrying APDU
// commands (framed header-first) or carrying their responses (framed
// by the expected Le length).
type Kind int

const (
	Command Kind = iota
	Response
)

// Config holds the per-pipeline parameters a relay.RelayConfig derives
// from spec.md §6.
type Config struct {
	Direction       relayevent.Direction
	Kind            Kind
	RingCapacity    int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxRetries      int // immediate, no-backoff retries of a failed forward write.
	VerifyChecksum  bool
}

// Stats are the lock-free counters the coordinator reads to build a
// Snapshot (spec.md §3, §6).
type Stats struct {
	Frames           uint64
	BytesRx          uint64
	BytesTx          uint64
	Malformed        uint64
	ChecksumMismatch uint64
	ShutdownDropped  uint64
}

// Pipeline is one direction's read-frame-forward-write state machine.
// Create one with New, wire its Peer to the opposite direction's
// Pipeline with Pair, then run it with Run.
type Pipeline struct {
	cfg  Config
	port *serialport.Port

	rxRing *ringbuf.Ring // raw bytes read from port, staged for framing.
	txRing *ringbuf.Ring // frames this pipeline has forwarded, drained by the peer.

	peerTxRing *ringbuf.Ring // peer's txRing; this pipeline drains it and writes it out via port.
	peerLe     func() int    // only used by a Response pipeline: the paired command's Le.

	meter *latency.Meter

	state      State
	pending    []byte
	fwdOffset  int
	lastByteAt time.Time
	scratch    []byte
	lastLe     atomic.Int64

	frames           atomic.Uint64
	bytesRx          atomic.Uint64
	bytesTx          atomic.Uint64
	malformed        atomic.Uint64
	checksumMismatch atomic.Uint64
	shutdownDropped  atomic.Uint64

	onEvent func(relayevent.Event)
	onFatal func(error)
}

// New creates a Pipeline reading/writing through port, with its own
// txRing allocated at cfg.RingCapacity and its rxRing allocated at
// cfg.RingCapacity or one maximum-size frame, whichever is larger, so
// that any whole frame can be staged before it is framed.
func New(cfg Config, port *serialport.Port, meter *latency.Meter, onEvent func(relayevent.Event), onFatal func(error)) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		port:    port,
		rxRing:  ringbuf.New(max(cfg.RingCapacity, apduMaxFrame)),
		txRing:  ringbuf.New(cfg.RingCapacity),
		meter:   meter,
		state:   Idle,
		scratch: make([]byte, apduMaxFrame),
		onEvent: onEvent,
		onFatal: onFatal,
	}
}

const apduMaxFrame = 65538

// TxRing exposes this pipeline's outbound queue so the coordinator can
// wire it as the opposite pipeline's peer queue.
func (p *Pipeline) TxRing() *ringbuf.Ring {
	return p.txRing
}

// Pair connects this pipeline to the opposite direction's pipeline:
// peerTxRing is drained and written out through this pipeline's own
// port, and peerLe (only meaningful for a Response pipeline) looks up
// the most recently forwarded command's Le.
func (p *Pipeline) Pair(peerTxRing *ringbuf.Ring, peerLe func() int) {
	p.peerTxRing = peerTxRing
	p.peerLe = peerLe
}

// LastLe returns the Le of the most recently forwarded command, for a
// paired Response pipeline to consult.
func (p *Pipeline) LastLe() int {
	return int(p.lastLe.Load())
}

// State returns the pipeline's current state machine position.
func (p *Pipeline) State() State {
	return p.state
}

// Stats returns a point-in-time copy of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:           p.frames.Load(),
		BytesRx:          p.bytesRx.Load(),
		BytesTx:          p.bytesTx.Load(),
		Malformed:        p.malformed.Load(),
		ChecksumMismatch: p.checksumMismatch.Load(),
		ShutdownDropped:  p.shutdownDropped.Load(),
	}
}

// Run drives the pipeline until ctx is cancelled. On cancellation it
// completes any in-flight forward up to the current frame, bounded by
// cfg.ShutdownTimeout, then returns (spec.md §4.4 cancellation rule).
func (p *Pipeline) Run(ctx context.Context) {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case <-tick.C:
			p.stepTransmit()
			p.stepForward()
			if p.state == Stopped {
				return
			}
		}
	}
}

func (p *Pipeline) shutdown() {
	deadline := time.Now().Add(p.cfg.ShutdownTimeout)
	for p.state == Forwarding || p.state == Blocked {
		if time.Now().After(deadline) {
			p.shutdownDropped.Add(uint64(len(p.pending) - p.fwdOffset))
			break
		}
		p.stepTransmit()
		p.stepForward()
	}
	p.state = Stopped
	p.port.Close()
}

// stepTransmit drains the peer's outbound queue and writes it to this
// pipeline's own port, which is full-duplex. A failed write gets
// cfg.MaxRetries immediate retries (no backoff: the APDU exchange is
// time-critical) before the pipeline surfaces the failure to the
// coordinator and stops, per spec.md §4.4's Error-state rule.
func (p *Pipeline) stepTransmit() {
	if p.peerTxRing == nil {
		return
	}
	view := p.peerTxRing.Peek(len(p.scratch))
	if view.Len() == 0 {
		return
	}
	buf := view.Bytes(p.scratch[:view.Len()])
	n, err := p.writeRetrying(buf)
	if err != nil {
		p.state = Error
		if p.onFatal != nil {
			p.onFatal(relayevent.Wrap(relayevent.IoError, p.cfg.Direction, err))
		}
		p.state = Stopped
		return
	}
	p.peerTxRing.Commit(n)
	p.bytesTx.Add(uint64(n))
}

func (p *Pipeline) writeRetrying(buf []byte) (int, error) {
	n, err := p.port.Write(buf)
	for attempt := 0; err != nil && attempt < p.cfg.MaxRetries; attempt++ {
		n, err = p.port.Write(buf)
	}
	return n, err
}

// stepForward advances the read-frame-forward state machine by one
// tick.
func (p *Pipeline) stepForward() {
	switch p.state {
	case Idle, Reading:
		p.readInto()
		p.tryComplete()
	case Forwarding, Blocked:
		if p.tryForward() {
			p.onFrameForwarded()
			p.state = Idle
		} else {
			p.state = Blocked
		}
	case Draining:
		p.drain()
	case Error, Stopped:
	}
}

func (p *Pipeline) readInto() {
	buf := make([]byte, 512)
	n, err := p.port.Read(buf)
	if err != nil {
		if err == serialport.ErrTimeout {
			return
		}
		p.reconnect(err)
		return
	}
	if n == 0 {
		return
	}
	if _, werr := p.rxRing.Write(buf[:n]); werr != nil {
		// Input overrun: the rx ring is full because framing is stuck.
		// Drop the oldest data to keep receiving rather than stall the
		// serial read loop.
		p.rxRing.Commit(n)
		p.rxRing.Write(buf[:n])
	}
	p.bytesRx.Add(uint64(n))
	p.lastByteAt = time.Now()
	if p.state == Idle {
		p.state = Reading
	}
}

func (p *Pipeline) tryComplete() {
	view := p.rxRing.Peek(len(p.scratch))
	if view.Len() == 0 {
		return
	}
	buf := view.Bytes(p.scratch[:view.Len()])
	idle := time.Since(p.lastByteAt) >= p.cfg.IdleTimeout

	var status apdu.Status
	var n int
	if p.cfg.Kind == Command {
		status, n = apdu.IsComplete(buf, idle)
	} else {
		le := 0
		if p.peerLe != nil {
			le = p.peerLe()
		}
		status, n = apdu.ResponseComplete(buf, le, idle)
	}

	switch status {
	case apdu.NeedMore:
		return
	case apdu.Malformed:
		p.malformed.Add(1)
		p.emit(relayevent.FramingError{Kind: relayevent.Malformed, Direction: p.cfg.Direction})
		p.state = Draining
		return
	case apdu.Complete:
		p.beginForward(buf, n)
	}
}

func (p *Pipeline) beginForward(buf []byte, n int) {
	commitN := n
	if p.cfg.VerifyChecksum && p.cfg.Kind == Command && len(buf) > n {
		f, err := apdu.Parse(buf[:n])
		if err == nil {
			want := apdu.Checksum(f)
			if buf[n] != want {
				p.checksumMismatch.Add(1)
				p.emit(relayevent.FramingError{Kind: relayevent.ChecksumMismatch, Direction: p.cfg.Direction})
			}
			commitN = n + 1
		}
	}
	p.pending = append(p.pending[:0], buf[:n]...)
	p.rxRing.Commit(commitN)
	p.fwdOffset = 0
	p.state = Forwarding

	if p.cfg.Kind == Command {
		if f, err := apdu.Parse(p.pending); err == nil {
			fp := latency.Fingerprint(f.CLA, f.INS, f.P1, f.P2, f.Lc)
			p.meter.Start(p.cfg.Direction, fp)
			le := 0
			if f.HasLe {
				le = f.Le
			}
			p.lastLe.Store(int64(le))
		}
	}
}

func (p *Pipeline) tryForward() bool {
	remaining := p.pending[p.fwdOffset:]
	if len(remaining) == 0 {
		return true
	}
	free := p.txRing.Free()
	if free == 0 {
		return false
	}
	chunk := remaining
	if len(chunk) > free {
		chunk = chunk[:free]
	}
	n, err := p.txRing.Write(chunk)
	if err != nil {
		return false
	}
	p.fwdOffset += n
	return p.fwdOffset == len(p.pending)
}

func (p *Pipeline) onFrameForwarded() {
	p.frames.Add(1)
	if p.cfg.Kind == Response {
		pairedDir := relayevent.ClientToHost
		if p.cfg.Direction == relayevent.ClientToHost {
			pairedDir = relayevent.HostToClient
		}
		if s, ok := p.meter.Stop(pairedDir); ok {
			if p.meter.HighLatency(s) {
				p.emit(relayevent.HighLatency{
					SampleNS:    s.DurationNS(),
					Direction:   s.Direction,
					Fingerprint: s.Fingerprint,
				})
			}
		}
	}
}

func (p *Pipeline) drain() {
	view := p.rxRing.Peek(len(p.scratch))
	if view.Len() == 0 {
		p.state = Reading
		return
	}
	idle := time.Since(p.lastByteAt) >= p.cfg.IdleTimeout
	if !idle {
		// Discard one byte per tick until the buffer is empty or the
		// line goes idle, at which point the rest is discarded at once.
		// The drained bytes are not searched for a frame start.
		p.rxRing.Commit(1)
		return
	}
	p.rxRing.Commit(view.Len())
	p.state = Reading
}

func (p *Pipeline) reconnect(cause error) {
	p.emit(relayevent.PortUnavailable{Direction: p.cfg.Direction})
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout*4)
	defer cancel()
	if err := p.port.Reconnect(ctx, nil); err != nil {
		p.state = Error
		if p.onFatal != nil {
			p.onFatal(relayevent.Wrap(relayevent.IoError, p.cfg.Direction, cause))
		}
		p.state = Stopped
	}
}

func (p *Pipeline) emit(ev relayevent.Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}
