// package relay implements the NFC relay coordinator (C6): it owns the
// two direction pipelines, the shared latency meter, and the metrics
// publisher, and manages their lifecycle (spec.md §4.6).
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nfcrelay.dev/latency"
	"nfcrelay.dev/metrics"
	"nfcrelay.dev/pipeline"
	"nfcrelay.dev/relayevent"
	"nfcrelay.dev/serialport"
)

// RelayConfig is the control-surface struct described in spec.md §6.
// Zero value fields should not be relied on; construct with
// DefaultRelayConfig and override as needed, mirroring the
// default-then-override flag pattern cmd/cli/main.go uses.
type RelayConfig struct {
	ClientPort        string
	HostPort          string
	BaudRate          int
	BufferCapacity    int
	ReadTimeoutMs     int
	InterByteIdleMs   int
	LatencyWindowSize int
	LatencyThresholdNS int64
	MetricTickMs      int
	MaxRetries        int
	AutoRestart       bool
	ShutdownTimeoutMs int
	VerifyChecksum    bool
}

// DefaultRelayConfig returns the spec.md §6 defaults. ClientPort and
// HostPort are required and left empty.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BaudRate:           921600,
		BufferCapacity:     4096,
		ReadTimeoutMs:      1,
		InterByteIdleMs:    2,
		LatencyWindowSize:  100,
		LatencyThresholdNS: 5_000_000,
		MetricTickMs:       100,
		MaxRetries:         1,
		AutoRestart:        false,
		ShutdownTimeoutMs:  500,
	}
}

func (c RelayConfig) validate() error {
	if c.ClientPort == "" {
		return fmt.Errorf("relay: client_port is required")
	}
	if c.HostPort == "" {
		return fmt.Errorf("relay: host_port is required")
	}
	return nil
}

// Status is the coordinator's own lifecycle state.
type Status int

const (
	Stopped Status = iota
	Running
	Faulted
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	default:
		return "status?"
	}
}

const maxRestartAttempts = 5

// Coordinator owns and runs the relay end to end (spec.md §4.6).
type Coordinator struct {
	cfg RelayConfig

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	meter     *latency.Meter
	publisher *metrics.Publisher
	client    *pipeline.Pipeline
	host      *pipeline.Pipeline

	onError func(*relayevent.RelayError)

	seq          uint64
	restartCount int

	// openPort is overridden in tests to substitute simulated ports for
	// real serial hardware; it defaults to serialport.Open.
	openPort func(name string, baud int, timeout time.Duration) (*serialport.Port, error)
}

// New creates a Coordinator from cfg. It does not open any serial
// port until Start is called.
func New(cfg RelayConfig) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:       cfg,
		publisher: metrics.New(),
		openPort:  serialport.Open,
	}, nil
}

// SetErrorHandler registers the callback invoked once per
// unrecoverable coordinator-level fault (spec.md §4.6, §6).
func (c *Coordinator) SetErrorHandler(fn func(*relayevent.RelayError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Subscribe registers a new metrics subscriber (spec.md §4.7).
func (c *Coordinator) Subscribe() (<-chan relayevent.Event, func()) {
	return c.publisher.Subscribe()
}

// Start opens both serial ports, wires the two pipelines and the
// latency meter, and begins running them (spec.md §4.6).
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == Running {
		return fmt.Errorf("relay: already running")
	}
	return c.start()
}

func (c *Coordinator) start() error {
	readTimeout := time.Duration(c.cfg.ReadTimeoutMs) * time.Millisecond
	clientPort, err := c.openPort(c.cfg.ClientPort, c.cfg.BaudRate, readTimeout)
	if err != nil {
		return fmt.Errorf("relay: open client port: %w", err)
	}
	hostPort, err := c.openPort(c.cfg.HostPort, c.cfg.BaudRate, readTimeout)
	if err != nil {
		clientPort.Close()
		return fmt.Errorf("relay: open host port: %w", err)
	}

	c.meter = latency.New(c.cfg.LatencyWindowSize, c.cfg.LatencyThresholdNS)

	idle := time.Duration(c.cfg.InterByteIdleMs) * time.Millisecond
	shutdown := time.Duration(c.cfg.ShutdownTimeoutMs) * time.Millisecond

	onEvent := func(ev relayevent.Event) { c.publisher.Publish(ev) }
	// fault stops the coordinator and waits for both pipeline
	// goroutines to exit; run it off the pipeline's own goroutine so a
	// pipeline reporting its own fatal error doesn't wait on itself.
	onFatal := func(err error) { go c.fault(err) }

	c.client = pipeline.New(pipeline.Config{
		Direction:       relayevent.ClientToHost,
		Kind:            pipeline.Command,
		RingCapacity:    c.cfg.BufferCapacity,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
		MaxRetries:      c.cfg.MaxRetries,
		VerifyChecksum:  c.cfg.VerifyChecksum,
	}, clientPort, c.meter, onEvent, onFatal)

	c.host = pipeline.New(pipeline.Config{
		Direction:       relayevent.HostToClient,
		Kind:            pipeline.Response,
		RingCapacity:    c.cfg.BufferCapacity,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
		MaxRetries:      c.cfg.MaxRetries,
	}, hostPort, c.meter, onEvent, onFatal)

	c.client.Pair(c.host.TxRing(), nil)
	c.host.Pair(c.client.TxRing(), c.client.LastLe)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.startedAt = time.Now()
	c.status = Running

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.client.Run(ctx) }()
	go func() { defer c.wg.Done(); c.host.Run(ctx) }()
	go func() { defer c.wg.Done(); c.tickMetrics(ctx) }()

	return nil
}

func (c *Coordinator) tickMetrics(ctx context.Context) {
	interval := time.Duration(c.cfg.MetricTickMs) * time.Millisecond
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.publisher.Publish(c.snapshot())
		}
	}
}

func (c *Coordinator) snapshot() relayevent.Snapshot {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	uptime := time.Since(c.startedAt)
	c.mu.Unlock()

	cs, hs := c.client.Stats(), c.host.Stats()
	errorsByKind := map[string]uint64{
		relayevent.Malformed.String():        cs.Malformed + hs.Malformed,
		relayevent.ChecksumMismatch.String(): cs.ChecksumMismatch + hs.ChecksumMismatch,
		relayevent.ShutdownDropped.String():  cs.ShutdownDropped + hs.ShutdownDropped,
		relayevent.Orphaned.String():         c.meter.Orphans(),
	}
	lw := c.meter.Snapshot()
	return relayevent.Snapshot{
		Seq:          seq,
		UptimeNS:     uptime.Nanoseconds(),
		TotalFrames:  cs.Frames + hs.Frames,
		TotalBytesRx: cs.BytesRx + hs.BytesRx,
		TotalBytesTx: cs.BytesTx + hs.BytesTx,
		ErrorsByKind: errorsByKind,
		Latency: relayevent.LatencyStats{
			MeanNS: lw.Mean,
			MinNS:  lw.Min,
			MaxNS:  lw.Max,
			StdDev: lw.StdDev,
			P50NS:  lw.P50,
			P95NS:  lw.P95,
			P99NS:  lw.P99,
			Count:  lw.Count,
		},
	}
}

// Stats returns an on-demand snapshot (spec.md §4.6).
func (c *Coordinator) Stats() relayevent.Snapshot {
	return c.snapshot()
}

// Status reports the coordinator's current lifecycle state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stop enforces the shutdown ordering of spec.md §5: stop input
// reads, drain forwarding, close outputs, release buffers. Each
// pipeline honours its own shutdown deadline internally.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.status == Stopped {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.status = Stopped
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

// fault marks the coordinator Faulted, invokes the error handler, and
// attempts a bounded auto-restart if configured (spec.md §4.6).
func (c *Coordinator) fault(cause error) {
	c.mu.Lock()
	c.status = Faulted
	handler := c.onError
	autoRestart := c.cfg.AutoRestart
	attempts := c.restartCount
	c.mu.Unlock()

	relayErr, ok := cause.(*relayevent.RelayError)
	if !ok {
		relayErr = relayevent.Wrap(relayevent.Fatal, relayevent.ClientToHost, cause)
	}
	if handler != nil {
		handler(relayErr)
	}

	if !autoRestart || attempts >= maxRestartAttempts {
		c.Stop()
		return
	}

	c.Stop()
	c.mu.Lock()
	c.restartCount++
	c.mu.Unlock()
	if err := c.Start(); err == nil {
		c.publisher.Publish(relayevent.Restarted{Reason: relayErr.Error()})
	}
}
