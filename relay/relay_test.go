package relay

import (
	"sync"
	"testing"
	"time"

	"nfcrelay.dev/relayevent"
	"nfcrelay.dev/serialport"
)

// memDevice is a minimal in-memory io.ReadWriteCloser used to run the
// coordinator end to end without real serial hardware, in the style
// of seedhammer.com/driver/mjolnir's Simulator.
type memDevice struct {
	mu      sync.Mutex
	pending [][]byte
	written []byte
}

func (d *memDevice) push(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, append([]byte{}, chunk...))
}

func (d *memDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return 0, nil
	}
	n := copy(buf, d.pending[0])
	d.pending = d.pending[1:]
	return n, nil
}

func (d *memDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, buf...)
	return len(buf), nil
}

func (d *memDevice) Close() error { return nil }

func (d *memDevice) snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte{}, d.written...)
}

func TestDefaultRelayConfigDefaults(t *testing.T) {
	cfg := DefaultRelayConfig()
	if cfg.BaudRate != 921600 {
		t.Fatalf("BaudRate = %d, want 921600", cfg.BaudRate)
	}
	if cfg.LatencyWindowSize != 100 {
		t.Fatalf("LatencyWindowSize = %d, want 100", cfg.LatencyWindowSize)
	}
	if cfg.LatencyThresholdNS != 5_000_000 {
		t.Fatalf("LatencyThresholdNS = %d, want 5000000", cfg.LatencyThresholdNS)
	}
	if cfg.ShutdownTimeoutMs != 500 {
		t.Fatalf("ShutdownTimeoutMs = %d, want 500", cfg.ShutdownTimeoutMs)
	}
}

func TestNewRequiresPorts(t *testing.T) {
	cfg := DefaultRelayConfig()
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for missing client_port/host_port")
	}
	cfg.ClientPort = "/dev/ttyUSB0"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for missing host_port")
	}
	cfg.HostPort = "/dev/ttyUSB1"
	if _, err := New(cfg); err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
}

func TestStatusStartsStopped(t *testing.T) {
	cfg := DefaultRelayConfig()
	cfg.ClientPort, cfg.HostPort = "/dev/ttyUSB0", "/dev/ttyUSB1"
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status() != Stopped {
		t.Fatalf("Status() = %v, want Stopped", c.Status())
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	cfg := DefaultRelayConfig()
	cfg.ClientPort, cfg.HostPort = "/dev/ttyUSB0", "/dev/ttyUSB1"
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.Stop() // must not block or panic.
}

// TestSelectAIDEndToEnd mirrors spec.md §8 scenario 1: a client SELECT
// AID command relayed to the host, with the host's response relayed
// back and a latency sample recorded.
func TestSelectAIDEndToEnd(t *testing.T) {
	clientDev := &memDevice{}
	hostDev := &memDevice{}
	clientDev.push([]byte{0x00, 0xA4, 0x04, 0x00, 0x07, 0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10, 0x00})

	cfg := DefaultRelayConfig()
	cfg.ClientPort, cfg.HostPort = "client", "host"
	cfg.BufferCapacity = 256
	cfg.InterByteIdleMs = 1
	cfg.MetricTickMs = 20
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.openPort = func(name string, baud int, timeout time.Duration) (*serialport.Port, error) {
		if name == "client" {
			return serialport.NewSimulated(name, clientDev, timeout), nil
		}
		return serialport.NewSimulated(name, hostDev, timeout), nil
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(hostDev.snapshot()) == 13 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := hostDev.snapshot()
	if len(got) != 13 {
		t.Fatalf("host received %d bytes, want 13: %x", len(got), got)
	}

	hostDev.push([]byte{0x6A, 0x82})
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(clientDev.snapshot()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	gotResp := clientDev.snapshot()
	if len(gotResp) != 2 || gotResp[0] != 0x6A || gotResp[1] != 0x82 {
		t.Fatalf("client received %x, want 6a82", gotResp)
	}

	snap := c.Stats()
	if snap.TotalFrames < 2 {
		t.Fatalf("TotalFrames = %d, want >= 2", snap.TotalFrames)
	}

	if got := relayevent.ClientToHost.String(); got != "client->host" {
		t.Fatalf("Direction.String() = %q", got)
	}
}
