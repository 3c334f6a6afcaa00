// package latency implements the relay's latency meter (spec.md §4.5):
// paired start/stop timestamps recorded against a bounded sliding
// window, with mean/min/max/stddev/percentile statistics computed on
// demand via github.com/montanaflynn/stats.
package latency

import (
	"hash/maphash"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"nfcrelay.dev/relayevent"
)

// Sample is one paired command/response timing (spec.md §3).
type Sample struct {
	StartNS     int64
	EndNS       int64
	Direction   relayevent.Direction
	Fingerprint uint64
}

// DurationNS is t_end_ns - t_start_ns, always >= 0 (spec.md §3 invariant).
func (s Sample) DurationNS() int64 {
	return s.EndNS - s.StartNS
}

type pending struct {
	startNS     int64
	fingerprint uint64
}

// Meter is the coordinator-owned latency tracker. A Meter must be
// created with New; it is safe for concurrent use by the two direction
// pipelines and the metrics publisher, per spec.md §5's "internally
// synchronised" requirement.
type Meter struct {
	mu        sync.Mutex
	window    []Sample
	next      int
	filled    bool
	pending   map[relayevent.Direction]pending
	orphans   uint64
	threshold int64
	clock     func() int64
}

// New creates a Meter with a window of windowSize samples (spec.md §3
// default 100) and a high-latency threshold in nanoseconds (spec.md
// §4.5 default 5 000 000).
func New(windowSize int, thresholdNS int64) *Meter {
	if windowSize <= 0 {
		windowSize = 100
	}
	// Timestamps are nanoseconds since the Meter was created, read from
	// the monotonic clock so a wall-clock step cannot make a sample's
	// duration negative.
	base := time.Now()
	return &Meter{
		window:    make([]Sample, windowSize),
		pending:   make(map[relayevent.Direction]pending),
		threshold: thresholdNS,
		clock:     func() int64 { return time.Since(base).Nanoseconds() },
	}
}

// Start records the send time of a command forwarded in direction dir,
// fingerprinted by fp. A pending exchange already outstanding for dir
// is counted as orphaned and overwritten, per spec.md §4.5's pairing
// policy.
func (m *Meter) Start(dir relayevent.Direction, fp uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[dir]; ok {
		m.orphans++
	}
	m.pending[dir] = pending{startNS: m.clock(), fingerprint: fp}
}

// Stop completes the pending exchange started on dir (not the
// direction Stop is called from: the response pipeline closes out the
// command pipeline's slot, since an APDU exchange spans both
// directions of the wire). It reports false if no exchange was
// pending.
func (m *Meter) Stop(dir relayevent.Direction) (Sample, bool) {
	m.mu.Lock()
	p, ok := m.pending[dir]
	if !ok {
		m.mu.Unlock()
		return Sample{}, false
	}
	delete(m.pending, dir)
	s := Sample{
		StartNS:     p.startNS,
		EndNS:       m.clock(),
		Direction:   dir,
		Fingerprint: p.fingerprint,
	}
	m.insert(s)
	m.mu.Unlock()
	return s, true
}

func (m *Meter) insert(s Sample) {
	m.window[m.next] = s
	m.next = (m.next + 1) % len(m.window)
	if !m.filled && m.next == 0 {
		m.filled = true
	}
}

// HighLatency reports whether s exceeds the configured threshold.
func (m *Meter) HighLatency(s Sample) bool {
	return m.threshold > 0 && s.DurationNS() > m.threshold
}

// Orphans returns the running count of overwritten, never-completed
// pending exchanges.
func (m *Meter) Orphans() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphans
}

// WindowStats mirrors spec.md §3's latency window derived statistics.
type WindowStats struct {
	Mean   float64
	Min    int64
	Max    int64
	StdDev float64
	P50    float64
	P95    float64
	P99    float64
	Count  int
}

// Snapshot computes the current window's statistics. Percentiles use
// stats.PercentileNearestRank, matching spec.md §8's "percentiles use
// the nearest-rank method over a copy of the window" -- not
// stats.Percentile, which linearly interpolates between ranks.
// Calling Snapshot repeatedly with no intervening samples yields
// identical results (spec.md §8 idempotence property), since it only
// reads a copy of the window.
func (m *Meter) Snapshot() WindowStats {
	m.mu.Lock()
	n := len(m.window)
	if !m.filled {
		n = m.next
	}
	durations := make(stats.Float64Data, n)
	var min, max int64
	for i := 0; i < n; i++ {
		d := m.window[i].DurationNS()
		durations[i] = float64(d)
		if i == 0 || d < min {
			min = d
		}
		if i == 0 || d > max {
			max = d
		}
	}
	m.mu.Unlock()

	if n == 0 {
		return WindowStats{}
	}
	mean, _ := durations.Mean()
	stddev, _ := durations.StandardDeviation()
	p50, _ := durations.PercentileNearestRank(50)
	p95, _ := durations.PercentileNearestRank(95)
	p99, _ := durations.PercentileNearestRank(99)
	return WindowStats{
		Mean:   mean,
		Min:    min,
		Max:    max,
		StdDev: stddev,
		P50:    p50,
		P95:    p95,
		P99:    p99,
		Count:  n,
	}
}

// fingerprintSeed is shared across all Fingerprint calls in the
// process; maphash only guarantees stable hashes within one seed's
// lifetime, which is exactly the "opaque pairing key for this run"
// guarantee spec.md's glossary asks for -- not a stable cross-process
// identifier.
var fingerprintSeed = maphash.MakeSeed()

// Fingerprint derives the opaque command identifier the meter pairs a
// start with a stop, resolved per SPEC_FULL.md §11 as
// (CLA, INS, P1, P2, len(data)) hashed with the non-cryptographic
// hash/maphash (Non-goals exclude cryptographic transformation, and
// this is a pairing key, not a security boundary).
func Fingerprint(cla, ins, p1, p2 byte, dataLen int) uint64 {
	var h maphash.Hash
	h.SetSeed(fingerprintSeed)
	h.WriteByte(cla)
	h.WriteByte(ins)
	h.WriteByte(p1)
	h.WriteByte(p2)
	h.WriteByte(byte(dataLen))
	h.WriteByte(byte(dataLen >> 8))
	h.WriteByte(byte(dataLen >> 16))
	h.WriteByte(byte(dataLen >> 24))
	return h.Sum64()
}
