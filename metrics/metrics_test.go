package metrics

import (
	"testing"

	"nfcrelay.dev/relayevent"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	p := New()
	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()
	p.Publish(relayevent.Restarted{Reason: "test"})
	select {
	case ev := <-ch:
		r, ok := ev.(relayevent.Restarted)
		if !ok || r.Reason != "test" {
			t.Fatalf("got %+v", ev)
		}
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	p := New()
	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()
	for i := 0; i < queueDepth+10; i++ {
		p.Publish(relayevent.Snapshot{Seq: uint64(i)})
	}
	if len(ch) != queueDepth {
		t.Fatalf("queue len = %d, want %d", len(ch), queueDepth)
	}
	first := (<-ch).(relayevent.Snapshot)
	if first.Seq == 0 {
		t.Fatal("expected oldest events to have been dropped")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := New()
	ch, unsubscribe := p.Subscribe()
	unsubscribe()
	p.Publish(relayevent.Restarted{Reason: "after unsubscribe"})
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}
}

func TestEncodeDecodeSnapshotRoundTrip(t *testing.T) {
	s := relayevent.Snapshot{
		Seq:          7,
		UptimeNS:     1234,
		TotalFrames:  10,
		TotalBytesRx: 100,
		TotalBytesTx: 200,
		ErrorsByKind: map[string]uint64{"Malformed": 1},
		Latency:      relayevent.LatencyStats{MeanNS: 1.5, Count: 3},
	}
	wire, err := EncodeSnapshot(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeSnapshot(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != s.Seq || got.TotalFrames != s.TotalFrames || got.ErrorsByKind["Malformed"] != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
