// package metrics implements the relay's metrics publisher (C7):
// a lazy sequence of Snapshot and alert events delivered to bounded,
// drop-oldest per-subscriber queues, plus a github.com/fxamacker/cbor/v2
// wire encoding for Snapshot records so external collaborators
// (dashboard, MQTT egress -- spec.md §1's out-of-scope glue layers)
// have a concrete format to decode without the core depending on them.
package metrics

import (
	"sync"

	"github.com/fxamacker/cbor/v2"

	"nfcrelay.dev/relayevent"
)

// queueDepth is the bounded per-subscriber queue size (spec.md §4.7).
const queueDepth = 64

// Publisher fans events out to subscribers. The zero value is not
// usable; create one with New.
type Publisher struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	ch chan relayevent.Event
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a new subscriber and returns a channel of events
// and an unsubscribe function. The channel has a bounded capacity; a
// subscriber that falls behind has its oldest undelivered event
// dropped to make room for the newest, per spec.md §4.7.
func (p *Publisher) Subscribe() (<-chan relayevent.Event, func()) {
	sub := &subscription{ch: make(chan relayevent.Event, queueDepth)}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	unsubscribe := func() {
		p.mu.Lock()
		delete(p.subs, sub)
		p.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

// Publish delivers ev to every current subscriber, dropping the
// oldest queued event for any subscriber whose queue is full.
func (p *Publisher) Publish(ev relayevent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// EncodeSnapshot renders s using the CBOR wire format.
func EncodeSnapshot(s relayevent.Snapshot) ([]byte, error) {
	return cbor.Marshal(s)
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (relayevent.Snapshot, error) {
	var s relayevent.Snapshot
	err := cbor.Unmarshal(data, &s)
	return s, err
}
