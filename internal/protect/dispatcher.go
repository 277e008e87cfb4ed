package protect

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/zorak1103/nest-protect/internal/nest"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 32

// Subscription receives device bucket notifications.
type Subscription struct {
	// C delivers updated buckets. It is closed on Unsubscribe or when the
	// dispatcher closes.
	C <-chan nest.Bucket

	ch  chan nest.Bucket
	key string
	d   *Dispatcher
}

// Unsubscribe stops delivery and closes C.
func (s *Subscription) Unsubscribe() {
	s.d.remove(s)
}

// Dispatcher fans device updates out to subscribers keyed by object key.
// Send never blocks: a full subscriber loses its oldest pending update.
type Dispatcher struct {
	mu       sync.Mutex
	byKey    map[string]mapset.Set[*Subscription]
	wildcard mapset.Set[*Subscription]
	closed   bool
	dropped  int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		byKey:    make(map[string]mapset.Set[*Subscription]),
		wildcard: mapset.NewThreadUnsafeSet[*Subscription](),
	}
}

// Subscribe registers for updates of one object key.
func (d *Dispatcher) Subscribe(objectKey string) *Subscription {
	return d.add(objectKey)
}

// SubscribeAll registers for updates of every device.
func (d *Dispatcher) SubscribeAll() *Subscription {
	return d.add("")
}

func (d *Dispatcher) add(key string) *Subscription {
	ch := make(chan nest.Bucket, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, key: key, d: d}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		close(ch)
		return sub
	}
	if key == "" {
		d.wildcard.Add(sub)
		return sub
	}
	set, ok := d.byKey[key]
	if !ok {
		set = mapset.NewThreadUnsafeSet[*Subscription]()
		d.byKey[key] = set
	}
	set.Add(sub)
	return sub
}

func (d *Dispatcher) remove(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sub.key == "" {
		if !d.wildcard.Contains(sub) {
			return
		}
		d.wildcard.Remove(sub)
	} else {
		set, ok := d.byKey[sub.key]
		if !ok || !set.Contains(sub) {
			return
		}
		set.Remove(sub)
		if set.Cardinality() == 0 {
			delete(d.byKey, sub.key)
		}
	}
	close(sub.ch)
}

// Send delivers b to the subscribers of its key and to every wildcard
// subscriber.
func (d *Dispatcher) Send(b nest.Bucket) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if set, ok := d.byKey[b.ObjectKey]; ok {
		for sub := range set.Iter() {
			d.deliver(sub, b)
		}
	}
	for sub := range d.wildcard.Iter() {
		d.deliver(sub, b)
	}
}

// deliver must be called with d.mu held, which makes the drop-then-send
// sequence race free against other senders.
func (d *Dispatcher) deliver(sub *Subscription, b nest.Bucket) {
	for {
		select {
		case sub.ch <- b.Clone():
			return
		default:
		}
		select {
		case <-sub.ch:
			d.dropped++
		default:
		}
	}
}

// Dropped returns how many notifications were discarded for slow subscribers.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close closes every subscription. Later sends are ignored.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, set := range d.byKey {
		for sub := range set.Iter() {
			close(sub.ch)
		}
	}
	for sub := range d.wildcard.Iter() {
		close(sub.ch)
	}
	d.byKey = make(map[string]mapset.Set[*Subscription])
	d.wildcard.Clear()
}
