package daemon

import (
	"sync"
	"time"
)

// Event is a single daemon event, e.g. "announce_received", "outbound",
// "propagation_state", "announce_sent".
type Event struct {
	Type    string
	Payload map[string]interface{}
}

// eventQueue is a bounded FIFO of emitted events: take_event drains it in
// order, and the oldest entry is dropped (not the newest) once it's full,
// so a slow poller loses history rather than blocking producers.
type eventQueue struct {
	mu       sync.Mutex
	capacity int
	items    []Event
	subs     []chan Event
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{capacity: capacity}
}

func (q *eventQueue) push(ev Event, m *Metrics) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	dropped := false
	if len(q.items) > q.capacity {
		q.items = q.items[len(q.items)-q.capacity:]
		dropped = true
	}
	subs := append([]chan Event(nil), q.subs...)
	q.mu.Unlock()

	m.observeEventQueued()
	if dropped {
		m.observeEventDropped()
	}

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// take returns the oldest queued event, if any, removing it from the queue.
func (q *eventQueue) take() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// subscribe returns a channel receiving every event pushed from now on.
// The channel has the queue's capacity as its buffer; a subscriber that
// falls behind misses events rather than stalling the daemon.
func (q *eventQueue) subscribe() <-chan Event {
	ch := make(chan Event, q.capacity)
	q.mu.Lock()
	q.subs = append(q.subs, ch)
	q.mu.Unlock()
	return ch
}

// PushEvent queues ev for take/subscribe delivery.
func (d *Daemon) PushEvent(ev Event) { d.events.push(ev, d.metrics) }

// TakeEvent pops the oldest queued event, if any.
func (d *Daemon) TakeEvent() (Event, bool) { return d.events.take() }

// SubscribeEvents streams every event emitted from now on.
func (d *Daemon) SubscribeEvents() <-chan Event { return d.events.subscribe() }

// StartAnnounceScheduler fires an announce immediately and then every
// intervalSecs, invoking the announce bridge and emitting an
// "announce_sent" event each tick, until stop is called. intervalSecs <= 0
// disables the scheduler: nothing fires and the returned stop is a no-op.
func (d *Daemon) StartAnnounceScheduler(intervalSecs int) (stop func()) {
	stopCh := make(chan struct{})
	if intervalSecs <= 0 {
		return func() {}
	}

	fire := func() {
		if d.announceBridge != nil {
			if err := d.announceBridge.AnnounceNow(); err != nil {
				d.logger.Warn("announce scheduler: announce failed", "error", err)
			}
		}
		d.PushEvent(Event{Type: "announce_sent", Payload: map[string]interface{}{
			"timestamp": nowSeconds(),
		}})
	}

	go func() {
		fire()
		ticker := time.NewTicker(time.Duration(intervalSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fire()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}
