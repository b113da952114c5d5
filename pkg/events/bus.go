// Package events fans typed position events out to in-process subscribers.
//
// Publishing never blocks. Every subscription owns a bounded queue; when it
// is full the oldest queued event is discarded and the subscription's
// dropped counter is incremented. A delivery goroutine per subscription
// moves events from the queue to the consumer channel in FIFO order, so
// events for one tag reach each subscriber in the order they were published.
package events

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// DefaultCapacity is the queue size used when Subscribe is given zero
const DefaultCapacity = 256

// Bus is a publish-subscribe hub for messages.Event values
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	logger    zerolog.Logger

	// retired keeps the drop totals of closed subscriptions
	retired atomic.Uint64
}

// NewBus creates an empty bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a new subscriber. Types, when given, restrict the
// subscription to those event types.
func (b *Bus) Subscribe(name string, capacity int, types ...messages.EventType) *Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	s := &Subscription{
		name:   name,
		bus:    b,
		queue:  make([]messages.Event, capacity),
		notify: make(chan struct{}, 1),
		out:    make(chan messages.Event),
		done:   make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[messages.EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.deliver()

	b.logger.Debug().Str("subscriber", name).Int("capacity", capacity).Msg("Subscriber registered")
	return s
}

// Publish hands ev to every matching subscriber without blocking
func (b *Bus) Publish(ev messages.Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.enqueue(ev)
	}
}

// Published returns the number of events published since start
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Dropped returns the total number of events discarded across all subscribers
func (b *Bus) Dropped() uint64 {
	total := b.retired.Load()
	for _, st := range b.Stats() {
		total += st.Dropped
	}
	return total
}

// SubscriberStats describes one live subscription
type SubscriberStats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns per-subscriber counters ordered by name
func (b *Bus) Stats() []SubscriberStats {
	b.mu.RLock()
	out := make([]SubscriberStats, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s.stats())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every subscription. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		b.retired.Add(s.dropped.Load())
	}
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus
type Subscription struct {
	name  string
	bus   *Bus
	types map[messages.EventType]bool

	mu    sync.Mutex
	queue []messages.Event // ring buffer
	head  int
	size  int

	notify chan struct{}
	out    chan messages.Event
	done   chan struct{}
	once   sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Name returns the subscriber name
func (s *Subscription) Name() string {
	return s.name
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan messages.Event {
	return s.out
}

// Dropped returns how many events this subscriber lost to overflow
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) enqueue(ev messages.Event) {
	if s.types != nil && !s.types[ev.Type()] {
		return
	}

	s.mu.Lock()
	if s.size == len(s.queue) {
		s.queue[s.head] = nil
		s.head = (s.head + 1) % len(s.queue)
		s.size--
		if s.dropped.Add(1) == 1 {
			s.bus.logger.Warn().Str("subscriber", s.name).Msg("Slow subscriber, dropping oldest events")
		}
	}
	s.queue[(s.head+s.size)%len(s.queue)] = ev
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (messages.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return nil, false
	}
	ev := s.queue[s.head]
	s.queue[s.head] = nil
	s.head = (s.head + 1) % len(s.queue)
	s.size--
	return ev, true
}

func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
			s.delivered.Add(1)
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) stats() SubscriberStats {
	s.mu.Lock()
	queued := s.size
	s.mu.Unlock()
	return SubscriberStats{
		Name:      s.name,
		Queued:    queued,
		Capacity:  len(s.queue),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}
