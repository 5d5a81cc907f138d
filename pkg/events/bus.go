package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Bus fans events out to subscribers. Each subscriber gets its own FIFO
// queue drained by a dedicated goroutine, so a slow consumer delays
// only itself and never reorders or drops anything.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	log    zerolog.Logger
}

type subscriber struct {
	mu       sync.Mutex
	queue    []Event
	wake     chan struct{}
	out      chan Event
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		log:  log.With().Str("module", "events").Logger(),
	}
}

// Subscribe returns a channel of events in publish order and a cancel
// function. The channel is closed after cancellation.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		wake:    make(chan struct{}, 1),
		out:     make(chan Event),
		stopped: make(chan struct{}),
	}
	go s.drain()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return s.out, func() {}
	}
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.stop()
		})
	}
	return s.out, cancel
}

// Publish enqueues ev for every subscriber and returns immediately.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	for _, s := range b.subs {
		s.enqueue(ev)
	}
	b.mu.Unlock()
	b.log.Debug().Str("kind", string(ev.Kind)).Str("device", ev.DeviceID).Msg("event published")
}

// Close stops all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var ev Event
		have := len(s.queue) > 0
		if have {
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.wake:
				continue
			case <-s.stopped:
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.stopped:
			return
		}
	}
}
