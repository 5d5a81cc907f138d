// Package cache is the single TTL cache shared by every command kind.
// All caching policy lives here; components never keep shadow copies of
// device data.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Key identifies one cacheable query. ArgsHash folds in any arguments
// beyond the command kind (e.g. the package name of a memory sample) so
// that distinct targets never collide.
type Key struct {
	DeviceID string
	Kind     string
	ArgsHash string
}

func (k Key) id() string {
	return k.DeviceID + "\x00" + k.Kind + "\x00" + k.ArgsHash
}

// HashArgs produces a stable ArgsHash for a command's extra arguments.
func HashArgs(args ...string) string {
	if len(args) == 0 {
		return ""
	}
	h := fnv.New64a()
	for _, a := range args {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// FetchFunc produces a fresh value. The context it receives is the
// shared fetch context for the key: it is cancelled only when every
// caller waiting on the key has gone away.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	value     any
	expiresAt time.Time
}

// flight tracks how many callers are waiting on an in-flight fetch so
// the underlying process can be torn down when the last one leaves.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// Store is a TTL cache with single-flight fetch deduplication.
// Failures are never memoized: a failed fetch leaves no entry behind
// and the next caller retries immediately.
type Store struct {
	mu      sync.Mutex
	entries map[Key]entry
	flights map[Key]*flight
	group   singleflight.Group

	now func() time.Time
	log zerolog.Logger
}

type Option func(*Store)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		entries: make(map[Key]entry),
		flights: make(map[Key]*flight),
		now:     time.Now,
		log:     log.With().Str("module", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrFetch returns the cached value for key if it is still fresh,
// otherwise runs fetch — at most once per key no matter how many
// callers arrive concurrently. A ttl of 0 skips storage but still
// deduplicates concurrent fetches.
//
// If ctx is cancelled while waiting, the caller unblocks with ctx.Err()
// and drops its reference to the fetch; the fetch itself is cancelled
// once no caller remains.
func (s *Store) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) (any, error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		if s.now().Before(e.expiresAt) {
			s.mu.Unlock()
			s.log.Debug().Str("device", key.DeviceID).Str("kind", key.Kind).Msg("cache hit")
			return e.value, nil
		}
		delete(s.entries, key)
	}
	fctx := s.joinLocked(key)
	s.mu.Unlock()
	defer s.leave(key)

	ch := s.group.DoChan(key.id(), func() (any, error) {
		v, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			s.mu.Lock()
			s.entries[key] = entry{value: v, expiresAt: s.now().Add(ttl)}
			s.mu.Unlock()
		}
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops a single entry regardless of remaining TTL.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidateDevice drops every entry for a device and cancels any
// fetch still in flight for it. Called on disconnect and on
// user-triggered refresh.
func (s *Store) InvalidateDevice(deviceID string) {
	s.mu.Lock()
	n := 0
	for k := range s.entries {
		if k.DeviceID == deviceID {
			delete(s.entries, k)
			n++
		}
	}
	for k, fl := range s.flights {
		if k.DeviceID == deviceID {
			fl.cancel()
		}
	}
	s.mu.Unlock()
	s.log.Debug().Str("device", deviceID).Int("entries", n).Msg("cache invalidated")
}

// joinLocked registers the caller against the key's fetch context,
// creating it on first arrival. Callers hold s.mu.
func (s *Store) joinLocked(key Key) context.Context {
	fl, ok := s.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		fl = &flight{ctx: ctx, cancel: cancel}
		s.flights[key] = fl
	}
	fl.refs++
	return fl.ctx
}

// leave drops one reference; the last caller out cancels the fetch and
// forgets the singleflight slot so a later caller starts clean instead
// of joining a doomed call.
func (s *Store) leave(key Key) {
	s.mu.Lock()
	fl, ok := s.flights[key]
	if ok {
		fl.refs--
		if fl.refs <= 0 {
			fl.cancel()
			delete(s.flights, key)
			s.group.Forget(key.id())
		}
	}
	s.mu.Unlock()
}
