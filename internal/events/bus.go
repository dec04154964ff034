package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"atelier/pkg/logger"
)

const defaultBufferSize = 256

// ErrMissingProject is returned when a subscription or publish lacks a project id.
var ErrMissingProject = errors.New("project id is required")

// Publisher is what producers need from the bus.
type Publisher interface {
	Publish(env Envelope)
}

// Subscription is one subscriber's view of a project room.
type Subscription struct {
	id        uint64
	projectID string
	ch        chan Envelope
	dropped   atomic.Uint64
	bus       *Bus
	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed on Close.
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// ProjectID returns the subscribed project.
func (s *Subscription) ProjectID() string {
	return s.projectID
}

// Dropped returns how many envelopes were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// room holds the subscribers of a single project. Each room has its own lock,
// so publishing to one project never waits on another.
type room struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	lastTS time.Time
}

// Bus fans envelopes out to subscribers of the envelope's project.
// Delivery is at-most-once and non-blocking: a full subscriber buffer drops the
// envelope for that subscriber only.
type Bus struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	nextID     atomic.Uint64
	bufferSize int
	now        func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		rooms:      make(map[string]*room),
		bufferSize: defaultBufferSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe joins the room for projectID.
func (b *Bus) Subscribe(projectID string) (*Subscription, error) {
	if projectID == "" {
		return nil, ErrMissingProject
	}

	sub := &Subscription{
		id:        b.nextID.Add(1),
		projectID: projectID,
		ch:        make(chan Envelope, b.bufferSize),
		bus:       b,
	}

	r := b.getRoom(projectID, true)
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	logger.Debug().
		Str("project_id", projectID).
		Uint64("subscription", sub.id).
		Msg("Subscribed to project")

	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	r := b.getRoom(sub.projectID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.subs[sub.id]; ok {
		delete(r.subs, sub.id)
		close(sub.ch)
	}
	r.mu.Unlock()
}

// Publish stamps env and delivers it to the project's subscribers.
// The timestamp never goes backwards within a project.
func (b *Bus) Publish(env Envelope) {
	if env.ProjectID == "" {
		logger.Warn().Str("type", string(env.Type)).Msg("Dropping envelope without project id")
		return
	}
	if env.ID == "" {
		env.ID = newID()
	}

	r := b.getRoom(env.ProjectID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := b.now()
	if ts.Before(r.lastTS) {
		ts = r.lastTS
	}
	r.lastTS = ts
	env.Timestamp = ts

	for _, sub := range r.subs {
		select {
		case sub.ch <- env:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Broadcast publishes a copy of the envelope to every project that has subscribers.
func (b *Bus) Broadcast(t Type, payload any) {
	for _, projectID := range b.Projects() {
		b.Publish(New(t, projectID, payload))
	}
}

// Projects lists projects with at least one subscriber.
func (b *Bus) Projects() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.rooms))
	for id, r := range b.rooms {
		r.mu.Lock()
		n := len(r.subs)
		r.mu.Unlock()
		if n > 0 {
			out = append(out, id)
		}
	}
	return out
}

// SubscriberCount returns the number of subscribers for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	r := b.getRoom(projectID, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (b *Bus) getRoom(projectID string, create bool) *room {
	b.mu.RLock()
	r, ok := b.rooms[projectID]
	b.mu.RUnlock()
	if ok || !create {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok = b.rooms[projectID]; ok {
		return r
	}
	r = &room{subs: make(map[uint64]*Subscription)}
	b.rooms[projectID] = r
	return r
}
