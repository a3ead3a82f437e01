package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamdeck/internal/playlist"
)

// EventKind enumerates the events the registry publishes.
type EventKind int

const (
	EventStreamsUpdated EventKind = iota + 1
	EventStreamsError
	EventStreamChanged
	EventPlayStream
	EventStopStream
)

// AllEvents lists every event kind.
var AllEvents = []EventKind{
	EventStreamsUpdated,
	EventStreamsError,
	EventStreamChanged,
	EventPlayStream,
	EventStopStream,
}

func (k EventKind) String() string {
	switch k {
	case EventStreamsUpdated:
		return "streamsUpdated"
	case EventStreamsError:
		return "streamsError"
	case EventStreamChanged:
		return "streamChanged"
	case EventPlayStream:
		return "playStream"
	case EventStopStream:
		return "stopStream"
	default:
		return "unknown"
	}
}

// ErrorInfo is the payload of a streamsError event.
type ErrorInfo struct {
	Message string `json:"message"`
	// StatusCode is the upstream HTTP status, zero for transport failures.
	StatusCode int `json:"statusCode,omitempty"`
	// Restored reports whether the collection was restored from the
	// persisted snapshot after the failure.
	Restored bool  `json:"restored"`
	Err      error `json:"-"`
}

// Event is one bus message. Which payload field is set depends on Kind:
// Streams for streamsUpdated, Error for streamsError, Stream for
// streamChanged (nil when the selection cleared) and playStream.
type Event struct {
	Kind    EventKind
	At      time.Time
	Streams []playlist.Stream
	Stream  *playlist.Stream
	Error   *ErrorInfo
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Event

	ch    chan Event
	kinds map[EventKind]bool
	bus   *Bus
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ID)
}

// Bus is a typed publish/subscribe fan-out. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
	log  *slog.Logger
}

// NewBus returns an empty Bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{subs: make(map[uuid.UUID]*Subscription), log: log}
}

// Subscribe registers for the given kinds, or all kinds when none are given.
func (b *Bus) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	if len(kinds) == 0 {
		kinds = AllEvents
	}

	ch := make(chan Event, buffer)
	sub := &Subscription{
		ID:    uuid.New(),
		C:     ch,
		ch:    ch,
		kinds: make(map[EventKind]bool, len(kinds)),
		bus:   b,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber of its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("subscriber buffer full, event dropped",
				slog.String("subscription", id.String()),
				slog.String("kind", ev.Kind.String()))
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}
