package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamdeck/internal/platform/metrics"
	"streamdeck/internal/playlist"
)

// ErrStreamNotFound is returned when an operation names an id that is not in
// the current collection.
var ErrStreamNotFound = errors.New("stream not found")

// Fetcher retrieves the raw playlist text. force asks it to bypass client-side
// caches.
type Fetcher interface {
	Fetch(ctx context.Context, force bool) (string, error)
}

// Options configures a Registry. Zero values pick defaults; Metrics may be nil
// to disable metric recording (e.g. in tests).
type Options struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
	SnapshotMaxAge time.Duration
}

// Outcome describes a finished refresh.
type Outcome struct {
	// Count is the collection size after the refresh.
	Count int
	// Shared is true when the call joined a refresh that was already in flight.
	Shared bool
	// Restored is true when a failed refresh fell back to the persisted snapshot.
	Restored bool
}

// Registry owns the stream collection and the current selection. All methods
// are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	streams  []playlist.Stream
	selected *playlist.Stream

	fetcher   Fetcher
	snapshots snapshotStore
	bus       *Bus
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// refreshes admits at most one fetch at a time; concurrent callers share
	// its result.
	refreshes singleflight.Group

	// persistMu orders store writes so they land in the order the state they
	// capture was taken. Acquire before mu.
	persistMu sync.Mutex
}

// New constructs a Registry. Call Init to restore persisted state.
func New(fetcher Fetcher, store Store, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SnapshotMaxAge <= 0 {
		opts.SnapshotMaxAge = DefaultSnapshotMaxAge
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	log := opts.Logger.With(slog.String("component", "registry"))
	return &Registry{
		fetcher:   fetcher,
		snapshots: snapshotStore{store: store, maxAge: opts.SnapshotMaxAge},
		bus:       NewBus(log),
		log:       log,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Events returns the registry's event bus.
func (r *Registry) Events() *Bus {
	return r.bus
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

// Init restores the persisted snapshot if one exists and is fresh. A missing
// or stale snapshot is not an error.
func (r *Registry) Init(ctx context.Context) error {
	n, err := r.restore(ctx)
	switch {
	case err == nil:
		r.log.Info("restored persisted snapshot", slog.Int("streams", n))
		return nil
	case errors.Is(err, ErrNoSnapshot), errors.Is(err, ErrSnapshotStale):
		r.log.Info("no usable snapshot", slog.String("reason", err.Error()))
		return nil
	default:
		return fmt.Errorf("init registry: %w", err)
	}
}

// Close releases subscribers. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.bus.Close()
}

// Refresh fetches, parses and normalizes the playlist and swaps the whole
// collection. On failure the current collection is kept; if it is empty the
// persisted snapshot is restored. Either way a streamsError event is published
// and the cause returned. A call made while a refresh is in flight waits for
// that refresh and shares its outcome instead of fetching again. A forced call
// that joined a non-forced refresh runs one forced refresh afterwards.
func (r *Registry) Refresh(ctx context.Context, force bool) (Outcome, error) {
	res, shared, err := r.join(ctx, force)
	if force && shared && !res.forced {
		res, shared, err = r.join(ctx, true)
	}
	out := res.out
	if shared {
		out.Shared = true
		r.incRefresh(metrics.RefreshCoalesced)
	}
	return out, err
}

// flight is the shared result of one refresh.
type flight struct {
	out    Outcome
	forced bool
}

// join runs a refresh or waits for the one in flight. shared reports whether
// the result came from another caller's refresh.
func (r *Registry) join(ctx context.Context, force bool) (res flight, shared bool, err error) {
	leader := false
	v, err, _ := r.refreshes.Do("refresh", func() (interface{}, error) {
		leader = true
		out, err := r.refresh(ctx, force)
		return flight{out: out, forced: force}, err
	})
	res, _ = v.(flight)
	return res, !leader, err
}

func (r *Registry) refresh(ctx context.Context, force bool) (Outcome, error) {
	start := time.Now()
	text, err := r.fetcher.Fetch(ctx, force)
	if r.metrics != nil {
		r.metrics.ObserveFetch(time.Since(start).Seconds())
	}
	if err != nil {
		return r.refreshFailed(ctx, err)
	}

	streams := playlist.NormalizeAll(playlist.Parse(text))

	r.persistMu.Lock()
	r.mu.Lock()
	r.streams = streams
	cleared := r.reresolveSelectionLocked()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if err := r.snapshots.save(ctx, snap); err != nil {
		r.log.Warn("persist snapshot failed", slog.String("error", err.Error()))
	}
	if cleared {
		if err := r.snapshots.saveSelected(ctx, nil); err != nil {
			r.log.Warn("clear persisted selection failed", slog.String("error", err.Error()))
		}
	}
	r.persistMu.Unlock()

	r.log.Info("streams refreshed",
		slog.Int("streams", len(streams)),
		slog.Bool("force", force))
	r.incRefresh(metrics.RefreshSuccess)

	r.publish(Event{Kind: EventStreamsUpdated, Streams: cloneStreams(streams)})
	if cleared {
		r.publish(Event{Kind: EventStreamChanged})
	}
	return Outcome{Count: len(streams)}, nil
}

func (r *Registry) refreshFailed(ctx context.Context, cause error) (Outcome, error) {
	r.incRefresh(metrics.RefreshError)

	r.mu.RLock()
	n := len(r.streams)
	r.mu.RUnlock()

	restored := false
	if n == 0 {
		count, err := r.restore(ctx)
		if err != nil {
			r.log.Info("snapshot fallback unavailable", slog.String("reason", err.Error()))
		} else {
			restored = count > 0
			n = count
		}
	}

	r.log.Warn("refresh failed",
		slog.String("error", cause.Error()),
		slog.Int("streams", n),
		slog.Bool("restored", restored))

	info := &ErrorInfo{Message: cause.Error(), Restored: restored, Err: cause}
	var fe *playlist.FetchError
	if errors.As(cause, &fe) {
		info.StatusCode = fe.StatusCode
	}
	r.publish(Event{Kind: EventStreamsError, Error: info})

	return Outcome{Count: n, Restored: restored}, fmt.Errorf("refresh streams: %w", cause)
}

// restore replaces the collection with the persisted snapshot and resolves
// the persisted selection against it. An empty snapshot leaves state alone.
func (r *Registry) restore(ctx context.Context) (int, error) {
	snap, err := r.snapshots.load(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if len(snap.Streams) == 0 {
		return 0, nil
	}

	// The selection key is written on every select and clear, so it wins over
	// the id captured with the snapshot.
	selectedID := snap.CurrentStreamID
	if id, found, err := r.snapshots.loadSelected(ctx); err != nil {
		r.log.Warn("read persisted selection failed", slog.String("error", err.Error()))
	} else if found {
		selectedID = id
	}

	r.mu.Lock()
	r.streams = snap.Streams
	r.selected = nil
	if st, ok := findStream(r.streams, selectedID); ok {
		r.selected = &st
	}
	selected := cloneStream(r.selected)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.IncSnapshotRestores()
	}
	r.publish(Event{Kind: EventStreamsUpdated, Streams: cloneStreams(snap.Streams)})
	if selected != nil {
		r.publish(Event{Kind: EventStreamChanged, Stream: selected})
	}
	return len(snap.Streams), nil
}

// reresolveSelectionLocked points the selection at the stream with the same
// id in the new collection, or clears it. It reports whether it cleared.
// Caller must hold r.mu in write mode.
func (r *Registry) reresolveSelectionLocked() bool {
	if r.selected == nil {
		return false
	}
	if st, ok := findStream(r.streams, r.selected.ID); ok {
		r.selected = &st
		return false
	}
	r.selected = nil
	return true
}

// snapshotLocked captures the state to persist. Caller must hold r.mu.
func (r *Registry) snapshotLocked() snapshot {
	snap := snapshot{
		Streams:         cloneStreams(r.streams),
		TimestampMillis: r.now().UnixMilli(),
	}
	if r.selected != nil {
		snap.CurrentStreamID = r.selected.ID
	}
	return snap
}

// Streams returns a copy of the collection in source order.
func (r *Registry) Streams() []playlist.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneStreams(r.streams)
}

// Stream returns the stream with the given id.
func (r *Registry) Stream(id string) (playlist.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findStream(r.streams, id)
}

// Selected returns the current selection.
func (r *Registry) Selected() (playlist.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected == nil {
		return playlist.Stream{}, false
	}
	return *r.selected, true
}

// Select makes the stream with id the current selection and publishes
// streamChanged. An unknown id is a no-op that publishes nothing, as is
// selecting the stream that is already selected.
func (r *Registry) Select(ctx context.Context, id string) (playlist.Stream, bool) {
	r.persistMu.Lock()
	r.mu.Lock()
	st, ok := findStream(r.streams, id)
	if !ok {
		r.mu.Unlock()
		r.persistMu.Unlock()
		return playlist.Stream{}, false
	}
	unchanged := r.selected != nil && r.selected.ID == id
	r.selected = &st
	r.mu.Unlock()

	if unchanged {
		r.persistMu.Unlock()
		return st, true
	}

	r.persistSelection(ctx, &st)
	r.persistMu.Unlock()

	r.log.Debug("stream selected", slog.String("id", st.ID), slog.String("handle", st.Handle))
	r.publish(Event{Kind: EventStreamChanged, Stream: cloneStream(&st)})
	return st, true
}

// ClearSelection drops the current selection, publishing streamChanged with
// no stream if there was one.
func (r *Registry) ClearSelection(ctx context.Context) {
	r.persistMu.Lock()
	r.mu.Lock()
	had := r.selected != nil
	r.selected = nil
	r.mu.Unlock()

	if !had {
		r.persistMu.Unlock()
		return
	}
	r.persistSelection(ctx, nil)
	r.persistMu.Unlock()

	r.publish(Event{Kind: EventStreamChanged})
}

// persistSelection writes the selection key and the snapshot's selection id.
// Caller must hold r.persistMu.
func (r *Registry) persistSelection(ctx context.Context, st *playlist.Stream) {
	id := ""
	if st != nil {
		id = st.ID
	}
	if err := r.snapshots.saveSelected(ctx, st); err != nil {
		r.log.Warn("persist selection failed", slog.String("error", err.Error()))
	}
	if err := r.snapshots.updateCurrent(ctx, id); err != nil {
		r.log.Warn("persist snapshot selection failed", slog.String("error", err.Error()))
	}
}

// Play selects the stream and asks players to start it.
func (r *Registry) Play(ctx context.Context, id string) (playlist.Stream, error) {
	st, ok := r.Select(ctx, id)
	if !ok {
		return playlist.Stream{}, fmt.Errorf("play %s: %w", id, ErrStreamNotFound)
	}
	r.publish(Event{Kind: EventPlayStream, Stream: cloneStream(&st)})
	return st, nil
}

// Stop asks players to stop. The selection is kept.
func (r *Registry) Stop() {
	r.publish(Event{Kind: EventStopStream})
}

// UpdateGauges pushes current statistics into the metrics gauges.
func (r *Registry) UpdateGauges() {
	if r.metrics == nil {
		return
	}
	st := r.Statistics()
	r.metrics.SetStreams(st.Total, st.Live, st.Expired)
}

func (r *Registry) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	r.bus.Publish(ev)
	if r.metrics != nil {
		r.metrics.IncEvent(ev.Kind.String())
	}
}

func (r *Registry) incRefresh(result string) {
	if r.metrics != nil {
		r.metrics.IncRefresh(result)
	}
}

func findStream(streams []playlist.Stream, id string) (playlist.Stream, bool) {
	if id == "" {
		return playlist.Stream{}, false
	}
	for _, st := range streams {
		if st.ID == id {
			return st, true
		}
	}
	return playlist.Stream{}, false
}

func cloneStreams(streams []playlist.Stream) []playlist.Stream {
	if streams == nil {
		return nil
	}
	out := make([]playlist.Stream, len(streams))
	copy(out, streams)
	return out
}

func cloneStream(st *playlist.Stream) *playlist.Stream {
	if st == nil {
		return nil
	}
	cp := *st
	return &cp
}
