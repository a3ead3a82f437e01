package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamdeck/internal/playlist"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1,alice [LIVE] - 120 viewers
https://example.test/alice.m3u8?token=%7B%22expires%22%3A1700000600%7D
#EXTINF:-1,bob - Offline
https://example.test/bob.m3u8
#EXTINF:-1,carol - 45 viewers
https://example.test/carol.m3u8
`

const withoutAlice = `#EXTM3U
#EXTINF:-1,bob - Offline
https://example.test/bob.m3u8
#EXTINF:-1,carol - 45 viewers
https://example.test/carol.m3u8
`

// fakeFetcher serves scripted playlist text or an error. When gate is set,
// Fetch blocks until it is closed.
type fakeFetcher struct {
	mu   sync.Mutex
	text string
	err  error
	gate chan struct{}

	calls    atomic.Int32
	forced   atomic.Int32
	inFlight atomic.Int32
	maxIn    atomic.Int32
}

func (f *fakeFetcher) set(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text, f.err = text, err
}

func (f *fakeFetcher) Fetch(ctx context.Context, force bool) (string, error) {
	f.calls.Add(1)
	if force {
		f.forced.Add(1)
	}
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxIn.Load()
		if n <= m || f.maxIn.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	gate, text, err := f.gate, f.text, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T, f Fetcher, store Store, clock *testClock) *Registry {
	t.Helper()
	if clock == nil {
		clock = newTestClock(time.Unix(1_700_000_000, 0))
	}
	reg := New(f, store, Options{Logger: testLogger(), Now: clock.Now})
	t.Cleanup(reg.Close)
	return reg
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func streamByHandle(t *testing.T, reg *Registry, handle string) playlist.Stream {
	t.Helper()
	for _, st := range reg.Streams() {
		if st.Handle == handle {
			return st
		}
	}
	t.Fatalf("no stream with handle %q", handle)
	return playlist.Stream{}
}

func TestRefresh_success(t *testing.T) {
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)
	sub := reg.Events().Subscribe(8)

	out, err := reg.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if out.Count != 3 || out.Shared || out.Restored {
		t.Errorf("outcome: %+v", out)
	}

	streams := reg.Streams()
	if len(streams) != 3 {
		t.Fatalf("expected 3 streams, got %d", len(streams))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if streams[i].Handle != want {
			t.Errorf("streams[%d]: got %q want %q", i, streams[i].Handle, want)
		}
	}

	ev := recvEvent(t, sub)
	if ev.Kind != EventStreamsUpdated || len(ev.Streams) != 3 {
		t.Errorf("expected streamsUpdated with 3 streams, got %s with %d", ev.Kind, len(ev.Streams))
	}
	expectNoEvent(t, sub)
}

func TestRefresh_forced_is_passed_to_fetcher(t *testing.T) {
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)

	if _, err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if f.forced.Load() != 1 {
		t.Errorf("expected one forced fetch, got %d", f.forced.Load())
	}
}

func TestRefresh_failure_keeps_collection(t *testing.T) {
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)
	if _, err := reg.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	sub := reg.Events().Subscribe(8)
	f.set("", errors.New("connection refused"))

	out, err := reg.Refresh(context.Background(), false)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Count != 3 || out.Restored {
		t.Errorf("outcome: %+v", out)
	}
	if len(reg.Streams()) != 3 {
		t.Error("previous collection should be kept")
	}

	ev := recvEvent(t, sub)
	if ev.Kind != EventStreamsError || ev.Error == nil || ev.Error.StatusCode != 0 {
		t.Fatalf("expected streamsError without status, got %+v", ev)
	}
	expectNoEvent(t, sub)
}

func TestRefresh_http_500_restores_fresh_snapshot(t *testing.T) {
	store := NewInMemoryStore()
	clock := newTestClock(time.Unix(1_700_000_000, 0))

	f1 := &fakeFetcher{}
	f1.set(samplePlaylist, nil)
	first := newTestRegistry(t, f1, store, clock)
	if _, err := first.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	first.Select(context.Background(), streamByHandle(t, first, "carol").ID)

	clock.Advance(2 * time.Minute)

	f2 := &fakeFetcher{}
	f2.set("", &playlist.FetchError{URL: "https://example.test/list", StatusCode: 500, Err: playlist.ErrUnexpectedStatus})
	second := newTestRegistry(t, f2, store, clock)
	sub := second.Events().Subscribe(8)

	out, err := second.Refresh(context.Background(), false)
	if err == nil {
		t.Fatal("expected error")
	}
	var fe *playlist.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != 500 {
		t.Errorf("expected wrapped FetchError with 500, got %v", err)
	}
	if !out.Restored || out.Count != 3 {
		t.Errorf("outcome: %+v", out)
	}

	ev := recvEvent(t, sub)
	if ev.Kind != EventStreamsUpdated || len(ev.Streams) != 3 {
		t.Fatalf("expected restored streamsUpdated, got %s", ev.Kind)
	}
	ev = recvEvent(t, sub)
	if ev.Kind != EventStreamChanged || ev.Stream == nil || ev.Stream.Handle != "carol" {
		t.Fatalf("expected restored selection carol, got %+v", ev)
	}
	ev = recvEvent(t, sub)
	if ev.Kind != EventStreamsError || ev.Error.StatusCode != 500 || !ev.Error.Restored {
		t.Fatalf("expected streamsError 500 restored, got %+v", ev)
	}

	sel, ok := second.Selected()
	if !ok || sel.Handle != "carol" {
		t.Errorf("selection: ok=%v handle=%q", ok, sel.Handle)
	}
}

func TestRefresh_stale_snapshot_is_not_restored(t *testing.T) {
	store := NewInMemoryStore()
	clock := newTestClock(time.Unix(1_700_000_000, 0))

	f1 := &fakeFetcher{}
	f1.set(samplePlaylist, nil)
	first := newTestRegistry(t, f1, store, clock)
	if _, err := first.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	clock.Advance(6 * time.Minute)

	f2 := &fakeFetcher{}
	f2.set("", errors.New("timeout"))
	second := newTestRegistry(t, f2, store, clock)
	sub := second.Events().Subscribe(8)

	out, err := second.Refresh(context.Background(), false)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Restored || out.Count != 0 {
		t.Errorf("outcome: %+v", out)
	}
	ev := recvEvent(t, sub)
	if ev.Kind != EventStreamsError || ev.Error.Restored {
		t.Fatalf("expected unrestored streamsError, got %+v", ev)
	}
	expectNoEvent(t, sub)
}

func TestRefresh_coalesces_concurrent_callers(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)

	const callers = 5
	var wg sync.WaitGroup
	outcomes := make([]Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = reg.Refresh(context.Background(), false)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := f.maxIn.Load(); got != 1 {
		t.Errorf("expected at most one concurrent fetch, saw %d", got)
	}
	if got := f.calls.Load(); got >= callers {
		t.Errorf("expected callers to share fetches, got %d fetches for %d callers", got, callers)
	}

	shared := 0
	for i := range outcomes {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if outcomes[i].Count != 3 {
			t.Errorf("caller %d: count %d", i, outcomes[i].Count)
		}
		if outcomes[i].Shared {
			shared++
		}
	}
	if shared != callers-int(f.calls.Load()) {
		t.Errorf("expected %d shared outcomes, got %d", callers-int(f.calls.Load()), shared)
	}
}

func TestRefresh_forced_caller_does_not_settle_for_unforced_result(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := reg.Refresh(ctx, false); err != nil {
			t.Errorf("unforced: %v", err)
		}
	}()
	deadline := time.Now().Add(time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	var forcedOut Outcome
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if forcedOut, err = reg.Refresh(ctx, true); err != nil {
			t.Errorf("forced: %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := f.calls.Load(); got != 2 {
		t.Errorf("expected a second fetch for the forced caller, got %d fetches", got)
	}
	if got := f.forced.Load(); got != 1 {
		t.Errorf("expected one forced fetch, got %d", got)
	}
	if got := f.maxIn.Load(); got != 1 {
		t.Errorf("fetches overlapped: %d", got)
	}
	if forcedOut.Count != 3 || forcedOut.Shared {
		t.Errorf("forced outcome: %+v", forcedOut)
	}
}

func TestInit(t *testing.T) {
	t.Run("empty_store", func(t *testing.T) {
		reg := newTestRegistry(t, &fakeFetcher{}, nil, nil)
		if err := reg.Init(context.Background()); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if len(reg.Streams()) != 0 {
			t.Error("expected empty collection")
		}
	})

	t.Run("restores_fresh_snapshot", func(t *testing.T) {
		store := NewInMemoryStore()
		clock := newTestClock(time.Unix(1_700_000_000, 0))
		f := &fakeFetcher{}
		f.set(samplePlaylist, nil)
		first := newTestRegistry(t, f, store, clock)
		if _, err := first.Refresh(context.Background(), false); err != nil {
			t.Fatal(err)
		}

		second := newTestRegistry(t, &fakeFetcher{}, store, clock)
		if err := second.Init(context.Background()); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if len(second.Streams()) != 3 {
			t.Errorf("expected 3 restored streams, got %d", len(second.Streams()))
		}
	})

	// selectedAfterRefresh refreshes with alice selected, so the snapshot
	// captures alice, then runs change and restores into a new registry.
	selectedAfterRefresh := func(t *testing.T, change func(ctx context.Context, reg *Registry)) (*Registry, Store) {
		t.Helper()
		ctx := context.Background()
		store := NewInMemoryStore()
		clock := newTestClock(time.Unix(1_700_000_000, 0))
		f := &fakeFetcher{}
		f.set(samplePlaylist, nil)
		first := newTestRegistry(t, f, store, clock)
		if _, err := first.Refresh(ctx, false); err != nil {
			t.Fatal(err)
		}
		first.Select(ctx, streamByHandle(t, first, "alice").ID)
		if _, err := first.Refresh(ctx, false); err != nil {
			t.Fatal(err)
		}
		change(ctx, first)

		second := newTestRegistry(t, &fakeFetcher{}, store, clock)
		if err := second.Init(ctx); err != nil {
			t.Fatalf("Init: %v", err)
		}
		return second, store
	}

	t.Run("select_after_refresh_wins", func(t *testing.T) {
		var bobID string
		reg, store := selectedAfterRefresh(t, func(ctx context.Context, reg *Registry) {
			bobID = streamByHandle(t, reg, "bob").ID
			reg.Select(ctx, bobID)
		})
		st, ok := reg.Selected()
		if !ok || st.ID != bobID {
			t.Fatalf("expected bob restored, got %q (ok=%v)", st.Handle, ok)
		}

		snap, err := snapshotStore{store: store, maxAge: DefaultSnapshotMaxAge}.read(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if snap.CurrentStreamID != bobID {
			t.Errorf("snapshot selection: got %q", snap.CurrentStreamID)
		}
		if snap.TimestampMillis != time.Unix(1_700_000_000, 0).UnixMilli() {
			t.Errorf("select must keep the snapshot timestamp, got %d", snap.TimestampMillis)
		}
	})

	t.Run("clear_after_refresh_stays_cleared", func(t *testing.T) {
		reg, _ := selectedAfterRefresh(t, func(ctx context.Context, reg *Registry) {
			reg.ClearSelection(ctx)
		})
		if st, ok := reg.Selected(); ok {
			t.Errorf("expected no selection, got %q", st.Handle)
		}
		if len(reg.Streams()) != 3 {
			t.Errorf("expected 3 restored streams, got %d", len(reg.Streams()))
		}
	})

	t.Run("corrupt_snapshot_is_an_error", func(t *testing.T) {
		store := NewInMemoryStore()
		_ = store.Set(context.Background(), SnapshotKey, []byte("{not json"))
		reg := newTestRegistry(t, &fakeFetcher{}, store, nil)
		if err := reg.Init(context.Background()); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestSelect(t *testing.T) {
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)
	if _, err := reg.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	sub := reg.Events().Subscribe(8)
	ctx := context.Background()

	if _, ok := reg.Select(ctx, "does-not-exist"); ok {
		t.Error("unknown id should not select")
	}
	expectNoEvent(t, sub)

	bob := streamByHandle(t, reg, "bob")
	st, ok := reg.Select(ctx, bob.ID)
	if !ok || st.ID != bob.ID {
		t.Fatalf("Select: ok=%v id=%q", ok, st.ID)
	}
	ev := recvEvent(t, sub)
	if ev.Kind != EventStreamChanged || ev.Stream == nil || ev.Stream.ID != bob.ID {
		t.Fatalf("expected streamChanged bob, got %+v", ev)
	}

	if _, ok := reg.Select(ctx, bob.ID); !ok {
		t.Error("reselecting should succeed")
	}
	expectNoEvent(t, sub)

	reg.ClearSelection(ctx)
	ev = recvEvent(t, sub)
	if ev.Kind != EventStreamChanged || ev.Stream != nil {
		t.Fatalf("expected streamChanged nil, got %+v", ev)
	}
	if _, ok := reg.Selected(); ok {
		t.Error("selection should be cleared")
	}
	reg.ClearSelection(ctx)
	expectNoEvent(t, sub)
}

func TestRefresh_reresolves_selection(t *testing.T) {
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)
	ctx := context.Background()
	if _, err := reg.Refresh(ctx, false); err != nil {
		t.Fatal(err)
	}

	alice := streamByHandle(t, reg, "alice")
	reg.Select(ctx, alice.ID)
	sub := reg.Events().Subscribe(8)

	if _, err := reg.Refresh(ctx, false); err != nil {
		t.Fatal(err)
	}
	if ev := recvEvent(t, sub); ev.Kind != EventStreamsUpdated {
		t.Fatalf("expected streamsUpdated, got %s", ev.Kind)
	}
	expectNoEvent(t, sub)
	if sel, ok := reg.Selected(); !ok || sel.ID != alice.ID {
		t.Error("selection should survive a refresh that keeps the stream")
	}

	f.set(withoutAlice, nil)
	if _, err := reg.Refresh(ctx, false); err != nil {
		t.Fatal(err)
	}
	if ev := recvEvent(t, sub); ev.Kind != EventStreamsUpdated {
		t.Fatalf("expected streamsUpdated, got %s", ev.Kind)
	}
	ev := recvEvent(t, sub)
	if ev.Kind != EventStreamChanged || ev.Stream != nil {
		t.Fatalf("expected streamChanged nil, got %+v", ev)
	}
	if _, ok := reg.Selected(); ok {
		t.Error("selection should clear when its stream disappears")
	}
}

func TestPlayAndStop(t *testing.T) {
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)
	ctx := context.Background()
	if _, err := reg.Refresh(ctx, false); err != nil {
		t.Fatal(err)
	}
	sub := reg.Events().Subscribe(8, EventPlayStream, EventStopStream)

	if _, err := reg.Play(ctx, "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
	expectNoEvent(t, sub)

	carol := streamByHandle(t, reg, "carol")
	if _, err := reg.Play(ctx, carol.ID); err != nil {
		t.Fatalf("Play: %v", err)
	}
	ev := recvEvent(t, sub)
	if ev.Kind != EventPlayStream || ev.Stream.ID != carol.ID {
		t.Fatalf("expected playStream carol, got %+v", ev)
	}
	if sel, ok := reg.Selected(); !ok || sel.ID != carol.ID {
		t.Error("Play should select the stream")
	}

	reg.Stop()
	if ev := recvEvent(t, sub); ev.Kind != EventStopStream {
		t.Fatalf("expected stopStream, got %s", ev.Kind)
	}
	if _, ok := reg.Selected(); !ok {
		t.Error("Stop should keep the selection")
	}
}

func TestStatistics_expiry_follows_clock(t *testing.T) {
	clock := newTestClock(time.Unix(1_700_000_000, 0))
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, clock)
	if _, err := reg.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	// alice expires at 1_700_000_600, so she counts as expired from
	// 1_700_000_300 on.
	got := reg.Statistics()
	want := Statistics{Total: 3, Live: 2, Offline: 1, Expired: 0, TotalViewers: 165}
	if got != want {
		t.Errorf("before expiry: got %+v want %+v", got, want)
	}

	clock.Advance(300 * time.Second)
	got = reg.Statistics()
	want = Statistics{Total: 3, Live: 1, Offline: 1, Expired: 1, TotalViewers: 45}
	if got != want {
		t.Errorf("after expiry: got %+v want %+v", got, want)
	}
	if got.Live+got.Offline+got.Expired != got.Total {
		t.Error("live + offline + expired should equal total")
	}
}

func TestStreams_returns_copy(t *testing.T) {
	f := &fakeFetcher{}
	f.set(samplePlaylist, nil)
	reg := newTestRegistry(t, f, nil, nil)
	if _, err := reg.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	streams := reg.Streams()
	streams[0].Handle = "mallory"
	if reg.Streams()[0].Handle != "alice" {
		t.Error("mutating the returned slice should not affect the registry")
	}
}
