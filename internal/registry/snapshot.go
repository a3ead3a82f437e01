package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamdeck/internal/playlist"
)

// Store keys. The selected stream is kept under its own key so a selection
// survives eviction of the bulk snapshot.
const (
	SnapshotKey = "twitch_streams_data"
	SelectedKey = "selected_stream"
)

// DefaultSnapshotMaxAge bounds how old a persisted snapshot may be and still
// be restored.
const DefaultSnapshotMaxAge = 5 * time.Minute

var (
	// ErrNoSnapshot is returned when no snapshot has been persisted.
	ErrNoSnapshot = errors.New("no persisted snapshot")

	// ErrSnapshotStale is returned when the persisted snapshot is older than
	// the configured maximum age.
	ErrSnapshotStale = errors.New("persisted snapshot is stale")
)

type snapshot struct {
	Streams         []playlist.Stream `json:"streams"`
	CurrentStreamID string            `json:"currentStreamId,omitempty"`
	TimestampMillis int64             `json:"timestampMillis"`
}

// snapshotStore reads and writes the two registry keys.
type snapshotStore struct {
	store  Store
	maxAge time.Duration
}

func (s snapshotStore) save(ctx context.Context, snap snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.store.Set(ctx, SnapshotKey, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// load returns the persisted snapshot, ErrNoSnapshot, or ErrSnapshotStale when
// it is older than maxAge relative to now.
func (s snapshotStore) load(ctx context.Context, now time.Time) (snapshot, error) {
	snap, err := s.read(ctx)
	if err != nil {
		return snapshot{}, err
	}
	age := now.Sub(time.UnixMilli(snap.TimestampMillis))
	if age > s.maxAge {
		return snapshot{}, fmt.Errorf("%w: age %s", ErrSnapshotStale, age.Round(time.Second))
	}
	return snap, nil
}

func (s snapshotStore) read(ctx context.Context) (snapshot, error) {
	data, err := s.store.Get(ctx, SnapshotKey)
	if errors.Is(err, ErrKeyNotFound) {
		return snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// updateCurrent rewrites the snapshot's selection id and keeps its timestamp,
// so the snapshot ages from the last fetch. A missing snapshot is left alone.
func (s snapshotStore) updateCurrent(ctx context.Context, id string) error {
	snap, err := s.read(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.CurrentStreamID == id {
		return nil
	}
	snap.CurrentStreamID = id
	return s.save(ctx, snap)
}

func (s snapshotStore) saveSelected(ctx context.Context, st *playlist.Stream) error {
	if st == nil {
		if err := s.store.Delete(ctx, SelectedKey); err != nil {
			return fmt.Errorf("clear selected stream: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal selected stream: %w", err)
	}
	if err := s.store.Set(ctx, SelectedKey, data); err != nil {
		return fmt.Errorf("write selected stream: %w", err)
	}
	return nil
}

// loadSelected returns the id of the separately persisted selection. found
// is false when the key was never written or has been cleared.
func (s snapshotStore) loadSelected(ctx context.Context) (id string, found bool, err error) {
	data, err := s.store.Get(ctx, SelectedKey)
	if errors.Is(err, ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read selected stream: %w", err)
	}
	var st playlist.Stream
	if err := json.Unmarshal(data, &st); err != nil {
		return "", false, fmt.Errorf("decode selected stream: %w", err)
	}
	return st.ID, true, nil
}
