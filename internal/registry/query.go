package registry

import (
	"fmt"
	"sort"
	"strings"

	"streamdeck/internal/playlist"
)

// StatusFilter restricts a query by live classification.
type StatusFilter int

const (
	FilterAll StatusFilter = iota
	FilterLive
	FilterNotLive
)

// SortKey selects the query ordering.
type SortKey int

const (
	SortByViewers SortKey = iota
	SortByName
	// SortByStatus descending puts every live stream before every non-live
	// one, then orders by viewer count. Ascending is the exact reverse.
	SortByStatus
)

// SortOrder is Descending by default.
type SortOrder int

const (
	Descending SortOrder = iota
	Ascending
)

// Query describes a filtered, sorted view of the collection. The zero value
// returns every stream ordered by viewers, highest first.
type Query struct {
	Status     StatusFilter
	Search     string
	MinViewers uint64
	Sort       SortKey
	Order      SortOrder
}

// ParseStatusFilter accepts "", "all", "live", "offline" and "not-live".
func ParseStatusFilter(s string) (StatusFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return FilterAll, nil
	case "live":
		return FilterLive, nil
	case "offline", "not-live":
		return FilterNotLive, nil
	}
	return FilterAll, fmt.Errorf("unknown status filter %q", s)
}

// ParseSortKey accepts "", "viewers", "name" and "status".
func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "viewers":
		return SortByViewers, nil
	case "name", "handle":
		return SortByName, nil
	case "status":
		return SortByStatus, nil
	}
	return SortByViewers, fmt.Errorf("unknown sort key %q", s)
}

// ParseSortOrder accepts "", "desc" and "asc".
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "desc":
		return Descending, nil
	case "asc":
		return Ascending, nil
	}
	return Descending, fmt.Errorf("unknown sort order %q", s)
}

// Query returns the streams matching every predicate in q, ordered per q.
// The stored collection is never modified.
func (r *Registry) Query(q Query) []playlist.Stream {
	r.mu.RLock()
	out := filterStreams(r.streams, q)
	r.mu.RUnlock()

	sortStreams(out, q.Sort, q.Order)
	return out
}

// filterStreams returns a new slice holding the streams that satisfy q.
func filterStreams(streams []playlist.Stream, q Query) []playlist.Stream {
	search := strings.ToLower(strings.TrimSpace(q.Search))

	out := make([]playlist.Stream, 0, len(streams))
	for _, st := range streams {
		switch q.Status {
		case FilterLive:
			if !st.IsLive {
				continue
			}
		case FilterNotLive:
			if st.IsLive {
				continue
			}
		}
		if st.ViewerCount < q.MinViewers {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(st.Handle), search) &&
			!strings.Contains(strings.ToLower(st.Category), search) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// sortStreams orders streams in place. Equal elements keep source order.
func sortStreams(streams []playlist.Stream, key SortKey, order SortOrder) {
	byViewers := func(a, b playlist.Stream) bool {
		if order == Ascending {
			return a.ViewerCount < b.ViewerCount
		}
		return a.ViewerCount > b.ViewerCount
	}

	var less func(a, b playlist.Stream) bool
	switch key {
	case SortByName:
		less = func(a, b playlist.Stream) bool {
			an, bn := strings.ToLower(a.Handle), strings.ToLower(b.Handle)
			if order == Ascending {
				return an < bn
			}
			return an > bn
		}
	case SortByStatus:
		liveFirst := func(a, b playlist.Stream) bool {
			if a.IsLive != b.IsLive {
				return a.IsLive
			}
			return a.ViewerCount > b.ViewerCount
		}
		less = liveFirst
		if order == Ascending {
			less = func(a, b playlist.Stream) bool { return liveFirst(b, a) }
		}
	default:
		less = byViewers
	}

	sort.SliceStable(streams, func(i, j int) bool {
		return less(streams[i], streams[j])
	})
}

// Statistics summarizes the collection at the current time.
type Statistics struct {
	Total   int `json:"total"`
	Live    int `json:"live"`
	Offline int `json:"offline"`
	Expired int `json:"expired"`
	// TotalViewers sums viewers of the Live subset only.
	TotalViewers uint64 `json:"totalViewers"`
}

// Statistics counts live streams whose URL has not expired, expired streams
// regardless of classification, and the remainder as offline.
func (r *Registry) Statistics() Statistics {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Statistics{Total: len(r.streams)}
	for _, s := range r.streams {
		expired := s.IsExpired(now)
		if expired {
			st.Expired++
		}
		if s.IsLive && !expired {
			st.Live++
			st.TotalViewers += s.ViewerCount
		}
	}
	st.Offline = st.Total - st.Live - st.Expired
	return st
}
