package playlist

import "time"

// ExpirySafetyMargin is subtracted from a token's expiry instant before a
// playback URL is considered expired, so a URL is never handed out moments
// before it stops working.
const ExpirySafetyMargin = 300 * time.Second

// DefaultCategory is used when the descriptor carries no category segment.
const DefaultCategory = "Just Chatting"

// UnknownHandle is used when no handle can be extracted from a descriptor.
const UnknownHandle = "Unknown"

// RawEntry is one structural record of a playlist: a metadata line and the
// URL line that closed it.
type RawEntry struct {
	// Name is the descriptor text after the first comma of the #EXTINF line.
	Name string
	// Duration is the numeric field before the comma. Live playlists use -1;
	// it is carried for completeness and otherwise ignored.
	Duration float64
	URL      string
}

// Status classifies a stream. Expired is never stored; it is derived at read
// time by Stream.EffectiveStatus.
type Status string

const (
	StatusLive    Status = "LIVE"
	StatusOffline Status = "OFFLINE"
	StatusExpired Status = "EXPIRED"
	StatusUnknown Status = "UNKNOWN"
)

// Stream is the canonical, registry-owned stream record.
type Stream struct {
	ID              string `json:"id"`
	RawName         string `json:"rawName"`
	Handle          string `json:"handle"`
	DisplayName     string `json:"displayName"`
	SafeDisplayName string `json:"safeDisplayName"`
	Category        string `json:"category"`
	ViewerCount     uint64 `json:"viewerCount"`
	IsLive          bool   `json:"isLive"`
	// Status holds the classification from the descriptor: Live, Offline or
	// Unknown.
	Status      Status `json:"status"`
	PlaybackURL string `json:"playbackUrl"`
	// ExpiresAt is the epoch-seconds expiry decoded from the URL token, nil
	// when undetermined.
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl"`
	ChatURL      string `json:"chatUrl"`
	ShareURL     string `json:"shareUrl"`
}

// IsExpired reports whether now is within ExpirySafetyMargin of the URL's
// expiry, or past it. Streams with an undetermined expiry never expire.
func (s Stream) IsExpired(now time.Time) bool {
	if s.ExpiresAt == nil {
		return false
	}
	return now.Unix() >= *s.ExpiresAt-int64(ExpirySafetyMargin/time.Second)
}

// EffectiveStatus returns StatusExpired for expired streams and the stored
// classification otherwise.
func (s Stream) EffectiveStatus(now time.Time) Status {
	if s.IsExpired(now) {
		return StatusExpired
	}
	return s.Status
}

// TimeUntilExpiry returns how long the playback URL remains valid, ignoring
// the safety margin. It is zero when the expiry is undetermined or passed.
func (s Stream) TimeUntilExpiry(now time.Time) time.Duration {
	if s.ExpiresAt == nil {
		return 0
	}
	d := time.Unix(*s.ExpiresAt, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
