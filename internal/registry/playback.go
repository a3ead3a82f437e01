package registry

import (
	"context"
	"log/slog"
	"strings"
)

// PlaybackCause classifies a player failure.
type PlaybackCause string

const (
	CauseAutoplayDenied PlaybackCause = "autoplay-denied"
	CauseNetwork        PlaybackCause = "network"
	CauseExpiredURL     PlaybackCause = "expired-url"
	CauseUnknown        PlaybackCause = "unknown"
)

// ParsePlaybackCause maps free text from a player to a cause.
func ParsePlaybackCause(s string) PlaybackCause {
	switch PlaybackCause(strings.ToLower(strings.TrimSpace(s))) {
	case CauseAutoplayDenied:
		return CauseAutoplayDenied
	case CauseNetwork:
		return CauseNetwork
	case CauseExpiredURL:
		return CauseExpiredURL
	default:
		return CauseUnknown
	}
}

// PlaybackReport is the registry's answer to a playback failure.
type PlaybackReport struct {
	Cause            PlaybackCause `json:"cause"`
	Message          string        `json:"message"`
	RefreshTriggered bool          `json:"refreshTriggered"`
	RefreshError     string        `json:"refreshError,omitempty"`
}

var playbackMessages = map[PlaybackCause]string{
	CauseAutoplayDenied: "Autoplay was blocked by the browser. Press play to start the stream.",
	CauseNetwork:        "Network error while loading the stream. Check your connection and try again.",
	CauseExpiredURL:     "The stream link has expired. Refreshing the stream list.",
	CauseUnknown:        "Stream playback error. The stream may be offline or the URL may have expired.",
}

// ReportPlaybackFailure records a player failure for the stream with id. A
// failure on a stream whose URL has expired is reported as CauseExpiredURL
// whatever the player said, and an expired URL triggers a forced refresh
// since a fresh playlist carries fresh tokens.
func (r *Registry) ReportPlaybackFailure(ctx context.Context, id string, cause PlaybackCause) PlaybackReport {
	if st, ok := r.Stream(id); ok && cause != CauseAutoplayDenied && st.IsExpired(r.now()) {
		cause = CauseExpiredURL
	}

	report := PlaybackReport{Cause: cause, Message: playbackMessages[cause]}
	r.log.Info("playback failure reported",
		slog.String("id", id),
		slog.String("cause", string(cause)))

	if cause != CauseExpiredURL {
		return report
	}

	report.RefreshTriggered = true
	if _, err := r.Refresh(ctx, true); err != nil {
		report.RefreshError = err.Error()
	}
	return report
}
