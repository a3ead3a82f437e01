package playlist

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Derived URL templates. The handle is substituted path-escaped.
const (
	ThumbnailURLTemplate = "https://static-cdn.jtvnw.net/previews-ttv/live_user_%s-320x180.jpg"
	ChatURLTemplate      = "https://www.twitch.tv/embed/%s/chat?darkpopout"
	ShareURLTemplate     = "https://twitch.tv/%s"
)

const liveMarker = "[LIVE]"

var (
	bracketGroupRe = regexp.MustCompile(`\[[^\]]*\]`)
	viewersRe      = regexp.MustCompile(`(?i)(\d+)\s*viewers\b`)
	offlineWordRe  = regexp.MustCompile(`(?i)\boffline\b`)
	// statusSuffixRe matches one trailing " - N viewers" or " - Offline".
	statusSuffixRe = regexp.MustCompile(`(?i)\s*-\s*(?:\d+\s*viewers|offline)\s*$`)
)

// Normalize derives the canonical Stream from a raw entry.
func Normalize(e RawEntry) Stream {
	viewers := ViewerCount(e.Name)
	status := Classify(e.Name)
	handle, category := splitDescriptor(e.Name)

	s := Stream{
		ID:              StreamID(e.Name),
		RawName:         e.Name,
		Handle:          handle,
		DisplayName:     handle,
		SafeDisplayName: html.EscapeString(handle),
		Category:        category,
		ViewerCount:     viewers,
		IsLive:          status == StatusLive,
		Status:          status,
		PlaybackURL:     e.URL,
		ThumbnailURL:    fmt.Sprintf(ThumbnailURLTemplate, url.PathEscape(handle)),
		ChatURL:         fmt.Sprintf(ChatURLTemplate, url.PathEscape(handle)),
		ShareURL:        fmt.Sprintf(ShareURLTemplate, url.PathEscape(handle)),
	}
	if exp, ok := ExpiryFromURL(e.URL); ok {
		s.ExpiresAt = &exp
	}
	return s
}

// NormalizeAll normalizes entries preserving order.
func NormalizeAll(entries []RawEntry) []Stream {
	streams := make([]Stream, 0, len(entries))
	for _, e := range entries {
		streams = append(streams, Normalize(e))
	}
	return streams
}

// Classify applies the live/offline precedence: an explicit [LIVE] marker,
// then the word "offline", then a positive viewer count, else unknown.
func Classify(descriptor string) Status {
	switch {
	case strings.Contains(descriptor, liveMarker):
		return StatusLive
	case offlineWordRe.MatchString(descriptor):
		return StatusOffline
	case ViewerCount(descriptor) > 0:
		return StatusLive
	default:
		return StatusUnknown
	}
}

// ViewerCount returns the first integer followed by "viewers", or 0.
func ViewerCount(descriptor string) uint64 {
	m := viewersRe.FindStringSubmatch(descriptor)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// StreamID returns a content-addressed id for a descriptor: the 64-bit
// xxhash of the name as 16 lowercase hex characters.
func StreamID(name string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(name))
}

// splitDescriptor strips bracket groups and trailing status suffixes, then
// returns the leading token as handle and a " - <category>" segment, if any,
// as category.
func splitDescriptor(descriptor string) (handle, category string) {
	clean := bracketGroupRe.ReplaceAllString(descriptor, " ")
	for {
		next := statusSuffixRe.ReplaceAllString(clean, "")
		if next == clean {
			break
		}
		clean = next
	}
	clean = strings.Join(strings.Fields(clean), " ")

	handle = UnknownHandle
	if fields := strings.Fields(clean); len(fields) > 0 {
		handle = fields[0]
	}

	category = DefaultCategory
	if _, rest, found := strings.Cut(clean, " - "); found {
		if rest = strings.TrimSpace(rest); rest != "" {
			category = rest
		}
	}
	return handle, category
}
