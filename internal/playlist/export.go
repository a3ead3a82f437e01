package playlist

import (
	"fmt"
	"strings"
)

// BuildPlaylist encodes streams back into playlist text. Each stream becomes
// an "#EXTINF:-1,<rawName>" line followed by its playback URL, so Parse on the
// output yields the same names and URLs in the same order. An empty slice
// produces just the header.
func BuildPlaylist(streams []Stream) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")

	for _, s := range streams {
		// A newline inside the descriptor would split the record.
		name := strings.NewReplacer("\r", " ", "\n", " ").Replace(s.RawName)
		fmt.Fprintf(&b, "#EXTINF:-1,%s\n", name)
		b.WriteString(s.PlaybackURL)
		b.WriteString("\n")
	}

	return b.String()
}
