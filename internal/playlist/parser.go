package playlist

import (
	"strconv"
	"strings"
)

const (
	extinfPrefix = "#EXTINF:"
	urlPrefix    = "https://"
)

// Parse splits playlist text into raw entries, in source order. A record
// starts at an #EXTINF: line and is closed by the next line starting with
// https://. Other lines are ignored. A metadata line that is superseded by
// another metadata line, or reaches end of input without a URL, is dropped.
// Parse never fails; empty or malformed input yields fewer (or no) entries.
func Parse(text string) []RawEntry {
	var (
		entries []RawEntry
		pending *RawEntry
	)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, extinfPrefix):
			e := parseExtinf(line)
			pending = &e
		case strings.HasPrefix(line, urlPrefix):
			if pending == nil {
				continue
			}
			pending.URL = line
			entries = append(entries, *pending)
			pending = nil
		}
	}

	return entries
}

// parseExtinf splits "#EXTINF:<duration>[ attrs],<descriptor>" at the first
// comma. Without a comma the whole remainder is the descriptor.
func parseExtinf(line string) RawEntry {
	rest := strings.TrimPrefix(line, extinfPrefix)

	head, descriptor, found := strings.Cut(rest, ",")
	if !found {
		return RawEntry{Name: strings.TrimSpace(rest)}
	}

	var duration float64
	if fields := strings.Fields(head); len(fields) > 0 {
		if d, err := strconv.ParseFloat(fields[0], 64); err == nil {
			duration = d
		}
	}

	return RawEntry{Name: strings.TrimSpace(descriptor), Duration: duration}
}
