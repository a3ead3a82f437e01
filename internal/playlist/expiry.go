package playlist

import (
	"encoding/json"
	"math"
	"net/url"
	"strings"
)

// TokenParam is the playback URL query parameter carrying the access token.
const TokenParam = "token"

type accessToken struct {
	Expires json.Number `json:"expires"`
}

// ExpiryFromURL decodes the access token embedded in a playback URL and returns
// its "expires" field in epoch seconds. ok is false when the token is absent
// or malformed; that is not an error.
func ExpiryFromURL(rawURL string) (expires int64, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	token := u.Query().Get(TokenParam)
	if token == "" {
		return 0, false
	}

	tok, ok := decodeToken(token)
	if !ok && strings.Contains(token, "%") {
		// Some producers encode the payload twice.
		if unescaped, err := url.QueryUnescape(token); err == nil {
			tok, ok = decodeToken(unescaped)
		}
	}
	if !ok || tok.Expires == "" {
		return 0, false
	}

	if n, err := tok.Expires.Int64(); err == nil {
		return n, true
	}
	f, err := tok.Expires.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func decodeToken(s string) (accessToken, bool) {
	var tok accessToken
	if err := json.Unmarshal([]byte(s), &tok); err != nil {
		return accessToken{}, false
	}
	return tok, true
}
