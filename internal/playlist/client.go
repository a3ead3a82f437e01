package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CacheBustParam is appended to the playlist URL on forced fetches.
const CacheBustParam = "t"

// maxPlaylistBytes caps how much of a response body is read.
const maxPlaylistBytes = 16 << 20

var (
	// ErrUnexpectedStatus is wrapped by FetchError for non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected playlist status")

	// ErrPlaylistTooLarge is wrapped by FetchError when the body exceeds the
	// size cap. A truncated playlist is never returned.
	ErrPlaylistTooLarge = errors.New("playlist body too large")
)

// FetchError describes a failed playlist fetch. StatusCode is zero for
// transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch playlist %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch playlist %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client fetches playlist text over HTTP.
type Client struct {
	url      string
	http     *http.Client
	now      func() time.Time
	maxBytes int64
}

// NewClient returns a Client for playlistURL with the given request timeout.
func NewClient(playlistURL string, timeout time.Duration) *Client {
	return NewClientWithHTTP(playlistURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP returns a Client using hc, e.g. an httptest server client.
func NewClientWithHTTP(playlistURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{url: playlistURL, http: hc, now: time.Now, maxBytes: maxPlaylistBytes}
}

// URL returns the configured playlist URL.
func (c *Client) URL() string {
	return c.url
}

// Fetch performs one GET of the playlist. When force is true a cache-busting
// query parameter and no-cache headers are added.
func (c *Client) Fetch(ctx context.Context, force bool) (string, error) {
	target, err := c.requestURL(force)
	if err != nil {
		return "", &FetchError{URL: c.url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &FetchError{URL: c.url, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.apple.mpegurl, text/plain;q=0.9, */*;q=0.1")
	if force {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &FetchError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &FetchError{URL: c.url, StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return "", &FetchError{URL: c.url, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.maxBytes {
		return "", &FetchError{URL: c.url, StatusCode: resp.StatusCode, Err: ErrPlaylistTooLarge}
	}
	return string(body), nil
}

func (c *Client) requestURL(force bool) (string, error) {
	if !force {
		return c.url, nil
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse playlist url: %w", err)
	}
	q := u.Query()
	q.Set(CacheBustParam, strconv.FormatInt(c.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
