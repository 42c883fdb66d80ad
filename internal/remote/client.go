// Package remote implements the live state and chunk source over the
// upstream media API.
package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callstream-gateway/internal/livestream"

	"github.com/quic-go/quic-go/http3"
)

const maxChunkBytes = 32 << 20

// ErrBadStatus is returned for a non-200 response without a recognizable
// error body.
var ErrBadStatus = errors.New("unexpected upstream status")

// Options configures a Client.
type Options struct {
	BaseURL string
	HTTP3   bool
	Timeout time.Duration
	Log     *slog.Logger
}

// Client talks to the upstream media API. It implements livestream.Source.
type Client struct {
	base  *url.URL
	http  *http.Client
	close func() error
	log   *slog.Logger
}

var _ livestream.Source = (*Client)(nil)

// New returns a Client for opts.BaseURL. With opts.HTTP3 requests go over QUIC.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q: scheme and host are required", opts.BaseURL)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Client{base: base, log: log.With("component", "remote"), close: func() error { return nil }}
	if opts.HTTP3 {
		tr := &http3.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS13}}
		c.http = &http.Client{Transport: tr, Timeout: opts.Timeout}
		c.close = tr.Close
	} else {
		c.http = &http.Client{Timeout: opts.Timeout}
	}
	return c, nil
}

// Close releases the transport.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return c.close()
}

type errorResponse struct {
	Error string `json:"error"`
}

// FetchState implements livestream.StateSource.
func (c *Client) FetchState(ctx context.Context, call livestream.CallID) (livestream.LiveState, error) {
	resp, err := c.get(ctx, c.endpoint(call, "state"), nil)
	if err != nil {
		return livestream.LiveState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return livestream.LiveState{}, c.statusError(resp)
	}
	var st livestream.LiveState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return livestream.LiveState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// FetchChunk implements livestream.ChunkSource.
func (c *Client) FetchChunk(ctx context.Context, req livestream.ChunkRequest) ([]byte, error) {
	q := url.Values{}
	q.Set("dc", strconv.Itoa(req.DCID))
	q.Set("channel", strconv.Itoa(req.Channel))
	q.Set("scale", strconv.Itoa(req.Scale))
	q.Set("time", strconv.FormatInt(req.TimeMS, 10))

	resp, err := c.get(ctx, c.endpoint(req.Call, "chunk"), q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxChunkBytes))
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", req.TimeMS, err)
	}
	return b, nil
}

func (c *Client) endpoint(call livestream.CallID, name string) *url.URL {
	return c.base.JoinPath("calls", string(call), name)
}

func (c *Client) get(ctx context.Context, u *url.URL, q url.Values) (*http.Response, error) {
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, u.Path, err)
	}
	return resp, nil
}

// statusError turns a non-200 response into a *livestream.ChunkError when the
// body carries an upstream error string.
func (c *Client) statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorResponse
	if err := json.Unmarshal(b, &body); err == nil && body.Error != "" {
		c.log.Debug("upstream error",
			slog.Int("status", resp.StatusCode),
			slog.String("error", body.Error))
		return livestream.ParseChunkError(body.Error)
	}
	return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
}
