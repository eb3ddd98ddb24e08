package observer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/retry"
)

const apiPath = "api/v1/sweep"

// EventResync is sent on the stream when the server dropped the subscriber.
const EventResync = "resync"

// Reconnect paces stream reconnects. Between two attempts the client
// polls the events query instead.
var Reconnect = retry.Policy{
	Name:        "stream-reconnect",
	MaxAttempts: 1,
	Interval:    500 * time.Millisecond,
	MaxInterval: 10 * time.Second,
}

type Client struct {
	base      *url.URL
	client    *http.Client
	reconnect retry.Policy
	pageLimit int
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

func WithReconnect(p retry.Policy) ClientOption {
	return func(c *Client) { c.reconnect = p }
}

func WithPageLimit(limit int) ClientOption {
	return func(c *Client) { c.pageLimit = limit }
}

// NewClient returns a client of the server at serverURL, which must have a
// scheme and a host and no path, e.g. `http://127.0.0.1:8631`.
func NewClient(serverURL string, opts ...ClientOption) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://127.0.0.1:8631`")
	}
	c := &Client{
		base:      parsedURL.JoinPath(apiPath),
		client:    &http.Client{},
		reconnect: Reconnect,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Start(ctx context.Context, req model.StartRequest) (model.Ack, error) {
	var ack model.Ack
	err := c.do(ctx, http.MethodPost, "start", nil, req, &ack)
	return ack, err
}

func (c *Client) Pause(ctx context.Context) (model.Ack, error) {
	return c.command(ctx, "pause")
}

func (c *Client) Resume(ctx context.Context) (model.Ack, error) {
	return c.command(ctx, "resume")
}

func (c *Client) Cancel(ctx context.Context) (model.Ack, error) {
	return c.command(ctx, "cancel")
}

func (c *Client) Reset(ctx context.Context) (model.Ack, error) {
	return c.command(ctx, "reset")
}

func (c *Client) Status(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	err := c.do(ctx, http.MethodGet, "status", nil, nil, &snap)
	return snap, err
}

// Events pages through the event log of generation after id since.
func (c *Client) Events(ctx context.Context, generation, since uint64, limit int) (model.Page, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	if generation != 0 {
		q.Set("generation", strconv.FormatUint(generation, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page model.Page
	err := c.do(ctx, http.MethodGet, "events", q, nil, &page)
	return page, err
}

// Results returns the merged result set tagged against the known keys.
func (c *Client) Results(ctx context.Context, known []string) (model.Results, error) {
	var res model.Results
	body := struct {
		Known []string `json:"known"`
	}{Known: known}
	err := c.do(ctx, http.MethodPost, "results", nil, body, &res)
	return res, err
}

// CatchUp applies every event the session is missing.
func (c *Client) CatchUp(ctx context.Context, s *Session) error {
	for {
		page, err := c.Events(ctx, s.Generation(), s.LastApplied(), c.pageLimit)
		if err != nil {
			return err
		}
		// the server restarts the page at the first event of a new generation
		if page.Generation != s.Generation() {
			s.Resync(page.Generation)
		}
		s.Offer(page.Events...)
		if len(page.Events) == 0 || s.LastApplied() >= page.LastID {
			return nil
		}
	}
}

// Follow keeps s in sync with the server until ctx is done. It prefers the
// stream and falls back to polling the events query while the stream is
// unavailable. onChange is called after every batch that applied events.
func (c *Client) Follow(ctx context.Context, s *Session, onChange func(*Session)) error {
	if onChange == nil {
		onChange = func(*Session) {}
	}
	for attempt := 1; ; attempt++ {
		connected, err := c.stream(ctx, s, onChange)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if connected {
			attempt = 1
		}
		slog.DebugContext(ctx, "stream unavailable: polling", "error", err, "attempt", attempt)

		before := s.LastApplied()
		if err := c.CatchUp(ctx, s); err != nil {
			slog.DebugContext(ctx, "poll failed", "error", err)
		} else if s.LastApplied() != before {
			onChange(s)
		}

		t := time.NewTimer(c.reconnect.Wait(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return context.Cause(ctx)
		case <-t.C:
		}
	}
}

// stream applies the server-sent events until the connection ends. The
// backlog after the session's last applied id is replayed by the server
// before live events.
func (c *Client) stream(ctx context.Context, s *Session, onChange func(*Session)) (bool, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(s.LastApplied(), 10))
	if g := s.Generation(); g != 0 {
		q.Set("generation", strconv.FormatUint(g, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("stream", q), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", sse.ContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	frames := bufio.NewReader(resp.Body)
	for {
		frame, err := readFrame(frames)
		if err != nil {
			return true, err
		}
		events, err := sse.Decode(bytes.NewReader(frame))
		if err != nil {
			return true, fmt.Errorf("decoding stream frame: %w", err)
		}
		for _, ev := range events {
			if err := c.applyFrame(ctx, s, ev); err != nil {
				return true, err
			}
		}
		if len(events) > 0 {
			onChange(s)
		}
	}
}

func (c *Client) applyFrame(ctx context.Context, s *Session, ev sse.Event) error {
	data, _ := ev.Data.(string)
	switch ev.Event {
	case string(model.EventStatus), string(model.EventItem):
		var e model.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decoding event %s: %w", ev.Id, err)
		}
		s.Offer(e)
		if s.Missing() {
			return c.CatchUp(ctx, s)
		}
	case EventResync:
		var page struct {
			Generation uint64 `json:"generation"`
		}
		if err := json.Unmarshal([]byte(data), &page); err == nil {
			s.Resync(page.Generation)
		}
		return c.CatchUp(ctx, s)
	}
	return nil
}

// readFrame returns the lines up to and including the next blank line.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		line, err := r.ReadBytes('\n')
		frame = append(frame, line...)
		if err != nil {
			if err == io.EOF && len(frame) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return frame, nil
		}
	}
}

func (c *Client) command(ctx context.Context, name string) (model.Ack, error) {
	var ack model.Ack
	err := c.do(ctx, http.MethodPost, name, nil, nil, &ack)
	return ack, err
}

func (c *Client) url(path string, q url.Values) string {
	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	return nil
}

// decodeError turns an error response into *model.APIError when the
// server sent one, so errors.Is works against the model sentinels.
func decodeError(resp *http.Response) error {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if contentType == "application/json" {
		var apiErr model.APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Code != "" {
			return &apiErr
		}
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
