package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Sweeper/internal/api"
	"github.com/CZERTAINLY/Sweeper/internal/metrics"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/observer"
	"github.com/CZERTAINLY/Sweeper/internal/retry"
	"github.com/CZERTAINLY/Sweeper/internal/store"
	"github.com/CZERTAINLY/Sweeper/internal/sweep"
	"github.com/CZERTAINLY/Sweeper/internal/worker"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	ctrl   *sweep.Controller
	srv    *httptest.Server
	client *observer.Client
}

// newFixture serves a real controller. Units are the scope, unit "gate"
// blocks until gate is closed.
func newFixture(t *testing.T, gate <-chan struct{}, opts ...api.Option) fixture {
	t.Helper()
	prober := worker.ProberFunc(func(ctx context.Context, unit string, emit worker.EmitFunc) error {
		if unit == "gate" {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		emit("10.0.0."+unit, model.Attributes{"host": unit})
		emit("10.0.0."+unit, model.Attributes{"mac": "AA:BB"})
		return nil
	})
	planner := sweep.PlannerFunc(func(_ context.Context, p model.Params) (worker.Prober, []string, error) {
		if len(p.Scope) == 0 {
			return nil, nil, errors.New("empty scope")
		}
		return prober, p.Scope, nil
	})

	reg := prometheus.NewRegistry()
	ctrl := sweep.New(t.Context(), planner, sweep.Options{
		GraceTimeout: time.Minute,
		PauseRetry:   retry.Policy{Name: "test", MaxAttempts: 3, Interval: 5 * time.Millisecond},
		Metrics:      metrics.MustNewMetrics(reg),
	})
	opts = append([]api.Option{api.WithGatherer(reg), api.WithHeartbeat(50 * time.Millisecond)}, opts...)
	srv := httptest.NewServer(api.New(ctrl, opts...).Handler())
	t.Cleanup(func() {
		// closing the controller ends open streams
		require.NoError(t, ctrl.Close(context.Background()))
		srv.Close()
	})

	client, err := observer.NewClient(srv.URL,
		observer.WithReconnect(retry.Policy{Name: "test", MaxAttempts: 1, Interval: 10 * time.Millisecond}),
	)
	require.NoError(t, err)
	return fixture{ctrl: ctrl, srv: srv, client: client}
}

func startRequest(scope ...string) model.StartRequest {
	return model.StartRequest{Params: model.Params{Kind: model.KindDiscovery, Profile: model.ProfileFast, Scope: scope}}
}

func waitStatus(t *testing.T, c *sweep.Controller, want model.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Snapshot().Status == want
	}, 5*time.Second, time.Millisecond, "waiting for %s", want)
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestFollowToDone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ack, err := f.client.Start(t.Context(), startRequest("1", "2"))
	require.NoError(t, err)
	require.True(t, ack.OK)
	require.NotEmpty(t, ack.TaskID)
	require.NotZero(t, ack.Generation)

	s := observer.NewSession()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	err = f.client.Follow(ctx, s, func(s *observer.Session) {
		if s.Status() == model.StatusDone {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, model.StatusDone, s.Status())
	require.Equal(t, ack.TaskID, s.Task().ID)
	require.Equal(t, f.ctrl.Snapshot().LastEventID, s.LastApplied())
	require.Equal(t, f.ctrl.Results(nil), s.Results())

	res, err := f.client.Results(t.Context(), []string{"10.0.0.2"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.Equal(t, model.Attributes{"host": "1", "mac": "AA:BB"}, res.Items[0].Attributes)
	require.False(t, res.Items[0].AlreadyKnown)
	require.True(t, res.Items[1].AlreadyKnown)

	snap, err := f.client.Status(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, snap.Status)
	require.Equal(t, model.Progress{Current: 2, Total: 2}, snap.Progress)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(t, gate)
	ctx := t.Context()

	_, err := f.client.Pause(ctx)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.client.Start(ctx, startRequest())
	require.ErrorIs(t, err, model.ErrInvalidParams)

	_, err = f.client.Start(ctx, startRequest("gate"))
	require.NoError(t, err)
	waitStatus(t, f.ctrl, model.StatusRunning)

	_, err = f.client.Start(ctx, startRequest("1"))
	require.ErrorIs(t, err, model.ErrConflict)
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.CodeConflict, apiErr.Code)

	_, err = f.client.Resume(ctx)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	ack, err := f.client.Cancel(ctx)
	require.NoError(t, err)
	require.Equal(t, f.ctrl.Snapshot().LastEventID, ack.LastEventID)
	require.Equal(t, model.StatusCancelling, f.ctrl.Snapshot().Status)

	_, err = f.client.Pause(ctx)
	require.ErrorIs(t, err, model.ErrNoWorker)

	close(gate)
	waitStatus(t, f.ctrl, model.StatusCancelled)

	_, err = f.client.Reset(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusIdle, f.ctrl.Snapshot().Status)
}

func TestForceStart(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, gate)

	first, err := f.client.Start(t.Context(), startRequest("gate"))
	require.NoError(t, err)
	req := startRequest("1")
	req.Force = true
	second, err := f.client.Start(t.Context(), req)
	require.NoError(t, err)
	require.NotEqual(t, first.TaskID, second.TaskID)
	require.Equal(t, first.Generation+1, second.Generation)
}

func TestStartDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, api.WithDefaults(model.Params{
		Kind:     model.KindDiscovery,
		Profile:  model.ProfileSlow,
		Scope:    []string{"7"},
		MaxHosts: 10,
	}))

	resp, err := http.Post(f.srv.URL+api.BasePath+"/start", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitStatus(t, f.ctrl, model.StatusDone)
	snap := f.ctrl.Snapshot()
	require.Equal(t, []string{"7"}, snap.Params.Scope)
	require.Equal(t, model.ProfileSlow, snap.Params.Profile)
	require.Equal(t, 10, snap.Params.MaxHosts)

	resp, err = http.Post(f.srv.URL+api.BasePath+"/start", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.client.Start(ctx, startRequest("1"))
	require.NoError(t, err)
	waitStatus(t, f.ctrl, model.StatusDone)
	gen := f.ctrl.Snapshot().Generation

	page, err := f.client.Events(ctx, gen, 0, 2)
	require.NoError(t, err)
	require.Equal(t, gen, page.Generation)
	require.Len(t, page.Events, 2)
	require.Equal(t, uint64(1), page.Events[0].ID)
	require.Equal(t, uint64(6), page.LastID)

	page, err = f.client.Events(ctx, gen, 4, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, uint64(5), page.Events[0].ID)

	// a stale generation restarts at the first event
	page, err = f.client.Events(ctx, gen-1, 4, 0)
	require.NoError(t, err)
	require.Equal(t, gen, page.Generation)
	require.Len(t, page.Events, 6)

	var testCases = []struct {
		scenario string
		query    string
	}{
		{scenario: "since", query: "since=x"},
		{scenario: "generation", query: "generation=-1"},
		{scenario: "limit", query: "limit=1.5"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, f.srv.URL+api.BasePath+"/events?"+tc.query)
			require.Equal(t, http.StatusBadRequest, code)
			var apiErr model.APIError
			require.NoError(t, json.Unmarshal(body, &apiErr))
			require.Equal(t, model.CodeInvalidParams, apiErr.Code)
		})
	}
}

func TestStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.client.Start(t.Context(), startRequest("1"))
	require.NoError(t, err)
	waitStatus(t, f.ctrl, model.StatusDone)

	var testCases = []struct {
		scenario string
		query    string
		header   string
		frames   []string
	}{
		{
			scenario: "whole backlog",
			frames:   []string{"status", "status", "item", "item", "status", "status"},
		},
		{
			scenario: "since",
			query:    "?since=4",
			frames:   []string{"status", "status"},
		},
		{
			scenario: "last event id",
			header:   "2-5",
			frames:   []string{"status"},
		},
		{
			scenario: "stale generation",
			query:    "?generation=1&since=5",
			frames:   []string{"resync", "status", "status", "item", "item", "status", "status"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+api.BasePath+"/stream"+tc.query, nil)
			require.NoError(t, err)
			if tc.header != "" {
				req.Header.Set("Last-Event-ID", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() {
				_ = resp.Body.Close()
			}()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
			require.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

			var got []string
			r := bufio.NewReader(resp.Body)
			for len(got) < len(tc.frames) {
				line, err := r.ReadString('\n')
				require.NoError(t, err)
				if kind, ok := strings.CutPrefix(strings.TrimSpace(line), "event:"); ok {
					got = append(got, kind)
				}
			}
			require.Equal(t, tc.frames, got)
		})
	}
}

func TestStreamLive(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(t, gate)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+api.BasePath+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	r := bufio.NewReader(resp.Body)

	_, err = f.client.Start(t.Context(), startRequest("gate"))
	require.NoError(t, err)
	close(gate)
	waitStatus(t, f.ctrl, model.StatusDone)

	var ids []string
	heartbeat := false
	for len(ids) < 6 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == ":heartbeat" {
			heartbeat = true
		}
		if id, ok := strings.CutPrefix(line, "id:"); ok {
			ids = append(ids, id)
		}
	}
	require.Equal(t, "2-6", ids[5])
	require.Eventually(t, func() bool {
		line, err := r.ReadString('\n')
		heartbeat = heartbeat || (err == nil && strings.TrimSpace(line) == ":heartbeat")
		return heartbeat
	}, 5*time.Second, time.Millisecond)
}

func TestResultsQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.client.Start(t.Context(), startRequest("1", "2", "3"))
	require.NoError(t, err)
	waitStatus(t, f.ctrl, model.StatusDone)

	code, body := get(t, f.srv.URL+api.BasePath+"/results?known=10.0.0.1,10.0.0.3")
	require.Equal(t, http.StatusOK, code)
	var res model.Results
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, 3, res.Count)
	known := make([]bool, 0, len(res.Items))
	for _, it := range res.Items {
		known = append(known, it.AlreadyKnown)
	}
	require.Equal(t, []bool{true, false, true}, known)
}

type fakeHistory struct {
	mx        sync.Mutex
	rows      []store.SweepRow
	lastLimit int
}

func (h *fakeHistory) List(_ context.Context, limit int) ([]store.SweepRow, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.lastLimit = limit
	return slices.Clone(h.rows), nil
}

func (h *fakeHistory) Get(_ context.Context, id string) (store.SweepRow, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	for _, r := range h.rows {
		if r.UUID == id {
			return r, nil
		}
	}
	return store.SweepRow{}, store.ErrNotFound
}

func (h *fakeHistory) Delete(_ context.Context, id string) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	n := len(h.rows)
	h.rows = slices.DeleteFunc(h.rows, func(r store.SweepRow) bool { return r.UUID == id })
	if len(h.rows) == n {
		return store.ErrNotFound
	}
	return nil
}

func TestHistory(t *testing.T) {
	t.Parallel()
	h := &fakeHistory{rows: []store.SweepRow{
		{ID: 2, Sweep: store.Sweep{UUID: "b", Status: model.StatusDone, Found: 1}},
		{ID: 1, Sweep: store.Sweep{UUID: "a", Status: model.StatusCancelled}},
	}}
	f := newFixture(t, nil, api.WithHistory(h))
	base := f.srv.URL + api.BasePath + "/history"

	code, body := get(t, base+"?limit=5")
	require.Equal(t, http.StatusOK, code)
	h.mx.Lock()
	require.Equal(t, 5, h.lastLimit)
	h.mx.Unlock()
	var got []store.SweepRow
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].UUID)

	code, body = get(t, base+"/b")
	require.Equal(t, http.StatusOK, code)
	var row store.SweepRow
	require.NoError(t, json.Unmarshal(body, &row))
	require.Equal(t, 1, row.Found)

	code = del(t, base+"/a")
	require.Equal(t, http.StatusNoContent, code)
	code, body = get(t, base+"/a")
	require.Equal(t, http.StatusNotFound, code)
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	require.Equal(t, model.CodeNotFound, apiErr.Code)
	require.Equal(t, http.StatusNotFound, del(t, base+"/a"))

	bare := newFixture(t, nil)
	code, body = get(t, bare.srv.URL+api.BasePath+"/history")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, "[]", string(body))
	code, _ = get(t, bare.srv.URL+api.BasePath+"/history/b")
	require.Equal(t, http.StatusNotFound, code)
}

func del(t *testing.T, url string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodDelete, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.client.Start(t.Context(), startRequest("1"))
	require.NoError(t, err)
	waitStatus(t, f.ctrl, model.StatusDone)

	code, body := get(t, f.srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = get(t, f.srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `sweeper_controller_commands_total{command="start",outcome="ok"} 1`)
	require.Contains(t, string(body), "sweeper_controller_events_appended_total")
}
