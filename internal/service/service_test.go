package service_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Sweeper/internal/api"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/observer"
	"github.com/CZERTAINLY/Sweeper/internal/runner"
	"github.com/CZERTAINLY/Sweeper/internal/service"
	"github.com/CZERTAINLY/Sweeper/internal/store"
)

func ptr[T any](v T) *T {
	return &v
}

type uploaderFunc func(ctx context.Context, raw []byte) error

func (f uploaderFunc) Upload(ctx context.Context, raw []byte) error {
	return f(ctx, raw)
}

// exports collects what the supervisor uploads.
func exports() (chan service.Export, service.Option) {
	ch := make(chan service.Export, 8)
	return ch, service.WithUploaders(uploaderFunc(func(_ context.Context, raw []byte) error {
		var e service.Export
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		ch <- e
		return nil
	}))
}

// healthcheck configures a command printing one item line per unit.
func healthcheck(t *testing.T, script string) *model.Sweep {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return &model.Sweep{
		Kind:    ptr(string(model.KindHealthCheck)),
		Profile: ptr(string(model.ProfileFast)),
		Command: &model.Command{
			Path:    sh,
			Args:    []string{"-c", script, runner.UnitPlaceholder},
			Timeout: "5s",
			Units:   []string{"a", "b"},
		},
	}
}

func TestSupervisorOneshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg := model.Config{
		Service: model.Service{
			Mode:    model.ServiceModeManual,
			Dir:     ptr(dir),
			History: ptr(dbPath),
		},
		Sweep: healthcheck(t, `echo "run: $0 up latency=1ms"`),
	}

	err := service.Sweep(t.Context(), cfg)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Regexp(t, `^sweeper-.*\.json$`, entries[0].Name())
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var export service.Export
	require.NoError(t, json.Unmarshal(raw, &export))
	require.Equal(t, model.StatusDone, export.Task.Status)
	require.Equal(t, 2, export.Count)
	require.Equal(t, []model.Item{
		{Key: "a", Attributes: model.Attributes{"status": "up", "latency": "1ms"}},
		{Key: "b", Attributes: model.Attributes{"status": "up", "latency": "1ms"}},
	}, export.Items)

	db, err := store.InitDB(t.Context(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	rows, err := store.List(t.Context(), db, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, export.Task.ID, rows[0].UUID)
	require.Equal(t, model.StatusDone, rows[0].Status)
	require.False(t, rows[0].InProgress)
	require.Equal(t, 2, rows[0].Found)
}

func TestSupervisorOneshotFailure(t *testing.T) {
	t.Parallel()
	cfg := model.Config{
		Service: model.Service{Mode: model.ServiceModeManual},
		Sweep:   healthcheck(t, `echo "run: $0 up"; exit 3`),
	}
	ch, uploaders := exports()
	supervisor, err := service.NewSupervisor(t.Context(), cfg, uploaders)
	require.NoError(t, err)

	err = supervisor.SetOneshot(true).Do(t.Context())
	require.ErrorContains(t, err, "sweep error")
	require.ErrorContains(t, err, "exit status 3")
	require.Empty(t, ch)
}

func TestSupervisorServe(t *testing.T) {
	t.Parallel()
	cfg := model.Config{
		Service: model.Service{
			Mode:    model.ServiceModeManual,
			History: ptr(filepath.Join(t.TempDir(), "history.db")),
		},
		Sweep: healthcheck(t, `echo "run: $0 up"`),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ch, uploaders := exports()
	supervisor, err := service.NewSupervisor(t.Context(), cfg, uploaders, service.WithListener(ln))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	client, err := observer.NewClient("http://" + ln.Addr().String())
	require.NoError(t, err)
	ack, err := client.Start(t.Context(), model.StartRequest{Params: model.Params{Scope: []string{"c"}}})
	require.NoError(t, err)

	var export service.Export
	select {
	case export = <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("no export")
	}
	require.Equal(t, ack.TaskID, export.Task.ID)
	require.Equal(t, model.KindHealthCheck, export.Task.Params.Kind)
	require.Equal(t, []model.Item{{Key: "c", Attributes: model.Attributes{"status": "up"}}}, export.Items)

	snap, err := client.Status(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, snap.Status)

	history := "http://" + ln.Addr().String() + api.BasePath + "/history/" + ack.TaskID
	code, body := do(t, http.MethodGet, history)
	require.Equal(t, http.StatusOK, code)
	var row store.SweepRow
	require.NoError(t, json.Unmarshal(body, &row))
	require.Equal(t, model.StatusDone, row.Status)
	require.Equal(t, export.Items, row.Items)

	code, _ = do(t, http.MethodDelete, history)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, http.MethodGet, history)
	require.Equal(t, http.StatusNotFound, code)

	cancel()
	wg.Wait()
}

func do(t *testing.T, method, url string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
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

func TestSupervisorTimer(t *testing.T) {
	t.Parallel()
	cfg := model.Config{
		Service: model.Service{
			Mode:     model.ServiceModeTimer,
			Listen:   ptr("127.0.0.1:0"),
			Schedule: &model.Schedule{Duration: "PT0.1S"},
		},
		Sweep: healthcheck(t, `echo "run: $0 up"`),
	}
	ch, uploaders := exports()
	supervisor, err := service.NewSupervisor(t.Context(), cfg, uploaders)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	for range 2 {
		select {
		case export := <-ch:
			require.Equal(t, 2, export.Count)
		case <-time.After(10 * time.Second):
			t.Fatal("no scheduled sweep")
		}
	}
	cancel()
	wg.Wait()
}

func TestNewSupervisorErrors(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		cfg      model.Config
		err      string
	}{
		{
			scenario: "timer without schedule",
			cfg:      model.Config{Service: model.Service{Mode: model.ServiceModeTimer}},
			err:      "service.schedule is nil",
		},
		{
			scenario: "bad cron",
			cfg: model.Config{Service: model.Service{
				Mode:     model.ServiceModeTimer,
				Schedule: &model.Schedule{Cron: "every day"},
			}},
			err: "service.schedule.cron",
		},
		{
			scenario: "bad listen",
			cfg: model.Config{Service: model.Service{
				Mode:   model.ServiceModeManual,
				Listen: ptr("no-port"),
			}},
			err: "service.listen",
		},
		{
			scenario: "bad grace timeout",
			cfg: model.Config{
				Service:    model.Service{Mode: model.ServiceModeManual},
				Controller: &model.Controller{GraceTimeout: "soon"},
			},
			err: "controller.grace_timeout",
		},
		{
			scenario: "repository with path",
			cfg: model.Config{Service: model.Service{
				Mode: model.ServiceModeManual,
				Repository: &model.Repository{
					URL:  "http://localhost/api",
					Auth: model.Auth{Type: model.AuthTypeNone},
				},
			}},
			err: "without path",
		},
		{
			scenario: "missing directory",
			cfg: model.Config{Service: model.Service{
				Mode: model.ServiceModeManual,
				Dir:  ptr("/does/not/exist"),
			}},
			err: "initializing uploaders",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewSupervisor(t.Context(), tc.cfg)
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestPlanner(t *testing.T) {
	t.Parallel()
	local := func() ([]string, error) { return []string{"192.168.1.0/24"}, nil }
	var testCases = []struct {
		scenario string
		cfg      *model.Sweep
		params   model.Params
		units    []string
		err      error
	}{
		{
			scenario: "discovery scope",
			params:   model.Params{Kind: model.KindDiscovery, Scope: []string{"10.0.0.0/24"}},
			units:    []string{"10.0.0.0/24"},
		},
		{
			scenario: "discovery of local subnets",
			params:   model.Params{Kind: model.KindDiscovery},
			units:    []string{"192.168.1.0/24"},
		},
		{
			scenario: "health check units",
			cfg:      &model.Sweep{Command: &model.Command{Path: "true", Units: []string{"x", "y"}}},
			params:   model.Params{Kind: model.KindHealthCheck},
			units:    []string{"x", "y"},
		},
		{
			scenario: "health check scope",
			cfg:      &model.Sweep{Command: &model.Command{Path: "true", Units: []string{"x"}}},
			params:   model.Params{Kind: model.KindHealthCheck, Scope: []string{"z"}},
			units:    []string{"z"},
		},
		{
			scenario: "health check without command",
			params:   model.Params{Kind: model.KindHealthCheck},
			err:      model.ErrInvalidParams,
		},
		{
			scenario: "unknown kind",
			params:   model.Params{Kind: "portscan"},
			err:      model.ErrInvalidParams,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			p, err := service.NewPlanner(tc.cfg)
			require.NoError(t, err)
			prober, units, err := p.WithLocalCIDRs(local).Plan(t.Context(), tc.params)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, prober)
			require.Equal(t, tc.units, units)
		})
	}
}

func TestOSRootUploader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	u, err := service.NewOSRootUploader(dir)
	require.NoError(t, err)

	require.NoError(t, u.Upload(t.Context(), []byte(`{"count":0}`)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, u.Close())
	require.Error(t, u.Close())
	require.Error(t, u.Upload(t.Context(), []byte(`{}`)))
}
