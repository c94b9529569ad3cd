package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"tasknotify/internal/api"
	"tasknotify/internal/app"
	"tasknotify/internal/item"
	"tasknotify/internal/poller"
	"tasknotify/internal/state"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func localConfig(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":[{"sys_id":"9","short_description":"Disk full","assigned_to":"Cy"}]}`))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": %q},
  "sources": [{"key": "servicenow", "kind": "servicenow", "url": %q}]
}`, filepath.Join(dir, "state"), srv.URL+"/api/now/table/incident")
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLocalToggleAndStatus(t *testing.T) {
	cfg := localConfig(t)

	out, err := execute(t, "--config", cfg, "disable")
	require.NoError(t, err)
	require.Equal(t, "Notifications are turned off\n", out)

	out, err = execute(t, "--config", cfg, "--json", "status")
	require.NoError(t, err)
	var st app.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.False(t, st.Enabled)
	require.Len(t, st.Sources, 1)

	_, err = execute(t, "--config", cfg, "enable")
	require.NoError(t, err)
	out, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	require.Contains(t, out, "notifications: on")
}

func TestLocalPollAndReset(t *testing.T) {
	cfg := localConfig(t)

	out, err := execute(t, "--config", cfg, "poll", "servicenow")
	require.NoError(t, err)
	require.Equal(t, "servicenow: emitted (1 fetched, 1 new)\n", out)

	out, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	require.Contains(t, out, "cursor 9")

	_, err = execute(t, "--config", cfg, "reset-cursor", "servicenow")
	require.NoError(t, err)
	out, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	require.Contains(t, out, "cursor -")
}

type stubPoller struct{}

func (stubPoller) Poll(_ context.Context, key string) (poller.CycleResult, error) {
	switch key {
	case "servicenow":
		return poller.CycleResult{Source: key, Outcome: poller.OutcomeEmitted, Fetched: 3, New: 2}, nil
	case "feed":
		err := &item.FetchError{Source: key, Status: 503}
		return poller.CycleResult{Source: key, Error: err.Error()}, err
	}
	return poller.CycleResult{}, poller.ErrUnknownSource
}

func TestAPIClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := storage.NewMemory()
	flag := state.NewFlag(st, true, nil, logx.Nop())
	cursors := state.NewCursors(st, nil, logx.Nop())
	router := api.NewRouter(api.Deps{
		Flag:    flag,
		Cursors: cursors,
		Poller:  stubPoller{},
		Status: func(ctx context.Context) any {
			on, _ := flag.Get(ctx)
			return app.Status{Enabled: on, Sources: []app.SourceStatus{{Key: "servicenow"}, {Key: "feed"}}}
		},
	}, "tok", false, logx.Nop())
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx := context.Background()
	c := newAPIClient(srv.URL, "tok")

	require.NoError(t, c.SetEnabled(ctx, false))
	s, err := c.Status(ctx)
	require.NoError(t, err)
	require.False(t, s.Enabled)

	require.NoError(t, cursors.Set(ctx, "servicenow", "1"))
	require.NoError(t, c.ResetCursor(ctx, "servicenow"))
	_, ok, err := cursors.Get(ctx, "servicenow")
	require.NoError(t, err)
	require.False(t, ok)

	results, err := c.Poll(ctx, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 2, results[0].New)
	require.Equal(t, "feed", results[1].Source)
	require.NotEmpty(t, results[1].Error)

	_, err = c.Poll(ctx, "nope")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = newAPIClient(srv.URL, "wrong").Status(ctx)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
