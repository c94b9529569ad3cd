package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tasknotify/internal/api"
	"tasknotify/internal/app"
	"tasknotify/internal/config"
	"tasknotify/internal/poller"
	"tasknotify/internal/state"
)

// controller is what the control commands act on: the running daemon over
// HTTP, or the state store directly.
type controller interface {
	Status(ctx context.Context) (app.Status, error)
	SetEnabled(ctx context.Context, on bool) error
	ResetCursor(ctx context.Context, key string) error
	Poll(ctx context.Context, key string) ([]poller.CycleResult, error)
	Test(ctx context.Context) error
	Close() error
}

func openController(opts *RootOptions) (controller, error) {
	cfg, err := config.NewManager(opts.ConfigPath).Load()
	if err != nil {
		return nil, err
	}
	if !opts.Local && cfg.API.Enabled {
		addr := strings.TrimSpace(cfg.API.Addr)
		if addr == "" {
			addr = api.DefaultAddr
		}
		return newAPIClient("http://"+addr, cfg.API.Token), nil
	}
	a, err := app.New(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &localController{a: a}, nil
}

type localController struct{ a *app.App }

func (l *localController) Status(ctx context.Context) (app.Status, error) {
	return l.a.Status(ctx), nil
}

func (l *localController) SetEnabled(ctx context.Context, on bool) error {
	return l.a.Flag().Set(state.WithActor(ctx, "cli"), on)
}

func (l *localController) ResetCursor(ctx context.Context, key string) error {
	return l.a.Cursors().Reset(state.WithActor(ctx, "cli"), key)
}

func (l *localController) Poll(ctx context.Context, key string) ([]poller.CycleResult, error) {
	return l.a.PollOnce(ctx, key)
}

func (l *localController) Test(ctx context.Context) error {
	l.a.Notifier().Start(ctx)
	err := l.a.Gate().Test(ctx)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	l.a.Notifier().Stop(stopCtx)
	cancel()
	return err
}

func (l *localController) Close() error { return l.a.Close() }

// apiClient talks to the daemon's /api/v1 endpoints.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: time.Minute},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// do sends a request and decodes a 2xx JSON body into out (if non-nil).
// A 502 poll response still carries a result, so it is decoded too.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable (use --local to bypass): %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if resp.StatusCode == http.StatusBadGateway && out != nil {
			_ = json.Unmarshal(data, out)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *apiClient) Status(ctx context.Context) (app.Status, error) {
	var st app.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st)
	return st, err
}

func (c *apiClient) SetEnabled(ctx context.Context, on bool) error {
	return c.do(ctx, http.MethodPut, "/api/v1/enabled", map[string]bool{"enabled": on}, nil)
}

func (c *apiClient) ResetCursor(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sources/"+url.PathEscape(key)+"/cursor", nil, nil)
}

func (c *apiClient) Poll(ctx context.Context, key string) ([]poller.CycleResult, error) {
	keys := []string{key}
	if key == "" {
		st, err := c.Status(ctx)
		if err != nil {
			return nil, err
		}
		keys = keys[:0]
		for _, s := range st.Sources {
			keys = append(keys, s.Key)
		}
	}
	out := make([]poller.CycleResult, 0, len(keys))
	var firstErr error
	for _, k := range keys {
		var res poller.CycleResult
		if err := c.do(ctx, http.MethodPost, "/api/v1/sources/"+url.PathEscape(k)+"/poll", nil, &res); err != nil {
			if res.Source == "" {
				res = poller.CycleResult{Source: k, Error: err.Error()}
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		out = append(out, res)
	}
	if key != "" {
		return out, firstErr
	}
	return out, nil
}

func (c *apiClient) Test(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/test", nil, nil)
}

func (c *apiClient) Close() error { return nil }
