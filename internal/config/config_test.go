package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /tmp/state.db
poller:
  schedule: 5m
  timeout: 30s
sources:
  - key: servicenow
    kind: servicenow
    url: https://acme.service-now.com/api/now/table/incident
    username: bot
    password: pw
    breaker:
      failures: 3
      window: 5
      delay: 30s
  - key: releases
    kind: feed
    url: https://example.com/releases.atom
telegram:
  enabled: true
  token: "123:abc"
  chat_id: -1001
  owner_user_ids: [42]
api:
  enabled: true
  addr: 127.0.0.1:8787
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "5m", cfg.Poller.Schedule)
	require.Nil(t, cfg.Poller.EnabledDefault)
	require.Len(t, cfg.Sources, 2)
	require.Equal(t, uint(3), cfg.Sources[0].Breaker.Failures)
	require.Equal(t, "feed", cfg.Sources[1].Kind)
	require.Equal(t, int64(-1001), cfg.Telegram.ChatID)
	require.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown json key", "c.json", `{"poller":{"interval":"5m"}}`},
		{"unknown yaml key", "c.yml", "bogus: true\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "a: [1,\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.body))
			require.Error(t, err)
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("poller.timeout", "", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)

	d, err = ParseDurationField("x", " 2s ")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)

	d, err = ParseDurationField("x", "45")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	require.ErrorIs(t, err, errNegative)
	_, err = ParseDurationField("x", "-3")
	require.ErrorIs(t, err, errNegative)

	_, err = ParseDurationField("poller.timeout", "soon")
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "poller.timeout", fe.Path)
}

func TestSummarizeChange(t *testing.T) {
	a, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	sections, _ := SummarizeChange(a, b)
	require.Empty(t, sections)
	require.Equal(t, Hash(a), Hash(b))

	b.Poller.Schedule = "@every 1m"
	b.Sources = b.Sources[:1]
	b.API.Token = "secret"
	sections, attrs := SummarizeChange(a, b)
	require.Equal(t, []string{"api", "poller", "sources"}, sections)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"sources"}, RestartRequired(sections))
	require.NotEqual(t, Hash(a), Hash(b))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"poller":{"schedule":"5m"}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Poller.Schedule == "never" {
			return errors.New("bad schedule")
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(p, []byte(`{"poller":{"schedule":"never"}}`), 0o600))
	time.Sleep(3 * debounceDelay)
	require.Equal(t, "5m", m.Get().Poller.Schedule)

	require.NoError(t, os.WriteFile(p, []byte(`{"poller":{"schedule":"1m"}}`), 0o600))
	select {
	case cfg := <-sub:
		require.Equal(t, "1m", cfg.Poller.Schedule)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	require.Equal(t, "1m", m.Get().Poller.Schedule)

	cancel()
	require.NoError(t, <-done)
}

func TestReloadSkipsUnchanged(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"api":{"enabled":true}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	require.False(t, m.reload(context.Background()))

	require.NoError(t, os.WriteFile(p, []byte(`{"api":{"enabled":false}}`), 0o600))
	require.True(t, m.reload(context.Background()))
}
