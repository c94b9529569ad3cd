package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("component", "poller"))

	log.Debug("hidden")
	log.Info("cycle done", Int("new", 2), Err(nil), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	require.Equal(t, "cycle done", got["message"])
	require.Equal(t, "poller", got["component"])
	require.EqualValues(t, 2, got["new"])
	require.Equal(t, "boom", got["err"])
	require.Contains(t, got["caller"], "logging_test.go:")
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	require.False(t, Nop().IsZero())
	zero.Info("dropped")
	Nop().With(Bool("x", true)).Error("dropped")
}

func TestServiceApplySwapsFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log.Info("one")

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: second}})
	log.Info("filtered")
	log.Warn("two")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Contains(t, string(a), `"message":"one"`)

	b, err := os.ReadFile(second)
	require.NoError(t, err)
	require.NotContains(t, string(b), "filtered")
	require.Contains(t, string(b), `"message":"two"`)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "warn", parseLevel("WARNING", 0).String())
	require.Equal(t, "trace", parseLevel(" trace ", 0).String())
	require.Equal(t, "info", parseLevel("loud", parseLevel("info", 0)).String())
}
