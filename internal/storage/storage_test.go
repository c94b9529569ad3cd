package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	logx "tasknotify/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "state")}, logx.Nop())
	require.NoError(t, err)

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "state.db")}, logx.Nop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rs, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr(), Prefix: "test"}}, logx.Nop())
	require.NoError(t, err)

	stores := map[string]Store{"memory": NewMemory(), "file": fs, "sqlite": sq, "redis": rs}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.Get(ctx, "cursor:servicenow")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.Put(ctx, "cursor:servicenow", "5"))
			require.NoError(t, st.Put(ctx, "cursor:servicenow", "7"))
			v, ok, err := st.Get(ctx, "cursor:servicenow")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "7", v)

			require.NoError(t, st.Delete(ctx, "cursor:servicenow"))
			_, ok, err = st.Get(ctx, "cursor:servicenow")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Actor: "test", Action: "enabled.set", Detail: "false"}))
		})
	}
}

func TestOpenMemoryAndUnknown(t *testing.T) {
	for _, driver := range []string{"", "none", " Memory "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.IsType(t, &Memory{}, st)
	}

	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.ErrorContains(t, err, "sqlite3")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "a", "1"))
	require.NoError(t, st.Put(ctx, "b", "2"))
	require.NoError(t, st.Delete(ctx, "a"))
	// Simulate a crash: journal only, no compaction on Close.
	fs := st.(*fileStore)
	require.NoError(t, fs.journalFile.Close())
	fs.journalFile = nil
	require.NoError(t, fs.auditFile.Close())
	fs.auditFile = nil

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()

	_, ok, err := st2.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := st2.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func TestFileStoreCompactsJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < compactEvery; i++ {
		require.NoError(t, st.Put(ctx, "cursor:feed", strings.Repeat("x", i%5+1)))
	}

	info, err := os.Stat(path + ".kv.journal.jsonl")
	require.NoError(t, err)
	require.Zero(t, info.Size())

	b, err := os.ReadFile(path + ".kv.snapshot.json")
	require.NoError(t, err)
	var snap map[string]string
	require.NoError(t, json.Unmarshal(b, &snap))
	require.Equal(t, strings.Repeat("x", (compactEvery-1)%5+1), snap["cursor:feed"])
	require.NoError(t, st.Close())
}

func TestRedisStoreAuditIsCapped(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	st := NewRedis(client, "", logx.Nop())
	defer st.Close()

	for i := 0; i < auditMaxLen+10; i++ {
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{Actor: "t", Action: "x"}))
	}
	n, err := client.LLen(ctx, "tasknotify:audit").Result()
	require.NoError(t, err)
	require.EqualValues(t, auditMaxLen, n)
}
