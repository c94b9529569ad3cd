package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready("polling")
	require.NoError(t, err)
	require.False(t, sent)

	t.Setenv("WATCHDOG_USEC", "")
	require.NoError(t, RunWatchdog(context.Background()))
}

func TestReadyWritesState(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	sent, err := Ready("2 sources")
	require.NoError(t, err)
	require.True(t, sent)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	msg := string(buf[:n])
	require.True(t, strings.HasPrefix(msg, "READY=1"), msg)
	require.Contains(t, msg, "STATUS=2 sources")
}
