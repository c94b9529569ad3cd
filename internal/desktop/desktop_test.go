package desktop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tasknotify/internal/notifier"
)

func TestSinkArgv(t *testing.T) {
	n := notifier.Notification{Title: "ServiceNow: 2 new tasks", Body: "1) Disk full\n+ 1 more", URL: "https://x"}

	tests := []struct {
		name    string
		command []string
		want    []string
	}{
		{"default", nil, []string{"notify-send", "--app-name=tasknotify", "ServiceNow: 2 new tasks", "1) Disk full\n+ 1 more"}},
		{"custom", []string{"dunstify", "-A", "open,{url}", "{title}"}, []string{"dunstify", "-A", "open,https://x", "ServiceNow: 2 new tasks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSink(tt.command)
			var got []string
			s.run = func(_ context.Context, name string, args ...string) error {
				got = append([]string{name}, args...)
				return nil
			}
			require.NoError(t, s.Send(context.Background(), n))
			require.Equal(t, tt.want, got)
		})
	}
}
