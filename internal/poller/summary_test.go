package poller

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tasknotify/internal/item"
)

func TestSummarize(t *testing.T) {
	long := strings.Repeat("é", 100)

	tests := []struct {
		name      string
		items     []item.Item
		wantTitle string
		wantBody  string
		wantOK    bool
	}{
		{name: "none", items: nil, wantOK: false},
		{
			name:      "single",
			items:     []item.Item{{ID: "5", Title: "T5", Assignee: "Ana"}},
			wantTitle: "T5", wantBody: "Assigned to: Ana", wantOK: true,
		},
		{
			name:      "single fallbacks",
			items:     []item.Item{{ID: "5"}},
			wantTitle: "New Task", wantBody: "Assigned to: unknown", wantOK: true,
		},
		{
			name:      "three",
			items:     []item.Item{{ID: "3", Title: "Disk full"}, {ID: "2"}, {ID: "1"}},
			wantTitle: "3 new tasks", wantBody: "1) Disk full\n+ 2 more", wantOK: true,
		},
		{
			name:      "untitled newest",
			items:     []item.Item{{ID: "2"}, {ID: "1", Title: "old"}},
			wantTitle: "2 new tasks", wantBody: "1) —\n+ 1 more", wantOK: true,
		},
		{
			name:      "truncated by runes",
			items:     []item.Item{{ID: "2", Title: long}, {ID: "1"}},
			wantTitle: "2 new tasks", wantBody: "1) " + strings.Repeat("é", 80) + "\n+ 1 more", wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body, ok := Summarize(tt.items)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantTitle, title)
			require.Equal(t, tt.wantBody, body)
		})
	}
}
