package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tasknotify/internal/gate"
	logx "tasknotify/pkg/logx"
)

type call struct{ site, title, body, url string }

type recorder struct {
	calls   []call
	outcome gate.Outcome
}

func (r *recorder) Notify(_ context.Context, site, title, body, url string) gate.Outcome {
	r.calls = append(r.calls, call{site, title, body, url})
	return r.outcome
}

func TestHandleAppliesDefaults(t *testing.T) {
	r := &recorder{}
	h := NewHandler(r, nil, logx.Nop())

	require.Equal(t, gate.OutcomeEmitted, h.Handle(context.Background(), Observation{}))
	require.Equal(t, []call{{"Site", "New Task", "", ""}}, r.calls)
}

func TestHandleDoesNotDedup(t *testing.T) {
	r := &recorder{}
	h := NewHandler(r, nil, logx.Nop())
	o := Observation{Site: "Jira", Title: "Queue item", Body: "new row", URL: "https://jira/1", ID: "row-1"}

	h.Handle(context.Background(), o)
	h.Handle(context.Background(), o)
	require.Len(t, r.calls, 2)
	require.Equal(t, call{"Jira", "Queue item", "new row", "https://jira/1"}, r.calls[1])
}

func TestHandleReportsSuppression(t *testing.T) {
	r := &recorder{outcome: gate.OutcomeSuppressed}
	h := NewHandler(r, nil, logx.Nop())
	require.Equal(t, gate.OutcomeSuppressed, h.Handle(context.Background(), Observation{Title: "x"}))
}

func TestNormalizeKeepsLongTitle(t *testing.T) {
	long := strings.Repeat("a", 200)
	o := Normalize(Observation{Title: "  " + long + "  "})
	require.Equal(t, long, o.Title)
}
