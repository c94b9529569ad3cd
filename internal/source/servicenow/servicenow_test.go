package servicenow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/stretchr/testify/require"

	"tasknotify/internal/item"
	logx "tasknotify/pkg/logx"
)

const tableBody = `{"result":[
 {"sys_id":"5","short_description":"Printer on fire","assigned_to":{"display_value":"Ana","link":"x"},"sys_created_on":"2026-10-01 10:00:00"},
 {"sys_id":"4","short_description":"VPN down","assigned_to":"Bo","sys_created_on":"2026-10-01 09:00:00"},
 {"sys_id":"3","short_description":"","assigned_to":""}
]}`

func newSource(t *testing.T, url string, mod func(*Config)) *Source {
	t.Helper()
	cfg := Config{URL: url + "/api/now/table/incident?sysparm_query=ORDERBYDESCsys_created_on", Username: "svc", Password: "pw"}
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg, logx.Nop())
	require.NoError(t, err)
	return s
}

func TestFetchParsesTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/now/table/incident", r.URL.Path)
		require.Equal(t, "20", r.URL.Query().Get("sysparm_limit"))
		require.Equal(t, "ORDERBYDESCsys_created_on", r.URL.Query().Get("sysparm_query"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "svc", user)
		require.Equal(t, "pw", pass)
		_, _ = w.Write([]byte(tableBody))
	}))
	defer srv.Close()

	s := newSource(t, srv.URL, nil)
	require.Equal(t, "servicenow", s.Key())
	require.Equal(t, "ServiceNow", s.Name())

	items, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "5", items[0].ID)
	require.Equal(t, "Printer on fire", items[0].Title)
	require.Equal(t, "Ana", items[0].Assignee)
	require.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), items[0].CreatedAt)
	require.Equal(t, srv.URL+"/incident.do?sys_id=5", items[0].URL)
	require.Equal(t, "Bo", items[1].Assignee)
	require.Empty(t, items[2].Assignee)
	require.True(t, items[2].CreatedAt.IsZero())
}

func TestFetchBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "5", r.URL.Query().Get("sysparm_limit"))
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer srv.Close()

	s := newSource(t, srv.URL, func(c *Config) { c.Token = "tok"; c.Limit = 5 })
	items, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		parse   bool
		wantSts int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantSts: 401},
		{name: "server error", status: http.StatusBadGateway, wantSts: 502},
		{name: "bad json", status: http.StatusOK, body: `{"result":[`, parse: true},
		{name: "missing sys_id", status: http.StatusOK, body: `{"result":[{"short_description":"x"}]}`, parse: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newSource(t, srv.URL, nil).Fetch(context.Background())
			require.Error(t, err)
			require.True(t, item.IsFetchFailure(err))
			if tt.parse {
				var pe *item.ParseError
				require.ErrorAs(t, err, &pe)
				return
			}
			var fe *item.FetchError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, tt.wantSts, fe.Status)
		})
	}
}

func TestBreakerOpensOnRepeatedServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newSource(t, srv.URL, func(c *Config) {
		c.Breaker = BreakerConfig{Failures: 2, Window: 2, Delay: time.Hour}
	})
	for i := 0; i < 2; i++ {
		_, err := s.Fetch(context.Background())
		require.Error(t, err)
	}
	require.Equal(t, "open", s.BreakerState())

	_, err := s.Fetch(context.Background())
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	require.True(t, item.IsFetchFailure(err))
	require.EqualValues(t, 2, hits.Load())
}

func TestDisplayValue(t *testing.T) {
	require.Equal(t, "", displayValue(nil))
	require.Equal(t, "", displayValue([]byte(`null`)))
	require.Equal(t, "Ana", displayValue([]byte(`"Ana"`)))
	require.Equal(t, "abc123", displayValue([]byte(`{"value":"abc123","link":"x"}`)))
}
