package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tasknotify/internal/item"
)

const rss = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Queue</title>
<item><title>Older</title><guid>t-1</guid><link>https://q/1</link><pubDate>Mon, 05 Oct 2026 09:00:00 GMT</pubDate></item>
<item><title>Newest</title><guid>t-3</guid><link>https://q/3</link><pubDate>Wed, 07 Oct 2026 09:00:00 GMT</pubDate><author>ops@example.com (Ops)</author></item>
<item><title>Middle</title><guid>t-2</guid><link>https://q/2</link><pubDate>Tue, 06 Oct 2026 09:00:00 GMT</pubDate></item>
</channel></rss>`

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchOrdersNewestFirst(t *testing.T) {
	srv := serve(t, http.StatusOK, rss)
	s, err := New(Config{Key: "queue", URL: srv.URL, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, "queue", s.Name())

	items, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "t-3", items[0].ID)
	require.Equal(t, "Newest", items[0].Title)
	require.Equal(t, "https://q/3", items[0].URL)
	require.Equal(t, "t-2", items[1].ID)
}

func TestFetchFailures(t *testing.T) {
	s, err := New(Config{Key: "queue", URL: serve(t, http.StatusNotFound, "").URL})
	require.NoError(t, err)
	_, err = s.Fetch(context.Background())
	var fe *item.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.Status)

	s, err = New(Config{Key: "queue", URL: serve(t, http.StatusOK, "this is not a feed").URL})
	require.NoError(t, err)
	_, err = s.Fetch(context.Background())
	var pe *item.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestEntryIDFallsBackToHash(t *testing.T) {
	srv := serve(t, http.StatusOK, `<rss version="2.0"><channel><item><title>x</title><link>https://q/x</link></item></channel></rss>`)
	s, err := New(Config{Key: "q", URL: srv.URL})
	require.NoError(t, err)
	items, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].ID, 32)
}
