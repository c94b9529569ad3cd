package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tasknotify/internal/eventbus"
	"tasknotify/internal/gate"
	"tasknotify/internal/item"
	"tasknotify/internal/notifier"
	"tasknotify/internal/state"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
)

type scriptedSource struct {
	key   string
	mu    sync.Mutex
	steps []func() ([]item.Item, error)
	calls atomic.Int32
	block chan struct{}
}

func (s *scriptedSource) Key() string  { return s.key }
func (s *scriptedSource) Name() string { return "ServiceNow" }

func (s *scriptedSource) Fetch(context.Context) ([]item.Item, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return step()
}

func returns(items ...item.Item) func() ([]item.Item, error) {
	return func() ([]item.Item, error) { return items, nil }
}

func fails(err error) func() ([]item.Item, error) {
	return func() ([]item.Item, error) { return nil, err }
}

type captured struct {
	mu    sync.Mutex
	notes []notifier.Notification
	plays int
}

func (c *captured) Notify(_ context.Context, n notifier.Notification) error {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
	return nil
}

func (c *captured) PlayOnce(context.Context) error {
	c.mu.Lock()
	c.plays++
	c.mu.Unlock()
	return nil
}

type harness struct {
	poller  *Poller
	cursors *state.CursorStore
	flag    *state.EnabledFlag
	out     *captured
	src     *scriptedSource
}

func newHarness(t *testing.T, steps ...func() ([]item.Item, error)) *harness {
	t.Helper()
	st := storage.NewMemory()
	h := &harness{
		cursors: state.NewCursors(st, nil, logx.Nop()),
		flag:    state.NewFlag(st, true, nil, logx.Nop()),
		out:     &captured{},
		src:     &scriptedSource{key: "servicenow", steps: steps},
	}
	g := gate.New(h.flag, h.out, h.out, nil, logx.Nop())
	h.poller = New(Config{Timeout: time.Second}, []item.Source{h.src}, h.cursors, h.flag, g, eventbus.New(), logx.Nop())
	return h
}

func (h *harness) cursor(t *testing.T) (string, bool) {
	t.Helper()
	id, ok, err := h.cursors.Get(context.Background(), "servicenow")
	require.NoError(t, err)
	return id, ok
}

func it(id, title string) item.Item { return item.Item{ID: id, Title: title} }

func TestScenarioFirstRun(t *testing.T) {
	h := newHarness(t, returns(it("5", "T5"), it("4", "T4"), it("3", "T3")))

	res, err := h.poller.Poll(context.Background(), "servicenow")
	require.NoError(t, err)
	require.Equal(t, OutcomeEmitted, res.Outcome)
	require.Equal(t, 1, res.New)

	require.Len(t, h.out.notes, 1)
	require.Equal(t, "ServiceNow: T5", h.out.notes[0].Title)
	require.Equal(t, 1, h.out.plays)

	id, ok := h.cursor(t)
	require.True(t, ok)
	require.Equal(t, "5", id)
}

func TestScenarioTwoNew(t *testing.T) {
	h := newHarness(t, returns(it("5", "T5"), it("4", "T4"), it("3", "T3"), it("2", "T2")))
	require.NoError(t, h.cursors.Set(context.Background(), "servicenow", "3"))

	res, err := h.poller.Poll(context.Background(), "servicenow")
	require.NoError(t, err)
	require.Equal(t, 2, res.New)
	require.Len(t, h.out.notes, 1)
	require.Equal(t, "ServiceNow: 2 new tasks", h.out.notes[0].Title)
	require.Equal(t, "1) T5\n+ 1 more", h.out.notes[0].Body)

	id, _ := h.cursor(t)
	require.Equal(t, "5", id)
}

func TestScenarioDisabledStillAdvancesCursor(t *testing.T) {
	h := newHarness(t, returns(it("7", "T7"), it("6", "T6")))
	ctx := context.Background()
	require.NoError(t, h.cursors.Set(ctx, "servicenow", "6"))
	require.NoError(t, h.flag.Set(ctx, false))

	res, err := h.poller.Poll(ctx, "servicenow")
	require.NoError(t, err)
	require.False(t, res.Enabled)
	require.Equal(t, OutcomeSuppressed, res.Outcome)
	require.Empty(t, h.out.notes)
	require.Zero(t, h.out.plays)

	id, _ := h.cursor(t)
	require.Equal(t, "7", id)
}

func TestScenarioFetchFailureKeepsCursor(t *testing.T) {
	h := newHarness(t,
		fails(&item.FetchError{Source: "servicenow", Status: 503}),
		returns(it("5", "T5"), it("4", "T4"), it("3", "T3")),
	)
	ctx := context.Background()
	require.NoError(t, h.cursors.Set(ctx, "servicenow", "3"))

	res, err := h.poller.Poll(ctx, "servicenow")
	require.Error(t, err)
	require.True(t, item.IsFetchFailure(err))
	require.NotEmpty(t, res.Error)
	require.Empty(t, h.out.notes)
	id, _ := h.cursor(t)
	require.Equal(t, "3", id)

	// The next successful cycle sees exactly what it would have without the failure.
	_, err = h.poller.Poll(ctx, "servicenow")
	require.NoError(t, err)
	require.Len(t, h.out.notes, 1)
	require.Equal(t, "ServiceNow: 2 new tasks", h.out.notes[0].Title)
	id, _ = h.cursor(t)
	require.Equal(t, "5", id)
}

func TestEmptyFetchDoesNotCommit(t *testing.T) {
	h := newHarness(t, returns())
	res, err := h.poller.Poll(context.Background(), "servicenow")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoOp, res.Outcome)
	require.False(t, res.Committed)
	_, ok := h.cursor(t)
	require.False(t, ok)
}

func TestCaughtUpCommitsWithoutAnnouncing(t *testing.T) {
	h := newHarness(t, returns(it("5", "T5"), it("4", "T4")))
	require.NoError(t, h.cursors.Set(context.Background(), "servicenow", "5"))

	res, err := h.poller.Poll(context.Background(), "servicenow")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoOp, res.Outcome)
	require.True(t, res.Committed)
	require.Empty(t, h.out.notes)
}

func TestPollUnknownSource(t *testing.T) {
	h := newHarness(t, returns())
	_, err := h.poller.Poll(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestConcurrentTriggersShareOneCycle(t *testing.T) {
	h := newHarness(t, returns(it("5", "T5")))
	h.src.block = make(chan struct{})

	const callers = 5
	results := make([]CycleResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.poller.Poll(context.Background(), "servicenow")
		}(i)
	}

	require.Eventually(t, func() bool { return h.src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join before releasing the fetch.
	time.Sleep(50 * time.Millisecond)
	close(h.src.block)
	wg.Wait()

	require.EqualValues(t, 1, h.src.calls.Load())
	require.Len(t, h.out.notes, 1)
	joined := 0
	for i, r := range results {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].ID, r.ID)
		if r.Joined {
			joined++
		}
	}
	require.Equal(t, callers-1, joined)
}

func TestWaitForRunningCycle(t *testing.T) {
	h := newHarness(t, returns(it("5", "T5")))
	require.NoError(t, h.poller.Wait(context.Background()))

	h.src.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.poller.Poll(context.Background(), "servicenow")
	}()
	require.Eventually(t, func() bool { return h.src.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.poller.Wait(ctx), context.DeadlineExceeded)

	close(h.src.block)
	require.NoError(t, h.poller.Wait(context.Background()))
	id, ok := h.cursor(t)
	require.True(t, ok)
	require.Equal(t, "5", id)
	<-done
}

func TestPollAllAndLast(t *testing.T) {
	h := newHarness(t, returns(it("1", "one")))
	other := &scriptedSource{key: "feed", steps: []func() ([]item.Item, error){fails(errors.New("dns"))}}
	h.poller.SetSources([]item.Source{h.src, other})

	results := h.poller.PollAll(context.Background())
	require.Len(t, results, 2)
	require.Equal(t, "feed", results[0].Source)
	require.NotEmpty(t, results[0].Error)
	require.Equal(t, "servicenow", results[1].Source)
	require.Equal(t, OutcomeEmitted, results[1].Outcome)

	last := h.poller.Last()
	require.Contains(t, last, "feed")
	require.Contains(t, last, "servicenow")
}
