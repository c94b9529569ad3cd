// Package poller runs fetch/dedup/announce/commit cycles for item sources.
//
// A cycle moves through Fetching, Deduping, then either NoOp or Announcing,
// and finally CommittingCursor. A failed fetch never touches the cursor.
// Cycles for the same source key are single-flight: a trigger that arrives
// while one is running joins it and receives its result.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tasknotify/internal/dedup"
	"tasknotify/internal/eventbus"
	"tasknotify/internal/gate"
	"tasknotify/internal/item"
	"tasknotify/internal/state"
	logx "tasknotify/pkg/logx"
)

var ErrUnknownSource = errors.New("unknown source")

// DefaultTimeout bounds one cycle when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Announcer is the gate as seen by the poller.
type Announcer interface {
	Notify(ctx context.Context, sourceName, title, body, url string) gate.Outcome
}

// Outcome is how a cycle that fetched successfully ended.
type Outcome string

const (
	OutcomeNoOp       Outcome = "noop"
	OutcomeEmitted    Outcome = "emitted"
	OutcomeSuppressed Outcome = "suppressed"
)

// CycleResult describes one completed or aborted cycle.
type CycleResult struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Enabled   bool          `json:"enabled"`
	Fetched   int           `json:"fetched"`
	New       int           `json:"new"`
	Outcome   Outcome       `json:"outcome,omitempty"`
	Cursor    string        `json:"cursor,omitempty"`
	Committed bool          `json:"committed"`
	Joined    bool          `json:"joined,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type Config struct {
	// Timeout bounds one cycle end to end.
	Timeout time.Duration
}

type Poller struct {
	cursors state.Cursors
	flag    state.Flag
	gate    Announcer
	bus     eventbus.Bus
	log     logx.Logger

	sf singleflight.Group

	mu      sync.RWMutex
	cfg     Config
	sources map[string]item.Source
	last    map[string]CycleResult
	running int
	idle    chan struct{}
}

func New(cfg Config, sources []item.Source, cursors state.Cursors, flag state.Flag, g Announcer, bus eventbus.Bus, log logx.Logger) *Poller {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	p := &Poller{
		cursors: cursors,
		flag:    flag,
		gate:    g,
		bus:     bus,
		log:     log,
		last:    map[string]CycleResult{},
	}
	p.Apply(cfg)
	p.SetSources(sources)
	return p
}

func (p *Poller) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// SetSources replaces the source set. Cursors of removed sources are kept.
func (p *Poller) SetSources(sources []item.Source) {
	m := make(map[string]item.Source, len(sources))
	for _, s := range sources {
		m[s.Key()] = s
	}
	p.mu.Lock()
	p.sources = m
	p.mu.Unlock()
}

// Sources returns the configured sources sorted by key.
func (p *Poller) Sources() []item.Source {
	p.mu.RLock()
	out := make([]item.Source, 0, len(p.sources))
	for _, s := range p.sources {
		out = append(out, s)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Last returns the most recent result per source key.
func (p *Poller) Last() map[string]CycleResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]CycleResult, len(p.last))
	for k, v := range p.last {
		out[k] = v
	}
	return out
}

// Poll runs one cycle for the source, or joins the one already in flight.
// The cycle itself is detached from ctx cancellation so a joined caller
// giving up does not abort it; Config.Timeout bounds it instead.
func (p *Poller) Poll(ctx context.Context, key string) (CycleResult, error) {
	p.mu.RLock()
	src, ok := p.sources[key]
	timeout := p.cfg.Timeout
	p.mu.RUnlock()
	if !ok {
		return CycleResult{Source: key}, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}

	leader := false
	ch := p.sf.DoChan(key, func() (any, error) {
		leader = true
		p.begin()
		defer p.end()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		res, err := p.cycle(cctx, src)
		p.mu.Lock()
		p.last[key] = res
		p.mu.Unlock()
		return res, err
	})

	select {
	case <-ctx.Done():
		return CycleResult{Source: key}, ctx.Err()
	case r := <-ch:
		res := r.Val.(CycleResult)
		if !leader {
			res.Joined = true
			p.log.Debug("poll joined in-flight cycle", logx.String("source", key), logx.String("cycle", res.ID))
			p.bus.Publish(eventbus.Event{Type: eventbus.TypePollJoined, Source: key, Data: res.ID})
		}
		return res, r.Err
	}
}

func (p *Poller) begin() {
	p.mu.Lock()
	if p.running == 0 {
		p.idle = make(chan struct{})
	}
	p.running++
	p.mu.Unlock()
}

func (p *Poller) end() {
	p.mu.Lock()
	p.running--
	if p.running == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
}

// Wait blocks until no cycle is running or ctx ends. Cycles started while
// waiting are waited for too.
func (p *Poller) Wait(ctx context.Context) error {
	p.mu.RLock()
	idle, n := p.idle, p.running
	p.mu.RUnlock()
	if n == 0 {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollAll polls every source concurrently and waits for all of them.
func (p *Poller) PollAll(ctx context.Context) []CycleResult {
	sources := p.Sources()
	out := make([]CycleResult, len(sources))
	var wg sync.WaitGroup
	for i, s := range sources {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			out[i], _ = p.Poll(ctx, key)
		}(i, s.Key())
	}
	wg.Wait()
	return out
}

func (p *Poller) cycle(ctx context.Context, src item.Source) (res CycleResult, err error) {
	key := src.Key()
	res = CycleResult{ID: uuid.NewString(), Source: key, Started: time.Now()}
	log := p.log.With(logx.String("source", key), logx.String("cycle", res.ID))

	defer func() {
		res.Duration = time.Since(res.Started)
		if err != nil {
			res.Error = err.Error()
			log.Warn("poll cycle aborted", logx.Err(err), logx.Duration("took", res.Duration))
			p.bus.Publish(eventbus.Event{Type: eventbus.TypePollFailed, Source: key, Data: res})
			return
		}
		log.Debug("poll cycle done",
			logx.String("outcome", string(res.Outcome)),
			logx.Int("fetched", res.Fetched),
			logx.Int("new", res.New),
			logx.Bool("committed", res.Committed),
			logx.Duration("took", res.Duration),
		)
		p.bus.Publish(eventbus.Event{Type: eventbus.TypePollCompleted, Source: key, Data: res})
	}()

	enabled, ferr := p.flag.Get(ctx)
	if ferr != nil {
		log.Warn("enabled flag unreadable", logx.Err(ferr))
	}
	res.Enabled = enabled

	// Fetching
	items, err := src.Fetch(ctx)
	if err != nil {
		return res, err
	}
	res.Fetched = len(items)
	if len(items) == 0 {
		res.Outcome = OutcomeNoOp
		return res, nil
	}

	// Deduping
	lastSeen, ok, err := p.cursors.Get(ctx, key)
	if err != nil {
		return res, err
	}
	cur := dedup.Cursor{LastSeenID: lastSeen, OK: ok}
	newItems, next := dedup.ComputeNew(items, cur)
	res.New = len(newItems)
	res.Cursor = next.LastSeenID

	// Announcing
	res.Outcome = OutcomeNoOp
	if title, body, ok := Summarize(newItems); ok {
		url := ""
		if len(newItems) == 1 {
			url = newItems[0].URL
		}
		if p.gate.Notify(ctx, src.Name(), title, body, url) == gate.OutcomeSuppressed {
			res.Outcome = OutcomeSuppressed
		} else {
			res.Outcome = OutcomeEmitted
		}
	}

	// CommittingCursor. The announcement is already out, so a write failure
	// is reported but does not fail the cycle.
	if err := p.cursors.Set(ctx, key, next.LastSeenID); err != nil {
		log.Error("cursor commit failed", logx.String("next", next.LastSeenID), logx.Err(err))
		res.Error = err.Error()
		return res, nil
	}
	res.Committed = true
	return res, nil
}
