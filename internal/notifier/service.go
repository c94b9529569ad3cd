package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"tasknotify/internal/eventbus"
	rtsup "tasknotify/internal/runtime/supervisor"
	logx "tasknotify/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	// sendTimeout bounds one sink call.
	sendTimeout  = 10 * time.Second
	historyLimit = 300
)

// run is one Start..Stop lifetime of the worker pool.
type run struct {
	queue    chan Notification
	sup      *rtsup.Supervisor
	inflight sync.WaitGroup
	closing  chan struct{}
	done     chan struct{}
}

func (r *run) stopping() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

// Service is the asynchronous delivery pipeline. Safe for concurrent use.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	sinks   []Sink
	limiter *rate.Limiter
	retry   retrypolicy.RetryPolicy[any]
	cur     *run

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{log: log, bus: bus, sinks: append([]Sink(nil), sinks...)}
	s.configure(cfg)
	return s
}

// Supervisor is the worker pool's supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.sinks))
	for i, sk := range s.sinks {
		names[i] = sk.Name()
	}
	return names
}

// SetSinks replaces the sink set. Notifications already being delivered
// finish on the old set.
func (s *Service) SetSinks(sinks []Sink) {
	s.mu.Lock()
	s.sinks = append([]Sink(nil), sinks...)
	s.mu.Unlock()
}

// Apply takes effect for the next delivery. Workers and QueueSize apply on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configure(cfg)
}

func (s *Service) configure(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.retry = retrypolicy.NewBuilder[any]().
		WithMaxRetries(cfg.RetryMax).
		WithBackoff(cfg.RetryBase, cfg.RetryMaxDelay).
		WithJitterFactor(0.3).
		AbortOnErrors(context.Canceled).
		ReturnLastFailure().
		Build()
}

// Start launches the worker pool. It is a no-op while running or when the
// pipeline is disabled, and waits for a Stop in progress to finish.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		r := s.cur
		if r == nil {
			break
		}
		s.mu.Unlock()
		if !r.stopping() {
			return
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return
	}

	r := &run{
		queue:   make(chan Notification, s.cfg.QueueSize),
		sup:     rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.cur = r
	for i := range s.cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return c.Err()
				case n, ok := <-r.queue:
					if !ok {
						return nil
					}
					s.deliver(c, n)
				}
			}
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop refuses new notifications and drains the queue until ctx ends, then
// abandons whatever is left.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := !r.stopping()
	if first {
		close(r.closing)
	}
	s.mu.Unlock()

	if first {
		go func() {
			r.inflight.Wait()
			close(r.queue)
			_ = r.sup.Wait(context.Background())
			s.mu.Lock()
			if s.cur == r {
				s.cur = nil
			}
			s.mu.Unlock()
			close(r.done)
		}()
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.sup.Cancel()
	}
}

// Notify enqueues n and returns without waiting for any sink.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	r := s.cur
	if r == nil || r.stopping() {
		s.mu.Unlock()
		return ErrStopped
	}
	r.inflight.Add(1)
	s.mu.Unlock()
	defer r.inflight.Done()

	select {
	case r.queue <- n:
		s.publish(EventQueued, "", n, nil)
		return nil
	default:
		s.publish(EventDropped, "", n, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns recent successful deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(sink, title string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sink: sink, Title: title})
	if extra := len(s.history) - historyLimit; extra > 0 {
		s.history = append(s.history[:0], s.history[extra:]...)
	}
}

func (s *Service) publish(typ, sink string, n Notification, err error) {
	ev := NotificationEvent{Sink: sink, Source: n.Source, Title: n.Title, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Source: n.Source, Data: ev})
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	sinks, lim, retry := s.sinks, s.limiter, s.retry
	s.mu.Unlock()

	for _, sk := range sinks {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, sk, lim, retry, n)
	}
}

// send delivers n to one sink, retrying under the configured policy. Every
// attempt waits for a rate-limit token.
func (s *Service) send(ctx context.Context, sk Sink, lim *rate.Limiter, retry retrypolicy.RetryPolicy[any], n Notification) {
	attempts := 0
	err := failsafe.With[any](retry).WithContext(ctx).Run(func() error {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		err := sk.Send(callCtx, n)
		if err != nil {
			s.log.Debug("notify send failed", logx.String("sink", sk.Name()), logx.Int("attempt", attempts), logx.Err(err))
		}
		return err
	})
	switch {
	case err == nil:
		s.remember(sk.Name(), n.Title)
		s.publish(EventSent, sk.Name(), n, nil)
	case ctx.Err() != nil:
	default:
		s.log.Warn("notification dropped after retries",
			logx.String("sink", sk.Name()),
			logx.String("title", n.Title),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
		s.publish(EventFailed, sk.Name(), n, err)
	}
}
