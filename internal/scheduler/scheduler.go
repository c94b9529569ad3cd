package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tasknotify/pkg/logx"
)

// DefaultSchedule matches the original five minute alarm.
const DefaultSchedule = "5m"

type Config struct {
	Schedule string
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Running  bool      `json:"running"`
	Schedule string    `json:"schedule"`
	Timezone string    `json:"timezone"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Fired    uint64    `json:"fired"`
}

// Service drives one job on a schedule.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	sched  Schedule
	parser cron.Parser
	job    func(ctx context.Context)

	c       *cron.Cron
	entry   cron.EntryID
	wrapped cron.Job
	runCtx  context.Context
	eager   sync.WaitGroup
	fired   uint64
}

// New validates cfg.Schedule and returns a stopped service.
func New(cfg Config, job func(ctx context.Context), log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	s := &Service{
		log: log,
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		sched:  sched,
		job:    job,
	}
	if _, err := s.parser.Parse(sched.Spec()); err != nil {
		return nil, err
	}
	return s, nil
}

// Running reports whether the trigger is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps the schedule. A running trigger is restarted without an eager run.
func (s *Service) Apply(cfg Config) error {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(sched.Spec()); err != nil {
		return err
	}

	s.mu.Lock()
	changed := sched.Spec() != s.sched.Spec() || strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg, s.sched = cfg, sched
	running := s.c != nil
	ctx := s.runCtx
	s.mu.Unlock()

	if changed && running {
		s.log.Info("schedule changed; restarting trigger", logx.String("schedule", sched.Spec()))
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(stopCtx)
		cancel()
		return s.start(ctx, false)
	}
	return nil
}

// Start begins firing and runs the job once right away. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	return s.start(ctx, true)
}

func (s *Service) start(ctx context.Context, eager bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loadLocationLocked()),
		cron.WithLogger(clog),
	)
	// Timer firings and the eager run share one chain, so either one in
	// flight makes the other skip.
	wrapped := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() { s.fire(ctx) }))
	id, err := c.AddJob(s.sched.Spec(), wrapped)
	if err != nil {
		return err
	}
	s.c, s.entry, s.wrapped, s.runCtx = c, id, wrapped, ctx
	c.Start()

	if eager {
		s.eager.Add(1)
		go func() {
			defer s.eager.Done()
			wrapped.Run()
		}()
	}
	s.log.Info("trigger started", logx.String("schedule", s.sched.Spec()), logx.Bool("eager", eager))
	return nil
}

// Stop cancels future firings and waits (bounded by ctx) for a running job.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.wrapped = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.eager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out; job still running")
	}
	s.log.Info("trigger stopped")
}

// Snapshot reports the trigger state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:  s.c != nil,
		Schedule: s.sched.Spec(),
		Timezone: strings.TrimSpace(s.cfg.Timezone),
		Fired:    s.fired,
	}
	if s.c != nil {
		e := s.c.Entry(s.entry)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	return snap
}

func (s *Service) fire(ctx context.Context) {
	s.mu.Lock()
	s.fired++
	job := s.job
	s.mu.Unlock()
	if job != nil {
		job(ctx)
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
