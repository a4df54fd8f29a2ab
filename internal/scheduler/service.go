package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"crosspost/internal/eventbus"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

func New(cfg Config, store storage.Store, d Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = "./data/media"
	}
	// Media paths are stored on the job and read back later, possibly by a
	// process started from another directory.
	if abs, err := filepath.Abs(cfg.MediaDir); err == nil {
		cfg.MediaDir = abs
	}
	s := &Service{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		store:      store,
		dispatcher: d,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init loads the job store and prepares the media directory. Jobs left in
// running by a crash are reported and left alone.
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	if err := os.MkdirAll(s.cfg.MediaDir, 0o700); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status == storage.StatusRunning {
			s.log.Warn("job was interrupted while running; leaving it as is",
				logx.String("job", j.ID),
				logx.Int("attempt", j.AttemptCount),
				logx.Time("run_at", j.RunAt),
			)
		}
	}
	s.log.Debug("scheduler initialized", logx.Int("jobs", len(jobs)), logx.String("media_dir", s.cfg.MediaDir))
	return nil
}

// Start begins the background poll if enabled. It is a no-op when already
// started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cur := s.cfg
	if !cur.Enabled {
		s.log.Info("scheduler disabled; background poll not started")
		return nil
	}

	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := s.runCtx
	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	id, err := s.c.AddFunc("@every "+cur.PollInterval.String(), func() { s.Tick(runCtx) })
	if err != nil {
		s.c = nil
		s.cancel()
		return fmt.Errorf("register poll: %w", err)
	}
	s.entryID = id
	s.c.Start()
	s.log.Info("scheduler started", logx.Duration("poll_interval", cur.PollInterval))
	return nil
}

// Stop halts the poll and waits for an in-progress tick to finish, or for
// ctx to expire, whichever comes first.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; abandoning running tick")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// NextPoll returns when the next background tick fires, or zero if the poll
// is not running.
func (s *Service) NextPoll() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entryID).Next
}

// Tick runs every job due now, sequentially in runAt order. A Tick that
// starts while another is running returns immediately with Skipped set.
func (s *Service) Tick(ctx context.Context) TickResult {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped: previous tick still running")
		return TickResult{Skipped: true}
	}
	defer s.ticking.Store(false)

	jobs, err := s.store.ListDue(ctx, s.now())
	if err != nil {
		s.log.Error("list due jobs failed", logx.Err(err))
		return TickResult{}
	}
	res := TickResult{Due: len(jobs)}
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := s.processJob(ctx, j.ID); err != nil {
			s.log.Error("job processing failed", logx.String("job", j.ID), logx.Err(err))
		}
		res.Processed++
	}
	if res.Due > 0 {
		s.log.Debug("tick finished", logx.Int("due", res.Due), logx.Int("processed", res.Processed))
	}
	return res
}

func (s *Service) publish(typ string, ev eventbus.JobEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
