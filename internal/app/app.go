package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"crosspost/internal/apperr"
	"crosspost/internal/capability"
	"crosspost/internal/config"
	"crosspost/internal/content"
	"crosspost/internal/dispatch"
	"crosspost/internal/eventbus"
	"crosspost/internal/observability/pprof"
	"crosspost/internal/publisher"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/internal/validate"
	logx "crosspost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	caps       *capability.Cache
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Service
	debug      *pprof.Service

	closeOnce sync.Once
	closeErr  error
}

type Option func(*options)

type options struct {
	envFile string
	clock   func() time.Time
}

// WithEnvFile loads CROSSPOST_* overrides from a dotenv file.
func WithEnvFile(path string) Option { return func(o *options) { o.envFile = path } }

// WithClock replaces the wall clock of the dispatcher and scheduler.
func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// New loads the config, wires every component and initializes the job
// store. The background scheduler does not run until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetEnvFile(o.envFile)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a, err := wire(cfg, log, o)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	a.logs = logSvc

	if err := a.sched.Init(ctx); err != nil {
		_ = a.store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	return a, nil
}

func wire(cfg *config.Config, log logx.Logger, o options) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	capOpts, err := mapCapabilityOptions(cfg, log.With(logx.String("comp", "capability")))
	if err != nil {
		return nil, err
	}
	dispOpts, err := mapDispatchOptions(cfg, log.With(logx.String("comp", "dispatch")))
	if err != nil {
		return nil, err
	}
	pubCfg, err := mapPublisherConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return nil, err
	}

	var schedOpts []scheduler.Option
	if o.clock != nil {
		dispOpts = append(dispOpts, dispatch.WithClock(o.clock))
		schedOpts = append(schedOpts, scheduler.WithClock(o.clock))
	}

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if errors.Is(err, storage.ErrLocked) {
		return nil, apperr.Conflict("%v; stop serve or switch storage.driver to sqlite", err)
	}
	if err != nil {
		return nil, err
	}

	caps := capability.NewCache(capOpts...)
	v := validate.New(caps)
	d := dispatch.New(v, publisher.All(pubCfg), dispOpts...)
	bus := eventbus.New()
	sched := scheduler.New(schedCfg, store, d, log.With(logx.String("comp", "scheduler")), bus,
		append(schedOpts, scheduler.WithValidator(v))...)

	log.Debug("components wired",
		logx.String("storage.driver", sc.Driver),
		logx.String("storage.path", sc.Path),
		logx.Bool("scheduler.enabled", schedCfg.Enabled),
		logx.Bool("crypto.key_set", !schedCfg.Key.IsZero()),
	)

	a := &App{
		log:        log,
		bus:        bus,
		store:      store,
		caps:       caps,
		dispatcher: d,
		sched:      sched,
	}
	a.debug = pprof.New(log.With(logx.String("comp", "debug")), a.health)
	return a, nil
}

// health renders job counts by status for /healthz.
func (a *App) health(ctx context.Context) (any, error) {
	counts, err := a.sched.Counts(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]int, len(counts))
	for st, n := range counts {
		jobs[string(st)] = n
	}
	return map[string]any{"status": "ok", "jobs": jobs}, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Logger() logx.Logger { return a.log }

// Start runs the scheduler poll, the config watcher and the event log.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.reconfigureDebug(a.cfgm.Get())

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Time("next_poll", a.sched.NextPoll()),
	)
	return nil
}

// latest drains queued configs and keeps the newest.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok || newer == nil {
				return cfg
			}
			cfg = newer
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if err := a.logs.Apply(mapLoggingConfig(next)); err != nil {
		a.log.Warn("log file sink disabled", logx.Err(err))
	}
	if slices.Contains(sections, "debug") {
		a.reconfigureDebug(next)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.Strings("sections", pending))
	}
}

// reconfigureDebug applies the debug listener config. Failures are logged;
// the listener is optional.
func (a *App) reconfigureDebug(cfg *config.Config) {
	dc, err := mapDebugConfig(cfg)
	if err == nil {
		err = a.debug.Reconfigure(a.sup.Context(), dc)
	}
	if err != nil {
		a.log.Warn("debug listener not applied", logx.Err(err))
	}
}

func (a *App) logEvent(e eventbus.Event) {
	ev, ok := e.Data.(eventbus.JobEvent)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{logx.String("type", e.Type), logx.String("job", ev.JobID), logx.String("status", ev.Status)}
	if ev.Attempt > 0 {
		fields = append(fields, logx.Int("attempt", ev.Attempt))
	}
	if ev.Overall != "" {
		fields = append(fields, logx.String("overall", ev.Overall))
	}
	if ev.Duration > 0 {
		fields = append(fields, logx.Duration("took", ev.Duration))
	}
	switch e.Type {
	case eventbus.JobFailed:
		a.log.Warn("job event", append(fields, logx.String("err", ev.Error))...)
	case eventbus.JobScheduled:
		a.log.Info("job event", append(fields, logx.Time("run_at", ev.RunAt))...)
	default:
		a.log.Info("job event", fields...)
	}
}

// Stop shuts the app down in reverse start order. Each step is bounded so
// one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.log.Info("stopped")
	step("storage", time.Second, func(context.Context) error { return a.Close() })
	return errors.Join(errs...)
}

// Close releases the store and log sinks. Stop calls it; one-shot commands
// that never Start call it directly.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.store.Close()
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return a.closeErr
}

// Publish decodes a publish request and dispatches it immediately.
func (a *App) Publish(ctx context.Context, body io.Reader) (content.DispatchOutcome, error) {
	req, err := content.DecodeRequest(body)
	if err != nil {
		return content.DispatchOutcome{}, err
	}
	a.log.Debug("publish requested", logx.String("request", req.String()))
	return a.dispatcher.Dispatch(ctx, req)
}

// Schedule decodes a publish request and stores it as a job due at runAt.
func (a *App) Schedule(ctx context.Context, runAt string, body io.Reader) (storage.JobSummary, error) {
	req, err := content.DecodeRequest(body)
	if err != nil {
		return storage.JobSummary{}, err
	}
	return a.sched.Schedule(ctx, runAt, req)
}

func (a *App) Jobs(ctx context.Context) ([]storage.JobSummary, error) { return a.sched.List(ctx) }

func (a *App) Job(ctx context.Context, id string) (storage.JobSummary, error) {
	return a.sched.Get(ctx, id)
}

func (a *App) Cancel(ctx context.Context, id string) (storage.JobSummary, error) {
	return a.sched.Cancel(ctx, id)
}

func (a *App) Counts(ctx context.Context) (map[storage.JobStatus]int, error) {
	return a.sched.Counts(ctx)
}

// RunDue runs one poll in the foreground, for deployments that trigger
// the scheduler from an external timer instead of serve.
func (a *App) RunDue(ctx context.Context) scheduler.TickResult {
	return a.sched.Tick(ctx)
}
