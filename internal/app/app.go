// Package app wires the warmline services together and owns their
// lifecycle: startup order, config hot reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"warmline/internal/api"
	"warmline/internal/circuit"
	"warmline/internal/classify"
	"warmline/internal/config"
	"warmline/internal/eventbus"
	"warmline/internal/hub"
	"warmline/internal/instance"
	"warmline/internal/queue"
	"warmline/internal/runtime/supervisor"
	"warmline/internal/scheduler"
	"warmline/internal/storage"
	"warmline/internal/transport/loopback"
	"warmline/internal/warmup"
	logx "warmline/pkg/logx"
)

// Trigger names registered with the cron schedulers.
const (
	triggerQueueStart  = "queue.autostart"
	triggerWarmUpStart = "warmup.autostart"
	triggerWarmUpStop  = "warmup.autostop"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	net   *loopback.Network

	registry  *instance.Registry
	warmup    *warmup.Scheduler
	queue     *queue.Processor
	pipeline  *classify.Pipeline
	hub       *hub.Hub
	auth      *liveAuth
	queueCron *scheduler.Service
	warmCron  *scheduler.Service

	srv      *http.Server
	ln       net.Listener
	settings settings
}

// New loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := buildSettings(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.logging)
	bus := eventbus.New()
	// Operator log lines reach dashboards through the hub relay.
	logSvc.SetSink(func(e logx.Entry) {
		bus.Publish(eventbus.Event{Type: eventbus.LogEntry, Time: e.Time, Data: e})
	})
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(s.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", s.storage.Driver))

	network := loopback.NewNetwork(loopback.WithPairDelay(s.pairDelay))
	reg := instance.New(network, store, bus, s.instances,
		instance.WithLogger(log))

	wu := warmup.New(reg, bus, s.warmup,
		warmup.WithLogger(log))

	q := queue.New(reg, store, bus, s.queue,
		queue.WithLogger(log),
		queue.WithBreaker(circuit.New(circuit.Config{Trip: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute})))

	pipe := classify.New(reg, store, bus, newClassifier(s, log), s.classifier,
		classify.WithLogger(log))

	auth := newLiveAuth(s.tokens)
	h := hub.New(auth, s.hub, log)

	srvAPI := api.New(api.Deps{
		Instances:   reg,
		Queue:       q,
		WarmUp:      wu,
		Suppression: store,
		Audit:       store,
		Auth:        auth,
		WS:          h,
		Log:         log,
	})

	a := &App{
		cfgm:      cfgm,
		root:      log,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		net:       network,
		registry:  reg,
		warmup:    wu,
		queue:     q,
		pipeline:  pipe,
		hub:       h,
		auth:      auth,
		queueCron: scheduler.New(s.queueLocation, log.With(logx.String("cron", "queue"))),
		warmCron:  scheduler.New(s.warmLocation, log.With(logx.String("cron", "warmup"))),
		srv: &http.Server{
			Handler:           srvAPI.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		settings: s,
	}
	a.registerReplay()
	return a, nil
}

// Network exposes the loopback transport (pairing and injected messages).
func (a *App) Network() *loopback.Network { return a.net }

// Addr is the bound HTTP address; empty before Start.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) registerReplay() {
	a.hub.OnConnected(string(eventbus.WarmUpSchedule), func() any { return a.warmup.Schedule() })
	a.hub.OnConnected(string(eventbus.InstanceSnapshot), func() any { return a.registry.Snapshot() })
	a.hub.OnConnected(string(eventbus.QueueProgress), func() any { return a.queue.State() })
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := buildSettings(cfg)
		return err
	})

	ln, err := net.Listen("tcp", a.settings.addr)
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("http listen %s: %w", a.settings.addr, err)
	}
	a.ln = ln

	a.warmup.Bind(run)
	a.queue.Bind(run)
	a.pipeline.Bind(run)

	if err := a.registry.Restore(run); err != nil {
		_ = ln.Close()
		a.sup.Cancel()
		return fmt.Errorf("restore instances: %w", err)
	}
	if len(a.settings.tokens) == 0 {
		a.log.Warn("hub.tokens is empty; the API and websocket reject every request")
	}

	a.applyTriggers(a.settings)
	a.queueCron.Start(run)
	a.warmCron.Start(run)

	if cfg := a.cfgm.Get(); cfg != nil && cfg.WarmUp.EnableOnStart {
		if err := a.warmup.Enable(); err != nil {
			a.log.Warn("warm-up enable on start failed", logx.Err(err))
		}
	}

	a.sup.Go("hub.relay", func(c context.Context) error { return a.hub.Relay(c, a.bus) })
	a.sup.Go("classify.pipeline", a.pipeline.Run)
	a.sup.Go("http.server", func(c context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- a.srv.Serve(ln) }()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-c.Done():
			return nil
		}
	})

	// Debug trail of every bus event.
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
				if e.Type == eventbus.LogEntry {
					continue
				}
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("addr", ln.Addr().String()))
	return nil
}

// applyTriggers (re)registers the cron triggers; an empty spec removes one.
func (a *App) applyTriggers(s settings) {
	a.queueCron.SetLocation(s.queueLocation)
	a.warmCron.SetLocation(s.warmLocation)
	set := func(svc *scheduler.Service, name, spec string, fn func()) {
		if err := svc.Set(name, spec, fn); err != nil {
			a.log.Warn("trigger not registered", logx.String("name", name), logx.Err(err))
		}
	}
	set(a.queueCron, triggerQueueStart, s.queueAutoOn, a.queue.Autostart)
	set(a.warmCron, triggerWarmUpStart, s.warmAutoOn, func() {
		if err := a.warmup.Enable(); err != nil && !errors.Is(err, warmup.ErrAlreadyWarming) {
			a.log.Warn("warm-up autostart failed", logx.Err(err))
		}
	})
	set(a.warmCron, triggerWarmUpStop, s.warmAutoOff, a.warmup.Disable)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Services finish in-flight sends under their own stop signals before
	// the run context goes away.
	step := a.stepper(ctx)
	step("cron", 2*time.Second, func(c context.Context) error {
		a.queueCron.Stop(c)
		a.warmCron.Stop(c)
		return nil
	})
	step("queue", 5*time.Second, func(c context.Context) error {
		a.queue.Stop()
		return a.queue.Wait(c)
	})
	step("warmup", 5*time.Second, func(c context.Context) error {
		a.warmup.Disable()
		return a.warmup.Wait(c)
	})
	step("classify", 2*time.Second, func(c context.Context) error { a.pipeline.Close(); return nil })
	step("http", 3*time.Second, func(c context.Context) error {
		n := a.hub.Close()
		if n > 0 {
			a.log.Debug("websocket connections closed", logx.Int("count", n))
		}
		return a.srv.Shutdown(c)
	})

	a.sup.Cancel()
	step("instances", 3*time.Second, a.registry.Close)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// stepper runs shutdown steps with an upper bound so one component can't
// stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}
}

// liveAuth is a hub.Authenticator whose token table follows config reloads.
type liveAuth struct {
	tokens atomic.Pointer[hub.TokenAuth]
}

func newLiveAuth(t hub.TokenAuth) *liveAuth {
	a := &liveAuth{}
	a.set(t)
	return a
}

func (a *liveAuth) set(t hub.TokenAuth) { a.tokens.Store(&t) }

func (a *liveAuth) Authenticate(r *http.Request) (string, bool) {
	t := a.tokens.Load()
	if t == nil || len(*t) == 0 {
		return "", false
	}
	return t.Authenticate(r)
}

// newClassifier is nil while classification is disabled.
func newClassifier(s settings, log logx.Logger) classify.Classifier {
	if !s.classifier.Enabled {
		return nil
	}
	return classify.NewOpenAI(s.openai, nil, log)
}

func joinSections(sections []string) string { return strings.Join(sections, ",") }
