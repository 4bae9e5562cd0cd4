// Package scheduler fires named cron triggers (warm-up window, queue
// autostart). Triggers are trigger-only: the callback must not block long.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "warmline/pkg/logx"
)

type def struct {
	name    string
	spec    string
	fn      atomic.Pointer[func()]
	entryID cron.EntryID
	offset  time.Duration
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	loc  *time.Location
	c    *cron.Cron
	defs map[string]*def
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
		defs:   map[string]*def{},
	}
}

// Validate parses spec without registering anything.
func (s *Service) Validate(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Set registers (or replaces) the trigger name. An empty spec removes it.
func (s *Service) Set(name, spec string, fn func()) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		s.Remove(name)
		return nil
	}
	if err := s.Validate(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[name]; old != nil {
		if old.spec == spec {
			old.fn.Store(&fn)
			return nil
		}
		if s.c != nil {
			s.c.Remove(old.entryID)
		}
	}
	d := &def{name: name, spec: spec}
	d.fn.Store(&fn)
	s.defs[name] = d
	if s.c != nil {
		return s.addCronLocked(d)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Next returns the next fire time of name (zero before Start).
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil || s.c == nil {
		return time.Time{}, false
	}
	return s.c.Entry(d.entryID).Next, true
}

// SetLocation restarts cron in loc if it changed.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	if s.c != nil {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Warn("trigger not registered", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop stops cron triggering. Definitions stay so Start can resume them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

func (s *Service) addCronLocked(d *def) error {
	job := cron.FuncJob(func() {
		s.log.Debug("trigger fired", logx.String("name", d.name))
		if fn := d.fn.Load(); fn != nil && *fn != nil {
			(*fn)()
		}
	})

	// @every triggers sharing an interval would otherwise fire together.
	if strings.HasPrefix(d.spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.spec, "@every")))
		if err == nil && every > 0 {
			sched, off := intervalSchedule(d.name, every, time.Now().In(s.loc))
			d.offset = off
			d.entryID = s.c.Schedule(sched, job)
			if off > 0 {
				s.log.Debug("interval trigger offset", logx.String("name", d.name), logx.Duration("offset", off))
			}
			return nil
		}
	}

	d.offset = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		_ = s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}
