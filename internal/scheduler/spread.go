package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// maxOffset caps how far an @every trigger is pushed past its interval.
const maxOffset = 30 * time.Second

// offsetSchedule is an interval schedule whose first run is delayed by a
// fixed offset; later runs follow the interval.
type offsetSchedule struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// triggerOffset derives the offset from the trigger name, so re-registering
// the same trigger on reload keeps its slot while different triggers with
// the same interval stay apart. Whole seconds match cron's resolution.
func triggerOffset(name string, every time.Duration) time.Duration {
	limit := min(every/10, maxOffset)
	if limit <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(limit)).Truncate(time.Second)
}

func intervalSchedule(name string, every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	off := triggerOffset(name, every)
	if off == 0 {
		return base, 0
	}
	return &offsetSchedule{every: base, first: now.Add(every + off)}, off
}
