package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WorkHours is a daily sending window on selected weekdays. A window whose
// end is not after its start runs past midnight and belongs to the day it
// opened.
type WorkHours struct {
	Start    time.Duration // offset from local midnight
	End      time.Duration
	Days     [7]bool // indexed by time.Weekday
	Location *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWorkHours builds a window from "HH:MM" bounds and weekday names
// ("mon".."sun"). Empty bounds mean the whole day; no days means Mon-Fri.
func ParseWorkHours(start, end string, days []string, loc *time.Location) (WorkHours, error) {
	w := WorkHours{Location: loc, End: 24 * time.Hour}
	if w.Location == nil {
		w.Location = time.Local
	}
	var err error
	if strings.TrimSpace(start) != "" {
		if w.Start, err = parseClock(start); err != nil {
			return WorkHours{}, fmt.Errorf("work_start: %w", err)
		}
	}
	if strings.TrimSpace(end) != "" {
		if w.End, err = parseClock(end); err != nil {
			return WorkHours{}, fmt.Errorf("work_end: %w", err)
		}
	}
	if len(days) == 0 {
		days = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	for _, d := range days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3] // "monday" -> "mon"
		}
		wd, ok := weekdays[key]
		if !ok {
			return WorkHours{}, fmt.Errorf("workdays: unknown day %q", d)
		}
		w.Days[wd] = true
	}
	return w, nil
}

func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains reports whether t falls inside the window.
func (w WorkHours) Contains(t time.Time) bool {
	lt := t.In(w.Location)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, w.Location)
	off := lt.Sub(midnight)

	if w.Start < w.End {
		return w.Days[lt.Weekday()] && off >= w.Start && off < w.End
	}
	// overnight window
	if off >= w.Start {
		return w.Days[lt.Weekday()]
	}
	if off < w.End {
		return w.Days[(lt.Weekday()+6)%7]
	}
	return false
}

func (w WorkHours) String() string {
	var days []string
	for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		if w.Days[wd] {
			days = append(days, strings.ToLower(wd.String()[:3]))
		}
	}
	clock := func(d time.Duration) string {
		return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
	}
	return clock(w.Start) + "-" + clock(w.End) + " " + strings.Join(days, ",") + " " + w.Location.String()
}
