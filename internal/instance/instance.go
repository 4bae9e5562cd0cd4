// Package instance owns one connection state machine per managed account
// and the Registry that every other subsystem sends and reads through.
package instance

import (
	"errors"
	"time"

	"warmline/internal/storage"
)

type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering" // QR issued, waiting for the phone
	StateConnected    State = "connected"
	StateReady        State = "ready" // fully synced, can send
	StateDisabled     State = "disabled"
	StateError        State = "error"
)

var (
	ErrNotFound     = errors.New("instance not found")
	ErrNotReady     = errors.New("instance not ready")
	ErrRegistration = errors.New("instance registration failed")
)

// Lease holders.
const (
	HolderWarmUp = "warmup"
	HolderQueue  = "queue"
)

const dayLayout = "2006-01-02"

// Instance is a point-in-time copy of one instance's state.
type Instance struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	IsActive    bool      `json:"isActive"`
	IsWarmingUp bool      `json:"isWarmingUp"`
	Holder      string    `json:"holder,omitempty"`
	QR          string    `json:"qr,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`

	OutgoingCount int64 `json:"outgoingCount"`
	IncomingCount int64 `json:"incomingCount"`

	DailyMessageCount          int `json:"dailyMessageCount"`
	DailyWarmUpCount           int `json:"dailyWarmUpCount"`
	DailyWarmConversationCount int `json:"dailyWarmConversationCount"`

	WarmUpDay        int    `json:"warmUpDay"`
	HasWarmedUp      bool   `json:"hasWarmedUp"`
	TotalWarmUpCount int    `json:"totalWarmUpCount"`
	LastWarmedUpDay  string `json:"lastWarmedUpDay,omitempty"`

	StatusCode   int    `json:"statusCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// WarmUpDelta is what one warm-up conversation adds to a participant.
type WarmUpDelta struct {
	Messages      int
	Conversations int
}

// Filter narrows List. Nil pointers match everything.
type Filter struct {
	Active *bool
	// Ready keeps only instances that can send right now.
	Ready  bool
	Warmed *bool
}

func (f Filter) match(in Instance) bool {
	if f.Active != nil && in.IsActive != *f.Active {
		return false
	}
	if f.Ready && in.State != StateReady {
		return false
	}
	if f.Warmed != nil && in.HasWarmedUp != *f.Warmed {
		return false
	}
	return true
}

// rollover zeroes daily counters that belong to an earlier day.
// Warm-up counters are keyed by the last warmed day, the message counter by Day.
func rollover(rec *storage.InstanceRecord, today string) {
	if rec.Day != today {
		rec.Day = today
		rec.DailyMessageCount = 0
	}
	if rec.LastWarmedUpDay != today {
		rec.DailyWarmUpCount = 0
		rec.DailyWarmConversationCount = 0
	}
}

// applyWarmUp records warm-up traffic; the first warm-up of a day advances
// the warm-up day and may graduate the instance.
func applyWarmUp(rec *storage.InstanceRecord, today string, d WarmUpDelta, warmUpDays int) {
	rollover(rec, today)
	if rec.LastWarmedUpDay != today {
		rec.LastWarmedUpDay = today
		rec.WarmUpDay++
	}
	rec.DailyWarmUpCount += d.Messages
	rec.DailyWarmConversationCount += d.Conversations
	rec.TotalWarmUpCount += d.Messages
	if warmUpDays > 0 && rec.WarmUpDay >= warmUpDays {
		rec.HasWarmedUp = true
	}
}

func view(e *entry, today string) Instance {
	rec := e.rec
	rollover(&rec, today)
	return Instance{
		ID:          rec.ID,
		State:       e.state,
		IsActive:    rec.IsActive,
		IsWarmingUp: e.holder == HolderWarmUp,
		Holder:      e.holder,
		QR:          e.qr,
		UpdatedAt:   rec.UpdatedAt,

		OutgoingCount: rec.OutgoingCount,
		IncomingCount: rec.IncomingCount,

		DailyMessageCount:          rec.DailyMessageCount,
		DailyWarmUpCount:           rec.DailyWarmUpCount,
		DailyWarmConversationCount: rec.DailyWarmConversationCount,

		WarmUpDay:        rec.WarmUpDay,
		HasWarmedUp:      rec.HasWarmedUp,
		TotalWarmUpCount: rec.TotalWarmUpCount,
		LastWarmedUpDay:  rec.LastWarmedUpDay,

		StatusCode:   rec.StatusCode,
		ErrorMessage: rec.ErrorMessage,
	}
}
