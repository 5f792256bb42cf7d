package availability

import (
	"fmt"
	"time"

	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
)

// ServiceWindow is the half-open [Start, End) range of bookable times, stepped by Step.
type ServiceWindow struct {
	Start calendar.TimeOfDay
	End   calendar.TimeOfDay
	Step  time.Duration
}

func DefaultServiceWindow() ServiceWindow {
	return ServiceWindow{
		Start: calendar.NewTimeOfDay(10, 0),
		End:   calendar.NewTimeOfDay(21, 0),
		Step:  30 * time.Minute,
	}
}

func (w ServiceWindow) Validate() error {
	if w.Step < time.Minute || w.Step%time.Minute != 0 {
		return fmt.Errorf("slot step must be a whole number of minutes, got %s", w.Step)
	}
	if w.End <= w.Start {
		return fmt.Errorf("service window end %s must be after start %s", w.End, w.Start)
	}
	return nil
}

// Times lists the slot start times in order. The closing boundary is never included.
func (w ServiceWindow) Times() []calendar.TimeOfDay {
	if w.Validate() != nil {
		return nil
	}
	var out []calendar.TimeOfDay
	for t := w.Start; t < w.End; t = t.Add(w.Step) {
		out = append(out, t)
	}
	return out
}

// Contains reports whether t is one of the window's slot start times.
func (w ServiceWindow) Contains(t calendar.TimeOfDay) bool {
	if w.Validate() != nil || t < w.Start || t >= w.End {
		return false
	}
	return int(t-w.Start)%int(w.Step/time.Minute) == 0
}

// Engine derives slot and day availability. It is pure: the same snapshot always yields
// the same result.
type Engine struct {
	window ServiceWindow
}

func NewEngine(window ServiceWindow) *Engine {
	return &Engine{window: window}
}

func (e *Engine) Window() ServiceWindow {
	return e.window
}

// ComputeSlots returns every slot of date in chronological order with its availability.
// A nil doctor yields an empty sequence.
func (e *Engine) ComputeSlots(s Snapshot, date calendar.Date) []SlotCandidate {
	if s.Doctor == nil {
		return []SlotCandidate{}
	}

	dayReason := e.dayReason(s, date)
	times := e.window.Times()
	out := make([]SlotCandidate, 0, len(times))
	for _, t := range times {
		slot := Slot{Date: date, Time: t}
		c := SlotCandidate{
			Date:                     date,
			Time:                     t,
			ReservedByRequestingUser: s.UserBookings.Has(slot),
		}
		switch {
		case dayReason != "":
			c.Reason = dayReason
		case c.ReservedByRequestingUser:
			c.Reason = ReasonBookedByUser
		case s.PatientDays.Has(date):
			c.Reason = ReasonAlreadyBooked
		case s.DoctorBookings.Has(slot), s.Doctor.SlotsBooked.Has(slot):
			c.Reason = ReasonSlotTaken
		default:
			c.Available = true
		}
		out = append(out, c)
	}
	return out
}

// Month returns one entry per day of ym saying whether the day can be picked at all.
func (e *Engine) Month(s Snapshot, ym calendar.YearMonth) []DayAvailability {
	if s.Doctor == nil {
		return []DayAvailability{}
	}

	days := ym.Days()
	out := make([]DayAvailability, 0, len(days))
	for _, d := range days {
		r := e.dayReason(s, d)
		if r == "" && s.PatientDays.Has(d) {
			r = ReasonAlreadyBooked
		}
		if r == "" && !hasFreeSlot(e.ComputeSlots(s, d)) {
			r = ReasonFullyBooked
		}
		out = append(out, DayAvailability{Date: d, Selectable: r == "", Reason: r})
	}
	return out
}

// dayReason covers the rules that exclude a whole date regardless of the patient.
func (e *Engine) dayReason(s Snapshot, date calendar.Date) Reason {
	switch {
	case !calendar.IsWithinWindow(date, s.Today, s.Policy):
		return ReasonOutOfWindow
	case calendar.IsDayOff(date, s.Doctor.DayOff):
		return ReasonDayOff
	case !s.Doctor.Available:
		return ReasonDoctorUnavailable
	}
	return ""
}

func hasFreeSlot(slots []SlotCandidate) bool {
	for _, c := range slots {
		if c.Available {
			return true
		}
	}
	return false
}

// Find returns the candidate at t, or false when t is not a slot of the service window.
func Find(slots []SlotCandidate, t calendar.TimeOfDay) (SlotCandidate, bool) {
	for _, c := range slots {
		if c.Time == t {
			return c, true
		}
	}
	return SlotCandidate{}, false
}
