package availability

import (
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-booking/internal/calendar"
)

// Slot is a (date, time) pair at one doctor.
type Slot struct {
	Date calendar.Date
	Time calendar.TimeOfDay
}

type SlotSet map[Slot]struct{}

func NewSlotSet(slots ...Slot) SlotSet {
	s := make(SlotSet, len(slots))
	for _, sl := range slots {
		s[sl] = struct{}{}
	}
	return s
}

func (s SlotSet) Has(sl Slot) bool {
	_, ok := s[sl]
	return ok
}

func (s SlotSet) Add(sl Slot) {
	s[sl] = struct{}{}
}

// DaySet holds dates on which a patient already has an active appointment with a doctor.
type DaySet map[calendar.Date]struct{}

func NewDaySet(days ...calendar.Date) DaySet {
	s := make(DaySet, len(days))
	for _, d := range days {
		s[d] = struct{}{}
	}
	return s
}

func (s DaySet) Has(d calendar.Date) bool {
	_, ok := s[d]
	return ok
}

// DoctorProfile is a read-only snapshot from the doctor directory.
type DoctorProfile struct {
	ID          uuid.UUID
	Name        string
	Speciality  string
	DayOff      string
	Available   bool
	SlotsBooked SlotSet
}

type Reason string

const (
	ReasonOutOfWindow       Reason = "out_of_window"
	ReasonDayOff            Reason = "day_off"
	ReasonDoctorUnavailable Reason = "doctor_unavailable"
	ReasonAlreadyBooked     Reason = "already_booked"
	ReasonBookedByUser      Reason = "booked_by_user"
	ReasonSlotTaken         Reason = "slot_taken"
	ReasonFullyBooked       Reason = "fully_booked"
)

type SlotCandidate struct {
	Date                     calendar.Date      `json:"date"`
	Time                     calendar.TimeOfDay `json:"time"`
	Available                bool               `json:"available"`
	ReservedByRequestingUser bool               `json:"reserved_by_requesting_user"`
	Reason                   Reason             `json:"reason,omitempty"`
}

type DayAvailability struct {
	Date       calendar.Date `json:"date"`
	Selectable bool          `json:"selectable"`
	Reason     Reason        `json:"reason,omitempty"`
}

// Snapshot is everything the engine needs for one computation. The two patient-side
// inputs stay separate: UserBookings excludes single slots, PatientDays excludes whole days.
type Snapshot struct {
	Doctor *DoctorProfile
	// DoctorBookings are active appointments at the doctor from any patient.
	DoctorBookings SlotSet
	// UserBookings are the requesting patient's active appointments with the doctor.
	UserBookings SlotSet
	PatientDays  DaySet
	Policy       calendar.Policy
	Today        calendar.Date
}
