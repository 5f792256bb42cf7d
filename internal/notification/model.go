package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindStatusChanged   Kind = "status_changed"
	KindReasonRequested Kind = "reason_requested"
	KindCustom          Kind = "custom"
)

func (k Kind) Valid() bool {
	switch k {
	case KindStatusChanged, KindReasonRequested, KindCustom:
		return true
	}
	return false
}

// Event is a notification addressed to one user. IDs are assigned by the Store and
// increase monotonically, so a client resumes a stream from the last ID it saw.
type Event struct {
	ID            int64     `json:"id"`
	RecipientID   uuid.UUID `json:"recipient_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Kind          Kind      `json:"kind"`
	Status        string    `json:"status,omitempty"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read"`
}

var ErrEventNotFound = errors.New("notification not found")

// Store persists events. The persisted copy is the source of truth; streams only carry copies.
type Store interface {
	Insert(ctx context.Context, ev Event) (Event, error)
	// ListSince returns the recipient's events with ID > sinceID in ascending ID order.
	ListSince(ctx context.Context, recipientID uuid.UUID, sinceID int64, limit int) ([]Event, error)
	MarkRead(ctx context.Context, recipientID uuid.UUID, id int64) error
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error)
}
