package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const eventColumns = `id, recipient_id, appointment_id, kind, status, message, created_at, read`

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	err := row.Scan(
		&ev.ID,
		&ev.RecipientID,
		&ev.AppointmentID,
		&ev.Kind,
		&ev.Status,
		&ev.Message,
		&ev.Timestamp,
		&ev.Read,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (s *PgStore) Insert(ctx context.Context, ev Event) (Event, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (recipient_id, appointment_id, kind, status, message, created_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		RETURNING `+eventColumns,
		ev.RecipientID, ev.AppointmentID, ev.Kind, ev.Status, ev.Message, ev.Timestamp)

	saved, err := scanEvent(row)
	if err != nil {
		return Event{}, fmt.Errorf("insert notification: %w", err)
	}
	return *saved, nil
}

func (s *PgStore) ListSince(ctx context.Context, recipientID uuid.UUID, sinceID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM notifications
		WHERE recipient_id = $1
		  AND id > $2
		ORDER BY id
		LIMIT $3
	`, recipientID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) MarkRead(ctx context.Context, recipientID uuid.UUID, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET read = true
		WHERE id = $1
		  AND recipient_id = $2
	`, id, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PgStore) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET read = true
		WHERE recipient_id = $1
		  AND read = false
	`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM notifications
		WHERE recipient_id = $1
		  AND read = false
	`, recipientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}
