package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/qr-claim/internal/model"
)

// EventRepo reads token series metadata.  Events are created and edited
// by the organizer back office, never by this service.
type EventRepo struct {
	db *sql.DB
}

// NewEventRepo returns a new EventRepo bound to the provided database.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// GetByID returns one event or ErrNotFound.
func (r *EventRepo) GetByID(ctx context.Context, id uint64) (*model.Event, error) {
	const q = `SELECT id, fancy_id, name, description, image_url, year, start_date, end_date
               FROM events WHERE id = ?`
	var e model.Event
	err := r.db.QueryRowContext(ctx, q, id).Scan(&e.ID, &e.FancyID, &e.Name, &e.Description,
		&e.ImageURL, &e.Year, &e.StartDate, &e.EndDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
