package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardline/internal/domain"
)

// Repo reads the local notification journal.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type EventFilters struct {
	ProjectID  int64
	Type       string
	EntityKind string
	EntityID   int64
}

const eventColumns = `id,ts,type,COALESCE(project_id,0),entity_kind,COALESCE(entity_id,0),delivery_id,payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom pages backwards: only events with id < cursor when cursor > 0.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses, args := f.where()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns)
	return r.queryEvents(ctx, query, cursor, limit)
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	events, err := r.queryEvents(ctx, fmt.Sprintf(`SELECT %s FROM events WHERE id=?`, eventColumns), id)
	if err != nil {
		return domain.Event{}, err
	}
	if len(events) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return events[0], nil
}

// LatestEventID returns the most recent event ID in the journal.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the last delivered event id for a webhook url.
func (r Repo) WebhookCursor(ctx context.Context, url string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE url=?`, url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, url string, id int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(url) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		url, id, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (f EventFilters) where() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != 0 {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.DeliveryID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
