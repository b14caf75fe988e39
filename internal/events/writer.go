package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Writer journals events into the local SQLite events table.
type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

func (w Writer) Append(ctx context.Context, evt Event) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := evt.TS
	if ts.IsZero() {
		ts = w.Now()
	}
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,delivery_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), uuid.NewString(), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Notify journals evt; failures are logged and never reach the emitter.
func (w Writer) Notify(ctx context.Context, evt Event) {
	if _, err := w.Append(context.WithoutCancel(ctx), evt); err != nil {
		w.logger().Warn("journal append failed", "type", evt.Type, "err", err)
	}
}

func (w Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func nullable(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
