package events

import (
	"context"
	"log/slog"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, evt Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	switch evt.Type {
	case TypeStatusUpdateFailed, TypeConversationFailed:
		level = slog.LevelWarn
	case TypeConversationState:
		level = slog.LevelDebug
	}
	l.Log(ctx, level, "event", "type", evt.Type, "entity_kind", evt.EntityKind, "entity_id", evt.EntityID, "payload", map[string]any(evt.Payload))
}
