package server

import (
	"encoding/json"

	"boardline/internal/assistant"
	"boardline/internal/board"
	"boardline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Title    string `json:"title" minLength:"1"`
	Goal     string `json:"goal"`
	Deadline string `json:"deadline,omitempty" format:"date"`
}

type DropTargetRequest struct {
	Kind   string `json:"kind" enum:"column,task"`
	Status string `json:"status,omitempty"`
	TaskID int64  `json:"task_id,omitempty"`
}

type DropRequest struct {
	TaskID int64             `json:"task_id"`
	Target DropTargetRequest `json:"target"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

// Response payloads

type BoardProject struct {
	ID                 int64                `json:"id"`
	Title              string               `json:"title"`
	Goal               string               `json:"goal"`
	Status             domain.ProjectStatus `json:"status"`
	Deadline           *string              `json:"deadline"`
	TotalEstimatedDays float64              `json:"total_estimated_days"`
	ActualDaysSpent    float64              `json:"actual_days_spent"`
	RemainingDays      float64              `json:"remaining_days"`
	CompletedAt        *string              `json:"completed_at"`
}

type BoardResponse struct {
	Project BoardProject       `json:"project"`
	Columns []board.ColumnView `json:"columns"`
	Gen     uint64             `json:"gen"`
}

type DropResponse struct {
	Result board.DropResult `json:"result"`
	Notice string           `json:"notice,omitempty"`
	Board  BoardResponse    `json:"board"`
}

type SessionResponse struct {
	TaskID   int64            `json:"task_id"`
	Title    string           `json:"title"`
	Messages []domain.Message `json:"messages"`
	Loading  bool             `json:"loading"`
	Sending  bool             `json:"sending"`
	Loaded   bool             `json:"loaded"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  int64          `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   int64          `json:"entity_id,omitempty"`
	DeliveryID string         `json:"delivery_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (r DropTargetRequest) target() board.DropTarget {
	switch r.Kind {
	case "column":
		return board.Column(domain.TaskStatus(r.Status))
	case "task":
		return board.OntoTask(r.TaskID)
	default:
		return board.DropTarget{}
	}
}

func boardResponse(p domain.Project, gen uint64) BoardResponse {
	return BoardResponse{
		Project: BoardProject{
			ID:                 p.ID,
			Title:              p.Title,
			Goal:               p.Goal,
			Status:             p.Status,
			Deadline:           p.Deadline,
			TotalEstimatedDays: p.TotalEstimatedDays,
			ActualDaysSpent:    p.ActualDaysSpent,
			RemainingDays:      p.RemainingDays,
			CompletedAt:        p.CompletedAt,
		},
		Columns: board.Group(p),
		Gen:     gen,
	}
}

func sessionResponse(s *assistant.Session) SessionResponse {
	st := s.State()
	msgs := st.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return SessionResponse{
		TaskID:   s.Task().TaskID,
		Title:    s.Task().Title,
		Messages: msgs,
		Loading:  st.Loading,
		Sending:  st.Sending,
		Loaded:   st.Loaded,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		DeliveryID: e.DeliveryID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
