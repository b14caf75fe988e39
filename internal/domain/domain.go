package domain

import "fmt"

type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusBlocked    TaskStatus = "blocked"
)

// TaskStatuses lists every task status in board column order.
var TaskStatuses = []TaskStatus{StatusPending, StatusInProgress, StatusCompleted, StatusBlocked}

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseTaskStatus validates a raw status string.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid task status %q", raw)
	}
	return s, nil
}

type Project struct {
	ID                 int64         `json:"id"`
	Title              string        `json:"title"`
	Goal               string        `json:"goal"`
	StartDate          string        `json:"start_date,omitempty"`
	Deadline           *string       `json:"deadline"`
	Status             ProjectStatus `json:"status" enum:"planning,active,completed"`
	TotalEstimatedDays float64       `json:"total_estimated_days"`
	ActualDaysSpent    float64       `json:"actual_days_spent"`
	RemainingDays      float64       `json:"remaining_days"`
	CompletedAt        *string       `json:"completed_at" format:"date-time"`
	Tasks              []Task        `json:"tasks"`
}

// Clone returns a deep copy so callers can never alias another owner's state.
func (p Project) Clone() Project {
	out := p
	out.Deadline = cloneString(p.Deadline)
	out.CompletedAt = cloneString(p.CompletedAt)
	if p.Tasks != nil {
		out.Tasks = make([]Task, len(p.Tasks))
		for i, t := range p.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	return out
}

// TaskByID returns the task with the given id.
func (p Project) TaskByID(id int64) (Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

type Task struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	EstimatedDays float64    `json:"estimated_days" minimum:"0"`
	ActualDays    *float64   `json:"actual_days"`
	Status        TaskStatus `json:"status" enum:"pending,in_progress,completed,blocked"`
	Order         int        `json:"order"`
	StartedAt     *string    `json:"started_at" format:"date-time"`
	CompletedAt   *string    `json:"completed_at" format:"date-time"`
}

func (t Task) Clone() Task {
	out := t
	if t.ActualDays != nil {
		v := *t.ActualDays
		out.ActualDays = &v
	}
	out.StartedAt = cloneString(t.StartedAt)
	out.CompletedAt = cloneString(t.CompletedAt)
	return out
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        int64          `json:"id"`
	Role      Role           `json:"role" enum:"user,assistant"`
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CloneMessages copies a message sequence, keeping order.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.Metadata != nil {
			md := make(map[string]any, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			out[i].Metadata = md
		}
	}
	return out
}

type Conversation struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task"`
	Messages  []Message `json:"messages"`
	CreatedAt string    `json:"created_at,omitempty"`
	UpdatedAt string    `json:"updated_at,omitempty"`
}

type TimelineAdjustment struct {
	TaskID      int64   `json:"task_id"`
	TaskTitle   string  `json:"task_title"`
	OldEstimate float64 `json:"old_estimate"`
	NewEstimate float64 `json:"new_estimate"`
}

type TimelineUpdate struct {
	PerformanceRatio float64              `json:"performance_ratio"`
	Adjustments      []TimelineAdjustment `json:"adjustments"`
	OldDeadline      *string              `json:"old_deadline"`
	NewDeadline      string               `json:"new_deadline"`
	RemainingDays    float64              `json:"remaining_days"`
	Reasoning        string               `json:"reasoning"`
}

// Notice renders the human-readable timeline notification.
func (u TimelineUpdate) Notice() string {
	return fmt.Sprintf("%s\n\nNew deadline: %s\nRemaining: %g days", u.Reasoning, u.NewDeadline, u.RemainingDays)
}

type TaskUpdateResponse struct {
	Task           Task            `json:"task"`
	Message        string          `json:"message"`
	TimelineUpdate *TimelineUpdate `json:"timeline_update,omitempty"`
}

type CreateProjectInput struct {
	Title    string `json:"title"`
	Goal     string `json:"goal"`
	Deadline string `json:"deadline,omitempty"`
}

// Event is a journaled presentation-facing notification.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   int64  `json:"entity_id,omitempty"`
	DeliveryID string `json:"delivery_id"`
	Payload    string `json:"payload_json"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
