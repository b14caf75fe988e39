package board

import (
	"sort"

	"boardline/internal/domain"
)

type ColumnDef struct {
	Status domain.TaskStatus `json:"status"`
	Label  string            `json:"label"`
}

// Columns is the board layout, left to right.
var Columns = []ColumnDef{
	{Status: domain.StatusPending, Label: "Pending"},
	{Status: domain.StatusInProgress, Label: "In Progress"},
	{Status: domain.StatusCompleted, Label: "Completed"},
	{Status: domain.StatusBlocked, Label: "Blocked"},
}

type ColumnView struct {
	ColumnDef
	Tasks []domain.Task `json:"tasks"`
}

// Group splits a project's tasks into board columns, each ordered by the
// task order value. Every column is present even when empty.
func Group(p domain.Project) []ColumnView {
	idx := make(map[domain.TaskStatus]int, len(Columns))
	out := make([]ColumnView, len(Columns))
	for i, c := range Columns {
		out[i] = ColumnView{ColumnDef: c, Tasks: []domain.Task{}}
		idx[c.Status] = i
	}
	for _, t := range p.Tasks {
		i, ok := idx[t.Status]
		if !ok {
			continue
		}
		out[i].Tasks = append(out[i].Tasks, t.Clone())
	}
	for i := range out {
		sort.SliceStable(out[i].Tasks, func(a, b int) bool { return out[i].Tasks[a].Order < out[i].Tasks[b].Order })
	}
	return out
}
