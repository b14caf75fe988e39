package board

import (
	"fmt"

	"boardline/internal/domain"
)

type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetColumn
	TargetTask
)

func (k TargetKind) String() string {
	switch k {
	case TargetColumn:
		return "column"
	case TargetTask:
		return "task"
	default:
		return "none"
	}
}

// DropTarget is where a dragged task was released: a column, or another
// task whose column it adopts. The zero value means "released over nothing".
type DropTarget struct {
	Kind   TargetKind
	Status domain.TaskStatus
	TaskID int64
}

func Column(status domain.TaskStatus) DropTarget {
	return DropTarget{Kind: TargetColumn, Status: status}
}

func OntoTask(taskID int64) DropTarget {
	return DropTarget{Kind: TargetTask, TaskID: taskID}
}

func (t DropTarget) String() string {
	switch t.Kind {
	case TargetColumn:
		return fmt.Sprintf("column:%s", t.Status)
	case TargetTask:
		return fmt.Sprintf("task:%d", t.TaskID)
	default:
		return "none"
	}
}

// resolve maps the target to a concrete status using the given project.
func (t DropTarget) resolve(p domain.Project) (domain.TaskStatus, bool) {
	switch t.Kind {
	case TargetColumn:
		if !t.Status.Valid() {
			return "", false
		}
		return t.Status, true
	case TargetTask:
		over, ok := p.TaskByID(t.TaskID)
		if !ok {
			return "", false
		}
		return over.Status, true
	default:
		return "", false
	}
}
