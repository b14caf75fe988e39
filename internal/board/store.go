package board

import (
	"boardline/internal/domain"
	"boardline/internal/observe"
)

// Snapshot is what store subscribers see: the loaded project, if any.
type Snapshot struct {
	Project *domain.Project
	Gen     uint64
}

func (s Snapshot) Loaded() bool { return s.Project != nil }

// Store holds the single currently-loaded project. It is a cache of the
// remote service and only the Engine writes to it.
type Store struct {
	v *observe.Value[*domain.Project]
}

func NewStore() *Store {
	return &Store{v: observe.NewValue[*domain.Project](nil)}
}

// Project returns a copy of the loaded project.
func (s *Store) Project() (domain.Project, bool) {
	p := s.v.Get()
	if p == nil {
		return domain.Project{}, false
	}
	return p.Clone(), true
}

func (s *Store) Task(id int64) (domain.Task, bool) {
	p := s.v.Get()
	if p == nil {
		return domain.Task{}, false
	}
	t, ok := p.TaskByID(id)
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// Gen returns the write generation; it changes on every store write.
func (s *Store) Gen() uint64 { return s.v.Version() }

// Replace swaps in a whole project.
func (s *Store) Replace(p domain.Project) uint64 {
	cp := p.Clone()
	return s.v.Set(&cp)
}

// Reset marks the store as not loaded.
func (s *Store) Reset() uint64 {
	return s.v.Set(nil)
}

// SetTaskStatus replaces one task's status and nothing else. It returns the
// project as it was before the write and the generation of the write.
func (s *Store) SetTaskStatus(taskID int64, status domain.TaskStatus) (prev domain.Project, gen uint64, ok bool) {
	_, gen, ok = s.v.Update(func(cur *domain.Project) (*domain.Project, bool) {
		if cur == nil {
			return cur, false
		}
		idx := -1
		for i, t := range cur.Tasks {
			if t.ID == taskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return cur, false
		}
		prev = cur.Clone()
		next := *cur
		next.Tasks = append([]domain.Task(nil), cur.Tasks...)
		next.Tasks[idx].Status = status
		return &next, true
	})
	return prev, gen, ok
}

// RestoreIf puts prev back only if no write happened after gen.
func (s *Store) RestoreIf(gen uint64, prev domain.Project) bool {
	cp := prev.Clone()
	_, ok := s.v.CompareAndSet(gen, &cp)
	return ok
}

// Subscribe calls fn after every write with a read-only view of the store.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	return s.v.Subscribe(func(p *domain.Project) {
		snap := Snapshot{Gen: s.v.Version()}
		if p != nil {
			cp := p.Clone()
			snap.Project = &cp
		}
		fn(snap)
	})
}
