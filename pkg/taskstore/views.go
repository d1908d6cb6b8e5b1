package taskstore

import (
	"sort"
	"time"

	"github.com/styleshot/api/internal/model"
)

// Filter narrows the task list. Zero-valued fields match everything.
type Filter struct {
	Status        model.TaskStatus
	TemplateID    string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

func (f Filter) matches(t *model.GenerationTask) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.TemplateID != "" && t.TemplateID != f.TemplateID {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// SortOrder selects how SortedTasks orders the snapshot.
type SortOrder string

const (
	SortCreatedDesc SortOrder = "created_desc"
	SortCreatedAsc  SortOrder = "created_asc"
	SortByStatus    SortOrder = "status"
	SortByTemplate  SortOrder = "template"
)

// statusRank orders statuses by lifecycle position.
var statusRank = map[model.TaskStatus]int{
	model.TaskStatusPending:    0,
	model.TaskStatusProcessing: 1,
	model.TaskStatusCompleted:  2,
	model.TaskStatusFailed:     3,
}

// FilteredTasks returns the tasks matching f, preserving store order. It is
// a pure view over the current snapshot.
func (s *Store) FilteredTasks(f Filter) []*model.GenerationTask {
	all := s.Tasks()
	out := all[:0:0]
	for _, t := range all {
		if f.matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// SortedTasks returns all tasks in the requested order. It is a pure view
// over the current snapshot.
func (s *Store) SortedTasks(order SortOrder) []*model.GenerationTask {
	tasks := s.Tasks()
	switch order {
	case SortCreatedAsc:
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	case SortByStatus:
		sort.SliceStable(tasks, func(i, j int) bool {
			return statusRank[tasks[i].Status] < statusRank[tasks[j].Status]
		})
	case SortByTemplate:
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].TemplateID < tasks[j].TemplateID
		})
	default: // SortCreatedDesc
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		})
	}
	return tasks
}
