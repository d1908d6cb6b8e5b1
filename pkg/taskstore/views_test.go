package taskstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/styleshot/api/internal/model"
)

func seedViews(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t, "")
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Seeded oldest first; the store keeps most-recent-first order.
	for _, task := range []*model.GenerationTask{
		{ID: "t1", TemplateID: "watercolor", Status: model.TaskStatusCompleted, CreatedAt: base},
		{ID: "t2", TemplateID: "anime", Status: model.TaskStatusFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "t3", TemplateID: "watercolor", Status: model.TaskStatusProcessing, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "t4", TemplateID: "sketch", Status: model.TaskStatusPending, CreatedAt: base.Add(3 * time.Minute)},
	} {
		seed(s, task)
	}
	return s
}

func ids(tasks []*model.GenerationTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestFilteredTasksByStatus(t *testing.T) {
	s := seedViews(t)

	got := s.FilteredTasks(Filter{Status: model.TaskStatusFailed})
	assert.Equal(t, []string{"t2"}, ids(got))
}

func TestFilteredTasksByTemplate(t *testing.T) {
	s := seedViews(t)

	got := s.FilteredTasks(Filter{TemplateID: "watercolor"})
	assert.Equal(t, []string{"t3", "t1"}, ids(got), "store order is preserved")
}

func TestFilteredTasksByCreatedWindow(t *testing.T) {
	s := seedViews(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	after := base.Add(30 * time.Second)
	before := base.Add(150 * time.Second)
	got := s.FilteredTasks(Filter{CreatedAfter: &after, CreatedBefore: &before})
	assert.Equal(t, []string{"t3", "t2"}, ids(got))
}

func TestFilteredTasksCombined(t *testing.T) {
	s := seedViews(t)

	got := s.FilteredTasks(Filter{TemplateID: "watercolor", Status: model.TaskStatusProcessing})
	assert.Equal(t, []string{"t3"}, ids(got))

	got = s.FilteredTasks(Filter{TemplateID: "watercolor", Status: model.TaskStatusPending})
	assert.Empty(t, got)
}

func TestFilteredTasksZeroFilterMatchesAll(t *testing.T) {
	s := seedViews(t)
	assert.Len(t, s.FilteredTasks(Filter{}), 4)
}

func TestSortedTasks(t *testing.T) {
	s := seedViews(t)

	assert.Equal(t, []string{"t4", "t3", "t2", "t1"}, ids(s.SortedTasks(SortCreatedDesc)))
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, ids(s.SortedTasks(SortCreatedAsc)))
	assert.Equal(t, []string{"t4", "t3", "t1", "t2"}, ids(s.SortedTasks(SortByStatus)),
		"pending before processing before completed before failed")
	assert.Equal(t, []string{"t2", "t4", "t3", "t1"}, ids(s.SortedTasks(SortByTemplate)))
}

func TestViewsAreSnapshots(t *testing.T) {
	s := seedViews(t)

	view := s.SortedTasks(SortCreatedDesc)
	require.NotEmpty(t, view)
	view[0].Status = model.TaskStatusFailed
	view[0].Progress = 99

	stored, ok := s.Task(view[0].ID)
	require.True(t, ok)
	assert.NotEqual(t, model.TaskStatusFailed, stored.Status, "mutating a view must not touch store state")
}
