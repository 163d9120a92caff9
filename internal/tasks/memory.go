package tasks

import (
	"context"
	"sync"

	"github.com/example/maxwatch/internal/internaltypes"
)

type MemoryRepo struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{tasks: make(map[string]Task)}
}

func (r *MemoryRepo) Create(_ context.Context, t Task) (Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[t.Key]; ok {
		return cur, false, nil
	}
	r.tasks[t.Key] = t
	return t, true, nil
}

func (r *MemoryRepo) Get(_ context.Context, key string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[key]
	if !ok {
		return Task{}, internaltypes.ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepo) ListByUser(_ context.Context, userID string) ([]Task, error) {
	return r.filter(func(t Task) bool { return t.UserID == userID }), nil
}

func (r *MemoryRepo) ListAll(_ context.Context) ([]Task, error) {
	return r.filter(func(Task) bool { return true }), nil
}

func (r *MemoryRepo) ListDue(_ context.Context) ([]Task, error) {
	return r.filter(Task.Due), nil
}

func (r *MemoryRepo) filter(keep func(Task) bool) []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sortTasks(out)
	return out
}

func (r *MemoryRepo) Update(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.Key]
	if !ok {
		return internaltypes.ErrNotFound
	}
	cur.Status = t.Status
	cur.LastError = t.LastError
	cur.UpdatedAt = t.UpdatedAt
	r.tasks[t.Key] = cur
	return nil
}

func (r *MemoryRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	delete(r.tasks, key)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepo) DeleteByUser(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, t := range r.tasks {
		if t.UserID == userID {
			delete(r.tasks, k)
			n++
		}
	}
	return n, nil
}
