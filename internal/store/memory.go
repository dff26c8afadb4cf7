package store

import (
	"context"
	"sync"

	"github.com/paddock-ci/paddock/internal/fleet"
)

// Memory is an in-process Store.  Records are cloned on the way in and
// out so callers never share memory with the store.
type Memory struct {
	mu      sync.RWMutex
	runners map[string]*fleet.Runner // id -> record
	names   map[string]string        // registration name -> id
}

// Compile-time check that Memory satisfies the Store interface.
var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		runners: make(map[string]*fleet.Runner),
		names:   make(map[string]string),
	}
}

func (m *Memory) Get(_ context.Context, id string) (*fleet.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runner, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return runner.Clone(), nil
}

func (m *Memory) FindByName(_ context.Context, name string) (*fleet.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.names[name]
	if !ok {
		return nil, ErrNotFound
	}
	runner, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return runner.Clone(), nil
}

func (m *Memory) List(_ context.Context, group string) ([]*fleet.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runners := make([]*fleet.Runner, 0, len(m.runners))
	for _, runner := range m.runners {
		if group != "" && runner.Group != group {
			continue
		}
		runners = append(runners, runner.Clone())
	}
	return runners, nil
}

func (m *Memory) Upsert(_ context.Context, runner *fleet.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(runner.Clone())
	return nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(*fleet.Runner) error) (*fleet.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	m.put(updated.Clone())
	return updated, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runner, ok := m.runners[id]
	if !ok {
		return nil
	}
	delete(m.runners, id)
	delete(m.names, runner.Name)
	return nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// put stores the record and keeps the name index consistent.  Caller
// holds the write lock and hands over ownership of runner.
func (m *Memory) put(runner *fleet.Runner) {
	if old, ok := m.runners[runner.ID]; ok && old.Name != runner.Name {
		delete(m.names, old.Name)
	}
	m.runners[runner.ID] = runner
	m.names[runner.Name] = runner.ID
}
