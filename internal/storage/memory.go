package storage

import (
	"context"
	"sync"

	"github.com/digimosa/shop-patrol/internal/models"
)

// MemoryStore keeps runs in process. Used for dry runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*models.PatrolRun
	subs map[chan struct{}]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*models.PatrolRun),
		subs: make(map[chan struct{}]struct{}),
	}
}

func (s *MemoryStore) Create(ctx context.Context, run *models.PatrolRun) (string, error) {
	s.mu.Lock()
	prepareNew(run)
	s.runs[run.ID] = cloneRun(run)
	s.mu.Unlock()
	s.notify()
	return run.ID, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	applyPatch(run, patch)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.PatrolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]models.PatrolRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PatrolRun, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.match(r) {
			c := cloneRun(r)
			c.Items = nil
			out = append(out, *c)
		}
	}
	return sortRuns(out, filter.Limit), nil
}

// Subscribe emits the filtered list now and after every change.
func (s *MemoryStore) Subscribe(ctx context.Context, filter ListFilter) (<-chan []models.PatrolRun, error) {
	wake := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[wake] = struct{}{}
	s.mu.Unlock()

	out := make(chan []models.PatrolRun, 1)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, wake)
			s.mu.Unlock()
		}()
		for {
			runs, _ := s.List(ctx, filter)
			select {
			case out <- runs:
			case <-ctx.Done():
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStore) Close() error {
	return nil
}
