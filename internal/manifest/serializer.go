package manifest

import (
	"container/list"
	"context"
	"sync"

	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/telemetry"
)

// DefaultCacheLimit bounds how many jobs' last saved state is kept.
const DefaultCacheLimit = 1024

// SaveFunc durably writes a full manifest.
type SaveFunc func(ctx context.Context, m *models.Manifest) error

// Serializer stops one process from running two saves of the same job at
// once. A save arriving while another is in flight for that id is dropped,
// not queued, and the last saved state is handed back instead. It does
// nothing for writers in other processes.
//
// The cache only holds jobs that are still moving: a save that leaves the
// job COMPLETED or FAILED evicts it, and past the limit the least recently
// saved job is dropped.
type Serializer struct {
	save        SaveFunc
	passthrough bool
	limit       int

	mu       sync.Mutex
	inflight map[string]struct{}
	cache    map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	id string
	m  *models.Manifest
}

// NewSerializer guards save.
func NewSerializer(save SaveFunc) *Serializer {
	return &Serializer{
		save:     save,
		limit:    DefaultCacheLimit,
		inflight: make(map[string]struct{}),
		cache:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// NewPassthroughSerializer saves every call directly. For single-threaded harnesses.
func NewPassthroughSerializer(save SaveFunc) *Serializer {
	s := NewSerializer(save)
	s.passthrough = true
	return s
}

// Save writes m unless a save for m.ID is already running. saved reports
// whether the write happened; when it did not, state is the cached copy of
// the last successful save (nil if there was none).
func (s *Serializer) Save(ctx context.Context, m *models.Manifest) (state *models.Manifest, saved bool, err error) {
	if s.passthrough {
		if err := s.save(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	s.mu.Lock()
	if _, busy := s.inflight[m.ID]; busy {
		cached := s.cachedLocked(m.ID)
		s.mu.Unlock()
		telemetry.SavesSkipped.Inc()
		return cached, false, nil
	}
	s.inflight[m.ID] = struct{}{}
	s.mu.Unlock()

	err = s.save(ctx, m)

	s.mu.Lock()
	delete(s.inflight, m.ID)
	if err == nil {
		s.rememberLocked(m)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Cached returns the last state this process saved for id.
func (s *Serializer) Cached(id string) (*models.Manifest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.cachedLocked(id)
	return m, m != nil
}

// InFlight reports whether a save for id is running.
func (s *Serializer) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// Forget drops the cached state for id.
func (s *Serializer) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(id)
}

// Len reports how many jobs have cached state.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *Serializer) cachedLocked(id string) *models.Manifest {
	el, ok := s.cache[id]
	if !ok {
		return nil
	}
	return el.Value.(*cacheEntry).m.Clone()
}

// rememberLocked caches m, or evicts it once the job has reached a terminal status.
func (s *Serializer) rememberLocked(m *models.Manifest) {
	switch models.DeriveStatus(m.Steps) {
	case models.StatusCompleted, models.StatusFailed:
		s.evictLocked(m.ID)
		return
	}
	if el, ok := s.cache[m.ID]; ok {
		el.Value.(*cacheEntry).m = m.Clone()
		s.order.MoveToFront(el)
		return
	}
	s.cache[m.ID] = s.order.PushFront(&cacheEntry{id: m.ID, m: m.Clone()})
	for s.limit > 0 && s.order.Len() > s.limit {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.cache, oldest.Value.(*cacheEntry).id)
	}
}

func (s *Serializer) evictLocked(id string) {
	if el, ok := s.cache[id]; ok {
		s.order.Remove(el)
		delete(s.cache, id)
	}
}
