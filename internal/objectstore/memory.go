package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	body        []byte
	contentType string
	modified    time.Time
}

// MemoryBackend keeps objects in process memory. It is meant for tests and
// for STORE_BACKEND=memory local runs; nothing survives a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

func (m *MemoryBackend) Put(_ context.Context, key string, body []byte, contentType string, overwrite bool) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[key]; exists && !overwrite {
		return Object{}, ErrWriteCollision
	}
	now := m.now().UTC()
	m.objects[key] = memObject{
		body:        append([]byte(nil), body...),
		contentType: contentType,
		modified:    now,
	}
	return Object{Key: key, URL: m.URLFor(key), Size: int64(len(body)), UploadedAt: now}, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.body...), nil
}

func (m *MemoryBackend) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Object, 0)
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{Key: key, URL: m.URLFor(key), Size: int64(len(obj.body)), UploadedAt: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryBackend) URLFor(key string) string {
	return "memory://" + key
}

// Len returns the number of stored objects.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// SetModified backdates an object, which lets retention tests run without waiting.
func (m *MemoryBackend) SetModified(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.modified = t
		m.objects[key] = obj
	}
}
