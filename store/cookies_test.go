package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryPersister is a Persister backed by a plain map, used only to
// exercise CookieStore's Save/Restore/Clear wiring without a real Redis.
type memoryPersister struct {
	mu   sync.Mutex
	data map[string]map[string]map[string]string
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{data: make(map[string]map[string]map[string]string)}
}

func (m *memoryPersister) Save(ctx context.Context, taskID string, jar map[string]map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[taskID] = jar
	return nil
}

func (m *memoryPersister) Load(ctx context.Context, taskID string) (map[string]map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[taskID], nil
}

func (m *memoryPersister) Delete(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, taskID)
	return nil
}

// Save(t,d,{a:1}); Save(t,d,{b:2}); Load == {a:1,b:2};
// Clear(t); Load == {}.
func TestCookieStoreRoundTrip(t *testing.T) {
	s := NewCookieStore(nil)
	ctx := context.Background()

	s.Save(ctx, "t1", "shop.com", map[string]string{"a": "1"})
	s.Save(ctx, "t1", "shop.com", map[string]string{"b": "2"})

	got := s.Load("t1", "shop.com")
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	s.Clear(ctx, "t1")
	assert.Empty(t, s.Load("t1", "shop.com"))
}

func TestCookieStorePersistAndRestore(t *testing.T) {
	persister := newMemoryPersister()
	s := NewCookieStore(persister)
	ctx := context.Background()

	s.Save(ctx, "t1", "shop.com", map[string]string{"session": "abc"})

	restored := NewCookieStore(persister)
	require.NoError(t, restored.Restore(ctx, "t1"))
	assert.Equal(t, map[string]string{"session": "abc"}, restored.Load("t1", "shop.com"))
}

func TestCookieStoreClearDeletesFromPersister(t *testing.T) {
	persister := newMemoryPersister()
	s := NewCookieStore(persister)
	ctx := context.Background()

	s.Save(ctx, "t1", "shop.com", map[string]string{"a": "1"})
	s.Clear(ctx, "t1")

	dump, err := persister.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, dump)
}
