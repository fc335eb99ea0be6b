package auth

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultReplayCapacity = 8192

type replayEntry struct {
	key string
	at  time.Time
}

// MemoryReplayStore keeps nonces in a bounded, insertion-ordered window.
// When full, the oldest nonce is forgotten first.
type MemoryReplayStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewMemoryReplayStore evicts the oldest nonce once capacity is reached.
func NewMemoryReplayStore(capacity int) *MemoryReplayStore {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	return &MemoryReplayStore{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}
}

func (m *MemoryReplayStore) Claim(_ context.Context, keyID, nonce string, at time.Time) (bool, error) {
	key := keyID + "\x00" + nonce
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.index[key]; seen {
		return false, nil
	}
	for m.order.Len() >= m.capacity {
		m.dropFront()
	}
	m.index[key] = m.order.PushBack(replayEntry{key: key, at: at})
	return true, nil
}

func (m *MemoryReplayStore) Prune(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for front := m.order.Front(); front != nil; front = m.order.Front() {
		if !front.Value.(replayEntry).at.Before(before) {
			break
		}
		m.dropFront()
	}
	return nil
}

func (m *MemoryReplayStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryReplayStore) dropFront() {
	front := m.order.Front()
	if front == nil {
		return
	}
	m.order.Remove(front)
	delete(m.index, front.Value.(replayEntry).key)
}
