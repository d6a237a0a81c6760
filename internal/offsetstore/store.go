// Package offsetstore tracks, per stream subject, the last byte offset the
// viewer has durably consumed. The engine reads the stored offset when
// attaching so the host can resume delivery exactly after the last confirmed
// byte, and advances it every time a chunk is applied.
package offsetstore

import "sync"

// Store maps subject ids to their last-confirmed-contiguous byte offset.
type Store interface {
	// Get returns the stored offset for a subject, if any.
	Get(subjectID string) (offset uint64, ok bool, err error)
	// Set records offset as the new resume point for a subject.
	Set(subjectID string, offset uint64) error
	// Drop removes a subject's entry.
	Drop(subjectID string) error
	// Prune removes every entry whose subject is not in keep.
	Prune(keep []string) error
}

// Memory is an in-process Store. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	offsets map[string]uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{offsets: make(map[string]uint64)}
}

// Get returns the stored offset for a subject, if any.
func (m *Memory) Get(subjectID string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offset, ok := m.offsets[subjectID]
	return offset, ok, nil
}

// Set records offset as the new resume point for a subject.
func (m *Memory) Set(subjectID string, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[subjectID] = offset
	return nil
}

// Drop removes a subject's entry.
func (m *Memory) Drop(subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offsets, subjectID)
	return nil
}

// Prune removes every entry whose subject is not in keep.
func (m *Memory) Prune(keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.offsets {
		if _, ok := keepSet[id]; !ok {
			delete(m.offsets, id)
		}
	}
	return nil
}
