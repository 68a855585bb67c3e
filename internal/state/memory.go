package state

import (
	"context"
	"strconv"
	"sync"
)

// MemoryBackend keeps the document in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	data    []byte
	version int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(ctx context.Context) ([]byte, Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version == 0 {
		return nil, "", nil
	}
	return append([]byte(nil), m.data...), Version(strconv.Itoa(m.version)), nil
}

func (m *MemoryBackend) Save(ctx context.Context, data []byte, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := Version("")
	if m.version > 0 {
		current = Version(strconv.Itoa(m.version))
	}
	if current != expected {
		return "", ErrConflict
	}
	m.data = append([]byte(nil), data...)
	m.version++
	return Version(strconv.Itoa(m.version)), nil
}

// Raw returns the stored bytes.
func (m *MemoryBackend) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Put overwrites the stored bytes unconditionally.
func (m *MemoryBackend) Put(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.version++
}
