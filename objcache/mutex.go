package objcache

import "sync"

// optionalMutex is a mutex whose nil value is a no-op. A Cache that was not
// created WithLocking has a nil mutex.
type optionalMutex struct {
	mu sync.Mutex
}

func newOptionalMutex() *optionalMutex {
	return &optionalMutex{}
}

func (m *optionalMutex) Lock() {
	if m == nil {
		return
	}
	m.mu.Lock()
}

func (m *optionalMutex) Unlock() {
	if m == nil {
		return
	}
	m.mu.Unlock()
}
