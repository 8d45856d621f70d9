package store

import "sync"

type keyLock struct {
	locks sync.Map
}

func (l *keyLock) Lock(key string) func() {
	m, _ := l.locks.LoadOrStore(key, new(sync.Mutex))
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
