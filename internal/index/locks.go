package index

import "sync"

// pathLocks serializes work per document path while leaving distinct paths
// independent. Locks are reference-counted so the map does not grow with the
// vault.
type pathLocks struct {
	mu   sync.Mutex
	held map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{held: make(map[string]*pathLock)}
}

// Lock acquires the lock for key and returns its release func.
func (p *pathLocks) Lock(key string) func() {
	p.mu.Lock()
	l, ok := p.held[key]
	if !ok {
		l = &pathLock{}
		p.held[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.held, key)
		}
		p.mu.Unlock()
	}
}
