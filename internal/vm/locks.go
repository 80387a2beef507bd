package vm

import "sync"

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Guard serializes engine access. Calls for one vm_id queue on that id's
// lock first, so same-VM requests run in arrival order. The engine keeps no
// locks of its own, so every call that can touch the registry also holds
// the registry lock exclusively; that includes the allocation snapshot
// VMCreate and VMUpdate take. Pure reads share it. The zero value is ready to use.
type Guard struct {
	vms      keyedMutex
	registry sync.RWMutex
}

// VM runs fn with id's lock and the registry held exclusively.
func (g *Guard) VM(id string, fn func()) {
	unlock := g.vms.Lock(id)
	defer unlock()
	g.registry.Lock()
	defer g.registry.Unlock()
	fn()
}

// Host runs fn with the registry held exclusively.
func (g *Guard) Host(fn func()) {
	g.registry.Lock()
	defer g.registry.Unlock()
	fn()
}

// Read runs fn with the registry held shared.
func (g *Guard) Read(fn func()) {
	g.registry.RLock()
	defer g.registry.RUnlock()
	fn()
}
