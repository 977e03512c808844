package manager

import (
	"strconv"
	"sync"
)

// KeyedLock serializes state transitions per entity. Holders of different
// keys never block each other.
type KeyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLock creates an empty lock table
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		slots: make(map[string]*lockSlot),
	}
}

func (l *KeyedLock) acquire(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *KeyedLock) release(key string, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Lock blocks until key is free and returns the func that frees it
func (l *KeyedLock) Lock(key string) (unlock func()) {
	s := l.acquire(key)
	s.sem <- struct{}{}
	return l.unlocker(key, s)
}

// TryLock takes key if it is free. ok is false when another holder has it.
func (l *KeyedLock) TryLock(key string) (unlock func(), ok bool) {
	s := l.acquire(key)
	select {
	case s.sem <- struct{}{}:
		return l.unlocker(key, s), true
	default:
		l.release(key, s)
		return nil, false
	}
}

// Held reports whether key is currently locked
func (l *KeyedLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	return ok && len(s.sem) > 0
}

func (l *KeyedLock) unlocker(key string, s *lockSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			l.release(key, s)
		})
	}
}

// Lock keys for each entity kind
func uploadKey(id string) string    { return "upload/" + id }
func imageKey(id string) string     { return "image/" + id }
func containerKey(id string) string { return "container/" + id }
func hostPortKey(port int) string   { return "host-port/" + strconv.Itoa(port) }

// ContainerKey is the lock key a ContainerManager holds during a transition
// on container id
func ContainerKey(id string) string { return containerKey(id) }

// ImageKey is the lock key an ImageManager holds during a transition on
// docker image id
func ImageKey(id string) string { return imageKey(id) }
