package trip

import "sync"

// driverLocks serializes commits for one driver inside this process. Entries
// are dropped when the last holder leaves.
type driverLocks struct {
	mu    sync.Mutex
	locks map[string]*driverLock
}

type driverLock struct {
	mu   sync.Mutex
	refs int
}

func newDriverLocks() *driverLocks {
	return &driverLocks{locks: make(map[string]*driverLock)}
}

func (l *driverLocks) lock(driverID string) (unlock func()) {
	l.mu.Lock()
	dl, ok := l.locks[driverID]
	if !ok {
		dl = &driverLock{}
		l.locks[driverID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, driverID)
		}
		l.mu.Unlock()
	}
}
