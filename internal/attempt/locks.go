package attempt

import (
	"fmt"
	"sync"
)

// keyedMutex hands out one mutex per key. Entries are dropped when the last holder
// releases them, so the map only grows with concurrent work.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func registrationKey(id int64) string {
	return fmt.Sprintf("registration:%d", id)
}

func userExamKey(userID, examID int64) string {
	return fmt.Sprintf("user:%d:exam:%d", userID, examID)
}
