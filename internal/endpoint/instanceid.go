package endpoint

import "sync"

// instanceIDAllocator hands out instance ids as a 64-bit counter starting
// at 1. Ids are never zero and never reused within a single Running
// lifetime; stop() resets the counter back to 1 because by the time reset
// runs, every table referencing an old id has already been cleared.
type instanceIDAllocator struct {
	mu   sync.Mutex
	next uint64
}

func newInstanceIDAllocator() *instanceIDAllocator {
	return &instanceIDAllocator{next: 1}
}

func (a *instanceIDAllocator) allocate() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

func (a *instanceIDAllocator) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = 1
}
