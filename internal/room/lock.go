package room

import "sync"

// keyedMutex hands out one mutex per key, created on first use and dropped on
// release so idle rooms cost nothing. Holding a room's mutex makes the holder
// the single writer for that room within this process.
type keyedMutex struct {
	locks sync.Map // key → *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function. An entry is
// removed from the map when its holder releases it; waiters that were blocked
// on a removed entry detect the eviction and retry against the live one.
func (k *keyedMutex) Lock(key string) func() {
	for {
		val, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
		mu := val.(*sync.Mutex)

		mu.Lock()
		if current, ok := k.locks.Load(key); ok && current == mu {
			return func() {
				k.locks.Delete(key)
				mu.Unlock()
			}
		}
		mu.Unlock()
	}
}
