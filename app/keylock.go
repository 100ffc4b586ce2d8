package app

import (
	"hash/fnv"
	"sync"
)

const defaultLockShards = 256

// keyLocks serializes work on the same key within this process.
// Keys are hashed onto a fixed set of mutexes, so unrelated keys may share one.
type keyLocks struct {
	shards []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = defaultLockShards
	}
	return &keyLocks{shards: make([]sync.Mutex, n)}
}

// lock acquires the mutex for key and returns its release func.
func (l *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &l.shards[h.Sum32()%uint32(len(l.shards))]
	mu.Lock()
	return mu.Unlock
}
