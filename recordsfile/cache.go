package recordsfile

import "container/list"

// readCache is a bounded LRU of recently read payloads. It is owned by the
// engine and shares its lock; there is no internal synchronization. Eviction
// is strictly least-recently-used, with no time-based expiry.
type readCache struct {
	maxSize int
	entries map[string]*list.Element
	lru     *list.List
	hits    uint64
	misses  uint64
}

type cacheEntry struct {
	key     string
	payload []byte
}

func newReadCache(maxSize int) (*readCache, error) {
	if maxSize <= 0 {
		return nil, ErrCacheSize
	}
	return &readCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}, nil
}

// get returns the cached payload and promotes its recency.
func (rc *readCache) get(key string) ([]byte, bool) {
	el, ok := rc.entries[key]
	if !ok {
		rc.misses++
		return nil, false
	}
	rc.lru.MoveToFront(el)
	rc.hits++
	return el.Value.(*cacheEntry).payload, true
}

// put adds or replaces a payload, evicting the least recently used entry
// when over capacity.
func (rc *readCache) put(key string, payload []byte) {
	if el, ok := rc.entries[key]; ok {
		el.Value.(*cacheEntry).payload = payload
		rc.lru.MoveToFront(el)
		return
	}
	el := rc.lru.PushFront(&cacheEntry{key: key, payload: payload})
	rc.entries[key] = el
	if rc.lru.Len() > rc.maxSize {
		oldest := rc.lru.Back()
		rc.lru.Remove(oldest)
		delete(rc.entries, oldest.Value.(*cacheEntry).key)
	}
}

// remove drops the entry for key. Missing keys are fine.
func (rc *readCache) remove(key string) {
	if el, ok := rc.entries[key]; ok {
		rc.lru.Remove(el)
		delete(rc.entries, key)
	}
}
