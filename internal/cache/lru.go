package cache

import "container/list"

// lruIndex is an access-ordered mapping from key to size in bytes. The front
// of the list is the most recently used end; eviction scans from the back.
//
// The index is not safe for concurrent use. Cache.mu guards it, together
// with the rest of the engine state, so foreground calls and the purge task
// never interleave partial updates (a single lock by design, see the
// deadlock the split-lock original invited).
type lruIndex struct {
	ll    *list.List
	items map[string]*list.Element
	size  int64
}

type lruEntry struct {
	key  string
	size int64
}

func newLRUIndex() *lruIndex {
	return &lruIndex{
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

// put inserts key at the most-recently-used end, or moves it there if
// already present. The aggregate size is adjusted by the signed delta so it
// always equals the sum of all entry sizes.
func (l *lruIndex) put(key string, size int64) {
	if elem, ok := l.items[key]; ok {
		ent := elem.Value.(*lruEntry)
		l.size += size - ent.size
		ent.size = size
		l.ll.MoveToFront(elem)
		return
	}
	l.items[key] = l.ll.PushFront(&lruEntry{key: key, size: size})
	l.size += size
}

// touch moves key to the most-recently-used end, reporting whether it was
// present.
func (l *lruIndex) touch(key string) bool {
	elem, ok := l.items[key]
	if !ok {
		return false
	}
	l.ll.MoveToFront(elem)
	return true
}

// get reports the recorded size for key without affecting recency.
func (l *lruIndex) get(key string) (int64, bool) {
	elem, ok := l.items[key]
	if !ok {
		return 0, false
	}
	return elem.Value.(*lruEntry).size, true
}

// drop structurally removes key and decrements the aggregate size. Callers
// are responsible for the physical file; see Cache.removeLocked.
func (l *lruIndex) drop(key string) (int64, bool) {
	elem, ok := l.items[key]
	if !ok {
		return 0, false
	}
	ent := l.ll.Remove(elem).(*lruEntry)
	delete(l.items, key)
	l.size -= ent.size
	return ent.size, true
}

// oldest returns the least-recently-used element, or nil if empty.
func (l *lruIndex) oldest() *list.Element {
	return l.ll.Back()
}

func (l *lruIndex) len() int {
	return l.ll.Len()
}
