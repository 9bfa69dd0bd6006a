package cache

import "testing"

func TestLRUIndexOrder(t *testing.T) {
	l := newLRUIndex()

	l.put("a", 10)
	l.put("b", 20)
	l.put("c", 30)

	if l.size != 60 {
		t.Fatalf("size = %d, want 60", l.size)
	}

	// Touch moves "a" to the MRU end, leaving "b" as the oldest.
	if !l.touch("a") {
		t.Fatal("touch(a) reported absent")
	}
	oldest := l.oldest().Value.(*lruEntry)
	if oldest.key != "b" {
		t.Errorf("oldest = %q, want b", oldest.key)
	}
}

func TestLRUIndexPutExisting(t *testing.T) {
	l := newLRUIndex()

	l.put("a", 10)
	l.put("b", 20)
	l.put("a", 15)

	if l.size != 35 {
		t.Errorf("size = %d, want 35 (signed delta, not double count)", l.size)
	}
	if size, ok := l.get("a"); !ok || size != 15 {
		t.Errorf("get(a) = (%d, %v), want (15, true)", size, ok)
	}
	if oldest := l.oldest().Value.(*lruEntry); oldest.key != "b" {
		t.Errorf("oldest = %q, want b after re-put of a", oldest.key)
	}
}

func TestLRUIndexDrop(t *testing.T) {
	l := newLRUIndex()

	l.put("a", 10)
	size, ok := l.drop("a")
	if !ok || size != 10 {
		t.Fatalf("drop(a) = (%d, %v), want (10, true)", size, ok)
	}
	if l.size != 0 || l.len() != 0 {
		t.Errorf("index not empty after drop: size=%d len=%d", l.size, l.len())
	}
	if _, ok := l.drop("a"); ok {
		t.Error("dropping an absent key should report false")
	}
	if l.oldest() != nil {
		t.Error("oldest on empty index should be nil")
	}
}
