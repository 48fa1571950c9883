package remotetest

import (
	"testing"
	"time"
)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestObjectStore_PutGetConfirm(t *testing.T) {
	st := NewObjectStore(5 * time.Minute)
	st.Put("bucket1", "abc", []byte(`{}`))

	o, ok := st.Get("bucket1", "abc")
	if !ok {
		t.Fatal("Get: expected object, got none")
	}
	if o.Confirmed {
		t.Error("new object should be unconfirmed")
	}
	if !st.Confirm("bucket1", "abc") {
		t.Fatal("Confirm: expected true for stored object")
	}
	if o, _ = st.Get("bucket1", "abc"); !o.Confirmed {
		t.Error("object not marked confirmed")
	}
	if st.Confirm("bucket1", "missing") {
		t.Error("Confirm on missing object: expected false")
	}
}

func TestObjectStore_EvictKeepsConfirmed(t *testing.T) {
	base := time.Now()
	st := NewObjectStore(5 * time.Minute)

	st.now = fixedClock(base.Add(-10 * time.Minute))
	st.Put("b", "stale", nil)
	st.Put("b", "kept", nil)
	st.Confirm("b", "kept")

	st.now = fixedClock(base)
	st.Put("b", "fresh", nil)

	if n := st.Evict(base); n != 1 {
		t.Fatalf("Evict: removed %d, want 1", n)
	}
	if _, ok := st.Get("b", "stale"); ok {
		t.Error("stale unconfirmed object survived eviction")
	}
	if len(st.List()) != 2 {
		t.Errorf("List: got %d objects, want 2", len(st.List()))
	}
}
