package membrane

import (
	"testing"
)

func Test_omap_SetGetDel(t *testing.T) {
	m := newOmap[int64, string]()
	if !m.set(3, "c") || !m.set(1, "a") || !m.set(2, "b") {
		t.Fatalf("fresh keys must report newlyAdded")
	}
	if m.set(2, "bb") {
		t.Fatalf("upsert must not report newlyAdded")
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %v, want 3", m.Len())
	}
	v, ok := m.get2(2)
	if !ok || v != "bb" {
		t.Fatalf("get2(2) = %q,%v", v, ok)
	}
	if !m.delkey(2) {
		t.Fatalf("delkey(2) should find the key")
	}
	if m.delkey(2) {
		t.Fatalf("second delkey(2) should miss")
	}
}

func Test_omap_OrderedIteration(t *testing.T) {
	m := newOmap[int64, int]()
	for _, k := range []int64{9, 2, 7, 0, 5} {
		m.set(k, int(k)*10)
	}
	var keys []int64
	for k, v := range m.all() {
		keys = append(keys, k)
		if v != int(k)*10 {
			t.Fatalf("value mismatch at key %v: %v", k, v)
		}
	}
	want := []int64{0, 2, 5, 7, 9}
	if len(keys) != len(want) {
		t.Fatalf("keys %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("iteration out of order: %v, want %v", keys, want)
		}
	}
}

func Test_omap_Min2AndDeleteDuringIteration(t *testing.T) {
	m := newOmap[int64, string]()
	m.set(4, "d")
	m.set(1, "a")
	k, v, ok := m.min2()
	if !ok || k != 1 || v != "a" {
		t.Fatalf("min2 = %v,%v,%v", k, v, ok)
	}

	// delete the yielded key mid-iteration.
	for k := range m.all() {
		m.delkey(k)
	}
	if m.Len() != 0 {
		t.Fatalf("Len after delete-all-during-iteration = %v", m.Len())
	}

	_, _, ok = m.min2()
	if ok {
		t.Fatalf("min2 on empty omap reported found")
	}
}
