package membrane

import (
	"cmp"
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic, ordered map on a
// red-black tree. Unlike Go's builtin map, an
// omap can be range iterated in a repeatable,
// key-sorted order. The multicast engine keeps
// its received-but-undelivered messages in omaps
// keyed by sequence number, so that delivery can
// always pop the smallest buffered seq in O(log n)
// and ragged-edge cleanup can sweep the remainder
// in deterministic order.
//
// Like the built-in map, omap does no internal
// locking, and is not goroutine safe. The user
// must provide external sync.Mutex or otherwise
// coordinate access if an omap is shared across
// goroutines. Deletion during an all() iteration
// is allowed.
type omap[K cmp.Ordered, V any] struct {
	tree *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
}

// newOmap makes a new omap.
func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

// Len returns the number of keys stored in the omap.
func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	i := 0
	for k, v := range s.all() {
		if i > 0 {
			r += ", "
		}
		r += fmt.Sprintf("%v:%v", k, v)
		i++
	}
	r += "}"
	return
}

// set is an upsert. It does an insert if the key is
// not already present returning newlyAdded true;
// otherwise it updates the current key's value in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		prev := it.Item().(*okv[K, V])
		prev.val = val
		return
	}
	newlyAdded = true
	_, _ = s.tree.InsertGetIt(query)
	return
}

// get2 returns the val corresponding to key.
func (s *omap[K, V]) get2(key K) (val V, found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

// delkey deletes a key from the omap, if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	var it rb.Iterator
	it, found = s.tree.FindGE_isEqual(query)
	if found {
		s.tree.DeleteWithIterator(it)
	}
	return
}

// min2 returns the smallest key and its value.
func (s *omap[K, V]) min2() (key K, val V, found bool) {
	it := s.tree.Min()
	if it.Limit() {
		return
	}
	kv := it.Item().(*okv[K, V])
	return kv.key, kv.val, true
}

// deleteAll clears the tree in O(1) time.
func (s *omap[K, V]) deleteAll() {
	s.tree.DeleteAll()
}

// all starts an iteration over all elements in
// the omap in ascending key order. The iterator
// pre-advances so the user can delete the
// currently yielded key from inside the loop.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}
