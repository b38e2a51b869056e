package membrane

import (
	"fmt"
	"sort"
)

// SubgroupTypeEntry describes one replicated-object
// type hosted by the group. The original system
// recovered type-indexed containers at runtime; here
// all dispatch is by TypeID through this registry.
//
// Make constructs a fresh (empty) object for a shard
// this node has just joined. Serialize/Deserialize
// move whole-object state during total-restart
// recovery and joins to persistent subgroups.
type SubgroupTypeEntry struct {
	Name string

	HasPersistentFields bool

	Make        func(sid SubgroupID, shard int) (obj interface{}, err error)
	Serialize   func(obj interface{}) (by []byte, err error)
	Deserialize func(by []byte) (obj interface{}, err error)
}

// TypeRegistry maps TypeID -> entry, preserving
// registration order; the allocator walks types in
// that order so subgroup-ids come out identical on
// every member.
type TypeRegistry struct {
	order   []TypeID
	entries map[TypeID]*SubgroupTypeEntry
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		entries: make(map[TypeID]*SubgroupTypeEntry),
	}
}

func (r *TypeRegistry) Register(tid TypeID, e *SubgroupTypeEntry) {
	if _, dup := r.entries[tid]; dup {
		panicf("TypeRegistry.Register: duplicate TypeID %v ('%v')", tid, e.Name)
	}
	r.entries[tid] = e
	r.order = append(r.order, tid)
}

func (r *TypeRegistry) Get(tid TypeID) (e *SubgroupTypeEntry, ok bool) {
	e, ok = r.entries[tid]
	return
}

// Order returns the TypeIDs in registration order.
func (r *TypeRegistry) Order() []TypeID {
	return append([]TypeID(nil), r.order...)
}

// AnyPersistent reports whether any registered type
// has persistent fields; it gates View saves and
// ragged-trim records.
func (r *TypeRegistry) AnyPersistent() bool {
	for _, e := range r.entries {
		if e.HasPersistentFields {
			return true
		}
	}
	return false
}

// typeOfSubgroup inverts the view's id map.
func typeOfSubgroup(v *View, sid SubgroupID) (tid TypeID, ok bool) {
	// iterate in sorted TypeID order for determinism.
	tids := make([]int, 0, len(v.SubgroupIDsByTypeID))
	for t := range v.SubgroupIDsByTypeID {
		tids = append(tids, int(t))
	}
	sort.Ints(tids)
	for _, t := range tids {
		for _, s := range v.SubgroupIDsByTypeID[TypeID(t)] {
			if s == sid {
				return TypeID(t), true
			}
		}
	}
	return 0, false
}

func (r *TypeRegistry) String() (s string) {
	s = "TypeRegistry{"
	for i, tid := range r.order {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%v:'%v'", tid, r.entries[tid].Name)
	}
	s += "}"
	return
}
