// Package membrane is a replicated state-machine
// runtime for small process groups: totally ordered
// atomic multicast with view-synchronous membership.
//
// Members form a single logical Group. Within the
// Group, application-defined subgroups (each
// partitioned into shards) execute ordered
// multicasts whose delivery order, failure
// semantics, and durability are identical at every
// live shard replica.
//
// The moving parts:
//
//   - The shared state table (SST): one row of
//     counters and flags per member, replicated by
//     one-sided writes. sst.go.
//
//   - The predicate engine: a single evaluator
//     thread walking user-registered
//     (predicate, trigger) pairs at high frequency;
//     it drives reception, sequencing, delivery,
//     persistence, and the membership protocol.
//     predicate.go.
//
//   - The multicast engine: a bulk path for large
//     payloads and a small-message path through SST
//     slot rings, under one deterministic
//     interleaving: a message from sender shard-rank
//     s with per-sender index i gets sequence number
//     i*S + s, S the shard's sender count. Lagging
//     senders fill with header-only NULLs so the
//     sequence can always advance. mcast.go,
//     receive.go.
//
//   - The view manager: a leader-driven membership
//     protocol over the SST (suspect, propose, ack,
//     commit, meta-wedge), epoch termination with
//     ragged-edge cleanup -- every survivor delivers
//     the identical cut -- and total-restart
//     recovery from saved Views and ragged trims.
//     viewmgr.go, ragged.go, restart.go.
//
// Transports are pluggable (transport.go); the
// in-process Mesh serves tests and single-host
// demos. Durable state is blake3-checksummed and
// written with temp-file + rename + directory fsync
// (persistor.go).
//
// A minimal bootstrap:
//
//	reg := membrane.NewTypeRegistry()
//	reg.Register(0, &membrane.SubgroupTypeEntry{Name: "cache"})
//	alloc := membrane.DefaultAllocator(map[membrane.TypeID]*membrane.TypePolicy{
//		0: {Subgroups: []membrane.ShardPolicy{{ShardSizes: []int{3}}}},
//	})
//	g, err := membrane.NewGroup(cfg, reg, alloc, hooks, mesh)
//	...
//	g.Send(0, payload, false)
package membrane
