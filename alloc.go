package membrane

// The subgroup allocator is a pure function of the
// type order, the previous View (nil on first epoch)
// and the proposed View. It decides the per-type
// shard layouts and writes its results into the
// proposed View: SubgroupShardViews,
// SubgroupIDsByTypeID, IsAdequatelyProvisioned, and
// NextUnassignedRank. It may not mutate the prev
// View, touch global state, or consult wall time;
// every member must compute the identical layout
// from the identical inputs.
//
// An allocator signals that the proposed View cannot
// host the requested layout by returning
// ErrSubgroupProvisioning; the view manager then
// waits for more joins instead of installing.
type SubgroupAllocator func(typeOrder []TypeID, prev *View, curr *View) error

// ShardPolicy configures one subgroup for the
// default allocator: how many members in each shard,
// how many of them send, and the delivery mode.
type ShardPolicy struct {
	// ShardSizes[k] is the member count of shard k.
	ShardSizes []int

	// SendersPerShard caps senders per shard;
	// 0 means every shard member sends.
	SendersPerShard int

	Mode ShardMode
}

// TypePolicy is the default allocator's layout
// request for one registered type: one ShardPolicy
// per subgroup of that type.
type TypePolicy struct {
	Subgroups []ShardPolicy
}

// DefaultAllocator lays subgroups out the obvious
// way: walk types in registration order, walk each
// type's subgroups, and fill each shard from the
// proposed View's non-failed members in rank order.
// Survivors keep their shard slots from the previous
// epoch so that a view change moves as few replicas
// as possible; freed slots are refilled from the
// lowest unassigned ranks.
//
// A node may appear in at most one shard of a given
// subgroup but may serve many subgroups.
func DefaultAllocator(policies map[TypeID]*TypePolicy) SubgroupAllocator {
	return func(typeOrder []TypeID, prev *View, curr *View) error {

		curr.SubgroupShardViews = nil
		curr.SubgroupIDsByTypeID = make(map[TypeID][]SubgroupID)
		curr.IsAdequatelyProvisioned = false
		curr.NextUnassignedRank = 0

		// the pool: non-failed members in rank order.
		var pool []NodeID
		for i, m := range curr.Members {
			if !curr.Failed[i] {
				pool = append(pool, m)
			}
		}

		sid := SubgroupID(0)
		for _, tid := range typeOrder {
			pol, ok := policies[tid]
			if !ok {
				panicf("DefaultAllocator: no TypePolicy for registered TypeID %v", tid)
			}
			for subIdx, sp := range pol.Subgroups {
				_ = subIdx
				// used tracks membership within this subgroup:
				// one shard per node per subgroup.
				used := make(map[NodeID]bool)

				var prevShards []*SubView
				if prev != nil && int(sid) < len(prev.SubgroupShardViews) {
					prevShards = prev.SubgroupShardViews[int(sid)]
				}

				var shards []*SubView
				for k, want := range sp.ShardSizes {
					var members []NodeID

					// survivors first, in their old order.
					if k < len(prevShards) {
						for _, m := range prevShards[k].Members {
							if len(members) == want {
								break
							}
							r := curr.RankOf(m)
							if r >= 0 && !curr.Failed[r] && !used[m] {
								members = append(members, m)
								used[m] = true
							}
						}
					}
					// then fresh members from the pool.
					for _, m := range pool {
						if len(members) == want {
							break
						}
						if !used[m] {
							members = append(members, m)
							used[m] = true
						}
					}
					if len(members) < want {
						return ErrSubgroupProvisioning
					}
					senders := sp.SendersPerShard
					if senders <= 0 || senders > want {
						senders = want
					}
					isSender := make([]bool, want)
					for i := 0; i < senders; i++ {
						isSender[i] = true
					}
					shards = append(shards, &SubView{
						Mode:        sp.Mode,
						Members:     members,
						IsSender:    isSender,
						MyShardRank: -1,
					})
				}
				curr.SubgroupShardViews = append(curr.SubgroupShardViews, shards)
				curr.SubgroupIDsByTypeID[tid] = append(curr.SubgroupIDsByTypeID[tid], sid)
				sid++
			}
		}

		// record one past the highest rank actually
		// assigned, so the view manager can report spare
		// capacity.
		next := 0
		for _, shards := range curr.SubgroupShardViews {
			for _, sv := range shards {
				for _, m := range sv.Members {
					r := curr.RankOf(m)
					if r+1 > next {
						next = r + 1
					}
				}
			}
		}
		curr.NextUnassignedRank = int32(next)
		curr.IsAdequatelyProvisioned = true
		return nil
	}
}
