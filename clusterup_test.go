package membrane

// in-process cluster harness for the scenario tests:
// every node shares one Mesh; the membership side
// channel is real loopback TCP, so join, redirect,
// and view-change paths run exactly as deployed.

import (
	"sync"
	"testing"
	"time"
)

type deliveredMsg struct {
	sid     SubgroupID
	sender  NodeID
	version int64
	data    string
}

type testNode struct {
	id  NodeID
	cfg *Config
	g   *Group

	mut       sync.Mutex
	delivered []deliveredMsg
	cooked    []deliveredMsg
	made      []int64 // MakeVersion order
	posted    []int64 // PostPersist order
	global    []int64 // GlobalPersist watermarks

	fatalMut sync.Mutex
	fatalErr error
}

func (tn *testNode) deliveredCopy() (r []deliveredMsg) {
	tn.mut.Lock()
	r = append(r, tn.delivered...)
	tn.mut.Unlock()
	return
}

func (tn *testNode) fatal() (err error) {
	tn.fatalMut.Lock()
	err = tn.fatalErr
	tn.fatalMut.Unlock()
	return
}

// flexAllocator: one subgroup, one shard holding
// every non-failed member, everyone a sender. Needs
// at least minMembers or reports inadequate.
func flexAllocator(mode ShardMode, minMembers int) SubgroupAllocator {
	return func(typeOrder []TypeID, prev *View, curr *View) error {
		var pool []NodeID
		for i, m := range curr.Members {
			if !curr.Failed[i] {
				pool = append(pool, m)
			}
		}
		if len(pool) < minMembers {
			return ErrSubgroupProvisioning
		}
		sv := &SubView{
			Mode:        mode,
			Members:     pool,
			IsSender:    make([]bool, len(pool)),
			MyShardRank: -1,
		}
		for i := range sv.IsSender {
			sv.IsSender[i] = true
		}
		curr.SubgroupShardViews = [][]*SubView{{sv}}
		curr.SubgroupIDsByTypeID = map[TypeID][]SubgroupID{0: {0}}
		curr.NextUnassignedRank = int32(len(pool))
		curr.IsAdequatelyProvisioned = true
		return nil
	}
}

type clusterOpts struct {
	n          int
	alloc      SubgroupAllocator
	persistent bool
	window     int64
	maxSMC     int64
	autoPump   bool // auto-ReportPersisted on PostPersist

	// start joiners concurrently instead of one by
	// one; required when the allocator only becomes
	// adequate at full strength, since NewGroup
	// blocks until a view admits the node.
	parallel bool
}

func startTestCluster(t *testing.T, opts clusterOpts) (nodes []*testNode, mesh *Mesh) {
	t.Helper()
	if opts.window == 0 {
		opts.window = 4
	}
	if opts.maxSMC == 0 {
		opts.maxSMC = 1024
	}
	if opts.alloc == nil {
		opts.alloc = flexAllocator(ModeOrdered, 1)
	}
	mesh = NewMesh()

	newReg := func() *TypeRegistry {
		reg := NewTypeRegistry()
		reg.Register(0, &SubgroupTypeEntry{
			Name:                "t0",
			HasPersistentFields: opts.persistent,
		})
		return reg
	}

	var leaderCfg *Config
	var wg sync.WaitGroup
	for i := 1; i <= opts.n; i++ {
		tn := &testNode{id: NodeID(i)}
		cfg := DefaultConfig()
		cfg.LocalID = uint32(i)
		cfg.LocalIP = "127.0.0.1"
		cfg.WindowSize = opts.window
		cfg.MaxSMCPayloadSize = opts.maxSMC
		cfg.TimeoutMs = 5
		cfg.DataDir = t.TempDir()
		if leaderCfg != nil {
			cfg.LeaderIP = leaderCfg.LocalIP
			cfg.LeaderGmsPort = leaderCfg.GmsPort
		}
		tn.cfg = cfg

		hooks := &DeliveryHooks{
			Deliver: func(sid SubgroupID, sender NodeID, version int64, hlc HLC, data []byte) {
				tn.mut.Lock()
				tn.delivered = append(tn.delivered, deliveredMsg{
					sid: sid, sender: sender, version: version, data: string(data),
				})
				tn.mut.Unlock()
			},
			CookedRecv: func(sid SubgroupID, sender NodeID, version int64, data []byte) {
				tn.mut.Lock()
				tn.cooked = append(tn.cooked, deliveredMsg{
					sid: sid, sender: sender, version: version, data: string(data),
				})
				tn.mut.Unlock()
			},
			MakeVersion: func(sid SubgroupID, version int64, hlc HLC) {
				tn.mut.Lock()
				tn.made = append(tn.made, version)
				tn.mut.Unlock()
			},
			PostPersist: func(sid SubgroupID, version int64) {
				tn.mut.Lock()
				tn.posted = append(tn.posted, version)
				tn.mut.Unlock()
				if opts.autoPump {
					// the bridge "persists" instantly.
					go tn.g.ReportPersisted(sid, version)
				}
			},
			GlobalPersist: func(sid SubgroupID, version int64) {
				tn.mut.Lock()
				tn.global = append(tn.global, version)
				tn.mut.Unlock()
			},
		}

		up := func() error {
			g, err := NewGroup(cfg, newReg(), opts.alloc, hooks, mesh)
			if err != nil {
				return err
			}
			tn.g = g
			g.OnFatal(func(err error) {
				tn.fatalMut.Lock()
				tn.fatalErr = err
				tn.fatalMut.Unlock()
			})
			return nil
		}
		if opts.parallel && leaderCfg != nil {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := up(); err != nil {
					alwaysPrintf("node %v failed to come up: %v", i, err)
				}
			}(i)
		} else {
			if err := up(); err != nil {
				t.Fatalf("node %v failed to come up: %v", i, err)
			}
		}
		nodes = append(nodes, tn)
		if leaderCfg == nil {
			leaderCfg = cfg
		}
	}
	wg.Wait()
	for _, tn := range nodes {
		if tn.g == nil {
			t.Fatalf("node %v never came up", tn.id)
		}
	}

	waitForMembers(t, nodes, opts.n)
	return
}

func waitForMembers(t *testing.T, nodes []*testNode, want int) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		ok := true
		for _, tn := range nodes {
			if tn.g.CurrentView().NumMembers() != want {
				ok = false
			}
		}
		if ok {
			return
		}
		if time.Now().After(deadline) {
			for _, tn := range nodes {
				t.Logf("node %v view: %v", tn.id, tn.g.CurrentView())
			}
			t.Fatalf("cluster never reached %v members", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitDelivered waits until every listed node has at
// least want payload deliveries.
func waitDelivered(t *testing.T, nodes []*testNode, want int) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		ok := true
		for _, tn := range nodes {
			tn.mut.Lock()
			n := len(tn.delivered)
			tn.mut.Unlock()
			if n < want {
				ok = false
			}
		}
		if ok {
			return
		}
		if time.Now().After(deadline) {
			for _, tn := range nodes {
				t.Logf("node %v delivered %v: %v", tn.id, len(tn.deliveredCopy()), tn.deliveredCopy())
			}
			t.Fatalf("not every node delivered %v messages", want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func leaveAll(nodes []*testNode) {
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].g.Leave()
	}
}

// sameDeliveries asserts two nodes delivered the
// identical sequence: same order, same bytes, same
// versions.
func sameDeliveries(t *testing.T, a, b *testNode) {
	t.Helper()
	da, db := a.deliveredCopy(), b.deliveredCopy()
	if len(da) != len(db) {
		t.Fatalf("node %v delivered %v messages but node %v delivered %v:\n%v\nvs\n%v",
			a.id, len(da), b.id, len(db), da, db)
	}
	for i := range da {
		if da[i] != db[i] {
			t.Fatalf("delivery %v differs: node %v got %+v, node %v got %+v",
				i, a.id, da[i], b.id, db[i])
		}
	}
}
