package main

// membrane: run a small view-synchronous multicast
// group in one process, as a smoke/demo harness.
// Every node shares the in-process mesh transport;
// the membership side channel is real TCP on
// loopback, so joins, redirects, and view changes
// exercise the same code paths a distributed
// deployment would.
//
//	membrane -n 3 -subgroups 1 -shard 3 -msgs 100

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/glycerine/membrane"
)

func main() {
	var (
		n       = flag.Int("n", 3, "number of in-process nodes")
		nsub    = flag.Int("subgroups", 1, "number of subgroups")
		shard   = flag.Int("shard", 0, "shard size (0 = all nodes)")
		msgs    = flag.Int("msgs", 100, "multicasts per sender")
		payload = flag.Int("payload", 256, "payload bytes")
		window  = flag.Int64("window", 8, "send window")
		dataDir = flag.String("data", "", "data dir root (default: temp)")
		quiet   = flag.Bool("q", false, "only print the summary")
	)
	flag.Parse()

	if *shard == 0 || *shard > *n {
		*shard = *n
	}
	root := *dataDir
	if root == "" {
		var err error
		root, err = os.MkdirTemp("", "membrane-demo")
		if err != nil {
			fmt.Fprintf(os.Stderr, "membrane: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(root)
	}

	mesh := membrane.NewMesh()

	var pols []membrane.ShardPolicy
	for i := 0; i < *nsub; i++ {
		pols = append(pols, membrane.ShardPolicy{
			ShardSizes: []int{*shard},
			Mode:       membrane.ModeOrdered,
		})
	}
	newReg := func() *membrane.TypeRegistry {
		reg := membrane.NewTypeRegistry()
		reg.Register(0, &membrane.SubgroupTypeEntry{Name: "demo"})
		return reg
	}
	alloc := membrane.DefaultAllocator(map[membrane.TypeID]*membrane.TypePolicy{
		0: {Subgroups: pols},
	})

	var mut sync.Mutex
	delivered := make(map[membrane.NodeID]int)

	mkHooks := func(id membrane.NodeID) *membrane.DeliveryHooks {
		return &membrane.DeliveryHooks{
			Deliver: func(sid membrane.SubgroupID, sender membrane.NodeID, version int64, hlc membrane.HLC, data []byte) {
				mut.Lock()
				delivered[id]++
				mut.Unlock()
				if !*quiet {
					fmt.Printf("node %v <- sid %v sender %v version %x (%v bytes)\n",
						id, sid, sender, version, len(data))
				}
			},
		}
	}

	mkCfg := func(id uint32, leader *membrane.Config) *membrane.Config {
		cfg := membrane.DefaultConfig()
		cfg.LocalID = id
		cfg.LocalIP = "127.0.0.1"
		cfg.WindowSize = *window
		cfg.DataDir = fmt.Sprintf("%v/node%v", root, id)
		if leader != nil {
			cfg.LeaderIP = leader.LocalIP
			cfg.LeaderGmsPort = leader.GmsPort
		}
		return cfg
	}

	cfg0 := mkCfg(1, nil)
	g0, err := membrane.NewGroup(cfg0, newReg(), alloc, mkHooks(1), mesh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "membrane: bootstrap: %v\n", err)
		os.Exit(1)
	}
	groups := []*membrane.Group{g0}
	for i := 2; i <= *n; i++ {
		cfg := mkCfg(uint32(i), cfg0)
		g, err := membrane.NewGroup(cfg, newReg(), alloc, mkHooks(membrane.NodeID(i)), mesh)
		if err != nil {
			fmt.Fprintf(os.Stderr, "membrane: node %v join: %v\n", i, err)
			os.Exit(1)
		}
		groups = append(groups, g)
	}

	// wait until everyone sees the full view.
	deadline := time.Now().Add(20 * time.Second)
	for {
		done := true
		for _, g := range groups {
			if g.CurrentView().NumMembers() != *n {
				done = false
			}
		}
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	v := groups[0].CurrentView()
	fmt.Printf("group up: vid %v members %v\n", v.VID, v.Members)

	buf := make([]byte, *payload)
	t0 := time.Now()
	for k := 0; k < *msgs; k++ {
		for sid := 0; sid < *nsub; sid++ {
			for _, g := range groups {
				err := g.Send(membrane.SubgroupID(sid), buf, false)
				if err == membrane.ErrInvalidSubgroup {
					continue // not a member/sender of this one
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "membrane: send: %v\n", err)
					os.Exit(1)
				}
			}
		}
	}

	// let delivery drain.
	time.Sleep(500 * time.Millisecond)
	elapsed := time.Since(t0)

	mut.Lock()
	total := 0
	for id, c := range delivered {
		fmt.Printf("node %v delivered %v\n", id, c)
		total += c
	}
	mut.Unlock()
	fmt.Printf("%v deliveries in %v (%.0f/sec)\n",
		total, elapsed, float64(total)/elapsed.Seconds())

	for i := len(groups) - 1; i >= 0; i-- {
		groups[i].Leave()
	}
}
