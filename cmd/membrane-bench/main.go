package main

// membrane-bench: delivery-latency benchmark over
// the in-process mesh. One sender multicasts
// timestamped payloads to a shard; each delivery's
// age lands in a t-digest and we report quantiles.
//
//	membrane-bench -n 3 -msgs 20000 -payload 200

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"github.com/glycerine/membrane"
)

func main() {
	var (
		n       = flag.Int("n", 3, "nodes / shard size")
		msgs    = flag.Int("msgs", 20000, "multicasts to send")
		payload = flag.Int("payload", 200, "payload bytes (>=8)")
		window  = flag.Int64("window", 16, "send window")
	)
	flag.Parse()
	if *payload < 8 {
		*payload = 8
	}

	root, err := os.MkdirTemp("", "membrane-bench")
	stopOn(err)
	defer os.RemoveAll(root)

	mesh := membrane.NewMesh()
	reg := func() *membrane.TypeRegistry {
		r := membrane.NewTypeRegistry()
		r.Register(0, &membrane.SubgroupTypeEntry{Name: "bench"})
		return r
	}
	alloc := membrane.DefaultAllocator(map[membrane.TypeID]*membrane.TypePolicy{
		0: {Subgroups: []membrane.ShardPolicy{{
			ShardSizes:      []int{*n},
			SendersPerShard: 1,
			Mode:            membrane.ModeOrdered,
		}}},
	})

	td, err := tdigest.New()
	stopOn(err)
	var mut sync.Mutex
	var count int

	hooks := func() *membrane.DeliveryHooks {
		return &membrane.DeliveryHooks{
			Deliver: func(sid membrane.SubgroupID, sender membrane.NodeID, version int64, hlc membrane.HLC, data []byte) {
				sentNs := int64(binary.LittleEndian.Uint64(data[:8]))
				age := time.Now().UnixNano() - sentNs
				mut.Lock()
				td.Add(float64(age) / 1e6) // msec
				count++
				mut.Unlock()
			},
		}
	}

	cfg0 := membrane.DefaultConfig()
	cfg0.LocalID = 1
	cfg0.LocalIP = "127.0.0.1"
	cfg0.WindowSize = *window
	cfg0.DataDir = fmt.Sprintf("%v/node1", root)
	g0, err := membrane.NewGroup(cfg0, reg(), alloc, hooks(), mesh)
	stopOn(err)
	groups := []*membrane.Group{g0}

	for i := 2; i <= *n; i++ {
		cfg := membrane.DefaultConfig()
		cfg.LocalID = uint32(i)
		cfg.LocalIP = "127.0.0.1"
		cfg.WindowSize = *window
		cfg.DataDir = fmt.Sprintf("%v/node%v", root, i)
		cfg.LeaderIP = cfg0.LocalIP
		cfg.LeaderGmsPort = cfg0.GmsPort
		g, err := membrane.NewGroup(cfg, reg(), alloc, hooks(), mesh)
		stopOn(err)
		groups = append(groups, g)
	}

	deadline := time.Now().Add(20 * time.Second)
	for {
		ok := true
		for _, g := range groups {
			if g.CurrentView().NumMembers() != *n {
				ok = false
			}
		}
		if ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// rank 0 is the single sender under this layout.
	sender := groups[0]
	buf := make([]byte, *payload)
	t0 := time.Now()
	for k := 0; k < *msgs; k++ {
		binary.LittleEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))
		err := sender.Send(0, buf, false)
		stopOn(err)
	}
	// drain
	want := *msgs * *n
	for time.Now().Before(deadline) {
		mut.Lock()
		c := count
		mut.Unlock()
		if c >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	elapsed := time.Since(t0)

	mut.Lock()
	fmt.Printf("%v deliveries in %v (%.0f msg/sec/node)\n",
		count, elapsed, float64(count)/float64(*n)/elapsed.Seconds())
	for _, q := range []float64{0.5, 0.9, 0.99, 0.999} {
		fmt.Printf("  p%-5v %8.3f ms\n", q*100, td.Quantile(q))
	}
	mut.Unlock()

	for i := len(groups) - 1; i >= 0; i-- {
		groups[i].Leave()
	}
}

func stopOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "membrane-bench: %v\n", err)
		os.Exit(1)
	}
}
