package membrane

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

// S2: ordered interleave with two senders. V={A,B,C},
// the subgroup's senders are {A,B}; A sends x0,x1 and
// B sends y0. Sequence assignment is i*S+s, so
// x0->0, y0->1, x1->2, and every replica delivers
// x0, y0, x1 in exactly that order.
func Test_Mcast_S2_OrderedInterleave(t *testing.T) {
	alloc := func(typeOrder []TypeID, prev *View, curr *View) error {
		var pool []NodeID
		for i, m := range curr.Members {
			if !curr.Failed[i] {
				pool = append(pool, m)
			}
		}
		if len(pool) < 1 {
			return ErrSubgroupProvisioning
		}
		sv := &SubView{
			Mode:        ModeOrdered,
			Members:     pool,
			IsSender:    make([]bool, len(pool)),
			MyShardRank: -1,
		}
		// only the two lowest ranks send.
		for i := range sv.IsSender {
			sv.IsSender[i] = i < 2
		}
		curr.SubgroupShardViews = [][]*SubView{{sv}}
		curr.SubgroupIDsByTypeID = map[TypeID][]SubgroupID{0: {0}}
		curr.IsAdequatelyProvisioned = true
		return nil
	}

	nodes, _ := startTestCluster(t, clusterOpts{n: 3, alloc: alloc})
	defer leaveAll(nodes)

	a, b := nodes[0], nodes[1]
	panicOn(a.g.Send(0, []byte("x0"), false))
	panicOn(b.g.Send(0, []byte("y0"), false))
	panicOn(a.g.Send(0, []byte("x1"), false))

	waitDelivered(t, nodes, 3)

	want := []string{"x0", "y0", "x1"}
	for _, tn := range nodes {
		got := tn.deliveredCopy()[:3]
		for i, w := range want {
			if got[i].data != w {
				t.Fatalf("node %v delivery %v = %q, want %q (full: %v)",
					tn.id, i, got[i].data, w, got)
			}
		}
		// seq is the low half of the version:
		// x0->0, y0->1, x1->2.
		for i, wantSeq := range []int64{0, 1, 2} {
			if got[i].version&0xffffffff != wantSeq {
				t.Fatalf("node %v delivery %v seq = %v, want %v",
					tn.id, i, got[i].version&0xffffffff, wantSeq)
			}
		}
	}
	for i := 1; i < len(nodes); i++ {
		sameDeliveries(t, nodes[0], nodes[i])
	}
}

// S3: NULL fill. Senders {A,B}, but B never sends.
// A's x0,x1,x2 can only deliver if B's slots fill
// with header-only NULLs; the replicas deliver the
// three payloads, in order, with the odd sequence
// numbers silently occupied by NULLs.
func Test_Mcast_S3_NullFill(t *testing.T) {
	alloc := func(typeOrder []TypeID, prev *View, curr *View) error {
		var pool []NodeID
		for i, m := range curr.Members {
			if !curr.Failed[i] {
				pool = append(pool, m)
			}
		}
		if len(pool) < 1 {
			return ErrSubgroupProvisioning
		}
		sv := &SubView{
			Mode: ModeOrdered, Members: pool,
			IsSender: make([]bool, len(pool)), MyShardRank: -1,
		}
		for i := range sv.IsSender {
			sv.IsSender[i] = i < 2
		}
		curr.SubgroupShardViews = [][]*SubView{{sv}}
		curr.SubgroupIDsByTypeID = map[TypeID][]SubgroupID{0: {0}}
		curr.IsAdequatelyProvisioned = true
		return nil
	}

	// window 2 so A's three sends push B's lag past
	// the window and arm the fill.
	nodes, _ := startTestCluster(t, clusterOpts{n: 3, alloc: alloc, window: 2})
	defer leaveAll(nodes)

	a := nodes[0]
	for i := 0; i < 3; i++ {
		panicOn(a.g.Send(0, []byte(fmt.Sprintf("x%v", i)), false))
	}

	waitDelivered(t, nodes, 3)

	for _, tn := range nodes {
		got := tn.deliveredCopy()[:3]
		for i := 0; i < 3; i++ {
			if got[i].data != fmt.Sprintf("x%v", i) {
				t.Fatalf("node %v delivery %v = %q", tn.id, i, got[i].data)
			}
			// payload deliveries land on A's (even)
			// seqs; B's odd seqs are NULLs with no
			// callback.
			if got[i].version&0xffffffff != int64(2*i) {
				t.Fatalf("node %v delivery %v seq = %v, want %v",
					tn.id, i, got[i].version&0xffffffff, 2*i)
			}
			if got[i].sender != a.id {
				t.Fatalf("NULL produced a payload callback: %+v", got[i])
			}
		}
	}
}

// Unordered mode: delivery straight from reception,
// version -1, no persistence calls.
func Test_Mcast_UnorderedMode(t *testing.T) {
	nodes, _ := startTestCluster(t, clusterOpts{
		n:     2,
		alloc: flexAllocator(ModeUnordered, 1),
	})
	defer leaveAll(nodes)

	panicOn(nodes[0].g.Send(0, []byte("u0"), false))
	panicOn(nodes[1].g.Send(0, []byte("u1"), false))
	waitDelivered(t, nodes, 2)

	for _, tn := range nodes {
		for _, d := range tn.deliveredCopy() {
			if d.version != -1 {
				t.Fatalf("unordered delivery carries version %v", d.version)
			}
		}
		tn.mut.Lock()
		made := len(tn.made)
		tn.mut.Unlock()
		if made != 0 {
			t.Fatalf("unordered mode invoked make_version")
		}
	}
}

// a cooked payload reaches the RPC hook, and the
// stability callback still fires for it.
func Test_Mcast_CookedDispatch(t *testing.T) {
	nodes, _ := startTestCluster(t, clusterOpts{n: 2})
	defer leaveAll(nodes)

	panicOn(nodes[0].g.Send(0, []byte("rpc-bytes"), true))

	deadline := time.Now().Add(10 * time.Second)
	for {
		done := true
		for _, tn := range nodes {
			tn.mut.Lock()
			n := len(tn.cooked)
			tn.mut.Unlock()
			if n < 1 {
				done = false
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cooked delivery never arrived")
		}
		time.Sleep(2 * time.Millisecond)
	}
	for _, tn := range nodes {
		tn.mut.Lock()
		if tn.cooked[0].data != "rpc-bytes" {
			t.Fatalf("cooked payload mangled: %q", tn.cooked[0].data)
		}
		if len(tn.delivered) != 1 || tn.delivered[0].version != tn.cooked[0].version {
			t.Fatalf("stability callback missing or mismatched for the cooked delivery: %v vs %v",
				tn.delivered, tn.cooked)
		}
		tn.mut.Unlock()
	}
}

// both transports under one sequence: payloads over
// the SMC threshold ride the bulk path, small ones
// the slot ring, and the interleaving holds.
func Test_Mcast_MixedPaths(t *testing.T) {
	nodes, _ := startTestCluster(t, clusterOpts{
		n:      3,
		maxSMC: 64,
		window: 2,
	})
	defer leaveAll(nodes)

	big := bytes.Repeat([]byte("B"), 500) // > smc capacity: bulk
	a := nodes[0]
	panicOn(a.g.Send(0, []byte("small-0"), false))
	panicOn(a.g.Send(0, big, false))
	panicOn(a.g.Send(0, []byte("small-2"), false))

	// everyone sends nothing else; other senders
	// null-fill around A's stream.
	waitDelivered(t, nodes, 3)

	for _, tn := range nodes {
		var fromA []deliveredMsg
		for _, d := range tn.deliveredCopy() {
			if d.sender == a.id {
				fromA = append(fromA, d)
			}
		}
		if len(fromA) < 3 {
			t.Fatalf("node %v missing deliveries from A: %v", tn.id, fromA)
		}
		if fromA[0].data != "small-0" || len(fromA[1].data) != 500 || fromA[2].data != "small-2" {
			t.Fatalf("node %v mixed-path order broken: %q, %v bytes, %q",
				tn.id, fromA[0].data, len(fromA[1].data), fromA[2].data)
		}
	}
	for i := 1; i < len(nodes); i++ {
		sameDeliveries(t, nodes[0], nodes[i])
	}
}

// window backpressure: sends beyond the window block
// until delivery catches up, and everything still
// arrives in order.
func Test_Mcast_WindowBackpressure(t *testing.T) {
	nodes, _ := startTestCluster(t, clusterOpts{
		n:      2,
		window: 2,
		alloc: func(typeOrder []TypeID, prev *View, curr *View) error {
			var pool []NodeID
			for i, m := range curr.Members {
				if !curr.Failed[i] {
					pool = append(pool, m)
				}
			}
			if len(pool) < 1 {
				return ErrSubgroupProvisioning
			}
			sv := &SubView{
				Mode: ModeOrdered, Members: pool,
				IsSender: make([]bool, len(pool)), MyShardRank: -1,
			}
			sv.IsSender[0] = true // single sender
			curr.SubgroupShardViews = [][]*SubView{{sv}}
			curr.SubgroupIDsByTypeID = map[TypeID][]SubgroupID{0: {0}}
			curr.IsAdequatelyProvisioned = true
			return nil
		},
	})
	defer leaveAll(nodes)

	const N = 25
	for i := 0; i < N; i++ {
		panicOn(nodes[0].g.Send(0, []byte(fmt.Sprintf("m%02d", i)), false))
	}
	waitDelivered(t, nodes, N)
	for _, tn := range nodes {
		got := tn.deliveredCopy()
		for i := 0; i < N; i++ {
			if got[i].data != fmt.Sprintf("m%02d", i) {
				t.Fatalf("node %v out of order at %v: %q", tn.id, i, got[i].data)
			}
		}
	}
}

// a non-member / non-sender gets ErrInvalidSubgroup;
// an unknown subgroup likewise.
func Test_Mcast_InvalidSubgroup(t *testing.T) {
	nodes, _ := startTestCluster(t, clusterOpts{n: 2})
	defer leaveAll(nodes)

	_, err := nodes[0].g.GetSendBuffer(5, 10, false)
	if err != ErrInvalidSubgroup {
		t.Fatalf("unknown subgroup: got %v", err)
	}
}
