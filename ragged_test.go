package membrane

import (
	"fmt"
	"testing"
	"time"
)

// S4 (crash mid-epoch): V1={A,B,C,D} with one
// ordered subgroup spanning all four. After a burst
// of traffic, C is partitioned away and suspected;
// messages still in flight at the cut are resolved
// by ragged-edge cleanup, every survivor delivers
// the identical prefix, and V2={A,B,D} installs with
// delivered state equal across survivors.
func Test_Ragged_S4_CrashMidEpoch(t *testing.T) {
	nodes, mesh := startTestCluster(t, clusterOpts{
		n: 4,
		// tolerate shrinking to 3 members.
		alloc:  flexAllocator(ModeOrdered, 2),
		window: 8,
	})
	defer func() {
		a, b, d := nodes[0], nodes[1], nodes[3]
		leaveAll([]*testNode{a, b, d})
		// C is partitioned; kill it without protocol.
		c := nodes[2]
		c.g.vm.Halt.ReqStop.Close()
		if c.g.vm.listener != nil {
			c.g.vm.listener.Close()
		}
		c.g.vm.eng.Halt.ReqStop.Close()
		c.g.vm.mg.stop()
		c.g.vm.sst.close()
	}()

	// settled traffic first: every node sends 3.
	for k := 0; k < 3; k++ {
		for _, tn := range nodes {
			panicOn(tn.g.Send(0, []byte(fmt.Sprintf("n%v-m%v", tn.id, k)), false))
		}
	}
	waitDelivered(t, nodes, 12)

	vidBefore := nodes[0].g.CurrentView().VID

	// cut C off, then push a little more traffic from
	// A that C will never see: the ragged edge.
	c := NodeID(3)
	for _, x := range []NodeID{1, 2, 4} {
		mesh.Partition(x, c)
		mesh.Partition(c, x)
	}
	panicOn(nodes[0].g.Send(0, []byte("tail-0"), false))
	panicOn(nodes[0].g.Send(0, []byte("tail-1"), false))

	nodes[0].g.Suspect(c)

	// survivors install the shrunken view.
	survivors := []*testNode{nodes[0], nodes[1], nodes[3]}
	deadline := time.Now().Add(15 * time.Second)
	for {
		ok := true
		for _, tn := range survivors {
			v := tn.g.CurrentView()
			if v.VID <= vidBefore || v.NumMembers() != 3 || v.RankOf(c) >= 0 {
				ok = false
			}
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			for _, tn := range survivors {
				t.Logf("node %v view %v", tn.id, tn.g.CurrentView())
			}
			t.Fatalf("survivors never installed the post-crash view")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// agreement on the ragged edge: identical
	// delivered sequences at all survivors, and one
	// shared vid for the new view.
	for i := 1; i < len(survivors); i++ {
		sameDeliveries(t, survivors[0], survivors[i])
	}
	vids := map[int64]bool{}
	for _, tn := range survivors {
		vids[tn.g.CurrentView().VID] = true
	}
	if len(vids) != 1 {
		t.Fatalf("survivors disagree on the new vid: %v", vids)
	}
}

// the trim computation: the shard leader takes the
// min of num_received across live members, per
// sender; followers echo the leader's row.
func Test_Ragged_TrimDeliversMinPrefix(t *testing.T) {
	nodes, _ := startTestCluster(t, clusterOpts{
		n:     3,
		alloc: flexAllocator(ModeOrdered, 2),
	})
	defer leaveAll(nodes)

	for k := 0; k < 4; k++ {
		for _, tn := range nodes {
			panicOn(tn.g.Send(0, []byte(fmt.Sprintf("s%v-%v", tn.id, k)), false))
		}
	}
	waitDelivered(t, nodes, 12)

	// a clean leave also terminates the epoch through
	// ragged cleanup; the survivors' logs must agree.
	nodes[2].g.Leave()
	survivors := []*testNode{nodes[0], nodes[1]}
	waitForMembers(t, survivors, 2)
	sameDeliveries(t, survivors[0], survivors[1])

	nodes[1].g.Leave()
	nodes[0].g.Leave()
	nodes = nil
}
