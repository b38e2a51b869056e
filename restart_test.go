package membrane

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// total-restart recovery: both members of a downed
// group come back from their saved Views and trim
// logs; the restart leader waits for the quorum,
// composes the recovery view, and everyone installs
// vid = saved+1. Running the recovery twice from
// identical copies of the logs must produce the
// identical view (idempotent restart).
func Test_Restart_TwoNodeRecovery(t *testing.T) {
	seedA, seedB := t.TempDir(), t.TempDir()
	seedRestartState(t, seedA)
	seedRestartState(t, seedB)

	run1A, run1B := t.TempDir(), t.TempDir()
	copyDir(t, seedA, run1A)
	copyDir(t, seedB, run1B)
	vid1, members1 := runRestartOnce(t, run1A, run1B)

	if vid1 != 4 {
		t.Fatalf("recovery vid = %v, want saved_vid+1 = 4", vid1)
	}
	if len(members1) != 2 || members1[0] != 1 || members1[1] != 2 {
		t.Fatalf("recovery members = %v, want [1 2]", members1)
	}

	// identical logs, fresh copies: identical outcome.
	run2A, run2B := t.TempDir(), t.TempDir()
	copyDir(t, seedA, run2A)
	copyDir(t, seedB, run2B)
	vid2, members2 := runRestartOnce(t, run2A, run2B)

	if vid2 != vid1 {
		t.Fatalf("restart not idempotent: vid %v vs %v", vid1, vid2)
	}
	if len(members2) != len(members1) {
		t.Fatalf("restart not idempotent: members %v vs %v", members1, members2)
	}
	for i := range members1 {
		if members1[i] != members2[i] {
			t.Fatalf("restart member order not idempotent: %v vs %v", members1, members2)
		}
	}
}

func Test_Restart_QuorumCheck(t *testing.T) {
	saved := &View{
		VID:     3,
		Members: []NodeID{1, 2, 3},
		Failed:  []bool{false, false, false},
		SubgroupShardViews: [][]*SubView{
			{{Mode: ModeOrdered, Members: []NodeID{1, 2, 3}, IsSender: []bool{true, true, true}, MyShardRank: -1}},
		},
		SubgroupIDsByTypeID: map[TypeID][]SubgroupID{0: {0}},
	}
	vm := &ViewManager{
		restart: &restartState{saved: saved},
	}
	trim := &RaggedTrim{SubgroupID: 0, Shard: 0, VID: 3, GlobalMin: []int64{1, 1, 1}}

	// one respondent of three: no majority.
	vm.restart.respondents = []*restartRespondent{
		{id: 1, trims: []*RaggedTrim{trim}},
	}
	if err := vm.restartQuorumReached(); err != ErrRestartQuorumFailed {
		t.Fatalf("1/3 respondents: got %v", err)
	}

	// majority present, but nobody holds a trim.
	vm.restart.respondents = []*restartRespondent{
		{id: 1}, {id: 2},
	}
	if err := vm.restartQuorumReached(); err != ErrRestartQuorumFailed {
		t.Fatalf("majority without trims: got %v", err)
	}

	// majority and a trim holder: quorum.
	vm.restart.respondents = []*restartRespondent{
		{id: 1, trims: []*RaggedTrim{trim}}, {id: 2},
	}
	if err := vm.restartQuorumReached(); err != nil {
		t.Fatalf("quorum should hold: %v", err)
	}
}

func Test_Restart_LongestLogHolder(t *testing.T) {
	vm := &ViewManager{restart: &restartState{}}
	vm.restart.respondents = []*restartRespondent{
		{id: 2, trims: []*RaggedTrim{
			{SubgroupID: 0, Shard: 0, VID: 4, GlobalMin: []int64{3, 3}},
		}},
		{id: 1, trims: []*RaggedTrim{
			{SubgroupID: 0, Shard: 0, VID: 4, GlobalMin: []int64{3, 3}},
		}},
		{id: 3, trims: []*RaggedTrim{
			{SubgroupID: 0, Shard: 0, VID: 3, GlobalMin: []int64{9, 9}},
		}},
	}
	// highest vid wins over larger min-sums; the id
	// breaks the exact tie.
	lead, trim := vm.longestLogHolder(0, 0)
	if lead != 1 || trim.VID != 4 {
		t.Fatalf("longestLogHolder = %v, vid %v; want 1, vid 4", lead, trim.VID)
	}
}

// ================= helpers =================

func seedRestartState(t *testing.T, dir string) {
	t.Helper()
	s := newStatePersistor(dir, false)
	defer s.close()
	v := &View{
		VID:     3,
		Members: []NodeID{1, 2},
		Addrs: []*MemberAddr{
			{IP: "127.0.0.1"},
			{IP: "127.0.0.1"},
		},
		Failed: []bool{false, false},
		SubgroupShardViews: [][]*SubView{
			{{Mode: ModeOrdered, Members: []NodeID{1, 2}, IsSender: []bool{true, true}, MyShardRank: -1}},
		},
		SubgroupIDsByTypeID: map[TypeID][]SubgroupID{0: {0}},
	}
	panicOn(s.saveView(v))
	panicOn(s.saveRaggedTrim(&RaggedTrim{
		SubgroupID: 0, Shard: 0, VID: 3, LeaderID: 1,
		GlobalMin: []int64{5, 4},
	}))
}

func copyDir(t *testing.T, from, to string) {
	t.Helper()
	ents, err := os.ReadDir(from)
	panicOn(err)
	for _, e := range ents {
		by, err := os.ReadFile(filepath.Join(from, e.Name()))
		panicOn(err)
		panicOn(os.WriteFile(filepath.Join(to, e.Name()), by, 0644))
	}
}

// freePort grabs an ephemeral port and releases it
// for the node to re-bind.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	panicOn(err)
	p := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return uint16(p)
}

func runRestartOnce(t *testing.T, dirA, dirB string) (vid int64, members []NodeID) {
	t.Helper()
	mesh := NewMesh()

	newReg := func() *TypeRegistry {
		reg := NewTypeRegistry()
		reg.Register(0, &SubgroupTypeEntry{Name: "t0", HasPersistentFields: true})
		return reg
	}
	alloc := flexAllocator(ModeOrdered, 2)

	var truncMut sync.Mutex
	var truncated [][]int64
	hooks := &DeliveryHooks{
		TruncateLog: func(sid SubgroupID, shard int32, globalMin []int64) {
			truncMut.Lock()
			truncated = append(truncated, append([]int64(nil), globalMin...))
			truncMut.Unlock()
		},
	}

	leaderPort := freePort(t)

	cfgA := DefaultConfig()
	cfgA.LocalID = 1
	cfgA.LocalIP = "127.0.0.1"
	cfgA.GmsPort = leaderPort
	cfgA.TimeoutMs = 5
	cfgA.DataDir = dirA

	cfgB := DefaultConfig()
	cfgB.LocalID = 2
	cfgB.LocalIP = "127.0.0.1"
	cfgB.TimeoutMs = 5
	cfgB.DataDir = dirB
	cfgB.LeaderIP = cfgA.LocalIP
	cfgB.LeaderGmsPort = leaderPort

	var gA, gB *Group
	var errA, errB error
	var wg sync.WaitGroup

	// the restart leader blocks until the quorum
	// arrives, so A and B come up concurrently.
	wg.Add(2)
	go func() {
		defer wg.Done()
		gA, errA = NewGroup(cfgA, newReg(), alloc, hooks, mesh)
	}()
	go func() {
		defer wg.Done()
		gB, errB = NewGroup(cfgB, newReg(), alloc, hooks, mesh)
	}()
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("restart recovery failed: A=%v B=%v", errA, errB)
	}

	va, vb := gA.CurrentView(), gB.CurrentView()
	if va.VID != vb.VID {
		t.Fatalf("recovery vids differ: %v vs %v", va.VID, vb.VID)
	}
	if len(va.Members) != len(vb.Members) {
		t.Fatalf("recovery memberships differ: %v vs %v", va.Members, vb.Members)
	}

	// the respondent truncated to the shipped trim
	// before use, and the high-water marks survived.
	truncMut.Lock()
	nTrunc := len(truncated)
	var first []int64
	if nTrunc > 0 {
		first = truncated[0]
	}
	truncMut.Unlock()
	if nTrunc == 0 {
		t.Fatalf("no TruncateLog upcall during recovery")
	}
	if len(first) != 2 || first[0] != 5 || first[1] != 4 {
		t.Fatalf("trim high-water mangled: %v", first)
	}

	vid = va.VID
	members = append([]NodeID(nil), va.Members...)

	gB.Leave()
	gA.Leave()
	return
}
