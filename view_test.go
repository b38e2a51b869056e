package membrane

import (
	"testing"
)

func testView3() *View {
	v := &View{
		VID:     7,
		Members: []NodeID{10, 20, 30},
		Addrs: []*MemberAddr{
			{IP: "10.0.0.1", GmsPort: 9001, RpcPort: 9002, SstPort: 9003, RdmcPort: 9004},
			{IP: "10.0.0.2", GmsPort: 9001, RpcPort: 9002, SstPort: 9003, RdmcPort: 9004},
			{IP: "10.0.0.3", GmsPort: 9001, RpcPort: 9002, SstPort: 9003, RdmcPort: 9004},
		},
		Failed: []bool{false, false, false},
		Joined: []NodeID{30},
		SubgroupShardViews: [][]*SubView{
			{
				{Mode: ModeOrdered, Members: []NodeID{10, 20}, IsSender: []bool{true, true}, MyShardRank: -1},
				{Mode: ModeOrdered, Members: []NodeID{30}, IsSender: []bool{true}, MyShardRank: -1},
			},
			{
				{Mode: ModeUnordered, Members: []NodeID{10, 20, 30}, IsSender: []bool{true, false, false}, MyShardRank: -1},
			},
		},
		SubgroupIDsByTypeID: map[TypeID][]SubgroupID{0: {0}, 1: {1}},
	}
	return v
}

func Test_View_MarshalRoundtrip(t *testing.T) {
	v := testView3()
	by, err := v.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	v2 := &View{}
	_, err = v2.UnmarshalMsg(by)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}
	if v2.VID != 7 || len(v2.Members) != 3 || v2.Members[2] != 30 {
		t.Fatalf("members wrong after roundtrip: %v", v2)
	}
	if v2.Addrs[1].IP != "10.0.0.2" || v2.Addrs[1].SstPort != 9003 {
		t.Fatalf("addrs wrong after roundtrip: %v", v2.Addrs[1])
	}
	if len(v2.SubgroupShardViews) != 2 || len(v2.SubgroupShardViews[0]) != 2 {
		t.Fatalf("layouts wrong after roundtrip")
	}
	if v2.SubgroupShardViews[1][0].Mode != ModeUnordered {
		t.Fatalf("mode lost in roundtrip")
	}
	if got := v2.SubgroupIDsByTypeID[1]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("id map wrong after roundtrip: %v", v2.SubgroupIDsByTypeID)
	}
}

func Test_View_LocalFields(t *testing.T) {
	v := testView3()
	v.computeLocalFields(20)
	if v.MyRank != 1 {
		t.Fatalf("MyRank = %v, want 1", v.MyRank)
	}
	// node 20 is in shard 0 of subgroup 0 and shard 0
	// of subgroup 1.
	if shard, ok := v.MySubgroups[0]; !ok || shard != 0 {
		t.Fatalf("MySubgroups[0] = %v,%v", shard, ok)
	}
	sv := v.SubgroupShardViews[0][0]
	if sv.MyShardRank != 1 {
		t.Fatalf("MyShardRank = %v, want 1", sv.MyShardRank)
	}
	if sv.senderRankOf(1) != 1 {
		t.Fatalf("senderRankOf(1) = %v, want 1", sv.senderRankOf(1))
	}

	// sender rank skips non-senders.
	sv2 := v.SubgroupShardViews[1][0]
	if sv2.numSenders() != 1 {
		t.Fatalf("numSenders = %v, want 1", sv2.numSenders())
	}
	if sv2.senderRankOf(1) != -1 {
		t.Fatalf("non-sender must map to -1")
	}
}

func Test_View_LeaderIsLowestLiveRank(t *testing.T) {
	v := testView3()
	if v.LeaderRank() != 0 {
		t.Fatalf("leader = %v, want 0", v.LeaderRank())
	}
	v.Failed[0] = true
	if v.LeaderRank() != 1 {
		t.Fatalf("leader after rank-0 failure = %v, want 1", v.LeaderRank())
	}
	v.Failed[1] = true
	v.Failed[2] = true
	if v.LeaderRank() != -1 {
		t.Fatalf("leader of an all-failed view = %v, want -1", v.LeaderRank())
	}
}

func Test_View_CloneIsDeep(t *testing.T) {
	v := testView3()
	c := v.Clone()
	c.Members[0] = 99
	c.SubgroupShardViews[0][0].Members[0] = 99
	c.Addrs[0].IP = "changed"
	if v.Members[0] != 10 || v.SubgroupShardViews[0][0].Members[0] != 10 || v.Addrs[0].IP != "10.0.0.1" {
		t.Fatalf("Clone shares memory with the original")
	}
}
