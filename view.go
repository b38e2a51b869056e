package membrane

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// NodeID identifies one member process. Ids are
// chosen by the operator and must be unique within
// the group; the join handshake rejects duplicates.
type NodeID uint32

// SubgroupID is the index of a (type, subgroup-index)
// pair in the view's enumeration. Stable across views
// for the same pair.
type SubgroupID int32

// TypeID keys the subgroup type registry; see types.go.
type TypeID int32

type ShardMode int32

const (
	ModeOrdered   ShardMode = 0
	ModeUnordered ShardMode = 1
)

func (m ShardMode) String() string {
	switch m {
	case ModeOrdered:
		return "Ordered"
	case ModeUnordered:
		return "Unordered"
	}
	return fmt.Sprintf("unknown ShardMode: %v", int32(m))
}

// MemberAddr has everything needed to reach one
// member: the membership (gms) side channel, the
// RPC reply channel, the shared-state-table port,
// and the bulk transport port.
type MemberAddr struct {
	IP       string `zid:"0"`
	GmsPort  uint16 `zid:"1"`
	RpcPort  uint16 `zid:"2"`
	SstPort  uint16 `zid:"3"`
	RdmcPort uint16 `zid:"4"`
}

func (a *MemberAddr) String() string {
	return fmt.Sprintf("%v:%v", a.IP, a.GmsPort)
}

// SubView is the layout of one shard of one
// subgroup: its ordered members, which of them
// send, and the delivery mode.
type SubView struct {
	Mode     ShardMode `zid:"0"`
	Members  []NodeID  `zid:"1"`
	IsSender []bool    `zid:"2"`

	// MyShardRank is this node's position in
	// Members, or -1. Local only; recomputed by
	// each receiver of a shipped View.
	MyShardRank int32 `msg:"-"`
}

// numSenders counts the senders in the shard.
func (sv *SubView) numSenders() (n int) {
	for _, is := range sv.IsSender {
		if is {
			n++
		}
	}
	return
}

// senderRankOf maps a shard rank to a sender rank
// (position among senders), or -1 if not a sender.
func (sv *SubView) senderRankOf(shardRank int) int {
	if shardRank < 0 || shardRank >= len(sv.IsSender) || !sv.IsSender[shardRank] {
		return -1
	}
	r := 0
	for i := 0; i < shardRank; i++ {
		if sv.IsSender[i] {
			r++
		}
	}
	return r
}

// rankOf returns id's shard rank, or -1.
func (sv *SubView) rankOf(id NodeID) int {
	for i, m := range sv.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// View is the immutable membership + layout
// snapshot for one epoch. A View is created by the
// view manager on epoch change and pinned while the
// multicast engine holds it; the prior View retires
// to the cleanup queue.
type View struct {
	VID int64 `zid:"0"`

	// Members in rank order. Rank 0 that is not
	// failed is the leader.
	Members []NodeID      `zid:"1"`
	Addrs   []*MemberAddr `zid:"2"`
	Failed  []bool        `zid:"3"`

	// who came and went relative to the prior epoch.
	Joined   []NodeID `zid:"4"`
	Departed []NodeID `zid:"5"`

	// filled in by the subgroup allocator; see alloc.go.
	SubgroupShardViews  [][]*SubView           `zid:"6"`
	SubgroupIDsByTypeID map[TypeID][]SubgroupID `zid:"7"`

	// local-only fields, recomputed per process.
	MyRank                  int32                `msg:"-"`
	MySubgroups             map[SubgroupID]int32 `msg:"-"` // sid -> my shard number
	IsAdequatelyProvisioned bool                 `msg:"-"`
	NextUnassignedRank      int32                `msg:"-"`
}

func (v *View) String() (r string) {
	r = fmt.Sprintf("View{VID:%v, members:%v, failed:%v, joined:%v, departed:%v, subgroups:%v}",
		v.VID, v.Members, v.Failed, v.Joined, v.Departed, len(v.SubgroupShardViews))
	return
}

func (v *View) NumMembers() int {
	return len(v.Members)
}

func (v *View) NumSubgroups() int {
	return len(v.SubgroupShardViews)
}

// RankOf returns id's rank in the view, or -1.
func (v *View) RankOf(id NodeID) int {
	for i, m := range v.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// FailedCount counts rows marked failed.
func (v *View) FailedCount() (n int) {
	for _, f := range v.Failed {
		if f {
			n++
		}
	}
	return
}

// LeaderRank is the lowest rank not marked failed.
// Leadership is positional; there is no election.
func (v *View) LeaderRank() int {
	for i := range v.Members {
		if !v.Failed[i] {
			return i
		}
	}
	return -1
}

// IAmLeader reports whether the member at myRank
// currently leads the view.
func (v *View) IAmLeader(myRank int) bool {
	return v.LeaderRank() == int(myRank)
}

// shardOf returns the shard number of sid containing
// id, or -1.
func (v *View) shardOf(sid SubgroupID, id NodeID) int {
	if int(sid) >= len(v.SubgroupShardViews) {
		return -1
	}
	for shard, sv := range v.SubgroupShardViews[int(sid)] {
		if sv.rankOf(id) >= 0 {
			return shard
		}
	}
	return -1
}

// computeLocalFields fills in the per-process fields
// after a View arrives over the wire or is composed
// by the leader.
func (v *View) computeLocalFields(me NodeID) {
	v.MyRank = int32(v.RankOf(me))
	v.MySubgroups = make(map[SubgroupID]int32)
	for sid := range v.SubgroupShardViews {
		shard := v.shardOf(SubgroupID(sid), me)
		if shard >= 0 {
			v.MySubgroups[SubgroupID(sid)] = int32(shard)
			sv := v.SubgroupShardViews[sid][shard]
			sv.MyShardRank = int32(sv.rankOf(me))
		}
	}
}

// Clone deep-copies the serialized fields; the
// local-only fields are left zero for the receiver
// to recompute.
func (v *View) Clone() (c *View) {
	c = &View{
		VID:      v.VID,
		Members:  append([]NodeID(nil), v.Members...),
		Failed:   append([]bool(nil), v.Failed...),
		Joined:   append([]NodeID(nil), v.Joined...),
		Departed: append([]NodeID(nil), v.Departed...),
	}
	for _, a := range v.Addrs {
		a2 := *a
		c.Addrs = append(c.Addrs, &a2)
	}
	for _, shards := range v.SubgroupShardViews {
		var cs []*SubView
		for _, sv := range shards {
			cs = append(cs, &SubView{
				Mode:        sv.Mode,
				Members:     append([]NodeID(nil), sv.Members...),
				IsSender:    append([]bool(nil), sv.IsSender...),
				MyShardRank: -1,
			})
		}
		c.SubgroupShardViews = append(c.SubgroupShardViews, cs)
	}
	if v.SubgroupIDsByTypeID != nil {
		c.SubgroupIDsByTypeID = make(map[TypeID][]SubgroupID)
		for k, ids := range v.SubgroupIDsByTypeID {
			c.SubgroupIDsByTypeID[k] = append([]SubgroupID(nil), ids...)
		}
	}
	return
}

// ================= wire encoding =================
//
// Views cross the join TCP channel and land on disk,
// so they get a stable hand-rolled msgpack layout
// (greenpack/msgp append/read calls; field order is
// the zid order above).

func (a *MemberAddr) MarshalMsg(b []byte) (o []byte, err error) {
	o = b
	o = msgp.AppendString(o, a.IP)
	o = msgp.AppendUint16(o, a.GmsPort)
	o = msgp.AppendUint16(o, a.RpcPort)
	o = msgp.AppendUint16(o, a.SstPort)
	o = msgp.AppendUint16(o, a.RdmcPort)
	return
}

func (a *MemberAddr) UnmarshalMsg(b []byte) (o []byte, err error) {
	o = b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	a.IP, o, err = nbs.ReadStringBytes(o)
	if err != nil {
		return
	}
	a.GmsPort, o, err = nbs.ReadUint16Bytes(o)
	if err != nil {
		return
	}
	a.RpcPort, o, err = nbs.ReadUint16Bytes(o)
	if err != nil {
		return
	}
	a.SstPort, o, err = nbs.ReadUint16Bytes(o)
	if err != nil {
		return
	}
	a.RdmcPort, o, err = nbs.ReadUint16Bytes(o)
	return
}

func (sv *SubView) MarshalMsg(b []byte) (o []byte, err error) {
	o = b
	o = msgp.AppendInt32(o, int32(sv.Mode))
	o = msgp.AppendArrayHeader(o, uint32(len(sv.Members)))
	for _, m := range sv.Members {
		o = msgp.AppendUint32(o, uint32(m))
	}
	o = msgp.AppendArrayHeader(o, uint32(len(sv.IsSender)))
	for _, is := range sv.IsSender {
		o = msgp.AppendBool(o, is)
	}
	return
}

func (sv *SubView) UnmarshalMsg(b []byte) (o []byte, err error) {
	o = b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	var mode int32
	mode, o, err = nbs.ReadInt32Bytes(o)
	if err != nil {
		return
	}
	sv.Mode = ShardMode(mode)
	var n uint32
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	sv.Members = make([]NodeID, n)
	for i := range sv.Members {
		var u uint32
		u, o, err = nbs.ReadUint32Bytes(o)
		if err != nil {
			return
		}
		sv.Members[i] = NodeID(u)
	}
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	sv.IsSender = make([]bool, n)
	for i := range sv.IsSender {
		sv.IsSender[i], o, err = nbs.ReadBoolBytes(o)
		if err != nil {
			return
		}
	}
	sv.MyShardRank = -1
	return
}

func (v *View) MarshalMsg(b []byte) (o []byte, err error) {
	o = b
	o = msgp.AppendInt64(o, v.VID)
	o = msgp.AppendArrayHeader(o, uint32(len(v.Members)))
	for _, m := range v.Members {
		o = msgp.AppendUint32(o, uint32(m))
	}
	o = msgp.AppendArrayHeader(o, uint32(len(v.Addrs)))
	for _, a := range v.Addrs {
		o, err = a.MarshalMsg(o)
		if err != nil {
			return
		}
	}
	o = msgp.AppendArrayHeader(o, uint32(len(v.Failed)))
	for _, f := range v.Failed {
		o = msgp.AppendBool(o, f)
	}
	o = msgp.AppendArrayHeader(o, uint32(len(v.Joined)))
	for _, m := range v.Joined {
		o = msgp.AppendUint32(o, uint32(m))
	}
	o = msgp.AppendArrayHeader(o, uint32(len(v.Departed)))
	for _, m := range v.Departed {
		o = msgp.AppendUint32(o, uint32(m))
	}
	o = msgp.AppendArrayHeader(o, uint32(len(v.SubgroupShardViews)))
	for _, shards := range v.SubgroupShardViews {
		o = msgp.AppendArrayHeader(o, uint32(len(shards)))
		for _, sv := range shards {
			o, err = sv.MarshalMsg(o)
			if err != nil {
				return
			}
		}
	}
	o = msgp.AppendMapHeader(o, uint32(len(v.SubgroupIDsByTypeID)))
	for tid, ids := range v.SubgroupIDsByTypeID {
		o = msgp.AppendInt32(o, int32(tid))
		o = msgp.AppendArrayHeader(o, uint32(len(ids)))
		for _, sid := range ids {
			o = msgp.AppendInt32(o, int32(sid))
		}
	}
	return
}

func (v *View) UnmarshalMsg(b []byte) (o []byte, err error) {
	o = b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	v.VID, o, err = nbs.ReadInt64Bytes(o)
	if err != nil {
		return
	}
	var n uint32
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	v.Members = make([]NodeID, n)
	for i := range v.Members {
		var u uint32
		u, o, err = nbs.ReadUint32Bytes(o)
		if err != nil {
			return
		}
		v.Members[i] = NodeID(u)
	}
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	v.Addrs = make([]*MemberAddr, n)
	for i := range v.Addrs {
		v.Addrs[i] = &MemberAddr{}
		o, err = v.Addrs[i].UnmarshalMsg(o)
		if err != nil {
			return
		}
	}
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	v.Failed = make([]bool, n)
	for i := range v.Failed {
		v.Failed[i], o, err = nbs.ReadBoolBytes(o)
		if err != nil {
			return
		}
	}
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	v.Joined = make([]NodeID, n)
	for i := range v.Joined {
		var u uint32
		u, o, err = nbs.ReadUint32Bytes(o)
		if err != nil {
			return
		}
		v.Joined[i] = NodeID(u)
	}
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	v.Departed = make([]NodeID, n)
	for i := range v.Departed {
		var u uint32
		u, o, err = nbs.ReadUint32Bytes(o)
		if err != nil {
			return
		}
		v.Departed[i] = NodeID(u)
	}
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	v.SubgroupShardViews = make([][]*SubView, n)
	for i := range v.SubgroupShardViews {
		var ns uint32
		ns, o, err = nbs.ReadArrayHeaderBytes(o)
		if err != nil {
			return
		}
		v.SubgroupShardViews[i] = make([]*SubView, ns)
		for j := range v.SubgroupShardViews[i] {
			v.SubgroupShardViews[i][j] = &SubView{}
			o, err = v.SubgroupShardViews[i][j].UnmarshalMsg(o)
			if err != nil {
				return
			}
		}
	}
	n, o, err = nbs.ReadMapHeaderBytes(o)
	if err != nil {
		return
	}
	v.SubgroupIDsByTypeID = make(map[TypeID][]SubgroupID, n)
	for i := uint32(0); i < n; i++ {
		var tid int32
		tid, o, err = nbs.ReadInt32Bytes(o)
		if err != nil {
			return
		}
		var nid uint32
		nid, o, err = nbs.ReadArrayHeaderBytes(o)
		if err != nil {
			return
		}
		ids := make([]SubgroupID, nid)
		for j := range ids {
			var s int32
			s, o, err = nbs.ReadInt32Bytes(o)
			if err != nil {
				return
			}
			ids[j] = SubgroupID(s)
		}
		v.SubgroupIDsByTypeID[TypeID(tid)] = ids
	}
	v.MyRank = -1
	return
}
