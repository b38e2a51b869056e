package membrane

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// Ragged-edge cleanup: on epoch termination each
// shard agrees on a cut -- the per-sender high-water
// mark of messages that every surviving replica will
// deliver -- and every replica delivers exactly the
// messages under the cut, in sequence order,
// identically. Messages beyond the cut are discarded
// in the terminated epoch: undelivered-by-design,
// recorded by the RaggedTrim.

// RaggedTrimLeaderFinal is the sentinel leader id
// stored on trims that were received from a restart
// leader rather than computed locally; it marks them
// authoritative and they re-save verbatim.
const RaggedTrimLeaderFinal int32 = -1

type RaggedTrim struct {
	SubgroupID SubgroupID `zid:"0"`
	Shard      int32      `zid:"1"`
	VID        int64      `zid:"2"`
	LeaderID   int32      `zid:"3"`
	GlobalMin  []int64    `zid:"4"` // per sender rank
}

func (t *RaggedTrim) String() string {
	return fmt.Sprintf("RaggedTrim{sid:%v, shard:%v, vid:%v, leader:%v, globalMin:%v}",
		t.SubgroupID, t.Shard, t.VID, t.LeaderID, t.GlobalMin)
}

func (t *RaggedTrim) MarshalMsg(b []byte) (o []byte, err error) {
	o = b
	o = msgp.AppendInt32(o, int32(t.SubgroupID))
	o = msgp.AppendInt32(o, t.Shard)
	o = msgp.AppendInt64(o, t.VID)
	o = msgp.AppendInt32(o, t.LeaderID)
	o = appendInt64s(o, t.GlobalMin)
	return
}

func (t *RaggedTrim) UnmarshalMsg(b []byte) (o []byte, err error) {
	o = b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	var s int32
	s, o, err = nbs.ReadInt32Bytes(o)
	if err != nil {
		return
	}
	t.SubgroupID = SubgroupID(s)
	t.Shard, o, err = nbs.ReadInt32Bytes(o)
	if err != nil {
		return
	}
	t.VID, o, err = nbs.ReadInt64Bytes(o)
	if err != nil {
		return
	}
	t.LeaderID, o, err = nbs.ReadInt32Bytes(o)
	if err != nil {
		return
	}
	var n uint32
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	t.GlobalMin = make([]int64, n)
	for i := range t.GlobalMin {
		t.GlobalMin[i], o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
	}
	return
}

// shardLeaderRank finds the shard's leader: the
// first shard member, in shard order, whose row is
// not failed in the current view.
func (m *MulticastGroup) shardLeaderRank(ses *subgroupSession, failed []bool) int {
	for i, member := range ses.sv.Members {
		r := m.view.RankOf(member)
		if r >= 0 && !failed[r] {
			return i
		}
	}
	return -1
}

// raggedEdgeCleanup runs the whole protocol for one
// local subgroup session and returns the agreed
// trim. It blocks (on the SST condvar) while a
// follower waits for its shard leader to publish;
// frame application happens on transport threads, so
// blocking the evaluator here is safe.
func (m *MulticastGroup) raggedEdgeCleanup(ses *subgroupSession, failed []bool) (trim *RaggedTrim) {
	sid := int(ses.sid)
	S := ses.numSenders
	gm := make([]int64, S)

	leaderShardRank := m.shardLeaderRank(ses, failed)
	if leaderShardRank < 0 {
		// whole shard failed; nothing to agree on.
		return nil
	}
	leaderID := ses.sv.Members[leaderShardRank]

	if leaderShardRank == ses.myShardRank {
		// Leader: if any other shard member already
		// published, adopt their row -- a previous
		// leader may have died between publish and
		// install, and the cut must not move.
		adopted := false
		m.sst.Read(func(rows []*SSTRow) {
			for _, member := range ses.sv.Members {
				r := m.view.RankOf(member)
				if r < 0 || r == m.sst.myRank {
					continue
				}
				if rows[r].GlobalMinReady[sid] {
					copy(gm, rows[r].GlobalMin[ses.nrOff:ses.nrOff+S])
					adopted = true
					return
				}
			}
		})
		if !adopted {
			m.sst.Read(func(rows []*SSTRow) {
				for s := 0; s < S; s++ {
					gm[s] = int64(1<<62 - 1)
					for _, member := range ses.sv.Members {
						r := m.view.RankOf(member)
						if r < 0 || failed[r] {
							continue
						}
						if v := rows[r].NumReceived[ses.nrOff+s]; v < gm[s] {
							gm[s] = v
						}
					}
				}
			})
		}
		m.publishGlobalMin(ses, gm)
	} else {
		// Follower: wait for the shard leader's
		// global_min_ready, then echo it. If the
		// leader fails while we wait, leadership
		// shifts to the next live member; recompute.
		for {
			var ready bool
			var newLeaderShardRank int
			m.sst.Read(func(rows []*SSTRow) {
				newLeaderShardRank = m.shardLeaderRank(ses, failed)
			})
			if newLeaderShardRank != leaderShardRank {
				leaderShardRank = newLeaderShardRank
				if leaderShardRank < 0 {
					return nil
				}
				leaderID = ses.sv.Members[leaderShardRank]
				if leaderShardRank == ses.myShardRank {
					// we just became the shard leader.
					return m.raggedEdgeCleanup(ses, failed)
				}
			}
			leaderViewRank := m.view.RankOf(leaderID)
			ok := m.sst.waitUntil(func(rows []*SSTRow, frozen []bool) bool {
				ready = rows[leaderViewRank].GlobalMinReady[sid]
				return ready || frozen[leaderViewRank]
			})
			if !ok {
				return nil // sst closed under us
			}
			if ready {
				break
			}
			// leader froze without publishing; mark it
			// failed locally for leader recompute.
			failed[leaderViewRank] = true
		}
		leaderViewRank := m.view.RankOf(leaderID)
		m.sst.Read(func(rows []*SSTRow) {
			copy(gm, rows[leaderViewRank].GlobalMin[ses.nrOff:ses.nrOff+S])
		})
		m.publishGlobalMin(ses, gm)
	}

	m.deliverRagged(ses, gm)

	trim = &RaggedTrim{
		SubgroupID: ses.sid,
		Shard:      int32(ses.shard),
		VID:        m.view.VID,
		LeaderID:   int32(leaderID),
		GlobalMin:  append([]int64(nil), gm...),
	}
	return
}

func (m *MulticastGroup) publishGlobalMin(ses *subgroupSession, gm []int64) {
	sid := int(ses.sid)
	m.sst.Mutate(func(me *SSTRow) {
		copy(me.GlobalMin[ses.nrOff:ses.nrOff+len(gm)], gm)
		me.GlobalMinReady[sid] = true
	})
	m.sst.Put(ColGlobalMin)
}

// deliverRagged delivers the messages under the cut
// in ascending seq order -- identically at every
// replica, because gm is identical -- then drops the
// rest and marks the session terminal.
func (m *MulticastGroup) deliverRagged(ses *subgroupSession, gm []int64) {
	S := ses.numSenders
	maxSeq := int64(-1)
	for s := 0; s < S; s++ {
		if gm[s] >= 0 {
			if q := gm[s]*int64(S) + int64(s); q > maxSeq {
				maxSeq = q
			}
		}
	}

	var batch []*RDMCMessage
	ses.mut.Lock()
	for seq := ses.delivered + 1; seq <= maxSeq; seq++ {
		s := int(seq % int64(S))
		index := seq / int64(S)
		if index > gm[s] {
			// beyond this sender's cut:
			// undelivered-by-design.
			continue
		}
		msg, ok := ses.stableRDMC.get2(seq)
		if ok {
			ses.stableRDMC.delkey(seq)
		} else {
			msg, ok = ses.stableSST.get2(seq)
			if ok {
				ses.stableSST.delkey(seq)
			}
		}
		if !ok {
			// global_min never exceeds our own
			// num_received, so a hole here is a bug.
			panicf("ragged delivery hole at seq %v on sid %v: have delivered %v, cut %v",
				seq, ses.sid, ses.delivered, gm)
		}
		ses.delivered = seq
		batch = append(batch, msg)
	}
	// discard everything beyond the cut.
	ses.stableRDMC.deleteAll()
	ses.stableSST.deleteAll()
	ses.terminated = true
	ses.cond.Broadcast()
	deliveredNow := ses.delivered
	ses.mut.Unlock()

	vid := m.view.VID
	sid := int(ses.sid)
	var versions []int64
	for _, msg := range batch {
		if msg.isNull() {
			continue
		}
		senderRank := ses.sv.senderRankOf(msg.SenderRank)
		seq := ses.seqOfIndex(msg.Index, senderRank)
		version := combineVersion(vid, seq)
		rcv := AssembleHLC(int64(msg.TsNs), 0)
		m.hlc.ReceiveMessageWithHLC(rcv)
		stamp := m.hlc.Aload()
		data := msg.Buf[messageHeaderBytes:]
		if msg.Cooked && m.hooks.CookedRecv != nil {
			m.hooks.CookedRecv(ses.sid, msg.SenderID, version, data)
		}
		if m.hooks.Deliver != nil {
			m.hooks.Deliver(ses.sid, msg.SenderID, version, stamp, data)
		}
		if ses.persistent && m.hooks.MakeVersion != nil {
			m.hooks.MakeVersion(ses.sid, version, stamp)
			versions = append(versions, version)
		}
	}

	m.sst.Mutate(func(me *SSTRow) {
		if deliveredNow > me.DeliveredNum[sid] {
			me.DeliveredNum[sid] = deliveredNow
		}
	})
	m.sst.Put(ColDeliveredNum)

	if ses.persistent && m.hooks.PostPersist != nil {
		for _, v := range versions {
			m.hooks.PostPersist(ses.sid, v)
		}
	}
}
