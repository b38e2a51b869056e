package membrane

import (
	"encoding/binary"
	"time"
)

// The receive pipeline, both paths:
//
//   bulk: transport onComplete -> onReceive
//   small: the slot-watcher predicate notices a slot
//     generation change in a sender's mirrored row
//     and feeds the slot contents to the same merge.
//
// Either way the per-sender interval set absorbs the
// index, num_received advances to the gap-free
// frontier, and seq_num advances to the largest
// contiguous prefix of the interleaved sender
// stream. Delivery fires when the shard-wide min of
// seq_num covers the smallest buffered message.

func (m *MulticastGroup) registerPredicates() {
	m.eng.Register("smc-recv", m.smcRecvPred, m.smcRecvTrigger, RecurrentPredicate)
	m.eng.Register("delivery", m.deliveryPred, m.deliveryTrigger, RecurrentPredicate)
	m.eng.Register("null-send", m.nullSendPred, m.nullSendTrigger, RecurrentPredicate)
	m.eng.Register("global-persist", m.globalPersistPred, m.globalPersistTrigger, RecurrentPredicate)
}

// onReceive ingests one complete message frame from
// the bulk path. senderShardRank identifies the
// sender within the shard.
func (m *MulticastGroup) onReceive(sid SubgroupID, senderShardRank int, frame []byte, fromSMC bool) {
	ses, ok := m.sessions[sid]
	if !ok {
		return
	}
	index, tsNs, cooked, hok := decodeMessageHeader(frame)
	if !hok {
		alwaysPrintf("onReceive: dropping frame with bad header on sid %v", sid)
		return
	}
	senderRank := ses.sv.senderRankOf(senderShardRank)
	if senderRank < 0 {
		alwaysPrintf("onReceive: shard rank %v is not a sender in sid %v", senderShardRank, sid)
		return
	}
	msg := &RDMCMessage{
		SenderID:   ses.sv.Members[senderShardRank],
		SenderRank: senderShardRank,
		Index:      index,
		Size:       int64(len(frame)),
		Buf:        frame,
		Cooked:     cooked,
		TsNs:       tsNs,
	}

	ses.mut.Lock()
	m.mergeReceiveLocked(ses, senderRank, msg, fromSMC)
	m.publishProgressLocked(ses)
	ses.mut.Unlock()

	m.sst.Put(ColNumReceived | ColSeqNum)
}

// mergeReceiveLocked merges one arrived message into
// the session. Caller holds ses.mut.
func (m *MulticastGroup) mergeReceiveLocked(ses *subgroupSession, senderRank int, msg *RDMCMessage, fromSMC bool) {
	if ses.intervals[senderRank].contains(msg.Index) {
		// duplicate; the paths never overlap, so this
		// only happens on replayed transport frames.
		return
	}
	ses.intervals[senderRank].resolve(msg.Index)

	seq := ses.seqOfIndex(msg.Index, senderRank)

	if ses.mode == ModeUnordered {
		// deliver straight from reception; no stable
		// wait, no version, no persistence.
		if !msg.isNull() {
			hooks := m.hooks
			data := msg.Buf[messageHeaderBytes:]
			if msg.Cooked && hooks.CookedRecv != nil {
				hooks.CookedRecv(ses.sid, msg.SenderID, -1, data)
			}
			if hooks.Deliver != nil {
				hooks.Deliver(ses.sid, msg.SenderID, -1, m.hlc.Aload(), data)
			}
		}
	} else {
		if fromSMC {
			ses.stableSST.set(seq, msg)
		} else {
			ses.stableRDMC.set(seq, msg)
		}
	}
	ses.cond.Broadcast()
}

// publishProgressLocked recomputes our num_received
// frontiers and seq_num for ses and writes them into
// our own row. Caller holds ses.mut; the SST put is
// the caller's job.
func (m *MulticastGroup) publishProgressLocked(ses *subgroupSession) {
	sid := int(ses.sid)
	S := ses.numSenders
	if S == 0 {
		return
	}

	minFr := int64(1<<62 - 1)
	argmin := 0
	frontiers := make([]int64, S)
	for s := 0; s < S; s++ {
		frontiers[s] = ses.intervals[s].frontier()
		if frontiers[s] < minFr {
			minFr = frontiers[s]
			argmin = s
		}
	}
	// largest contiguous prefix of the interleaved
	// stream: (minFr+1)*S + argmin - 1.
	cand := (minFr+1)*int64(S) + int64(argmin) - 1

	m.sst.Mutate(func(me *SSTRow) {
		for s := 0; s < S; s++ {
			if frontiers[s] > me.NumReceived[ses.nrOff+s] {
				me.NumReceived[ses.nrOff+s] = frontiers[s]
			}
		}
		if cand > me.SeqNum[sid] {
			me.SeqNum[sid] = cand
		}
	})
}

// ================= small-message watcher =================

// smcRecvPred reports whether any sender's slot ring
// shows a fresh generation word.
func (m *MulticastGroup) smcRecvPred(sst *SST) bool {
	for _, ses := range m.sessions {
		ses.mut.Lock()
		found := m.scanSMCLocked(ses, true) > 0
		ses.mut.Unlock()
		if found {
			return true
		}
	}
	return false
}

func (m *MulticastGroup) smcRecvTrigger(sst *SST) {
	for _, ses := range m.sessions {
		ses.mut.Lock()
		n := m.scanSMCLocked(ses, false)
		if n > 0 {
			m.publishProgressLocked(ses)
		}
		ses.mut.Unlock()
		if n > 0 {
			m.sst.Put(ColNumReceived | ColSeqNum)
		}
	}
}

// scanSMCLocked walks every sender's slot ring
// looking for generation words newer than last seen.
// With peek it only detects; otherwise it consumes:
// copies the slot payload out, merges it, advances
// num_received_sst, and remembers the generation.
// Returns the number of fresh slots seen. Caller
// holds ses.mut.
func (m *MulticastGroup) scanSMCLocked(ses *subgroupSession, peek bool) (fresh int) {
	lay := m.sst.lay
	S := ses.numSenders

	type arrival struct {
		senderRank int
		msg        *RDMCMessage
	}
	var got []arrival

	m.sst.Read(func(rows []*SSTRow) {
		for s := 0; s < S; s++ {
			// locate the sender's member rank.
			shardRank := -1
			cnt := -1
			for i, is := range ses.sv.IsSender {
				if is {
					cnt++
					if cnt == s {
						shardRank = i
						break
					}
				}
			}
			member := ses.sv.Members[shardRank]
			r := m.view.RankOf(member)
			if r < 0 {
				continue
			}
			row := rows[r]
			for k := int64(0); k < ses.window; k++ {
				base := lay.slotBase(ses.sid, k)
				slot := row.Slots[base : base+lay.slotBytes]
				gen := int64(binary.LittleEndian.Uint64(slot[lay.slotBytes-8:]))
				if gen <= ses.lastSeenGen[s][k] {
					continue
				}
				fresh++
				if peek {
					return
				}
				ses.lastSeenGen[s][k] = gen
				sz := int64(binary.LittleEndian.Uint32(slot[0:4]))
				if sz < messageHeaderBytes || sz > lay.slotBytes-smcSlotOverhead {
					alwaysPrintf("smc: implausible slot size %v on sid %v slot %v", sz, ses.sid, k)
					continue
				}
				frame := make([]byte, sz)
				copy(frame, slot[4:4+sz])
				index, tsNs, cooked, hok := decodeMessageHeader(frame)
				if !hok {
					alwaysPrintf("smc: bad header on sid %v slot %v", ses.sid, k)
					continue
				}
				got = append(got, arrival{
					senderRank: s,
					msg: &RDMCMessage{
						SenderID:   member,
						SenderRank: shardRank,
						Index:      index,
						Size:       sz,
						Buf:        frame,
						Cooked:     cooked,
						TsNs:       tsNs,
					},
				})
			}
		}
	})

	if peek {
		return
	}
	for _, a := range got {
		m.mergeReceiveLocked(ses, a.senderRank, a.msg, true)
		// num_received_sst: frontier of SMC-consumed
		// indexes, for slot-ring accounting.
		fr := ses.intervals[a.senderRank].frontier()
		off := ses.nrOff + a.senderRank
		m.sst.Mutate(func(me *SSTRow) {
			if fr > me.NumReceivedSST[off] {
				me.NumReceivedSST[off] = fr
			}
		})
	}
	return
}

// ================= delivery =================

// stableSeqLocked is the shard-wide stability point:
// min over non-frozen shard member rows of seq_num.
// Caller holds ses.mut.
func (m *MulticastGroup) stableSeqLocked(ses *subgroupSession) (stable int64) {
	stable = int64(1<<62 - 1)
	m.sst.Read(func(rows []*SSTRow) {
		for _, member := range ses.sv.Members {
			r := m.view.RankOf(member)
			if r < 0 {
				continue
			}
			if m.sst.frozen[r] {
				continue
			}
			if v := rows[r].SeqNum[int(ses.sid)]; v < stable {
				stable = v
			}
		}
	})
	return
}

func (m *MulticastGroup) deliveryPred(sst *SST) bool {
	for _, ses := range m.sessions {
		if ses.mode != ModeOrdered {
			continue
		}
		ses.mut.Lock()
		if ses.terminated {
			ses.mut.Unlock()
			continue
		}
		stable := m.stableSeqLocked(ses)
		ready := stable > ses.delivered && m.haveNextLocked(ses)
		ses.mut.Unlock()
		if ready {
			return true
		}
	}
	return false
}

func (m *MulticastGroup) haveNextLocked(ses *subgroupSession) bool {
	want := ses.delivered + 1
	if _, ok := ses.stableRDMC.get2(want); ok {
		return true
	}
	if _, ok := ses.stableSST.get2(want); ok {
		return true
	}
	return false
}

func (m *MulticastGroup) deliveryTrigger(sst *SST) {
	for _, ses := range m.sessions {
		if ses.mode != ModeOrdered {
			continue
		}
		m.deliverStable(ses)
	}
}

// deliverStable delivers, in ascending seq order,
// every buffered message up to the shard stability
// point. The hooks run after the session lock drops,
// still on the evaluator thread, so their order is
// the delivery order.
func (m *MulticastGroup) deliverStable(ses *subgroupSession) {
	pop := func() (batch []*RDMCMessage) {
		ses.mut.Lock()
		defer ses.mut.Unlock()
		if ses.terminated {
			return nil
		}
		stable := m.stableSeqLocked(ses)
		for {
			want := ses.delivered + 1
			if want > stable {
				return
			}
			msg, ok := ses.stableRDMC.get2(want)
			if ok {
				ses.stableRDMC.delkey(want)
			} else {
				msg, ok = ses.stableSST.get2(want)
				if !ok {
					return
				}
				ses.stableSST.delkey(want)
			}
			ses.delivered = want
			batch = append(batch, msg)
		}
	}
	batch := pop()
	if len(batch) == 0 {
		return
	}

	vid := m.view.VID
	sid := int(ses.sid)

	var versions []int64
	for _, msg := range batch {
		seq := ses.seqOfIndex(msg.Index, ses.sv.senderRankOf(msg.SenderRank))
		if msg.isNull() {
			// no payload callbacks, no version.
			continue
		}
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
		ses.lastVersionDelivered = version
	}

	ses.mut.Lock()
	deliveredNow := ses.delivered
	ses.cond.Broadcast()
	ses.mut.Unlock()

	m.sst.Mutate(func(me *SSTRow) {
		if deliveredNow > me.DeliveredNum[sid] {
			me.DeliveredNum[sid] = deliveredNow
		}
	})
	m.sst.Put(ColDeliveredNum)

	// delivered_num advanced; release the
	// persistence requests in order.
	if ses.persistent && m.hooks.PostPersist != nil {
		for _, v := range versions {
			m.hooks.PostPersist(ses.sid, v)
		}
	}
}

// ================= NULL-send scheme =================

// A lagging sender in an Ordered subgroup fills its
// own index stream with header-only messages so the
// interleaved seq_num can keep advancing no matter
// which sender has nothing to say. A subgroup with
// zero active senders simply never fires this and
// consumes no credit.

func (m *MulticastGroup) nullSendPred(sst *SST) bool {
	for _, ses := range m.sessions {
		if ses.mode != ModeOrdered || ses.mySenderRank < 0 {
			continue
		}
		ses.mut.Lock()
		lag := m.nullFillNeededLocked(ses)
		ok := lag && !ses.wedged && !ses.terminated &&
			ses.current == nil && m.windowCreditLocked(ses)
		ses.mut.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// nullFillNeededLocked decides whether to emit a
// NULL now. The scheme arms only when our progress
// falls behind the fastest co-sender by more than
// the window permits, but once armed it keeps
// filling until fully caught up -- otherwise the
// co-sender's tail messages could never reach
// stability.
func (m *MulticastGroup) nullFillNeededLocked(ses *subgroupSession) bool {
	maxFr := int64(-1)
	for s := 0; s < ses.numSenders; s++ {
		if s == ses.mySenderRank {
			continue
		}
		if fr := ses.intervals[s].frontier(); fr > maxFr {
			maxFr = fr
		}
	}
	if ses.nextIndex > maxFr {
		ses.nullFilling = false
		return false
	}
	if ses.nullFilling {
		return true
	}
	lag := maxFr + 1 - ses.nextIndex
	if lag > ses.window {
		ses.nullFilling = true
		return true
	}
	return false
}

func (m *MulticastGroup) nullSendTrigger(sst *SST) {
	for _, ses := range m.sessions {
		if ses.mode != ModeOrdered || ses.mySenderRank < 0 {
			continue
		}
		ses.mut.Lock()
		if ses.wedged || ses.terminated || ses.current != nil ||
			!m.nullFillNeededLocked(ses) || !m.windowCreditLocked(ses) {
			ses.mut.Unlock()
			continue
		}
		msg := &RDMCMessage{
			SenderID:   m.myID,
			SenderRank: ses.myShardRank,
			Index:      ses.nextIndex,
			Size:       messageHeaderBytes,
			Buf:        make([]byte, messageHeaderBytes),
			TsNs:       uint64(time.Now().UnixNano()),
		}
		ses.nextIndex++
		encodeMessageHeader(msg.Buf, msg.Index, msg.TsNs, false)
		m.writeSMCSlotLocked(ses, msg)
		ses.mut.Unlock()
		m.sst.Put(ColSlots)
	}
}

// ================= global persistence =================

func (m *MulticastGroup) globalPersistPred(sst *SST) bool {
	for _, ses := range m.sessions {
		if !ses.persistent {
			continue
		}
		ses.mut.Lock()
		minP := m.minPersistedLocked(ses)
		fire := minP > ses.persistWatermark && minP >= 0
		ses.mut.Unlock()
		if fire {
			return true
		}
	}
	return false
}

func (m *MulticastGroup) minPersistedLocked(ses *subgroupSession) (minP int64) {
	minP = int64(1<<62 - 1)
	m.sst.Read(func(rows []*SSTRow) {
		for _, member := range ses.sv.Members {
			r := m.view.RankOf(member)
			if r < 0 {
				continue
			}
			if m.sst.frozen[r] {
				continue
			}
			if v := rows[r].PersistedNum[int(ses.sid)]; v < minP {
				minP = v
			}
		}
	})
	return
}

func (m *MulticastGroup) globalPersistTrigger(sst *SST) {
	for _, ses := range m.sessions {
		if !ses.persistent {
			continue
		}
		ses.mut.Lock()
		minP := m.minPersistedLocked(ses)
		fire := minP > ses.persistWatermark && minP >= 0
		if fire {
			ses.persistWatermark = minP
		}
		ses.mut.Unlock()
		if fire && m.hooks.GlobalPersist != nil {
			m.hooks.GlobalPersist(ses.sid, combineVersion(m.view.VID, minP))
		}
	}
}

// ReportPersisted is the bridge's path back: the
// application persisted through version; publish it
// in persisted_num (seq units) for the group.
func (m *MulticastGroup) ReportPersisted(sid SubgroupID, version int64) error {
	ses, ok := m.sessions[sid]
	if !ok {
		return ErrInvalidSubgroup
	}
	_ = ses
	seq := version & 0xffffffff
	sidc := int(sid)
	m.sst.Mutate(func(me *SSTRow) {
		if seq > me.DeliveredNum[sidc] {
			// persisted_num never passes delivered_num;
			// a report past it is from a retired epoch.
			return
		}
		if seq > me.PersistedNum[sidc] {
			me.PersistedNum[sidc] = seq
		}
	})
	m.sst.Put(ColPersistedNum)
	return nil
}
