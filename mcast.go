package membrane

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// Every multicast, bulk or small, leads with this
// fixed header:
//
//	headerSize  u32  (= messageHeaderBytes)
//	index       i32  (per-sender message index)
//	timestamp   u64  (wall clock, nanoseconds)
//	cooked      u8   (1 => RPC payload)
//
// A header-only message (total length ==
// messageHeaderBytes) is a NULL: it occupies its
// sequence slot but produces no payload callbacks.
// The i32 index bounds one sender to 2^31-1 messages
// per epoch; epochs turn over long before that.
const messageHeaderBytes = 17

// smc slot layout: u32 total message size, then the
// message (header+payload), padding, and a trailing
// u64 generation word watched by receivers.
const smcSlotOverhead = 4 + 8

func encodeMessageHeader(buf []byte, index int64, tsNs uint64, cooked bool) {
	binary.LittleEndian.PutUint32(buf[0:4], messageHeaderBytes)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(index)))
	binary.LittleEndian.PutUint64(buf[8:16], tsNs)
	if cooked {
		buf[16] = 1
	} else {
		buf[16] = 0
	}
}

func decodeMessageHeader(buf []byte) (index int64, tsNs uint64, cooked bool, ok bool) {
	if len(buf) < messageHeaderBytes {
		return 0, 0, false, false
	}
	hsz := binary.LittleEndian.Uint32(buf[0:4])
	if hsz != messageHeaderBytes {
		return 0, 0, false, false
	}
	index = int64(int32(binary.LittleEndian.Uint32(buf[4:8])))
	tsNs = binary.LittleEndian.Uint64(buf[8:16])
	cooked = buf[16] == 1
	return index, tsNs, cooked, true
}

// RDMCMessage is one queued or buffered multicast.
type RDMCMessage struct {
	SenderID   NodeID
	SenderRank int // sender's shard rank
	Index      int64
	Size       int64
	Buf        []byte // header + payload
	Cooked     bool
	TsNs       uint64
}

func (m *RDMCMessage) isNull() bool {
	return m.Size == messageHeaderBytes
}

// DeliveryHooks is how the engine calls up and out:
// raw delivery, cooked (RPC) dispatch, and the
// persistence bridge. All hooks run on the predicate
// evaluator thread in strict per-subgroup
// sequence-number order; keep them quick or hand off.
type DeliveryHooks struct {
	// Deliver is the global stability callback: the
	// message is stable at every shard replica.
	// version is -1 in Unordered mode. Not invoked
	// for NULLs.
	Deliver func(sid SubgroupID, sender NodeID, version int64, hlc HLC, data []byte)

	// CookedRecv receives cooked payloads; the RPC
	// layer hangs off this.
	CookedRecv func(sid SubgroupID, sender NodeID, version int64, data []byte)

	// the persistence bridge: MakeVersion at delivery,
	// PostPersist after delivered_num advances,
	// GlobalPersist when the shard-wide persisted
	// watermark advances.
	MakeVersion   func(sid SubgroupID, version int64, hlc HLC)
	PostPersist   func(sid SubgroupID, version int64)
	GlobalPersist func(sid SubgroupID, version int64)

	// TruncateLog fires during total-restart
	// recovery, before any message is accepted: cut
	// the application's persistent log for (sid,
	// shard) back to the agreed per-sender high-water
	// marks.
	TruncateLog func(sid SubgroupID, shard int32, globalMin []int64)
}

// combineVersion makes the stable per-delivery
// version: view id in the high 32 bits, sequence
// number in the low 32.
func combineVersion(vid int64, seq int64) int64 {
	return vid<<32 | (seq & 0xffffffff)
}

// subgroupSession owns one local subgroup's send and
// receive state for the life of one view. States:
// running -> wedged (refuses new sends, drains
// in-flight) -> gone when the view retires.
type subgroupSession struct {
	mut  sync.Mutex
	cond *sync.Cond // window credit & buffer return

	sid   SubgroupID
	shard int
	sv    *SubView
	mode  ShardMode

	myShardRank  int
	mySenderRank int // -1 when not a sender
	numSenders   int
	nrOff        int

	window       int64
	smcCapacity  int64 // payload bytes the small path can carry
	persistent   bool  // subgroup type has persistent fields

	// send side
	nextIndex int64 // next per-sender index to assign
	current   *SendBuffer
	pending   []*RDMCMessage // bulk-path FIFO
	bulk      BulkSender

	// receive side
	intervals   []*ivalSeen // per sender rank
	lastSeenGen [][]int64   // [sender][slot]
	stableRDMC  *omap[int64, *RDMCMessage]
	stableSST   *omap[int64, *RDMCMessage]
	delivered   int64 // mirror of our row's DeliveredNum[sid]

	// persistence bookkeeping
	lastVersionDelivered int64
	persistWatermark     int64 // last globally-persisted version seen

	wedged bool

	// null-send scheme armed; see nullFillNeededLocked.
	nullFilling bool

	// ragged cleanup marks the session terminal.
	terminated bool
}

func (s *subgroupSession) seqOfIndex(index int64, senderRank int) int64 {
	return index*int64(s.numSenders) + int64(senderRank)
}

// MulticastGroup is the per-view ordered-multicast
// engine: one session per local subgroup, a
// background bulk-sender thread, and the receive /
// delivery / persistence predicates it registers on
// the view's SST predicate engine.
type MulticastGroup struct {
	cfg   *Config
	view  *View
	sst   *SST
	eng   *PredicateEngine
	trans Transport
	hooks *DeliveryHooks
	myID  NodeID

	sessions map[SubgroupID]*subgroupSession

	hlc HLC

	kick chan struct{} // wakes the bulk sender

	wedgeMut sync.Mutex
	wedgeReq bool

	Halt *idem.Halter
}

func newMulticastGroup(cfg *Config, v *View, sst *SST, eng *PredicateEngine,
	trans Transport, hooks *DeliveryHooks, reg *TypeRegistry, myID NodeID) (m *MulticastGroup, err error) {

	m = &MulticastGroup{
		cfg:      cfg,
		view:     v,
		sst:      sst,
		eng:      eng,
		trans:    trans,
		hooks:    hooks,
		myID:     myID,
		sessions: make(map[SubgroupID]*subgroupSession),
		kick:     make(chan struct{}, 1),
		Halt:     idem.NewHalter(),
	}

	for sid, shard := range v.MySubgroups {
		sv := v.SubgroupShardViews[int(sid)][int(shard)]
		ses := &subgroupSession{
			sid:          sid,
			shard:        int(shard),
			sv:           sv,
			mode:         sv.Mode,
			myShardRank:  int(sv.MyShardRank),
			mySenderRank: sv.senderRankOf(int(sv.MyShardRank)),
			numSenders:   sv.numSenders(),
			nrOff:        sst.lay.nrOffset[int(sid)],
			window:       cfg.WindowSize,
			smcCapacity:  cfg.MaxSMCPayloadSize,
			stableRDMC:   newOmap[int64, *RDMCMessage](),
			stableSST:    newOmap[int64, *RDMCMessage](),
			delivered:    -1,
			lastVersionDelivered: -1,
			persistWatermark:     -1,
		}
		ses.cond = sync.NewCond(&ses.mut)
		for i := 0; i < ses.numSenders; i++ {
			ses.intervals = append(ses.intervals, newIvalSeen())
			ses.lastSeenGen = append(ses.lastSeenGen, make([]int64, cfg.WindowSize))
		}
		if reg != nil {
			if tid, ok := typeOfSubgroup(v, sid); ok {
				if e, ok2 := reg.Get(tid); ok2 {
					ses.persistent = e.HasPersistentFields
				}
			}
		}

		sidc := sid
		ses.bulk, err = trans.CreateBulkGroup(v.VID, sid, myID, sv.Members,
			cfg.BlockSize, cfg.SendAlgo,
			func(senderShardRank int, wire []byte) {
				frame, err2 := uncompressBulk(wire)
				if err2 != nil {
					alwaysPrintf("bulk uncompress failed on sid %v: %v", sidc, err2)
					return
				}
				m.onReceive(sidc, senderShardRank, frame, false)
			})
		if err != nil {
			return nil, err
		}
		m.sessions[sid] = ses
	}

	m.registerPredicates()
	return m, nil
}

// start launches the bulk-sender and timeout
// threads. The predicate engine is started by the
// view manager, which owns it.
func (m *MulticastGroup) start() {
	go m.bulkSenderLoop()
	go m.timeoutLoop()
}

func (m *MulticastGroup) stop() {
	m.Halt.ReqStop.Close()
	for _, ses := range m.sessions {
		ses.mut.Lock()
		ses.terminated = true
		ses.cond.Broadcast()
		ses.mut.Unlock()
	}
}

// SendBuffer is an exclusively-owned outgoing
// message buffer: the engine hands it to exactly one
// caller, the caller fills Payload on the same
// goroutine and calls Send. No buffer is ever handed
// out twice.
type SendBuffer struct {
	Payload []byte

	m       *MulticastGroup
	ses     *subgroupSession
	msg     *RDMCMessage
	sent    bool
	viaSMC  bool
}

// GetSendBuffer reserves the next outgoing message
// slot in subgroup sid. It chooses the small-message
// path when the payload (plus header) fits the SMC
// slot, else the bulk path. It blocks until window
// credit is available: in Ordered mode until every
// shard peer has delivered the message window
// positions behind this one; in Unordered mode until
// every peer has received it.
func (m *MulticastGroup) GetSendBuffer(sid SubgroupID, payloadSize int64, cooked bool) (sb *SendBuffer, err error) {
	ses, ok := m.sessions[sid]
	if !ok {
		return nil, ErrInvalidSubgroup
	}
	if ses.mySenderRank < 0 {
		return nil, ErrInvalidSubgroup
	}
	if payloadSize < 0 || payloadSize > m.cfg.MaxPayloadSize {
		return nil, ErrInvalidSubgroup
	}

	ses.mut.Lock()
	defer ses.mut.Unlock()

	for {
		if ses.wedged || ses.terminated {
			return nil, ErrGroupWedged
		}
		if ses.current != nil {
			// previous buffer still outstanding.
			ses.cond.Wait()
			continue
		}
		if m.windowCreditLocked(ses) {
			break
		}
		ses.cond.Wait()
	}

	msg := &RDMCMessage{
		SenderID:   m.myID,
		SenderRank: ses.myShardRank,
		Index:      ses.nextIndex,
		Size:       messageHeaderBytes + payloadSize,
		Buf:        make([]byte, messageHeaderBytes+payloadSize),
		Cooked:     cooked,
	}
	ses.nextIndex++

	sb = &SendBuffer{
		Payload: msg.Buf[messageHeaderBytes:],
		m:       m,
		ses:     ses,
		msg:     msg,
		viaSMC:  payloadSize+messageHeaderBytes+smcSlotOverhead <= m.sst.lay.slotBytes,
	}
	ses.current = sb
	return sb, nil
}

// TrySendBuffer is the non-blocking form; it returns
// ErrGroupWedged while wedged and (nil, nil) when
// window credit is unavailable right now.
func (m *MulticastGroup) TrySendBuffer(sid SubgroupID, payloadSize int64, cooked bool) (sb *SendBuffer, err error) {
	ses, ok := m.sessions[sid]
	if !ok {
		return nil, ErrInvalidSubgroup
	}
	if ses.mySenderRank < 0 {
		return nil, ErrInvalidSubgroup
	}
	ses.mut.Lock()
	defer ses.mut.Unlock()
	if ses.wedged || ses.terminated {
		return nil, ErrGroupWedged
	}
	if ses.current != nil || !m.windowCreditLocked(ses) {
		return nil, nil
	}
	msg := &RDMCMessage{
		SenderID:   m.myID,
		SenderRank: ses.myShardRank,
		Index:      ses.nextIndex,
		Size:       messageHeaderBytes + payloadSize,
		Buf:        make([]byte, messageHeaderBytes+payloadSize),
		Cooked:     cooked,
	}
	ses.nextIndex++
	sb = &SendBuffer{
		Payload: msg.Buf[messageHeaderBytes:],
		m:       m,
		ses:     ses,
		msg:     msg,
		viaSMC:  payloadSize+messageHeaderBytes+smcSlotOverhead <= m.sst.lay.slotBytes,
	}
	ses.current = sb
	return sb, nil
}

// windowCreditLocked: can index ses.nextIndex go out
// now? The message window positions behind it must
// be delivered (Ordered) or received (Unordered) by
// every non-frozen shard member.
func (m *MulticastGroup) windowCreditLocked(ses *subgroupSession) bool {
	limit := ses.nextIndex - ses.window
	if limit < 0 {
		return true
	}
	// our place in the i*S+s sequence space is our
	// sender rank; senders need not sit contiguously
	// at the front of the shard.
	need := ses.seqOfIndex(limit, ses.mySenderRank)
	needIdx := limit

	ok := true
	m.sst.Read(func(rows []*SSTRow) {
		for _, member := range ses.sv.Members {
			r := m.view.RankOf(member)
			if r < 0 {
				continue
			}
			if m.sst.frozen[r] {
				continue
			}
			row := rows[r]
			if ses.mode == ModeOrdered {
				if row.DeliveredNum[int(ses.sid)] < need {
					ok = false
					return
				}
			} else {
				if row.NumReceived[ses.nrOff+ses.mySenderRank] < needIdx {
					ok = false
					return
				}
			}
		}
	})
	return ok
}

// Send commits the filled buffer: stamps the header,
// then either writes the SMC slot + generation word
// and puts the slots column, or queues the frame for
// the bulk-sender thread.
func (sb *SendBuffer) Send() (err error) {
	m := sb.m
	ses := sb.ses

	ses.mut.Lock()
	if sb.sent {
		ses.mut.Unlock()
		panicf("SendBuffer.Send called twice on sid %v index %v", ses.sid, sb.msg.Index)
	}
	sb.sent = true
	ses.current = nil

	now := time.Now().UnixNano()
	sb.msg.TsNs = uint64(now)
	encodeMessageHeader(sb.msg.Buf, sb.msg.Index, sb.msg.TsNs, sb.msg.Cooked)

	if sb.viaSMC {
		m.writeSMCSlotLocked(ses, sb.msg)
		ses.mut.Unlock()
		m.sst.Put(ColSlots)
		ses.cond.Broadcast()
		return nil
	}

	ses.pending = append(ses.pending, sb.msg)
	ses.mut.Unlock()
	ses.cond.Broadcast()

	select {
	case m.kick <- struct{}{}:
	default:
	}
	return nil
}

// writeSMCSlotLocked fills our row's slot ring entry
// for msg and bumps its generation word last, the
// order receivers depend on.
func (m *MulticastGroup) writeSMCSlotLocked(ses *subgroupSession, msg *RDMCMessage) {
	lay := m.sst.lay
	slotIdx := msg.Index % ses.window
	gen := msg.Index/ses.window + 1

	m.sst.Mutate(func(me *SSTRow) {
		base := lay.slotBase(ses.sid, slotIdx)
		slot := me.Slots[base : base+lay.slotBytes]
		binary.LittleEndian.PutUint32(slot[0:4], uint32(msg.Size))
		copy(slot[4:], msg.Buf)
		binary.LittleEndian.PutUint64(slot[lay.slotBytes-8:], uint64(gen))
	})
}

// bulkSenderLoop drains the pending-send FIFOs, one
// subgroup at a time, round-robin.
func (m *MulticastGroup) bulkSenderLoop() {
	// stable iteration order over sessions.
	var sids []SubgroupID
	for sid := range m.sessions {
		sids = append(sids, sid)
	}
	for i := 1; i < len(sids); i++ {
		for j := i; j > 0 && sids[j] < sids[j-1]; j-- {
			sids[j], sids[j-1] = sids[j-1], sids[j]
		}
	}

	for {
		sentAny := false
		for _, sid := range sids {
			ses := m.sessions[sid]
			ses.mut.Lock()
			var msg *RDMCMessage
			if len(ses.pending) > 0 {
				msg = ses.pending[0]
				ses.pending = ses.pending[1:]
			}
			bulk := ses.bulk
			ses.mut.Unlock()
			if msg == nil {
				continue
			}
			sentAny = true
			wire := maybeCompressBulk(msg.Buf, m.cfg.CompressBulkOver)
			err := bulk.Send(wire)
			if err != nil {
				// the transport does not report peer
				// failure synchronously; log and move on.
				alwaysPrintf("bulk send failed on sid %v index %v: %v", sid, msg.Index, err)
			}
			ses.mut.Lock()
			ses.cond.Broadcast()
			ses.mut.Unlock()
		}
		if sentAny {
			continue
		}
		select {
		case <-m.Halt.ReqStop.Chan:
			return
		case <-m.kick:
		}
	}
}

// timeoutLoop writes the local stability frontier
// for each local subgroup every TimeoutMs: the
// older of now and the oldest accepted-but-
// undelivered message timestamp.
func (m *MulticastGroup) timeoutLoop() {
	tick := time.NewTicker(m.cfg.timeout())
	defer tick.Stop()
	for {
		select {
		case <-m.Halt.ReqStop.Chan:
			return
		case <-tick.C:
		}
		now := time.Now().UnixNano()
		for sid, ses := range m.sessions {
			frontier := now
			ses.mut.Lock()
			for _, mp := range ses.pending {
				if ts := int64(mp.TsNs); ts != 0 && ts < frontier {
					frontier = ts
				}
			}
			for _, msg := range []*omap[int64, *RDMCMessage]{ses.stableRDMC, ses.stableSST} {
				for _, v := range msg.all() {
					if ts := int64(v.TsNs); ts != 0 && ts < frontier {
						frontier = ts
					}
				}
			}
			ses.mut.Unlock()
			sidc := int(sid)
			m.sst.Mutate(func(me *SSTRow) {
				me.Frontier[sidc] = frontier
			})
		}
		m.sst.Put(ColFrontier)
	}
}

// StabilityFrontier returns this node's local
// stability frontier for sid, and the shard-wide
// global frontier (the min over members).
func (m *MulticastGroup) StabilityFrontier(sid SubgroupID) (local, global int64, err error) {
	ses, ok := m.sessions[sid]
	if !ok {
		return 0, 0, ErrInvalidSubgroup
	}
	global = int64(^uint64(0) >> 1)
	m.sst.Read(func(rows []*SSTRow) {
		local = rows[m.sst.myRank].Frontier[int(sid)]
		for _, member := range ses.sv.Members {
			r := m.view.RankOf(member)
			if r < 0 {
				continue
			}
			if f := rows[r].Frontier[int(sid)]; f < global {
				global = f
			}
		}
	})
	return
}

// Wedge refuses all new sends; in-flight sends keep
// draining. fullyWedged() turns true once the drain
// completes.
func (m *MulticastGroup) Wedge() {
	m.wedgeMut.Lock()
	m.wedgeReq = true
	m.wedgeMut.Unlock()
	for _, ses := range m.sessions {
		ses.mut.Lock()
		ses.wedged = true
		ses.cond.Broadcast()
		ses.mut.Unlock()
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *MulticastGroup) wedgeRequested() (r bool) {
	m.wedgeMut.Lock()
	r = m.wedgeReq
	m.wedgeMut.Unlock()
	return
}

func (m *MulticastGroup) fullyWedged() bool {
	for _, ses := range m.sessions {
		ses.mut.Lock()
		busy := !ses.wedged || len(ses.pending) > 0 || ses.current != nil
		ses.mut.Unlock()
		if busy {
			return false
		}
	}
	return true
}
