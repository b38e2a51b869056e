package membrane

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/greenpack/msgp"
	"github.com/glycerine/loquet"
)

// SSTColumn selects which column groups a Put
// replicates. A put of one's own row-slice is the
// only way state leaves a node; peer rows are
// read-only mirrors filled in by applyFrame.
type SSTColumn uint32

const (
	ColVID SSTColumn = 1 << iota
	ColSuspected
	ColWedged
	ColRip
	ColMembership // changes + joiner addrs + the four counters
	ColSeqNum
	ColDeliveredNum
	ColPersistedNum
	ColGlobalMin // includes the ready flags
	ColNumReceived
	ColSlots
	ColFrontier
	ColSync

	ColAll SSTColumn = (1 << 13) - 1
)

// sstLayout fixes the row geometry for one epoch.
// Every member computes the identical layout from
// the View and Config, the way a one-sided-write
// table requires.
type sstLayout struct {
	numMembers   int
	numSubgroups int

	// pending-changes capacity; overflow is
	// ErrPendingChangesOverflow.
	maxChanges int

	// numReceived geometry: one slot per sender per
	// subgroup, sized to the widest shard.
	nrOffset []int // per sid
	nrCount  []int // per sid
	nrSize   int

	window    int64
	slotBytes int64 // header + smc payload capacity + trailing gen word
}

func newSSTLayout(v *View, cfg *Config) (lay *sstLayout) {
	lay = &sstLayout{
		numMembers:   v.NumMembers(),
		numSubgroups: v.NumSubgroups(),
		maxChanges:   2*v.NumMembers() + 4,
		window:       cfg.WindowSize,
		slotBytes:    smcSlotOverhead + messageHeaderBytes + cfg.MaxSMCPayloadSize,
	}
	for _, shards := range v.SubgroupShardViews {
		maxSenders := 0
		for _, sv := range shards {
			if n := sv.numSenders(); n > maxSenders {
				maxSenders = n
			}
		}
		lay.nrOffset = append(lay.nrOffset, lay.nrSize)
		lay.nrCount = append(lay.nrCount, maxSenders)
		lay.nrSize += maxSenders
	}
	return
}

func (lay *sstLayout) slotsTotal() int64 {
	return int64(lay.numSubgroups) * lay.window * lay.slotBytes
}

// slotBase locates slot slotIdx of subgroup sid in
// the Slots column.
func (lay *sstLayout) slotBase(sid SubgroupID, slotIdx int64) int64 {
	return (int64(sid)*lay.window + slotIdx) * lay.slotBytes
}

// SSTRow is one member's row: integer counters and
// flags, written only by the owning node, mirrored
// everywhere else. Counter conventions: the
// per-sender and per-subgroup progress counters
// (NumReceived, SeqNum, DeliveredNum, PersistedNum)
// are "last contiguous" values that start at -1;
// the membership counters start at 0.
type SSTRow struct {
	VID       int64
	Suspected []bool
	Wedged    bool
	Rip       bool

	Changes     []NodeID
	JoinerAddrs []*MemberAddr // parallel to Changes; nil entry for a leave
	NumChanges  int64
	NumAcked    int64
	NumCommitted int64
	NumInstalled int64

	SeqNum       []int64 // per subgroup
	DeliveredNum []int64
	PersistedNum []int64

	GlobalMin      []int64 // nrSize wide
	GlobalMinReady []bool  // per subgroup

	NumReceived    []int64 // nrSize wide
	NumReceivedSST []int64

	Slots []byte

	Frontier []int64 // per subgroup, unix nanos

	SyncEpoch int64
}

func newSSTRow(lay *sstLayout, vid int64) (r *SSTRow) {
	r = &SSTRow{
		VID:            vid,
		Suspected:      make([]bool, lay.numMembers),
		SeqNum:         make([]int64, lay.numSubgroups),
		DeliveredNum:   make([]int64, lay.numSubgroups),
		PersistedNum:   make([]int64, lay.numSubgroups),
		GlobalMin:      make([]int64, lay.nrSize),
		GlobalMinReady: make([]bool, lay.numSubgroups),
		NumReceived:    make([]int64, lay.nrSize),
		NumReceivedSST: make([]int64, lay.nrSize),
		Slots:          make([]byte, lay.slotsTotal()),
		Frontier:       make([]int64, lay.numSubgroups),
	}
	for i := range r.SeqNum {
		r.SeqNum[i] = -1
		r.DeliveredNum[i] = -1
		r.PersistedNum[i] = -1
		r.Frontier[i] = time.Now().UnixNano()
	}
	for i := range r.GlobalMin {
		r.GlobalMin[i] = -1
		r.NumReceived[i] = -1
		r.NumReceivedSST[i] = -1
	}
	return
}

// RowWriter replicates a marshalled row frame to
// every peer of the epoch. Implemented by the
// transport; see transport.go.
type RowWriter interface {
	WriteRow(frame []byte) error
}

// SST is the shared state table for one epoch: one
// row per member. Local writes to our own row become
// visible to peers through the transport's one-sided
// writes; peers' puts land in our mirrors through
// applyFrame. Failure of the transport when writing
// to a peer is not reported synchronously; suspicion
// arrives through the liveness sub-protocol instead.
type SST struct {
	mut  sync.Mutex
	cond *sync.Cond

	vid     int64
	lay     *sstLayout
	members []NodeID
	myRank  int

	rows   []*SSTRow
	frozen []bool

	writer RowWriter

	closed bool
}

func newSST(v *View, cfg *Config, writer RowWriter) (s *SST) {
	lay := newSSTLayout(v, cfg)
	s = &SST{
		vid:     v.VID,
		lay:     lay,
		members: append([]NodeID(nil), v.Members...),
		myRank:  int(v.MyRank),
		frozen:  make([]bool, lay.numMembers),
		writer:  writer,
	}
	for range v.Members {
		s.rows = append(s.rows, newSSTRow(lay, v.VID))
	}
	s.cond = sync.NewCond(&s.mut)
	return
}

func (s *SST) String() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return fmt.Sprintf("SST{vid:%v, members:%v, myRank:%v}", s.vid, s.members, s.myRank)
}

// close releases waiters; the SST of a retired view
// stays readable but stops changing.
func (s *SST) close() {
	s.mut.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mut.Unlock()
}

// Mutate runs f over our own row under the table
// lock. Pair with a Put to make the change visible.
func (s *SST) Mutate(f func(me *SSTRow)) {
	s.mut.Lock()
	f(s.rows[s.myRank])
	s.mut.Unlock()
}

// Read runs f over all rows under the table lock.
// f must not write; peer rows are mirrors.
func (s *SST) Read(f func(rows []*SSTRow)) {
	s.mut.Lock()
	f(s.rows)
	s.mut.Unlock()
}

// Freeze stops accepting updates from rank's row.
// A local decision, taken after suspecting the peer;
// the frozen mirror keeps its last-seen values.
func (s *SST) Freeze(rank int) {
	s.mut.Lock()
	s.frozen[rank] = true
	s.cond.Broadcast()
	s.mut.Unlock()
}

func (s *SST) isFrozen(rank int) (r bool) {
	s.mut.Lock()
	r = s.frozen[rank]
	s.mut.Unlock()
	return
}

// Put replicates the selected column groups of our
// own row to every peer. The frame is marshalled
// under the lock and shipped outside it, so two
// members putting at each other cannot deadlock.
func (s *SST) Put(cols SSTColumn) {
	s.mut.Lock()
	frame := marshalRowFrame(s.rows[s.myRank], s.lay, cols, s.myRank)
	s.mut.Unlock()
	if s.writer != nil {
		// unreported on error: peers detect us via
		// the liveness sub-protocol, not vice versa.
		_ = s.writer.WriteRow(frame)
	}
}

// PutWithCompletion is Put plus a latch closed once
// the transport accepted the frame for every peer.
func (s *SST) PutWithCompletion(cols SSTColumn) (done *loquet.Chan[struct{}]) {
	done = loquet.NewChan[struct{}](nil)
	s.Put(cols)
	done.Close()
	return
}

// applyFrame merges a peer's put into its mirror
// row. Called by the transport receive path, never
// by the predicate thread.
func (s *SST) applyFrame(frame []byte) {
	fromRank, cols, err := peekRowFrame(frame)
	if err != nil {
		alwaysPrintf("SST.applyFrame: dropping bad frame: %v", err)
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return
	}
	if fromRank < 0 || fromRank >= len(s.rows) {
		return
	}
	if s.frozen[fromRank] {
		// read-visibility of this row's future updates
		// is suppressed after Freeze.
		return
	}
	err = unmarshalRowFrame(frame, s.rows[fromRank], s.lay, cols)
	if err != nil {
		alwaysPrintf("SST.applyFrame: dropping torn frame from rank %v: %v", fromRank, err)
		return
	}
	s.cond.Broadcast()
}

// SyncWithMembers is a barrier: it returns once
// every live target row shows a sync bump at least
// as fresh as ours. indices selects target ranks;
// nil means every non-frozen row. The frame is
// re-put periodically, because a peer that attaches
// to the epoch after our first write would otherwise
// never see it.
func (s *SST) SyncWithMembers(indices ...int) {
	s.mut.Lock()
	me := s.rows[s.myRank]
	me.SyncEpoch++
	want := me.SyncEpoch
	frame := marshalRowFrame(me, s.lay, ColSync, s.myRank)
	s.mut.Unlock()

	targets := indices
	if len(targets) == 0 {
		for i := range s.members {
			targets = append(targets, i)
		}
	}

	for i := 0; ; i++ {
		if i%20 == 0 && s.writer != nil {
			_ = s.writer.WriteRow(frame)
		}
		ok := true
		s.mut.Lock()
		if s.closed {
			s.mut.Unlock()
			return
		}
		for _, t := range targets {
			if t == s.myRank || s.frozen[t] {
				continue
			}
			if s.rows[t].SyncEpoch < want {
				ok = false
				break
			}
		}
		s.mut.Unlock()
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// waitUntil blocks on the table condvar until cond
// holds (evaluated under the lock) or the SST is
// closed. Returns false on close.
func (s *SST) waitUntil(cond func(rows []*SSTRow, frozen []bool) bool) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	for !s.closed {
		if cond(s.rows, s.frozen) {
			return true
		}
		s.cond.Wait()
	}
	return false
}

// ================= row frame wire format =================
//
// frame := fromRank int32, cols uint32, then each
// selected column group in ColVID..ColSync order.

func peekRowFrame(frame []byte) (fromRank int, cols SSTColumn, err error) {
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	var r32 int32
	o := frame
	r32, o, err = nbs.ReadInt32Bytes(o)
	if err != nil {
		return
	}
	var c uint32
	c, _, err = nbs.ReadUint32Bytes(o)
	if err != nil {
		return
	}
	return int(r32), SSTColumn(c), nil
}

func marshalRowFrame(row *SSTRow, lay *sstLayout, cols SSTColumn, fromRank int) (o []byte) {
	o = msgp.AppendInt32(nil, int32(fromRank))
	o = msgp.AppendUint32(o, uint32(cols))

	if cols&ColVID != 0 {
		o = msgp.AppendInt64(o, row.VID)
	}
	if cols&ColSuspected != 0 {
		o = msgp.AppendArrayHeader(o, uint32(len(row.Suspected)))
		for _, b := range row.Suspected {
			o = msgp.AppendBool(o, b)
		}
	}
	if cols&ColWedged != 0 {
		o = msgp.AppendBool(o, row.Wedged)
	}
	if cols&ColRip != 0 {
		o = msgp.AppendBool(o, row.Rip)
	}
	if cols&ColMembership != 0 {
		o = msgp.AppendArrayHeader(o, uint32(len(row.Changes)))
		for i, id := range row.Changes {
			o = msgp.AppendUint32(o, uint32(id))
			if row.JoinerAddrs[i] == nil {
				o = msgp.AppendBool(o, false)
			} else {
				o = msgp.AppendBool(o, true)
				o, _ = row.JoinerAddrs[i].MarshalMsg(o)
			}
		}
		o = msgp.AppendInt64(o, row.NumChanges)
		o = msgp.AppendInt64(o, row.NumAcked)
		o = msgp.AppendInt64(o, row.NumCommitted)
		o = msgp.AppendInt64(o, row.NumInstalled)
	}
	if cols&ColSeqNum != 0 {
		o = appendInt64s(o, row.SeqNum)
	}
	if cols&ColDeliveredNum != 0 {
		o = appendInt64s(o, row.DeliveredNum)
	}
	if cols&ColPersistedNum != 0 {
		o = appendInt64s(o, row.PersistedNum)
	}
	if cols&ColGlobalMin != 0 {
		o = appendInt64s(o, row.GlobalMin)
		o = msgp.AppendArrayHeader(o, uint32(len(row.GlobalMinReady)))
		for _, b := range row.GlobalMinReady {
			o = msgp.AppendBool(o, b)
		}
	}
	if cols&ColNumReceived != 0 {
		o = appendInt64s(o, row.NumReceived)
		o = appendInt64s(o, row.NumReceivedSST)
	}
	if cols&ColSlots != 0 {
		o = msgp.AppendBytes(o, row.Slots)
	}
	if cols&ColFrontier != 0 {
		o = appendInt64s(o, row.Frontier)
	}
	if cols&ColSync != 0 {
		o = msgp.AppendInt64(o, row.SyncEpoch)
	}
	return
}

func unmarshalRowFrame(frame []byte, row *SSTRow, lay *sstLayout, cols SSTColumn) (err error) {
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	o := frame
	_, o, err = nbs.ReadInt32Bytes(o)
	if err != nil {
		return
	}
	_, o, err = nbs.ReadUint32Bytes(o)
	if err != nil {
		return
	}

	if cols&ColVID != 0 {
		row.VID, o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
	}
	if cols&ColSuspected != 0 {
		var n uint32
		n, o, err = nbs.ReadArrayHeaderBytes(o)
		if err != nil {
			return
		}
		if int(n) != len(row.Suspected) {
			return fmt.Errorf("suspected width %v != %v", n, len(row.Suspected))
		}
		for i := range row.Suspected {
			row.Suspected[i], o, err = nbs.ReadBoolBytes(o)
			if err != nil {
				return
			}
		}
	}
	if cols&ColWedged != 0 {
		row.Wedged, o, err = nbs.ReadBoolBytes(o)
		if err != nil {
			return
		}
	}
	if cols&ColRip != 0 {
		row.Rip, o, err = nbs.ReadBoolBytes(o)
		if err != nil {
			return
		}
	}
	if cols&ColMembership != 0 {
		var n uint32
		n, o, err = nbs.ReadArrayHeaderBytes(o)
		if err != nil {
			return
		}
		row.Changes = make([]NodeID, n)
		row.JoinerAddrs = make([]*MemberAddr, n)
		for i := uint32(0); i < n; i++ {
			var u uint32
			u, o, err = nbs.ReadUint32Bytes(o)
			if err != nil {
				return
			}
			row.Changes[i] = NodeID(u)
			var has bool
			has, o, err = nbs.ReadBoolBytes(o)
			if err != nil {
				return
			}
			if has {
				row.JoinerAddrs[i] = &MemberAddr{}
				o, err = row.JoinerAddrs[i].UnmarshalMsg(o)
				if err != nil {
					return
				}
			}
		}
		row.NumChanges, o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
		row.NumAcked, o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
		row.NumCommitted, o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
		row.NumInstalled, o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
	}
	if cols&ColSeqNum != 0 {
		o, err = readInt64sInto(o, row.SeqNum)
		if err != nil {
			return
		}
	}
	if cols&ColDeliveredNum != 0 {
		o, err = readInt64sInto(o, row.DeliveredNum)
		if err != nil {
			return
		}
	}
	if cols&ColPersistedNum != 0 {
		o, err = readInt64sInto(o, row.PersistedNum)
		if err != nil {
			return
		}
	}
	if cols&ColGlobalMin != 0 {
		o, err = readInt64sInto(o, row.GlobalMin)
		if err != nil {
			return
		}
		var n uint32
		n, o, err = nbs.ReadArrayHeaderBytes(o)
		if err != nil {
			return
		}
		if int(n) != len(row.GlobalMinReady) {
			return fmt.Errorf("globalMinReady width %v != %v", n, len(row.GlobalMinReady))
		}
		for i := range row.GlobalMinReady {
			row.GlobalMinReady[i], o, err = nbs.ReadBoolBytes(o)
			if err != nil {
				return
			}
		}
	}
	if cols&ColNumReceived != 0 {
		o, err = readInt64sInto(o, row.NumReceived)
		if err != nil {
			return
		}
		o, err = readInt64sInto(o, row.NumReceivedSST)
		if err != nil {
			return
		}
	}
	if cols&ColSlots != 0 {
		var by []byte
		by, o, err = nbs.ReadBytesBytes(o, nil)
		if err != nil {
			return
		}
		if len(by) != len(row.Slots) {
			return fmt.Errorf("slots width %v != %v", len(by), len(row.Slots))
		}
		copy(row.Slots, by)
	}
	if cols&ColFrontier != 0 {
		o, err = readInt64sInto(o, row.Frontier)
		if err != nil {
			return
		}
	}
	if cols&ColSync != 0 {
		row.SyncEpoch, o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
	}
	return nil
}

func appendInt64s(o []byte, vals []int64) []byte {
	o = msgp.AppendArrayHeader(o, uint32(len(vals)))
	for _, v := range vals {
		o = msgp.AppendInt64(o, v)
	}
	return o
}

func readInt64sInto(b []byte, dest []int64) (o []byte, err error) {
	o = b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	var n uint32
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	if int(n) != len(dest) {
		return o, fmt.Errorf("int64 column width %v != %v", n, len(dest))
	}
	for i := range dest {
		dest[i], o, err = nbs.ReadInt64Bytes(o)
		if err != nil {
			return
		}
	}
	return
}
