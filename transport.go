package membrane

import (
	"fmt"
	"sync"
)

// The two send engines and the SST replication
// plane are opaque to the engine: everything below
// speaks these interfaces, and production
// deployments drop in their one-sided-write
// adapters. The in-process Mesh here is the
// loopback implementation, used by the tests and by
// the demo CLI the way the teacher stack exercises
// itself on an in-process network.

// BulkSender publishes one message to every member
// of a bulk group exactly once; each member's
// onComplete fires exactly once per successful send.
// Ordering across distinct senders is unspecified;
// the sequencing layer above provides it.
type BulkSender interface {
	Send(data []byte) error
}

// Transport scopes its resources by epoch (vid):
// view install attaches the next epoch's SST and
// bulk groups before the old epoch's are torn down.
type Transport interface {
	// AttachSST wires a member's SST into the epoch's
	// replication plane. apply receives peers' row
	// frames.
	AttachSST(vid int64, me NodeID, members []NodeID, apply func(frame []byte)) (RowWriter, error)
	DetachSST(vid int64, me NodeID)

	// CreateBulkGroup builds the per-shard bulk
	// multicast group. rotated member order, block
	// size and algorithm are hints for the real
	// one-sided engines; the mesh ignores them.
	CreateBulkGroup(vid int64, sid SubgroupID, me NodeID, members []NodeID,
		blockSize int64, algo SendAlgorithm,
		onComplete func(senderShardRank int, data []byte)) (BulkSender, error)
	DeleteBulkGroup(vid int64, sid SubgroupID, me NodeID)
}

// ================= in-process mesh =================

type meshSSTKey struct {
	vid int64
	id  NodeID
}

type meshBulkKey struct {
	vid int64
	sid SubgroupID
	id  NodeID
}

type meshEndpoint struct {
	members []NodeID
	apply   func(frame []byte)
}

type meshBulkMember struct {
	members    []NodeID
	onComplete func(senderShardRank int, data []byte)
}

// Mesh connects any number of in-process members.
// Bulk sends go through a per-(epoch, subgroup)
// mutex so each member observes a single total
// arrival order per group, delivered synchronously
// member by member; per-sender FIFO follows from the
// sender calling Send sequentially.
type Mesh struct {
	mut  sync.Mutex
	sst  map[meshSSTKey]*meshEndpoint
	bulk map[meshBulkKey]*meshBulkMember

	bulkOrder map[int64]*sync.Mutex // per (vid<<20|sid)

	// partitioned[a][b]: frames from a to b are dropped.
	// test hook for S4/S6 style failure injection.
	partitioned map[NodeID]map[NodeID]bool
}

func NewMesh() *Mesh {
	return &Mesh{
		sst:         make(map[meshSSTKey]*meshEndpoint),
		bulk:        make(map[meshBulkKey]*meshBulkMember),
		bulkOrder:   make(map[int64]*sync.Mutex),
		partitioned: make(map[NodeID]map[NodeID]bool),
	}
}

// Partition drops all future frames from a to b
// (one direction). Use twice for a full cut.
func (m *Mesh) Partition(a, b NodeID) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.partitioned[a] == nil {
		m.partitioned[a] = make(map[NodeID]bool)
	}
	m.partitioned[a][b] = true
}

func (m *Mesh) Heal(a, b NodeID) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.partitioned[a] != nil {
		delete(m.partitioned[a], b)
	}
}

func (m *Mesh) dropped(a, b NodeID) bool {
	if pm := m.partitioned[a]; pm != nil {
		return pm[b]
	}
	return false
}

type meshRowWriter struct {
	mesh *Mesh
	vid  int64
	me   NodeID
}

func (w *meshRowWriter) WriteRow(frame []byte) error {
	m := w.mesh
	m.mut.Lock()
	ep, ok := m.sst[meshSSTKey{vid: w.vid, id: w.me}]
	if !ok {
		m.mut.Unlock()
		return fmt.Errorf("mesh: member %v not attached at vid %v", w.me, w.vid)
	}
	type dest struct {
		id    NodeID
		apply func(frame []byte)
	}
	var dests []dest
	for _, peer := range ep.members {
		if peer == w.me {
			continue
		}
		if m.dropped(w.me, peer) {
			continue
		}
		pep, ok := m.sst[meshSSTKey{vid: w.vid, id: peer}]
		if !ok {
			// peer not up yet (or torn down); the real
			// transport would not report this either.
			continue
		}
		dests = append(dests, dest{id: peer, apply: pep.apply})
	}
	m.mut.Unlock()

	for _, d := range dests {
		d.apply(frame)
	}
	return nil
}

func (m *Mesh) AttachSST(vid int64, me NodeID, members []NodeID, apply func(frame []byte)) (RowWriter, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	key := meshSSTKey{vid: vid, id: me}
	if _, dup := m.sst[key]; dup {
		return nil, fmt.Errorf("mesh: member %v already attached at vid %v", me, vid)
	}
	m.sst[key] = &meshEndpoint{
		members: append([]NodeID(nil), members...),
		apply:   apply,
	}
	return &meshRowWriter{mesh: m, vid: vid, me: me}, nil
}

func (m *Mesh) DetachSST(vid int64, me NodeID) {
	m.mut.Lock()
	defer m.mut.Unlock()
	delete(m.sst, meshSSTKey{vid: vid, id: me})
}

type meshBulkSender struct {
	mesh *Mesh
	vid  int64
	sid  SubgroupID
	me   NodeID
	rank int // my shard rank, fixed at group creation
}

func (b *meshBulkSender) Send(data []byte) error {
	m := b.mesh

	m.mut.Lock()
	self, ok := m.bulk[meshBulkKey{vid: b.vid, sid: b.sid, id: b.me}]
	if !ok {
		m.mut.Unlock()
		return fmt.Errorf("mesh: bulk group (vid %v, sid %v) gone for %v", b.vid, b.sid, b.me)
	}
	okey := b.vid<<20 | int64(b.sid)
	order := m.bulkOrder[okey]
	if order == nil {
		order = &sync.Mutex{}
		m.bulkOrder[okey] = order
	}
	type dest struct {
		id NodeID
		mb *meshBulkMember
	}
	var dests []dest
	for _, peer := range self.members {
		if peer != b.me && m.dropped(b.me, peer) {
			continue
		}
		mb, ok := m.bulk[meshBulkKey{vid: b.vid, sid: b.sid, id: peer}]
		if !ok {
			continue
		}
		dests = append(dests, dest{id: peer, mb: mb})
	}
	m.mut.Unlock()

	// one arrival order per group; the sender is a
	// member too and completes like everyone else.
	order.Lock()
	defer order.Unlock()
	for _, d := range dests {
		d.mb.onComplete(b.rank, data)
	}
	return nil
}

func (m *Mesh) CreateBulkGroup(vid int64, sid SubgroupID, me NodeID, members []NodeID,
	blockSize int64, algo SendAlgorithm,
	onComplete func(senderShardRank int, data []byte)) (BulkSender, error) {

	_ = blockSize // hints for the one-sided engines;
	_ = algo      // the mesh delivers directly.

	rank := -1
	for i, id := range members {
		if id == me {
			rank = i
		}
	}
	if rank < 0 {
		return nil, fmt.Errorf("mesh: %v not in bulk group member list %v", me, members)
	}

	m.mut.Lock()
	defer m.mut.Unlock()
	key := meshBulkKey{vid: vid, sid: sid, id: me}
	if _, dup := m.bulk[key]; dup {
		return nil, fmt.Errorf("mesh: bulk group (vid %v, sid %v) already exists for %v", vid, sid, me)
	}
	m.bulk[key] = &meshBulkMember{
		members:    append([]NodeID(nil), members...),
		onComplete: onComplete,
	}
	return &meshBulkSender{mesh: m, vid: vid, sid: sid, me: me, rank: rank}, nil
}

func (m *Mesh) DeleteBulkGroup(vid int64, sid SubgroupID, me NodeID) {
	m.mut.Lock()
	defer m.mut.Unlock()
	delete(m.bulk, meshBulkKey{vid: vid, sid: sid, id: me})
}
