package membrane

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// The view manager runs the leader-driven membership
// protocol over the SST:
//
//	suspect -> propose -> acknowledge -> commit ->
//	meta-wedge -> terminate epoch (ragged cleanup,
//	persistence barrier) -> install
//
// Leadership is positional: the lowest-rank
// non-failed member of the current view leads.
// Everything below runs as predicates on the
// epoch's evaluator thread, except the TCP accept
// loop and the retired-view cleaner, which are their
// own threads feeding the evaluator through locked
// queues.

type pendingJoiner struct {
	id   NodeID
	addr *MemberAddr
	conn net.Conn
}

type retiredView struct {
	view *View
	sst  *SST
	eng  *PredicateEngine
	mg   *MulticastGroup
}

type ViewManager struct {
	cfg   *Config
	me    NodeID
	reg   *TypeRegistry
	alloc SubgroupAllocator
	hooks *DeliveryHooks
	trans Transport

	persist *statePersistor

	viewMut sync.RWMutex
	curView *View
	sst     *SST
	eng     *PredicateEngine
	mg      *MulticastGroup

	// per-epoch local bookkeeping; only the
	// evaluator thread writes these.
	localFailed       []bool
	handledSuspicions []bool
	terminating       bool

	// commit count we already found inadequate, so
	// the meta-wedge predicate stops hot-looping
	// until more changes commit.
	waitingProvisionAt int64

	// listener -> evaluator handoff.
	connMut      sync.Mutex
	pendingConns []net.Conn

	// accepted joiners awaiting a committed view.
	joiners []*pendingJoiner

	listener net.Listener

	retiredCh chan *retiredView

	upcallMut sync.Mutex
	upcalls   []func(prev, next *View)

	// OnFatal fires on PartitionDetected and other
	// die-now conditions. Defaults to panicking.
	OnFatal func(err error)

	restartMode bool
	restart     *restartState

	Halt *idem.Halter
}

func newViewManager(cfg *Config, reg *TypeRegistry, alloc SubgroupAllocator,
	hooks *DeliveryHooks, trans Transport, persist *statePersistor) (vm *ViewManager) {

	vm = &ViewManager{
		cfg:       cfg,
		me:        NodeID(cfg.LocalID),
		reg:       reg,
		alloc:     alloc,
		hooks:     hooks,
		trans:     trans,
		persist:   persist,
		retiredCh: make(chan *retiredView, 8),
		Halt:      idem.NewHalter(),
		OnFatal: func(err error) {
			panic(err)
		},
	}
	return
}

// RegisterViewUpcall adds f to the set called after
// every install, old view first.
func (vm *ViewManager) RegisterViewUpcall(f func(prev, next *View)) {
	vm.upcallMut.Lock()
	vm.upcalls = append(vm.upcalls, f)
	vm.upcallMut.Unlock()
}

// CurrentView returns the installed view under the
// shared lock.
func (vm *ViewManager) CurrentView() (v *View) {
	vm.viewMut.RLock()
	v = vm.curView
	vm.viewMut.RUnlock()
	return
}

// start brings the node up: total restart if a saved
// View exists, else bootstrap-alone or join.
func (vm *ViewManager) start() (err error) {
	go vm.cleanerLoop()

	// the listener comes up first so our real
	// (possibly ephemeral) gms port is known before
	// it lands in any View or join handshake;
	// redirects dial it later.
	err = vm.startListener()
	if err != nil {
		return err
	}

	saved, err := vm.persist.loadView()
	if err != nil {
		return err
	}
	if saved != nil {
		return vm.startTotalRestart(saved)
	}

	if vm.cfg.bootstrappingAlone() {
		v := &View{
			VID:     0,
			Members: []NodeID{vm.me},
			Addrs:   []*MemberAddr{vm.cfg.myAddr()},
			Failed:  []bool{false},
			Joined:  []NodeID{vm.me},
		}
		vm.runAllocator(nil, v)
		v.computeLocalFields(vm.me)
		return vm.installView(nil, v)
	}

	// joiner path: dial the leader, follow
	// redirects, wait for the committed view.
	conn, code, err := joinGroup(vm.cfg)
	if err != nil {
		return err
	}
	if code == joinTotalRestart {
		return vm.joinTotalRestart(conn)
	}
	v, params, osl, err := awaitShippedView(conn)
	conn.Close()
	if err != nil {
		return err
	}
	_ = osl // consumed by the state-transfer layer.
	params.applyTo(vm.cfg)
	v.computeLocalFields(vm.me)
	return vm.installView(nil, v)
}

// runAllocator invokes the application's allocator,
// treating provisioning failure as "inadequate", any
// other error as fatal config trouble.
func (vm *ViewManager) runAllocator(prev, next *View) {
	var typeOrder []TypeID
	if vm.reg != nil {
		typeOrder = vm.reg.Order()
	}
	err := vm.alloc(typeOrder, prev, next)
	if err == ErrSubgroupProvisioning {
		next.IsAdequatelyProvisioned = false
		next.SubgroupShardViews = nil
		next.SubgroupIDsByTypeID = make(map[TypeID][]SubgroupID)
		return
	}
	panicOn(err)
}

// ================= threads =================

func (vm *ViewManager) startListener() (err error) {
	if vm.listener != nil {
		return nil
	}
	addr := fmt.Sprintf("%v:%v", vm.cfg.LocalIP, vm.cfg.GmsPort)
	vm.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("membership listener on '%v': %v", addr, err)
	}
	if vm.cfg.GmsPort == 0 {
		// ephemeral port: record what we got.
		vm.cfg.GmsPort = uint16(vm.listener.Addr().(*net.TCPAddr).Port)
	}
	go vm.listenerLoop()
	return nil
}

// listenerLoop blocks in accept and hands sockets to
// the predicate engine through the locked queue.
func (vm *ViewManager) listenerLoop() {
	for {
		conn, err := vm.listener.Accept()
		if err != nil {
			select {
			case <-vm.Halt.ReqStop.Chan:
				return
			default:
			}
			alwaysPrintf("membership accept error: %v", err)
			return
		}
		vm.connMut.Lock()
		vm.pendingConns = append(vm.pendingConns, conn)
		vm.connMut.Unlock()
	}
}

// cleanerLoop drops retired views off the predicate
// thread; large receive buffers die here.
func (vm *ViewManager) cleanerLoop() {
	for {
		select {
		case <-vm.Halt.ReqStop.Chan:
			return
		case rv := <-vm.retiredCh:
			<-rv.eng.Halt.Done.Chan
			rv.mg.stop()
			rv.sst.close()
			vm.trans.DetachSST(rv.view.VID, vm.me)
			for sid := range rv.mg.sessions {
				vm.trans.DeleteBulkGroup(rv.view.VID, sid, vm.me)
			}
		}
	}
}

// ================= epoch install =================

// installView swaps in the next epoch: fresh SST,
// fresh predicate engine, fresh multicast group; the
// old trio retires to the cleaner. The exclusive
// view lock covers the swap only; the protocol work
// happened before we got here.
func (vm *ViewManager) installView(prev, next *View) (err error) {

	sst := newSST(next, vm.cfg, nil)
	var writer RowWriter
	writer, err = vm.trans.AttachSST(next.VID, vm.me, next.Members, sst.applyFrame)
	if err != nil {
		return err
	}
	sst.writer = writer

	eng := newPredicateEngine(sst)
	mg, err := newMulticastGroup(vm.cfg, next, sst, eng, vm.trans, vm.hooks, vm.reg, vm.me)
	if err != nil {
		return err
	}

	vm.viewMut.Lock()
	old := &retiredView{view: vm.curView, sst: vm.sst, eng: vm.eng, mg: vm.mg}
	vm.curView = next
	vm.sst = sst
	vm.eng = eng
	vm.mg = mg
	vm.localFailed = make([]bool, next.NumMembers())
	vm.handledSuspicions = make([]bool, next.NumMembers())
	vm.terminating = false
	vm.viewMut.Unlock()

	// drop joiners who made it into the view.
	var still []*pendingJoiner
	for _, pj := range vm.joiners {
		if next.RankOf(pj.id) < 0 {
			still = append(still, pj)
		}
	}
	vm.joiners = still

	vm.registerProtocolPredicates(eng)
	eng.start()
	mg.start()

	if vm.reg != nil && vm.reg.AnyPersistent() {
		// the new view must be on disk before use.
		err = vm.persist.saveView(next)
		if err != nil {
			return err
		}
	}

	vm.upcallMut.Lock()
	ups := append(([]func(prev, next *View))(nil), vm.upcalls...)
	vm.upcallMut.Unlock()
	for _, f := range ups {
		f(prev, next)
	}

	// publish our installed state and make sure
	// everyone sees identical starting counters.
	sst.Mutate(func(me *SSTRow) {
		me.VID = next.VID
		me.NumInstalled = 0
	})
	sst.Put(ColAll)
	go func() {
		// the barrier completes as peers install; do
		// not stall the caller (often the previous
		// epoch's evaluator) on it.
		sst.SyncWithMembers()
	}()

	if prev != nil {
		// ask the old evaluator to wind down; the
		// cleaner waits for it and frees the rest.
		old.eng.Halt.ReqStop.Close()
		select {
		case vm.retiredCh <- old:
		default:
			// queue full: hand off from a goroutine
			// rather than drop.
			go func() {
				vm.retiredCh <- old
			}()
		}
	}
	return nil
}

// ================= protocol predicates =================

// registerProtocolPredicates binds the membership
// predicates to one epoch. The guard pins them to
// the view that registered them: after an install,
// the retiring evaluator may still finish its pass,
// and its predicates must not touch the next
// epoch's state.
func (vm *ViewManager) registerProtocolPredicates(eng *PredicateEngine) {
	view := vm.curView
	gp := func(pred func(sst *SST) bool) func(sst *SST) bool {
		return func(sst *SST) bool {
			if vm.CurrentView() != view {
				return false
			}
			return pred(sst)
		}
	}
	gt := func(trig func(sst *SST)) func(sst *SST) {
		return func(sst *SST) {
			if vm.CurrentView() != view {
				return
			}
			trig(sst)
		}
	}
	eng.Register("suspicion", gp(vm.suspicionPred), gt(vm.suspicionTrigger), RecurrentPredicate)
	eng.Register("join-socket", gp(vm.joinSocketPred), gt(vm.joinSocketTrigger), RecurrentPredicate)
	eng.Register("propose-joins", gp(vm.proposeJoinsPred), gt(vm.proposeJoinsTrigger), RecurrentPredicate)
	eng.Register("follower-ack", gp(vm.ackPred), gt(vm.ackTrigger), RecurrentPredicate)
	eng.Register("leader-commit", gp(vm.commitPred), gt(vm.commitTrigger), RecurrentPredicate)
	eng.Register("wedge-flag", gp(vm.wedgeFlagPred), gt(vm.wedgeFlagTrigger), RecurrentPredicate)
	eng.Register("meta-wedge", gp(vm.metaWedgePred), gt(vm.metaWedgeTrigger), RecurrentPredicate)
}

// leaderRank: lowest rank not locally failed.
func (vm *ViewManager) leaderRank() int {
	for i := range vm.curView.Members {
		if !vm.localFailed[i] {
			return i
		}
	}
	return -1
}

func (vm *ViewManager) iAmLeader() bool {
	return vm.leaderRank() == int(vm.curView.MyRank)
}

// ---- 1. suspicion ----

func (vm *ViewManager) suspicionPred(sst *SST) bool {
	fire := false
	sst.Read(func(rows []*SSTRow) {
		for q := range vm.curView.Members {
			if vm.handledSuspicions[q] {
				continue
			}
			for _, row := range rows {
				if row.Suspected[q] {
					fire = true
					return
				}
			}
		}
	})
	return fire
}

func (vm *ViewManager) suspicionTrigger(sst *SST) {
	var fresh []int
	sst.Read(func(rows []*SSTRow) {
		for q := range vm.curView.Members {
			if vm.handledSuspicions[q] {
				continue
			}
			for _, row := range rows {
				if row.Suspected[q] {
					fresh = append(fresh, q)
					break
				}
			}
		}
	})
	if len(fresh) == 0 {
		return
	}
	for _, q := range fresh {
		vm.handledSuspicions[q] = true
		vm.localFailed[q] = true
		vv("%v: member %v (rank %v) suspected; freezing and wedging", vm.me, vm.curView.Members[q], q)
		sst.Freeze(q)
	}

	vm.mg.Wedge()

	sst.Mutate(func(me *SSTRow) {
		for _, q := range fresh {
			me.Suspected[q] = true
		}
	})

	// partition safety: failed - rip >= ceil((n - rip + 1)/2)
	numFailed, numRip := 0, 0
	sst.Read(func(rows []*SSTRow) {
		for q := range vm.curView.Members {
			if vm.localFailed[q] {
				numFailed++
				if rows[q].Rip {
					numRip++
				}
			}
		}
	})
	n := vm.curView.NumMembers()
	if numFailed-numRip >= (n-numRip+2)/2 {
		sst.Put(ColSuspected)
		vm.OnFatal(ErrPartitionDetected)
		return
	}

	if vm.iAmLeader() {
		sst.Mutate(func(me *SSTRow) {
			for _, q := range fresh {
				id := vm.curView.Members[q]
				if changeListed(me.Changes, id) {
					continue
				}
				if len(me.Changes) >= sst.lay.maxChanges {
					vm.OnFatal(ErrPendingChangesOverflow)
					return
				}
				me.Changes = append(me.Changes, id)
				me.JoinerAddrs = append(me.JoinerAddrs, nil)
				me.NumChanges++
				me.NumAcked = me.NumChanges
			}
		})
		sst.Put(ColSuspected | ColMembership)
	} else {
		sst.Put(ColSuspected)
	}
}

func changeListed(changes []NodeID, id NodeID) bool {
	for _, c := range changes {
		if c == id {
			return true
		}
	}
	return false
}

// ---- 2. join socket handshake ----

func (vm *ViewManager) joinSocketPred(sst *SST) bool {
	vm.connMut.Lock()
	n := len(vm.pendingConns)
	vm.connMut.Unlock()
	return n > 0
}

func (vm *ViewManager) joinSocketTrigger(sst *SST) {
	vm.connMut.Lock()
	conns := vm.pendingConns
	vm.pendingConns = nil
	vm.connMut.Unlock()

	for _, conn := range conns {
		vm.handleJoinConn(conn)
	}
}

func (vm *ViewManager) handleJoinConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetDeadline(time.Time{})

	joinerID, err := readU32(conn)
	if err != nil {
		conn.Close()
		return
	}

	if vm.restartMode {
		vm.handleRestartConn(conn, NodeID(joinerID))
		return
	}

	leaderRank := vm.leaderRank()
	myID := uint32(vm.me)

	if !vm.iAmLeader() {
		// redirect to whoever leads now.
		la := vm.curView.Addrs[leaderRank]
		writeU8(conn, joinLeaderRedirect)
		writeU32(conn, uint32(vm.curView.Members[leaderRank]))
		writeBlob(conn, []byte(la.IP))
		writeU16(conn, la.GmsPort)
		conn.Close()
		return
	}

	if vm.curView.RankOf(NodeID(joinerID)) >= 0 || vm.joinerPending(NodeID(joinerID)) {
		writeU8(conn, joinIDInUse)
		writeU32(conn, myID)
		conn.Close()
		return
	}

	if err = writeU8(conn, joinOK); err != nil {
		conn.Close()
		return
	}
	if err = writeU32(conn, myID); err != nil {
		conn.Close()
		return
	}
	var ports [4]uint16
	for i := range ports {
		ports[i], err = readU16(conn)
		if err != nil {
			conn.Close()
			return
		}
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	vm.joiners = append(vm.joiners, &pendingJoiner{
		id: NodeID(joinerID),
		addr: &MemberAddr{
			IP:       host,
			GmsPort:  ports[0],
			RpcPort:  ports[1],
			SstPort:  ports[2],
			RdmcPort: ports[3],
		},
		conn: conn,
	})
	vv("%v: accepted joiner %v at %v", vm.me, joinerID, host)
}

func (vm *ViewManager) joinerPending(id NodeID) bool {
	for _, pj := range vm.joiners {
		if pj.id == id {
			return true
		}
	}
	return false
}

// ---- 2b. propose accepted joiners ----

func (vm *ViewManager) proposeJoinsPred(sst *SST) bool {
	if !vm.iAmLeader() || len(vm.joiners) == 0 {
		return false
	}
	fire := false
	sst.Read(func(rows []*SSTRow) {
		me := rows[int(vm.curView.MyRank)]
		for _, pj := range vm.joiners {
			if !changeListed(me.Changes, pj.id) {
				fire = true
				return
			}
		}
	})
	return fire
}

func (vm *ViewManager) proposeJoinsTrigger(sst *SST) {
	overflow := false
	sst.Mutate(func(me *SSTRow) {
		for _, pj := range vm.joiners {
			if changeListed(me.Changes, pj.id) {
				continue
			}
			if len(me.Changes) >= sst.lay.maxChanges {
				overflow = true
				return
			}
			me.Changes = append(me.Changes, pj.id)
			me.JoinerAddrs = append(me.JoinerAddrs, pj.addr)
			me.NumChanges++
			me.NumAcked = me.NumChanges
		}
	})
	if overflow {
		// back-pressure: leave the rest pending until
		// the next view drains the array.
		alwaysPrintf("%v: pending changes full; deferring further joins", vm.me)
	}
	sst.Put(ColMembership)
}

// ---- 3. follower acknowledge ----

func (vm *ViewManager) ackPred(sst *SST) bool {
	lr := vm.leaderRank()
	if lr < 0 || lr == int(vm.curView.MyRank) {
		return false
	}
	fire := false
	sst.Read(func(rows []*SSTRow) {
		fire = rows[lr].NumChanges > rows[int(vm.curView.MyRank)].NumAcked
	})
	return fire
}

func (vm *ViewManager) ackTrigger(sst *SST) {
	lr := vm.leaderRank()
	if lr < 0 {
		return
	}
	var nc, committed int64
	var changes []NodeID
	var addrs []*MemberAddr
	sst.Read(func(rows []*SSTRow) {
		leader := rows[lr]
		nc = leader.NumChanges
		committed = leader.NumCommitted
		changes = append([]NodeID(nil), leader.Changes...)
		for _, a := range leader.JoinerAddrs {
			if a == nil {
				addrs = append(addrs, nil)
			} else {
				a2 := *a
				addrs = append(addrs, &a2)
			}
		}
	})
	sst.Mutate(func(me *SSTRow) {
		me.Changes = changes
		me.JoinerAddrs = addrs
		me.NumChanges = nc
		me.NumAcked = nc
		if committed > me.NumCommitted {
			me.NumCommitted = committed
		}
	})
	// wedge this view's multicast group: the epoch
	// is ending.
	vm.mg.Wedge()
	sst.Put(ColMembership)
	vv("%v: acked %v changes from leader rank %v", vm.me, nc, lr)
}

// ---- 4. leader commit ----

func (vm *ViewManager) commitPred(sst *SST) bool {
	if !vm.iAmLeader() {
		return false
	}
	fire := false
	sst.Read(func(rows []*SSTRow) {
		me := rows[int(vm.curView.MyRank)]
		if me.NumChanges == 0 {
			return
		}
		minAcked := me.NumChanges
		for q := range vm.curView.Members {
			if vm.localFailed[q] {
				continue
			}
			if rows[q].NumAcked < minAcked {
				minAcked = rows[q].NumAcked
			}
		}
		fire = minAcked > me.NumCommitted
	})
	return fire
}

func (vm *ViewManager) commitTrigger(sst *SST) {
	var minAcked int64
	sst.Read(func(rows []*SSTRow) {
		me := rows[int(vm.curView.MyRank)]
		minAcked = me.NumChanges
		for q := range vm.curView.Members {
			if vm.localFailed[q] {
				continue
			}
			if rows[q].NumAcked < minAcked {
				minAcked = rows[q].NumAcked
			}
		}
	})
	vm.mg.Wedge()
	sst.Mutate(func(me *SSTRow) {
		if minAcked > me.NumCommitted {
			me.NumCommitted = minAcked
		}
	})
	sst.Put(ColMembership)
	vv("%v: committed %v changes", vm.me, minAcked)
}

// ---- 5a. wedged flag: set once the drain finishes ----

func (vm *ViewManager) wedgeFlagPred(sst *SST) bool {
	if !vm.mg.wedgeRequested() || !vm.mg.fullyWedged() {
		return false
	}
	fire := false
	sst.Read(func(rows []*SSTRow) {
		fire = !rows[int(vm.curView.MyRank)].Wedged
	})
	return fire
}

func (vm *ViewManager) wedgeFlagTrigger(sst *SST) {
	sst.Mutate(func(me *SSTRow) {
		me.Wedged = true
	})
	sst.Put(ColWedged)
	vv("%v: wedged (drain complete)", vm.me)
}

// ---- 5b. meta-wedge ----

func (vm *ViewManager) metaWedgePred(sst *SST) bool {
	if vm.terminating {
		return false
	}
	lr := vm.leaderRank()
	if lr < 0 {
		return false
	}
	fire := false
	sst.Read(func(rows []*SSTRow) {
		me := rows[int(vm.curView.MyRank)]
		if rows[lr].NumCommitted <= me.NumInstalled {
			return
		}
		if vm.waitingProvisionAt != 0 &&
			rows[lr].NumCommitted <= vm.waitingProvisionAt {
			return
		}
		// wait until every non-failed member reports
		// wedged.
		for q := range vm.curView.Members {
			if vm.localFailed[q] {
				continue
			}
			if !rows[q].Wedged {
				return
			}
		}
		fire = true
	})
	return fire
}

func (vm *ViewManager) metaWedgeTrigger(sst *SST) {
	vm.terminating = true
	vm.mg.Wedge() // idempotent; late wedge for the leader itself
	vm.terminateEpoch(sst)
}

// ================= epoch termination =================

// terminateEpoch runs on the evaluator thread once
// the whole group is wedged: compute the next view,
// check adequacy, drain the small-message path,
// flush and barrier the SST, run ragged-edge
// cleanup, wait for persistence, and install.
func (vm *ViewManager) terminateEpoch(sst *SST) {
	lr := vm.leaderRank()
	cur := vm.curView

	var committed int64
	var changes []NodeID
	var addrs []*MemberAddr
	sst.Read(func(rows []*SSTRow) {
		committed = rows[lr].NumCommitted
		changes = append([]NodeID(nil), rows[lr].Changes...)
		addrs = append([]*MemberAddr(nil), rows[lr].JoinerAddrs...)
	})
	if committed > int64(len(changes)) {
		committed = int64(len(changes))
	}

	next := vm.composeNextView(cur, changes[:committed], addrs[:committed])
	vm.runAllocator(cur, next)
	next.computeLocalFields(vm.me)

	if !next.IsAdequatelyProvisioned {
		vv("%v: next view %v inadequately provisioned; waiting for more joins", vm.me, next.VID)
		// stay wedged; watch for further committed
		// changes and retry.
		vm.waitingProvisionAt = committed
		vm.terminating = false
		return
	}
	vm.waitingProvisionAt = 0

	// drain the small-message receive predicate so
	// every slot written before the wedge is counted,
	// then make all counters identical everywhere.
	vm.eng.drain()
	<-vm.sst.PutWithCompletion(ColAll).WhenClosed()
	live := vm.liveRanks()
	sst.SyncWithMembers(live...)

	// ragged-edge cleanup, shard by shard.
	var trims []*RaggedTrim
	for _, ses := range vm.mg.sessions {
		trim := vm.mg.raggedEdgeCleanup(ses, vm.localFailed)
		if trim != nil {
			trims = append(trims, trim)
		}
	}
	if vm.reg != nil && vm.reg.AnyPersistent() {
		for _, t := range trims {
			panicOn(vm.persist.saveRaggedTrim(t))
		}
		vm.persistenceBarrier(sst)
	}

	// all survivors have identical final counters;
	// bump installed and go.
	sst.Mutate(func(me *SSTRow) {
		me.NumInstalled = committed
	})
	sst.Put(ColMembership)

	if next.RankOf(vm.me) < 0 {
		// we are the one departing (clean leave): the
		// epoch is terminated, the survivors install
		// without us, and Leave() tears us down.
		vv("%v: departing in view %v; not installing", vm.me, next.VID)
		return
	}

	vm.shipToJoinersAndInstall(cur, next)
}

// composeNextView applies the committed changes: a
// listed id already in the view leaves; a new id
// joins at the tail with its reported endpoints.
func (vm *ViewManager) composeNextView(cur *View, changes []NodeID, addrs []*MemberAddr) (next *View) {
	leaving := make(map[NodeID]bool)
	for _, id := range changes {
		if cur.RankOf(id) >= 0 {
			leaving[id] = true
		}
	}
	next = &View{
		VID: cur.VID + 1,
	}
	for i, id := range cur.Members {
		if leaving[id] {
			next.Departed = append(next.Departed, id)
			continue
		}
		next.Members = append(next.Members, id)
		a := *cur.Addrs[i]
		next.Addrs = append(next.Addrs, &a)
	}
	for i, id := range changes {
		if leaving[id] || next.RankOf(id) >= 0 {
			continue
		}
		next.Members = append(next.Members, id)
		next.Addrs = append(next.Addrs, addrs[i])
		next.Joined = append(next.Joined, id)
	}
	next.Failed = make([]bool, len(next.Members))
	return
}

func (vm *ViewManager) liveRanks() (live []int) {
	for q := range vm.curView.Members {
		if !vm.localFailed[q] {
			live = append(live, q)
		}
	}
	return
}

// persistenceBarrier waits until every non-failed
// shard member has persisted through the final
// delivered seq of the terminated epoch.
func (vm *ViewManager) persistenceBarrier(sst *SST) {
	for _, ses := range vm.mg.sessions {
		if !ses.persistent {
			continue
		}
		ses.mut.Lock()
		final := ses.delivered
		ses.mut.Unlock()
		if final < 0 {
			continue
		}
		sid := int(ses.sid)
		sst.waitUntil(func(rows []*SSTRow, frozen []bool) bool {
			for _, member := range ses.sv.Members {
				r := vm.curView.RankOf(member)
				if r < 0 || vm.localFailed[r] || frozen[r] {
					continue
				}
				if rows[r].PersistedNum[sid] < final {
					return false
				}
			}
			return true
		})
	}
}

// shipToJoinersAndInstall sends the committed view to
// every accepted joiner over its join socket, then
// swaps epochs. A joiner that dies mid-ship gets cut
// from the view; survivors receive the recomputed
// candidate after a confirmed=false abort marker.
func (vm *ViewManager) shipToJoinersAndInstall(cur, next *View) {
	params := paramsFromConfig(vm.cfg)
	osl := vm.oldShardLeaders(cur)

	if vm.iAmLeader() {
		for attempt := 0; attempt < len(vm.joiners)+1; attempt++ {
			var failed *pendingJoiner
			for _, pj := range vm.joiners {
				if next.RankOf(pj.id) < 0 {
					continue
				}
				err := shipViewToJoiner(pj.conn, next, params, true, osl)
				if err != nil {
					alwaysPrintf("%v: joiner %v died during view shipment: %v", vm.me, pj.id, err)
					failed = pj
					break
				}
			}
			if failed == nil {
				break
			}
			// rebuild without the failed joiner and tell
			// the pre-accepted survivors to abort the
			// prior candidate.
			failed.conn.Close()
			var keep []*pendingJoiner
			for _, pj := range vm.joiners {
				if pj != failed {
					keep = append(keep, pj)
				}
			}
			vm.joiners = keep

			var members []NodeID
			var addrs []*MemberAddr
			for i, id := range next.Members {
				if id == failed.id {
					continue
				}
				members = append(members, id)
				addrs = append(addrs, next.Addrs[i])
			}
			next = &View{
				VID:     next.VID,
				Members: members,
				Addrs:   addrs,
				Failed:  make([]bool, len(members)),
			}
			for _, id := range cur.Members {
				if next.RankOf(id) < 0 {
					next.Departed = append(next.Departed, id)
				}
			}
			for _, id := range next.Members {
				if cur.RankOf(id) < 0 {
					next.Joined = append(next.Joined, id)
				}
			}
			vm.runAllocator(cur, next)
			next.computeLocalFields(vm.me)
			if !next.IsAdequatelyProvisioned {
				vv("%v: view inadequate after joiner loss; waiting", vm.me)
				vm.terminating = false
				return
			}
			for _, pj := range vm.joiners {
				if next.RankOf(pj.id) >= 0 {
					// abort marker; the confirmed view
					// follows on the next attempt.
					_ = shipViewToJoiner(pj.conn, next, params, false, nil)
				}
			}
		}
		// the sockets served their purpose.
		for _, pj := range vm.joiners {
			if next.RankOf(pj.id) >= 0 {
				pj.conn.Close()
			}
		}
	}

	err := vm.installView(cur, next)
	panicOn(err)
	vv("%v: installed view %v: members %v", vm.me, next.VID, next.Members)
}

// oldShardLeaders snapshots who led each shard in
// the closing epoch; the state-transfer layer pulls
// object state from them.
func (vm *ViewManager) oldShardLeaders(cur *View) (osl oldShardLeaders) {
	for sid := range cur.SubgroupShardViews {
		var shards []int32
		for _, sv := range cur.SubgroupShardViews[sid] {
			lead := int32(-1)
			for _, member := range sv.Members {
				r := cur.RankOf(member)
				if r >= 0 && !vm.localFailed[r] {
					lead = int32(member)
					break
				}
			}
			shards = append(shards, lead)
		}
		osl = append(osl, shards)
	}
	return
}

// ================= teardown =================

// leave is the clean-shutdown path: advertise rip,
// self-suspect so the group reconfigures without us,
// then stop every thread.
func (vm *ViewManager) leave() {
	vm.viewMut.RLock()
	sst := vm.sst
	v := vm.curView
	vm.viewMut.RUnlock()

	if sst != nil && v != nil && v.NumMembers() > 1 {
		sst.Mutate(func(me *SSTRow) {
			me.Rip = true
			me.Suspected[int(v.MyRank)] = true
		})
		sst.Put(ColRip | ColSuspected)
		// give peers a moment to propagate the
		// self-suspicion before we vanish.
		time.Sleep(2 * vm.cfg.timeout())
	}

	vm.Halt.ReqStop.Close()
	if vm.listener != nil {
		vm.listener.Close()
	}
	if sst != nil {
		// release any evaluator blocked on the table
		// condvar before joining it.
		sst.close()
	}
	if vm.eng != nil {
		vm.eng.stop()
	}
	if vm.mg != nil {
		vm.mg.stop()
	}
	if sst != nil {
		vm.trans.DetachSST(v.VID, vm.me)
		for sid := range vm.mg.sessions {
			vm.trans.DeleteBulkGroup(v.VID, sid, vm.me)
		}
	}
	vm.persist.close()
}
