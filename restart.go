package membrane

import (
	"net"
	"sort"
	"time"

	"github.com/glycerine/greenpack/msgp"
)

// Total-restart recovery: the whole group went down
// and is coming back from disk. A designated restart
// leader (the configured bootstrap leader) listens
// on the membership port until it has heard from a
// restart quorum: for every shard of every subgroup
// in the saved View, at least one member holding a
// ragged-trim log for that shard, and at least a
// majority of the shard. It then picks, per shard,
// the member with the longest log (the restart shard
// leader), composes a recovery View, and ships it --
// with the restart-shard-leaders vector and the
// authoritative trims -- to every respondent. Each
// respondent truncates its own persistent log to the
// trim high-water mark before accepting messages.

type restartRespondent struct {
	id        NodeID
	addr      *MemberAddr
	savedView *View
	trims     []*RaggedTrim
	conn      net.Conn
}

type restartState struct {
	saved       *View
	respondents []*restartRespondent
}

// trimsBlob round-trips a ragged-trim list.
func marshalTrims(trims []*RaggedTrim) (o []byte, err error) {
	o = msgp.AppendArrayHeader(nil, uint32(len(trims)))
	for _, t := range trims {
		o, err = t.MarshalMsg(o)
		if err != nil {
			return
		}
	}
	return
}

func unmarshalTrims(b []byte) (trims []*RaggedTrim, err error) {
	o := b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	var n uint32
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	for i := uint32(0); i < n; i++ {
		t := &RaggedTrim{}
		o, err = t.UnmarshalMsg(o)
		if err != nil {
			return
		}
		trims = append(trims, t)
	}
	return
}

// ================= restart leader =================

func (vm *ViewManager) startTotalRestart(saved *View) (err error) {
	vm.restartMode = true
	myTrims, err := vm.persist.loadRaggedTrims()
	if err != nil {
		return err
	}
	vm.restart = &restartState{saved: saved}

	if !vm.cfg.bootstrappingAlone() {
		// not the designated restart leader: dial in
		// and offer our logs.
		conn, code, err2 := joinGroup(vm.cfg)
		if err2 != nil {
			return err2
		}
		if code != joinTotalRestart {
			// the leader came back without a saved
			// view?? it decides; fall back to a plain
			// join of whatever group it runs.
			v, params, _, err3 := awaitShippedView(conn)
			conn.Close()
			if err3 != nil {
				return err3
			}
			params.applyTo(vm.cfg)
			v.computeLocalFields(vm.me)
			if err3 = vm.installView(nil, v); err3 != nil {
				return err3
			}
			vm.restartMode = false
			return vm.startListener()
		}
		return vm.respondTotalRestart(conn, saved, myTrims)
	}

	// restart leader: gather respondents until the
	// quorum covers every shard.
	err = vm.startListener()
	if err != nil {
		return err
	}
	vv("%v: total restart: waiting for restart quorum on vid %v", vm.me, saved.VID)

	// we respond for ourselves too.
	self := &restartRespondent{
		id:        vm.me,
		addr:      vm.cfg.myAddr(),
		savedView: saved,
		trims:     myTrims,
	}
	vm.restart.respondents = []*restartRespondent{self}

	for {
		vm.drainRestartConns()
		if err := vm.restartQuorumReached(); err == nil {
			break
		}
		select {
		case <-vm.Halt.ReqStop.Chan:
			return ErrShutDown
		default:
		}
		time.Sleep(50 * time.Millisecond)
	}

	return vm.finishTotalRestart()
}

func (vm *ViewManager) drainRestartConns() {
	vm.connMut.Lock()
	conns := vm.pendingConns
	vm.pendingConns = nil
	vm.connMut.Unlock()
	for _, conn := range conns {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		id, err := readU32(conn)
		if err != nil {
			conn.Close()
			continue
		}
		vm.handleRestartConn(conn, NodeID(id))
	}
}

// handleRestartConn runs the leader's half of the
// restart handshake on one socket.
func (vm *ViewManager) handleRestartConn(conn net.Conn, id NodeID) {
	if err := writeU8(conn, joinTotalRestart); err != nil {
		conn.Close()
		return
	}
	if err := writeU32(conn, uint32(vm.me)); err != nil {
		conn.Close()
		return
	}
	viewBy, err := readBlob(conn)
	if err != nil {
		conn.Close()
		return
	}
	trimsBy, err := readBlob(conn)
	if err != nil {
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
	conn.SetDeadline(time.Time{})

	sv := &View{}
	if _, err = sv.UnmarshalMsg(viewBy); err != nil {
		conn.Close()
		return
	}
	trims, err := unmarshalTrims(trimsBy)
	if err != nil {
		conn.Close()
		return
	}
	// received trims become authoritative-on-arrival:
	// mark with the final sentinel and preserve that
	// marking verbatim from here on.
	for _, t := range trims {
		t.LeaderID = RaggedTrimLeaderFinal
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	// duplicate re-dial replaces the earlier socket.
	for i, r := range vm.restart.respondents {
		if r.id == id {
			if r.conn != nil {
				r.conn.Close()
			}
			vm.restart.respondents[i] = &restartRespondent{
				id: id, savedView: sv, trims: trims, conn: conn,
				addr: &MemberAddr{IP: host, GmsPort: ports[0], RpcPort: ports[1], SstPort: ports[2], RdmcPort: ports[3]},
			}
			return
		}
	}
	vm.restart.respondents = append(vm.restart.respondents, &restartRespondent{
		id: id, savedView: sv, trims: trims, conn: conn,
		addr: &MemberAddr{IP: host, GmsPort: ports[0], RpcPort: ports[1], SstPort: ports[2], RdmcPort: ports[3]},
	})
	vv("%v: restart respondent %v (saved vid %v, %v trims)", vm.me, id, sv.VID, len(trims))
}

// restartQuorumReached checks coverage of every
// shard of every subgroup in the saved View.
func (vm *ViewManager) restartQuorumReached() error {
	saved := vm.restart.saved
	here := make(map[NodeID]*restartRespondent)
	for _, r := range vm.restart.respondents {
		here[r.id] = r
	}
	for sid, shards := range saved.SubgroupShardViews {
		for shard, sv := range shards {
			present := 0
			trimHolder := false
			for _, member := range sv.Members {
				r, ok := here[member]
				if !ok {
					continue
				}
				present++
				for _, t := range r.trims {
					if int(t.SubgroupID) == sid && int(t.Shard) == shard {
						trimHolder = true
					}
				}
			}
			if present*2 <= len(sv.Members) {
				return ErrRestartQuorumFailed
			}
			if !trimHolder {
				return ErrRestartQuorumFailed
			}
		}
	}
	return nil
}

// longestLogHolder picks the restart shard leader
// for (sid, shard): highest trim VID, then largest
// summed global_min, then lowest node id -- a total
// order, so restart is idempotent over the same
// logs.
func (vm *ViewManager) longestLogHolder(sid, shard int) (leader NodeID, trim *RaggedTrim) {
	type cand struct {
		id   NodeID
		trim *RaggedTrim
	}
	var cands []cand
	for _, r := range vm.restart.respondents {
		for _, t := range r.trims {
			if int(t.SubgroupID) == sid && int(t.Shard) == shard {
				cands = append(cands, cand{id: r.id, trim: t})
			}
		}
	}
	if len(cands) == 0 {
		return 0, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.trim.VID != b.trim.VID {
			return a.trim.VID > b.trim.VID
		}
		var sa, sb int64
		for _, v := range a.trim.GlobalMin {
			sa += v
		}
		for _, v := range b.trim.GlobalMin {
			sb += v
		}
		if sa != sb {
			return sa > sb
		}
		return a.id < b.id
	})
	return cands[0].id, cands[0].trim
}

// finishTotalRestart composes and ships the recovery
// view. A respondent that dies mid-shipment is cut
// and the view recomputed; if the cut view loses
// quorum we go back to waiting.
func (vm *ViewManager) finishTotalRestart() (err error) {
	saved := vm.restart.saved

	for {
		// deterministic member order: saved-view order
		// first, then any others sorted by id.
		here := make(map[NodeID]*restartRespondent)
		for _, r := range vm.restart.respondents {
			here[r.id] = r
		}
		var members []NodeID
		var addrs []*MemberAddr
		for _, id := range saved.Members {
			if r, ok := here[id]; ok {
				members = append(members, id)
				addrs = append(addrs, r.addr)
				delete(here, id)
			}
		}
		var extra []int
		for id := range here {
			extra = append(extra, int(id))
		}
		sort.Ints(extra)
		for _, id := range extra {
			r := here[NodeID(id)]
			members = append(members, r.id)
			addrs = append(addrs, r.addr)
		}

		maxVid := saved.VID
		for _, r := range vm.restart.respondents {
			if r.savedView.VID > maxVid {
				maxVid = r.savedView.VID
			}
		}

		next := &View{
			VID:     maxVid + 1,
			Members: members,
			Addrs:   addrs,
			Failed:  make([]bool, len(members)),
			Joined:  append([]NodeID(nil), members...),
		}
		vm.runAllocator(saved, next)
		next.computeLocalFields(vm.me)
		if !next.IsAdequatelyProvisioned {
			vv("%v: restart view inadequate; waiting for more rejoiners", vm.me)
			for {
				vm.drainRestartConns()
				if vm.restartQuorumReached() == nil && len(vm.restart.respondents) > len(members) {
					break
				}
				time.Sleep(50 * time.Millisecond)
				select {
				case <-vm.Halt.ReqStop.Chan:
					return ErrShutDown
				default:
				}
			}
			continue
		}

		// restart shard leaders + authoritative trims,
		// shaped over the SAVED view's subgroups.
		var rsl oldShardLeaders
		var finalTrims []*RaggedTrim
		for sid, shards := range saved.SubgroupShardViews {
			var row []int32
			for shard := range shards {
				lead, trim := vm.longestLogHolder(sid, shard)
				if trim == nil {
					row = append(row, -1)
					continue
				}
				row = append(row, int32(lead))
				t2 := *trim
				t2.LeaderID = RaggedTrimLeaderFinal
				finalTrims = append(finalTrims, &t2)
			}
			rsl = append(rsl, row)
		}

		// persist the final trims before shipping, so
		// a second restart over the same logs computes
		// the same view.
		if vm.reg != nil && vm.reg.AnyPersistent() {
			for _, t := range finalTrims {
				panicOn(vm.persist.saveRaggedTrim(t))
			}
		}

		params := paramsFromConfig(vm.cfg)
		trimsBy, err2 := marshalTrims(finalTrims)
		panicOn(err2)

		var failed *restartRespondent
		for _, r := range vm.restart.respondents {
			if r.conn == nil {
				continue // ourselves
			}
			err2 = shipViewToJoiner(r.conn, next, params, true, rsl)
			if err2 == nil {
				err2 = writeBlob(r.conn, trimsBy)
			}
			if err2 != nil {
				alwaysPrintf("%v: restart respondent %v died mid-recovery: %v", vm.me, r.id, err2)
				failed = r
				break
			}
		}
		if failed != nil {
			failed.conn.Close()
			var keep []*restartRespondent
			for _, r := range vm.restart.respondents {
				if r != failed {
					keep = append(keep, r)
				}
			}
			vm.restart.respondents = keep
			if vm.restartQuorumReached() != nil {
				vv("%v: lost restart quorum; waiting for more rejoiners", vm.me)
				for vm.restartQuorumReached() != nil {
					vm.drainRestartConns()
					time.Sleep(50 * time.Millisecond)
					select {
					case <-vm.Halt.ReqStop.Chan:
						return ErrShutDown
					default:
					}
				}
			}
			continue
		}

		for _, r := range vm.restart.respondents {
			if r.conn != nil {
				r.conn.Close()
			}
		}

		vm.truncateToTrims(finalTrims)
		vm.restartMode = false
		vm.restart = nil
		err = vm.installView(nil, next)
		if err != nil {
			return err
		}
		vv("%v: total restart complete: view %v, members %v", vm.me, next.VID, next.Members)
		return nil
	}
}

// ================= restart respondent =================

// respondTotalRestart is the non-leader half: offer
// our saved View and trims, then wait for the
// recovery view and the authoritative trims.
func (vm *ViewManager) respondTotalRestart(conn net.Conn, saved *View, myTrims []*RaggedTrim) (err error) {
	viewBy, err := saved.MarshalMsg(nil)
	panicOn(err)
	trimsBy, err := marshalTrims(myTrims)
	panicOn(err)
	if err = writeBlob(conn, viewBy); err != nil {
		conn.Close()
		return ErrLeaderCrashed
	}
	if err = writeBlob(conn, trimsBy); err != nil {
		conn.Close()
		return ErrLeaderCrashed
	}
	for _, p := range []uint16{vm.cfg.GmsPort, vm.cfg.RpcPort, vm.cfg.SstPort, vm.cfg.RdmcPort} {
		if err = writeU16(conn, p); err != nil {
			conn.Close()
			return ErrLeaderCrashed
		}
	}

	next, params, rsl, err := awaitShippedView(conn)
	if err != nil {
		conn.Close()
		return err
	}
	finalBy, err := readBlob(conn)
	conn.Close()
	if err != nil {
		return ErrLeaderCrashed
	}
	finalTrims, err := unmarshalTrims(finalBy)
	if err != nil {
		return err
	}
	_ = rsl // the state-transfer layer pulls object
	// state from its designated restart shard leader.

	params.applyTo(vm.cfg)
	next.computeLocalFields(vm.me)

	// before accepting any message: truncate our own
	// persistent log to the trim high-water mark, and
	// keep the final sentinel marking verbatim.
	if vm.reg != nil && vm.reg.AnyPersistent() {
		for _, t := range finalTrims {
			panicOn(vm.persist.saveRaggedTrim(t))
		}
	}
	vm.truncateToTrims(finalTrims)

	vm.restartMode = false
	vm.restart = nil
	err = vm.installView(nil, next)
	if err != nil {
		return err
	}
	return vm.startListener()
}

// joinTotalRestart: we dialed in as a fresh joiner
// but the group is mid-restart. We have no logs to
// offer; send an empty view and trim list and wait
// to be adopted.
func (vm *ViewManager) joinTotalRestart(conn net.Conn) (err error) {
	empty := &View{VID: -1}
	return vm.respondTotalRestart(conn, empty, nil)
}

// truncateToTrims hands each authoritative trim to
// the persistence bridge so the application log is
// cut back to the agreed high-water mark.
func (vm *ViewManager) truncateToTrims(trims []*RaggedTrim) {
	if vm.hooks == nil || vm.hooks.TruncateLog == nil {
		return
	}
	for _, t := range trims {
		vm.hooks.TruncateLog(t.SubgroupID, t.Shard, append([]int64(nil), t.GlobalMin...))
	}
}
