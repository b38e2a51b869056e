package membrane

import (
	"github.com/glycerine/idem"
)

// Group is the public face of one member process:
// construct it with NewGroup, multicast with
// GetSendBuffer/Send, watch views with
// RegisterViewUpcall, and tear down with Leave.
//
// Exactly one Group per process; multi-group
// multiplexing is out of scope.
type Group struct {
	cfg   *Config
	reg   *TypeRegistry
	hooks *DeliveryHooks

	vm *ViewManager

	Halt *idem.Halter
}

// NewGroup brings a member up: total-restart
// recovery if a saved View is on disk, else
// bootstrap-alone or join via the configured leader
// address. It returns once the first view is
// installed.
//
// reg may be nil for a group with no registered
// types (a bare ordered-multicast group); hooks may
// be nil when the caller wants no upcalls.
func NewGroup(cfg *Config, reg *TypeRegistry, alloc SubgroupAllocator,
	hooks *DeliveryHooks, trans Transport) (g *Group, err error) {

	cfg.Init()
	if hooks == nil {
		hooks = &DeliveryHooks{}
	}
	persist := newStatePersistor(cfg.DataDir, false)

	g = &Group{
		cfg:   cfg,
		reg:   reg,
		hooks: hooks,
		vm:    newViewManager(cfg, reg, alloc, hooks, trans, persist),
		Halt:  idem.NewHalter(),
	}
	g.Halt.AddChild(g.vm.Halt)

	err = g.vm.start()
	if err != nil {
		return nil, err
	}
	return g, nil
}

// CurrentView snapshots the installed view.
func (g *Group) CurrentView() *View {
	return g.vm.CurrentView()
}

// RegisterViewUpcall adds a view-change callback;
// it fires after each install with the old and new
// views.
func (g *Group) RegisterViewUpcall(f func(prev, next *View)) {
	g.vm.RegisterViewUpcall(f)
}

// GetSendBuffer reserves the next message slot in
// subgroup sid; see MulticastGroup.GetSendBuffer.
// It fails with ErrInadequateView while the view is
// under-provisioned.
func (g *Group) GetSendBuffer(sid SubgroupID, payloadSize int64, cooked bool) (*SendBuffer, error) {
	g.vm.viewMut.RLock()
	v := g.vm.curView
	mg := g.vm.mg
	g.vm.viewMut.RUnlock()
	if v == nil || !v.IsAdequatelyProvisioned {
		return nil, ErrInadequateView
	}
	return mg.GetSendBuffer(sid, payloadSize, cooked)
}

// Send is the convenience wrapper: copy payload into
// a fresh buffer and send it.
func (g *Group) Send(sid SubgroupID, payload []byte, cooked bool) error {
	sb, err := g.GetSendBuffer(sid, int64(len(payload)), cooked)
	if err != nil {
		return err
	}
	copy(sb.Payload, payload)
	return sb.Send()
}

// TrySend is the non-blocking form; sent reports
// whether the payload went out.
func (g *Group) TrySend(sid SubgroupID, payload []byte, cooked bool) (sent bool, err error) {
	g.vm.viewMut.RLock()
	v := g.vm.curView
	mg := g.vm.mg
	g.vm.viewMut.RUnlock()
	if v == nil || !v.IsAdequatelyProvisioned {
		return false, ErrInadequateView
	}
	sb, err := mg.TrySendBuffer(sid, int64(len(payload)), cooked)
	if err != nil || sb == nil {
		return false, err
	}
	copy(sb.Payload, payload)
	return true, sb.Send()
}

// Suspect feeds the local failure detector's verdict
// into the view-change machinery.
func (g *Group) Suspect(peer NodeID) {
	g.vm.viewMut.RLock()
	v := g.vm.curView
	sst := g.vm.sst
	g.vm.viewMut.RUnlock()
	if v == nil || sst == nil {
		return
	}
	q := v.RankOf(peer)
	if q < 0 {
		return
	}
	sst.Mutate(func(me *SSTRow) {
		me.Suspected[q] = true
	})
	sst.Put(ColSuspected)
}

// ReportPersisted publishes the application's
// durability progress for sid back into the SST.
func (g *Group) ReportPersisted(sid SubgroupID, version int64) error {
	g.vm.viewMut.RLock()
	mg := g.vm.mg
	g.vm.viewMut.RUnlock()
	if mg == nil {
		return ErrShutDown
	}
	return mg.ReportPersisted(sid, version)
}

// StabilityFrontier reports the local and shard-wide
// stability frontiers for sid (unix nanos); a
// liveness consumer bounds staleness with these.
func (g *Group) StabilityFrontier(sid SubgroupID) (local, global int64, err error) {
	g.vm.viewMut.RLock()
	mg := g.vm.mg
	g.vm.viewMut.RUnlock()
	if mg == nil {
		return 0, 0, ErrShutDown
	}
	return mg.StabilityFrontier(sid)
}

// OnFatal replaces the die-now handler (default:
// panic). PartitionDetected lands here.
func (g *Group) OnFatal(f func(err error)) {
	g.vm.OnFatal = f
}

// Leave is the clean exit: advertise rest-in-peace,
// self-suspect so the survivors reconfigure without
// counting us as a crash, drain, and stop every
// thread.
func (g *Group) Leave() {
	g.vm.leave()
	g.Halt.ReqStop.Close()
	g.Halt.Done.Close()
}
