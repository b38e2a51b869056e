package membrane

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// The predicate engine is the cooperative scheduler
// of the whole runtime: reception, sequencing,
// delivery, persistence, meta-wedge and ragged
// cleanup all run as (predicate, trigger) pairs
// walked at high frequency by one evaluator
// goroutine. Triggers run on the evaluator thread
// unless they explicitly dispatch elsewhere.
//
// Ordering contract: triggers fire in registration
// order within a single pass; a recurrent predicate
// may fire on every pass; a one-shot removes itself
// after firing. Removal (of self or others) is safe
// to request from within a trigger.

type PredicateMode int

const (
	RecurrentPredicate PredicateMode = 0
	OneShotPredicate   PredicateMode = 1
)

type PredicateHandle int64

type predEntry struct {
	id      PredicateHandle
	name    string
	pred    func(sst *SST) bool
	trigger func(sst *SST)
	mode    PredicateMode
	removed bool
}

type PredicateEngine struct {
	mut    sync.Mutex
	sst    *SST
	preds  []*predEntry
	nextID PredicateHandle

	Halt *idem.Halter

	started bool
}

func newPredicateEngine(sst *SST) *PredicateEngine {
	return &PredicateEngine{
		sst:  sst,
		Halt: idem.NewHalter(),
	}
}

// Register adds a (predicate, trigger) pair at the
// tail of the registration order.
func (e *PredicateEngine) Register(name string, pred func(sst *SST) bool, trigger func(sst *SST), mode PredicateMode) (h PredicateHandle) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.nextID++
	h = e.nextID
	e.preds = append(e.preds, &predEntry{
		id:      h,
		name:    name,
		pred:    pred,
		trigger: trigger,
		mode:    mode,
	})
	return
}

// Remove marks a pair dead. Fine to call from inside
// a trigger; the pass skips dead entries and the
// next sweep compacts them.
func (e *PredicateEngine) Remove(h PredicateHandle) {
	e.mut.Lock()
	defer e.mut.Unlock()
	for _, pe := range e.preds {
		if pe.id == h {
			pe.removed = true
			return
		}
	}
}

func (e *PredicateEngine) start() {
	e.mut.Lock()
	if e.started {
		e.mut.Unlock()
		return
	}
	e.started = true
	e.mut.Unlock()
	go e.run()
}

func (e *PredicateEngine) run() {
	defer e.Halt.Done.Close()
	for {
		select {
		case <-e.Halt.ReqStop.Chan:
			return
		default:
		}
		fired := e.onePass()
		if !fired {
			// brief spin; never block on I/O here.
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// onePass walks the registration-order snapshot
// once. Returns true if any trigger fired.
func (e *PredicateEngine) onePass() (fired bool) {
	e.mut.Lock()
	snap := make([]*predEntry, 0, len(e.preds))
	kept := e.preds[:0]
	for _, pe := range e.preds {
		if pe.removed {
			continue
		}
		kept = append(kept, pe)
		snap = append(snap, pe)
	}
	e.preds = kept
	e.mut.Unlock()

	for _, pe := range snap {
		e.mut.Lock()
		dead := pe.removed
		e.mut.Unlock()
		if dead {
			continue
		}
		if pe.pred(e.sst) {
			fired = true
			pe.trigger(e.sst)
			if pe.mode == OneShotPredicate {
				e.mut.Lock()
				pe.removed = true
				e.mut.Unlock()
			}
		}
		select {
		case <-e.Halt.ReqStop.Chan:
			return
		default:
		}
	}
	return
}

// drain runs passes until none fires, so that, e.g.,
// the small-message receive predicate has consumed
// every slot before epoch termination freezes the
// counters.
func (e *PredicateEngine) drain() {
	for e.onePass() {
	}
}

// stop halts the evaluator and waits for it.
func (e *PredicateEngine) stop() {
	e.Halt.ReqStop.Close()
	if e.started {
		<-e.Halt.Done.Chan
	} else {
		e.Halt.Done.Close()
	}
}
