package membrane

import (
	"fmt"
	"sync/atomic"
	"time"
)

// HLC is a hybrid logical/physical clock, based
// on the 2014 paper
//
// "Logical Physical Clocks and Consistent
// Snapshots in Globally Distributed Databases"
// by Sandeep Kulkarni, Murat Demirbas, Deepak
// Madeppa, Bharadwaj Avva, and Marcelo Leone.
//
// Its physical clock resolution (the upper
// 48 bits) is 2^16 nanoseconds, about 65.5 microseconds.
// The lower 16 bits of this int64
// keep a logical clock counter. The paper's
// experiments observed counter values up to 10,
// nowhere near the 2^16-1 == 65535 maximum.
//
// Delivered message versions get stamped with
// an HLC so that persisted state can be queried
// by time across the group; the clock merges on
// every received multicast timestamp.
//
// Currently there is no mutual exclusion / synchronization
// provided beyond the atomic loads/stores in the methods,
// and the user must arrange for more if required.
type HLC int64

const getCount HLC = HLC(1<<16) - 1 // low 16 bits are 1
const getLC HLC = ^getCount         // low 16 bits are 0

func (hlc *HLC) LC() int64 {
	r := HLC(atomic.LoadInt64((*int64)(hlc)))
	return int64(r & getLC)
}

func (hlc *HLC) Count() int64 {
	r := HLC(atomic.LoadInt64((*int64)(hlc)))
	return int64(r & getCount)
}

// Aload does an atomic load of hlc and returns it.
func (hlc *HLC) Aload() (r HLC) {
	r = HLC(atomic.LoadInt64((*int64)(hlc)))
	return
}

func (hlc *HLC) String() string {
	r := HLC(atomic.LoadInt64((*int64)(hlc)))

	lc := int64(r & getLC)
	count := int64(r & getCount)
	return fmt.Sprintf("HLC{Count: %v, LC:%v (%v)}",
		count, lc, time.Unix(0, lc).Format(rfc3339MsecTz0))
}

// AssembleHLC does the simple addition,
// but takes care of the type conversion too.
// For safety, it masks off the low 16 bits
// of lc that should always be 0 anyway before
// doing the addition.
func AssembleHLC(lc int64, count int64) HLC {
	return HLC(lc)&getLC + HLC(count)
}

// PhysicalTime48 rounds up to the 16th
// bit the UnixNano() of the current time,
// as requested by the Hybrid-Logical-Clock
// algorithm. The low order 16 bits are
// used for a logical counter rather than
// nanoseconds. The low 16 bits are always zero
// on return from this function.
func PhysicalTime48() HLC {
	pt := time.Now().UnixNano()

	// hybrid-logical-clocks (HLC) wants to
	// round up at the 48th bit.
	return (HLC(pt) + getCount) & getLC
}

// CreateSendOrLocalEvent
// updates the local hybrid clock
// based on PhysicalTime48.
// POST: r == *hlc
func (hlc *HLC) CreateSendOrLocalEvent() (r HLC) {

	j := HLC(atomic.LoadInt64((*int64)(hlc)))

	ptj := PhysicalTime48()
	jLC := j & getLC
	jCount := j & getCount

	jLC1 := jLC
	if ptj > jLC {
		jLC = ptj
	}
	if jLC == jLC1 {
		jCount++
	} else {
		jCount = 0
	}
	r = (jLC + jCount)

	atomic.StoreInt64((*int64)(hlc), int64(r))

	return
}

// ReceiveMessageWithHLC
// updates the local hybrid clock hlc based on the
// received message m's hybrid clock.
// PRE: m should be owned exclusively or the result of an
// atomic load with Aload() to avoid data races.
// POST: r == *hlc
func (hlc *HLC) ReceiveMessageWithHLC(m HLC) (r HLC) {

	j := HLC(atomic.LoadInt64((*int64)(hlc)))

	jLC := j & getLC
	jCount := j & getCount
	jlcOrig := jLC

	mLC := m & getLC
	mCount := m & getCount

	ptj := PhysicalTime48()
	if ptj > jLC {
		jLC = ptj
	}
	if mLC > jLC {
		jLC = mLC
	}
	if jLC == jlcOrig && jlcOrig == mLC {
		jCount = max(jCount, mCount) + 1
	} else if jLC == jlcOrig {
		jCount++
	} else if jLC == mLC {
		jCount = mCount + 1
	} else {
		jCount = 0
	}
	r = (jLC + jCount)
	atomic.StoreInt64((*int64)(hlc), int64(r))
	return
}

// ToTime reads the whole HLC value (logical clock
// and counter bits together) as Unix nanoseconds.
func (hlc HLC) ToTime() time.Time {
	return time.Unix(0, int64(hlc))
}

// ToTime48 returns only the LC in the upper 48 bits
// of hlc; the lower 16 bits of r.UnixNano() will be all 0.
func (hlc *HLC) ToTime48() (r time.Time) {

	j := HLC(atomic.LoadInt64((*int64)(hlc)))

	lc := int64(j & getLC)
	r = time.Unix(0, int64(lc))
	return
}
