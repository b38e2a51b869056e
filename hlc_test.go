package membrane

import (
	"testing"
)

// functions under test:
// func PhysicalTime48() HLC
// func (j *HLC) CreateSendOrLocalEvent()
// func (j *HLC) ReceiveMessageWithHLC(m HLC)

func Test_HLC_PhysicalTime48(t *testing.T) {
	pt := PhysicalTime48()
	if pt.Count() != 0 {
		t.Errorf("PhysicalTime48() should have 0 count, got %d", pt.Count())
	}
	if pt.LC() == 0 {
		t.Errorf("PhysicalTime48() should have non-zero logical clock")
	}
}

func Test_HLC_Monotonicity(t *testing.T) {
	var j HLC
	j.CreateSendOrLocalEvent()

	for i := 0; i < 1000; i++ {
		prev := j
		j.CreateSendOrLocalEvent()
		if j <= prev {
			t.Errorf("Monotonicity violation: new %v not > old %v (iter %d)", j, prev, i)
		}
		if j.LC() < prev.LC() {
			t.Errorf("Logical clock regression: new %v < old %v", j, prev)
		}
	}
}

func Test_HLC_ClockRegression(t *testing.T) {
	// Scenario: the local physical clock is BEHIND
	// the HLC, because a received message pushed it
	// forward. Monotonicity must hold by bumping the
	// counter until physical time catches up.
	var j HLC
	futurePt := PhysicalTime48() + HLC(100*(getCount+1))
	j = futurePt

	prev := j
	j.CreateSendOrLocalEvent()
	if j.LC() < prev.LC() {
		t.Fatalf("HLC logical clock decreased: prev=%d, cur=%d", prev.LC(), j.LC())
	}
	if j <= prev {
		t.Fatalf("HLC not monotone under clock regression: prev=%v, cur=%v", prev, j)
	}
	if j.Count() == 0 {
		t.Fatalf("expected counter bump while physical clock lags")
	}
}

func Test_HLC_ReceiveMerges(t *testing.T) {
	var local HLC
	local.CreateSendOrLocalEvent()

	// a message from a node whose clock runs ahead.
	remote := local.Aload() + HLC(50*(getCount+1))
	after := local.ReceiveMessageWithHLC(remote)
	if after <= remote {
		t.Fatalf("receive must advance past the remote stamp: %v <= %v", after, remote)
	}

	// a message from the past must not move us back.
	past := after - HLC(90*(getCount+1))
	after2 := local.ReceiveMessageWithHLC(past)
	if after2 <= after {
		t.Fatalf("receive of an old stamp went backwards: %v <= %v", after2, after)
	}
}

func Test_HLC_Assemble(t *testing.T) {
	pt := PhysicalTime48()
	h := AssembleHLC(int64(pt), 7)
	if h.LC() != int64(pt) {
		t.Fatalf("AssembleHLC lost the LC: %v vs %v", h.LC(), int64(pt))
	}
	if h.Count() != 7 {
		t.Fatalf("AssembleHLC lost the count: %v", h.Count())
	}
}
