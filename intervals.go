package membrane

import (
	"fmt"
	"sort"
)

// ivalSeen tracks which per-sender message indexes
// have been received, as a sorted list of disjoint
// gap-free runs. Out-of-order arrival across the
// bulk and small-message paths punches temporary
// holes; resolve() merges each new index in and
// reports the contiguous frontier: the largest f
// such that every index in [0,f] has been seen.
// Before anything arrives the frontier is -1.
//
// A run is a closed interval [first,last].
type ivalRun struct {
	first int64
	last  int64
}

type ivalSeen struct {
	runs []ivalRun
}

func newIvalSeen() *ivalSeen {
	return &ivalSeen{}
}

func (s *ivalSeen) String() (r string) {
	r = "ivalSeen{"
	for i, run := range s.runs {
		if i > 0 {
			r += ", "
		}
		r += fmt.Sprintf("[%v,%v]", run.first, run.last)
	}
	r += "}"
	return
}

// frontier returns the first missing index minus
// one: -1 until index 0 has arrived.
func (s *ivalSeen) frontier() int64 {
	if len(s.runs) == 0 || s.runs[0].first != 0 {
		return -1
	}
	return s.runs[0].last
}

func (s *ivalSeen) contains(ix int64) bool {
	n := len(s.runs)
	i := sort.Search(n, func(i int) bool {
		return s.runs[i].last >= ix
	})
	if i == n {
		return false
	}
	return s.runs[i].first <= ix
}

// resolve merges ix into the run list and returns
// the updated contiguous frontier. Duplicate
// arrivals are absorbed silently.
func (s *ivalSeen) resolve(ix int64) (frontier int64) {
	if ix < 0 {
		panicf("ivalSeen.resolve: negative index %v", ix)
	}
	n := len(s.runs)
	// first run whose last >= ix-1; only such a run
	// can absorb or adjoin ix on its right edge.
	i := sort.Search(n, func(i int) bool {
		return s.runs[i].last >= ix-1
	})
	switch {
	case i == n:
		// past every run: new rightmost run.
		s.runs = append(s.runs, ivalRun{first: ix, last: ix})
	case s.runs[i].first <= ix && ix <= s.runs[i].last:
		// duplicate, nothing to do.
	case s.runs[i].last == ix-1:
		// extend run i rightward, maybe fusing with i+1.
		s.runs[i].last = ix
		if i+1 < n && s.runs[i+1].first == ix+1 {
			s.runs[i].last = s.runs[i+1].last
			s.runs = append(s.runs[:i+1], s.runs[i+2:]...)
		}
	case s.runs[i].first == ix+1:
		// extend run i leftward.
		s.runs[i].first = ix
	default:
		// isolated new run before run i.
		s.runs = append(s.runs, ivalRun{})
		copy(s.runs[i+1:], s.runs[i:])
		s.runs[i] = ivalRun{first: ix, last: ix}
	}
	return s.frontier()
}
