package membrane

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_Persistor_ViewRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s := newStatePersistor(dir, false)
	defer s.close()

	// nothing saved yet: the no-restart signal.
	v, err := s.loadView()
	if err != nil || v != nil {
		t.Fatalf("loadView on empty dir = %v, %v", v, err)
	}

	orig := testView3()
	panicOn(s.saveView(orig))

	v, err = s.loadView()
	if err != nil {
		t.Fatalf("loadView: %v", err)
	}
	if v.VID != orig.VID || len(v.Members) != 3 || v.Members[1] != 20 {
		t.Fatalf("view mangled by disk roundtrip: %v", v)
	}

	// overwrite with a newer epoch; the rename must
	// fully replace.
	orig.VID = 8
	panicOn(s.saveView(orig))
	v, err = s.loadView()
	if err != nil || v.VID != 8 {
		t.Fatalf("second save not visible: %v, %v", v, err)
	}
}

func Test_Persistor_RaggedTrimFiles(t *testing.T) {
	dir := t.TempDir()
	s := newStatePersistor(dir, false)
	defer s.close()

	t1 := &RaggedTrim{SubgroupID: 0, Shard: 0, VID: 3, LeaderID: 10, GlobalMin: []int64{4, 2}}
	t2 := &RaggedTrim{SubgroupID: 1, Shard: 2, VID: 3, LeaderID: RaggedTrimLeaderFinal, GlobalMin: []int64{7}}
	panicOn(s.saveRaggedTrim(t1))
	panicOn(s.saveRaggedTrim(t2))

	// filenames are ragged_trim.<sid>.<shard>.
	if !fileExists(filepath.Join(dir, "ragged_trim.0.0")) {
		t.Fatalf("missing ragged_trim.0.0")
	}
	if !fileExists(filepath.Join(dir, "ragged_trim.1.2")) {
		t.Fatalf("missing ragged_trim.1.2")
	}

	trims, err := s.loadRaggedTrims()
	if err != nil {
		t.Fatalf("loadRaggedTrims: %v", err)
	}
	if len(trims) != 2 {
		t.Fatalf("loaded %v trims, want 2", len(trims))
	}
	byKey := map[SubgroupID]*RaggedTrim{}
	for _, tr := range trims {
		byKey[tr.SubgroupID] = tr
	}
	if byKey[0].GlobalMin[0] != 4 || byKey[0].LeaderID != 10 {
		t.Fatalf("trim 0 mangled: %v", byKey[0])
	}
	// the final sentinel survives the disk verbatim.
	if byKey[1].LeaderID != RaggedTrimLeaderFinal {
		t.Fatalf("final sentinel lost: %v", byKey[1])
	}
}

func Test_Persistor_CorruptionIsLoud(t *testing.T) {
	dir := t.TempDir()
	s := newStatePersistor(dir, false)
	defer s.close()
	panicOn(s.saveView(testView3()))

	// flip a byte in the payload region.
	path := filepath.Join(dir, viewFileName)
	by, err := os.ReadFile(path)
	panicOn(err)
	by[12] ^= 0xff
	panicOn(os.WriteFile(path, by, 0644))

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("loading a corrupt view must panic, not limp along")
		}
	}()
	s.loadView()
}

func Test_Persistor_NoDisk(t *testing.T) {
	s := newStatePersistor("", true)
	defer s.close()
	if err := s.saveView(testView3()); err != nil {
		t.Fatalf("nodisk save errored: %v", err)
	}
	v, err := s.loadView()
	if err != nil || v != nil {
		t.Fatalf("nodisk load = %v, %v; want nil, nil", v, err)
	}
}
