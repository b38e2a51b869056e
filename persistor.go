package membrane

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/glycerine/blake3"
)

// Durable state: one serialized View per process,
// and one RaggedTrim per (subgroup, shard) for every
// epoch terminated with persistent state. Records
// are length-framed, blake3-checksummed, written to
// a temp file and renamed into place, with the
// parent directory fsynced -- a half-written file or
// a bit flip shows up as a loud failure at load
// time, never as silently wrong membership.

const viewFileName = "view.current"

func raggedTrimFileName(sid SubgroupID, shard int32) string {
	return fmt.Sprintf("ragged_trim.%v.%v", sid, shard)
}

type statePersistor struct {
	dir string

	// check each record.
	checkEach *blake3.Hasher

	parentDirFd *os.File

	nodisk bool
}

func newStatePersistor(dir string, nodisk bool) (s *statePersistor) {
	s = &statePersistor{
		dir:       dir,
		nodisk:    nodisk,
		checkEach: blake3.New(64, nil),
	}
	if nodisk {
		return
	}
	panicOn(os.MkdirAll(dir, 0700))
	dir2, err2 := getActualParentDirForFsync(filepath.Join(dir, viewFileName))
	panicOn(err2)
	var err error
	s.parentDirFd, err = os.Open(dir2)
	panicOn(err)
	return
}

// saveRecord writes payload + checksum to path
// atomically (temp + rename + dir sync).
func (s *statePersistor) saveRecord(path string, payload []byte) (err error) {
	if s.nodisk {
		return nil
	}
	tmppath := path + ".pre_rename." + cryRand15B()
	fd, err := os.Create(tmppath)
	panicOn(err)

	_, err = writeframe(fd, payload)
	panicOn(err)

	s.checkEach.Reset()
	s.checkEach.Write(payload)
	h := blake3ToString33B(s.checkEach)
	_, err = writeframe(fd, []byte(h))
	panicOn(err)

	err = fd.Sync()
	panicOn(err)
	fd.Close()

	err = os.Rename(tmppath, path)
	panicOn(err)
	err = s.parentDirFd.Sync()
	panicOn(err)
	return
}

// loadRecord reads and checksums one record file.
func (s *statePersistor) loadRecord(path string) (payload []byte, err error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	payload, err = nextframe(fd, path)
	if err == io.EOF {
		return nil, io.EOF
	}
	panicOn(err)

	onDisk, err := nextframe(fd, path)
	panicOn(err)

	s.checkEach.Reset()
	s.checkEach.Write(payload)
	h := blake3ToString33B(s.checkEach)

	if h != string(onDisk) {
		panic(fmt.Sprintf("corrupt record '%v'. onDisk sum:'%v'; vs. re-computed-hash: '%v'",
			path, string(onDisk), h))
	}
	return
}

// ================= View =================

func (s *statePersistor) saveView(v *View) (err error) {
	by, err := v.MarshalMsg(nil)
	panicOn(err)
	return s.saveRecord(filepath.Join(s.dir, viewFileName), by)
}

// loadView returns (nil, nil) when no saved View
// exists; its presence is the total-restart signal.
func (s *statePersistor) loadView() (v *View, err error) {
	if s.nodisk {
		return nil, nil
	}
	path := filepath.Join(s.dir, viewFileName)
	if !fileExists(path) {
		return nil, nil
	}
	by, err := s.loadRecord(path)
	if err != nil {
		return nil, err
	}
	v = &View{}
	_, err = v.UnmarshalMsg(by)
	panicOn(err)
	return
}

// ================= RaggedTrim =================

func (s *statePersistor) saveRaggedTrim(t *RaggedTrim) (err error) {
	by, err := t.MarshalMsg(nil)
	panicOn(err)
	return s.saveRecord(filepath.Join(s.dir, raggedTrimFileName(t.SubgroupID, t.Shard)), by)
}

// loadRaggedTrims reads every ragged_trim.<sid>.<shard>
// in the data dir.
func (s *statePersistor) loadRaggedTrims() (trims []*RaggedTrim, err error) {
	if s.nodisk {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "ragged_trim.*.*"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		by, err2 := s.loadRecord(path)
		if err2 != nil {
			return nil, err2
		}
		t := &RaggedTrim{}
		_, err2 = t.UnmarshalMsg(by)
		panicOn(err2)
		trims = append(trims, t)
	}
	return
}

func (s *statePersistor) close() {
	if s.parentDirFd != nil {
		s.parentDirFd.Close()
	}
}
