package membrane

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cryrand "crypto/rand"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

func cryRand15B() string {
	var by [15]byte // 16 and 17 gets = signs. yuck.
	_, err := cryrand.Read(by[:])
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(by[:])
}

func blake3ToString33B(h *blake3.Hasher) string {
	by := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(by[:33]) + "\n"
}

func fileExists(name string) bool {
	fi, err := os.Stat(name)
	if err != nil {
		return false
	}
	if fi.IsDir() {
		return false
	}
	return true
}

func dirExists(name string) bool {
	fi, err := os.Stat(name)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

// parent directory metadata must also be synced
// to disk for true persistence; resolve where
// that actually lives through any symlinks.
func getActualParentDirForFsync(path string) (actualParentPath string, err error) {

	absPath, err1 := filepath.Abs(path)
	if err1 != nil {
		return "", fmt.Errorf("getActualParentDirForFsync: filepath.Abs(path='%v') error: '%v'", path, err1)
	}

	absParent := filepath.Dir(absPath)

	actualParentPath, err = filepath.EvalSymlinks(absParent)
	if err != nil {
		return "", fmt.Errorf("getActualParentDirForFsync: filepath.EvalSymlinks(absParent='%v') error: '%v'", absParent, err)
	}
	return
}

// framing for persisted records: a fixed u64 little-endian
// length prefix, then exactly that many payload bytes.
// The frame position is left aligned for the next record.

func writeframe(fd *os.File, payload []byte) (nw int64, err error) {
	var lenb [8]byte
	binary.LittleEndian.PutUint64(lenb[:], uint64(len(payload)))
	_, err = fd.Write(lenb[:])
	if err != nil {
		return
	}
	_, err = fd.Write(payload)
	nw = int64(8 + len(payload))
	return
}

func nextframe(fd *os.File, path string) (readme []byte, err error) {
	var lenb [8]byte
	_, err = io.ReadFull(fd, lenb[:])
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lenb[:])
	if n > 1<<31 {
		return nil, fmt.Errorf("nextframe: implausible frame length %v in path '%v'", n, path)
	}
	readme = make([]byte, n)
	_, err = io.ReadFull(fd, readme)
	if err != nil {
		return nil, fmt.Errorf("nextframe: short frame in path '%v': %v", path, err)
	}
	return readme, nil
}
