package membrane

import (
	"github.com/klauspost/compress/zstd"
)

// bulk-path payloads at or above the configured
// threshold travel zstd-compressed; a one-byte
// prefix on each bulk frame says which form the
// bytes are in.

const (
	bulkRaw  byte = 0
	bulkZstd byte = 1
)

var zEnc *zstd.Encoder
var zDec *zstd.Decoder

func init() {
	var err error
	zEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	panicOn(err)
	zDec, err = zstd.NewReader(nil)
	panicOn(err)
}

func maybeCompressBulk(frame []byte, threshold int64) (out []byte) {
	if threshold > 0 && int64(len(frame)) >= threshold {
		out = append(out, bulkZstd)
		out = zEnc.EncodeAll(frame, out)
		if len(out) < len(frame)+1 {
			return
		}
		// incompressible; ship raw.
	}
	out = make([]byte, 0, len(frame)+1)
	out = append(out, bulkRaw)
	out = append(out, frame...)
	return
}

func uncompressBulk(wire []byte) (frame []byte, err error) {
	if len(wire) == 0 {
		return nil, nil
	}
	switch wire[0] {
	case bulkZstd:
		return zDec.DecodeAll(wire[1:], nil)
	default:
		return wire[1:], nil
	}
}
