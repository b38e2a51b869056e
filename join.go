package membrane

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/glycerine/greenpack/msgp"
)

// The membership (gms) side channel is a plain TCP
// byte protocol:
//
//	joiner -> leader: node_id u32
//	leader -> joiner: {code u8, leader_id u32}
//	  LEADER_REDIRECT: {size u64, ip bytes, gms_port u16} follows
//	  TOTAL_RESTART:   joiner sends saved View + ragged-trim list
//	  OK:              joiner sends gms,rpc,sst,rdmc ports (u16 each)
//	when the next view commits, leader sends:
//	  {view_size u64, view bytes, params_size u64,
//	   params bytes, view_confirmed bool}; on false the
//	  joiner loops for the next candidate view
//	finally: {old_shard_leaders_size u64, bytes}

const (
	joinOK             uint8 = 0
	joinIDInUse        uint8 = 1
	joinLeaderRedirect uint8 = 2
	joinTotalRestart   uint8 = 3
)

// ============ little-endian conn primitives ============

func writeU8(conn net.Conn, v uint8) error {
	_, err := conn.Write([]byte{v})
	return err
}

func readU8(conn net.Conn) (v uint8, err error) {
	var b [1]byte
	_, err = io.ReadFull(conn, b[:])
	return b[0], err
}

func writeU16(conn net.Conn, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := conn.Write(b[:])
	return err
}

func readU16(conn net.Conn) (v uint16, err error) {
	var b [2]byte
	_, err = io.ReadFull(conn, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

func writeU32(conn net.Conn, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := conn.Write(b[:])
	return err
}

func readU32(conn net.Conn) (v uint32, err error) {
	var b [4]byte
	_, err = io.ReadFull(conn, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

func writeBool(conn net.Conn, v bool) error {
	if v {
		return writeU8(conn, 1)
	}
	return writeU8(conn, 0)
}

func readBool(conn net.Conn) (v bool, err error) {
	u, err := readU8(conn)
	return u != 0, err
}

// blob: u64 size then the bytes.
func writeBlob(conn net.Conn, by []byte) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(len(by)))
	_, err := conn.Write(b[:])
	if err != nil {
		return err
	}
	_, err = conn.Write(by)
	return err
}

func readBlob(conn net.Conn) (by []byte, err error) {
	var b [8]byte
	_, err = io.ReadFull(conn, b[:])
	if err != nil {
		return
	}
	n := binary.LittleEndian.Uint64(b[:])
	if n > 1<<31 {
		return nil, fmt.Errorf("readBlob: implausible blob length %v", n)
	}
	by = make([]byte, n)
	_, err = io.ReadFull(conn, by)
	return
}

// ============ multicast parameters blob ============

// multicastParams ship to joiners with the View so
// that every member sizes its SST identically.
// Parameters never change mid-epoch.
type multicastParams struct {
	MaxPayloadSize    int64
	MaxSMCPayloadSize int64
	BlockSize         int64
	WindowSize        int64
	TimeoutMs         int64
	SendAlgo          SendAlgorithm
}

func paramsFromConfig(cfg *Config) *multicastParams {
	return &multicastParams{
		MaxPayloadSize:    cfg.MaxPayloadSize,
		MaxSMCPayloadSize: cfg.MaxSMCPayloadSize,
		BlockSize:         cfg.BlockSize,
		WindowSize:        cfg.WindowSize,
		TimeoutMs:         cfg.TimeoutMs,
		SendAlgo:          cfg.SendAlgo,
	}
}

func (p *multicastParams) applyTo(cfg *Config) {
	cfg.MaxPayloadSize = p.MaxPayloadSize
	cfg.MaxSMCPayloadSize = p.MaxSMCPayloadSize
	cfg.BlockSize = p.BlockSize
	cfg.WindowSize = p.WindowSize
	cfg.TimeoutMs = p.TimeoutMs
	cfg.SendAlgo = p.SendAlgo
}

func (p *multicastParams) MarshalMsg(b []byte) (o []byte, err error) {
	o = b
	o = msgp.AppendInt64(o, p.MaxPayloadSize)
	o = msgp.AppendInt64(o, p.MaxSMCPayloadSize)
	o = msgp.AppendInt64(o, p.BlockSize)
	o = msgp.AppendInt64(o, p.WindowSize)
	o = msgp.AppendInt64(o, p.TimeoutMs)
	o = msgp.AppendInt32(o, int32(p.SendAlgo))
	return
}

func (p *multicastParams) UnmarshalMsg(b []byte) (o []byte, err error) {
	o = b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	p.MaxPayloadSize, o, err = nbs.ReadInt64Bytes(o)
	if err != nil {
		return
	}
	p.MaxSMCPayloadSize, o, err = nbs.ReadInt64Bytes(o)
	if err != nil {
		return
	}
	p.BlockSize, o, err = nbs.ReadInt64Bytes(o)
	if err != nil {
		return
	}
	p.WindowSize, o, err = nbs.ReadInt64Bytes(o)
	if err != nil {
		return
	}
	p.TimeoutMs, o, err = nbs.ReadInt64Bytes(o)
	if err != nil {
		return
	}
	var a int32
	a, o, err = nbs.ReadInt32Bytes(o)
	p.SendAlgo = SendAlgorithm(a)
	return
}

// ============ old shard leaders vector ============

// oldShardLeaders[sid][shard] is the node id that
// led the shard in the terminated epoch, or -1. The
// state-transfer layer reads it to know whom to pull
// object state from.
type oldShardLeaders [][]int32

func (v oldShardLeaders) MarshalMsg(b []byte) (o []byte, err error) {
	o = b
	o = msgp.AppendArrayHeader(o, uint32(len(v)))
	for _, shards := range v {
		o = msgp.AppendArrayHeader(o, uint32(len(shards)))
		for _, id := range shards {
			o = msgp.AppendInt32(o, id)
		}
	}
	return
}

func unmarshalOldShardLeaders(b []byte) (v oldShardLeaders, err error) {
	o := b
	var nbs msgp.NilBitsStack
	nbs.Init(nil)
	var n uint32
	n, o, err = nbs.ReadArrayHeaderBytes(o)
	if err != nil {
		return
	}
	v = make(oldShardLeaders, n)
	for i := range v {
		var ns uint32
		ns, o, err = nbs.ReadArrayHeaderBytes(o)
		if err != nil {
			return
		}
		v[i] = make([]int32, ns)
		for j := range v[i] {
			v[i][j], o, err = nbs.ReadInt32Bytes(o)
			if err != nil {
				return
			}
		}
	}
	return
}

// ============ joiner (client) side ============

// dialJoin runs the joiner handshake against addr.
// On OK it sends our four ports and returns the open
// socket for the view shipment. A follower answers
// with a *LeaderRedirectError naming the real
// leader. On TOTAL_RESTART the caller owns the
// restart exchange on the returned socket.
func dialJoin(addr string, cfg *Config) (conn net.Conn, code uint8, leaderID NodeID, err error) {
	conn, err = net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return
	}
	err = writeU32(conn, cfg.LocalID)
	if err != nil {
		conn.Close()
		return nil, 0, 0, ErrLeaderCrashed
	}
	code, err = readU8(conn)
	if err != nil {
		conn.Close()
		return nil, 0, 0, ErrLeaderCrashed
	}
	var lid uint32
	lid, err = readU32(conn)
	if err != nil {
		conn.Close()
		return nil, 0, 0, ErrLeaderCrashed
	}
	leaderID = NodeID(lid)

	switch code {
	case joinIDInUse:
		conn.Close()
		return nil, code, leaderID, ErrIdInUse
	case joinLeaderRedirect:
		var ipb []byte
		ipb, err = readBlob(conn)
		if err != nil {
			conn.Close()
			return nil, 0, 0, ErrLeaderCrashed
		}
		var port uint16
		port, err = readU16(conn)
		conn.Close()
		if err != nil {
			return nil, 0, 0, ErrLeaderCrashed
		}
		return nil, code, leaderID, &LeaderRedirectError{
			LeaderIP:      string(ipb),
			LeaderGmsPort: port,
		}
	case joinTotalRestart:
		return conn, code, leaderID, nil
	case joinOK:
		for _, p := range []uint16{cfg.GmsPort, cfg.RpcPort, cfg.SstPort, cfg.RdmcPort} {
			err = writeU16(conn, p)
			if err != nil {
				conn.Close()
				return nil, 0, 0, ErrLeaderCrashed
			}
		}
		return conn, code, leaderID, nil
	}
	conn.Close()
	return nil, code, leaderID, fmt.Errorf("join: unknown response code %v", code)
}

// joinGroup dials until it lands on the actual
// leader, following redirects and retrying through
// leader crashes.
func joinGroup(cfg *Config) (conn net.Conn, code uint8, err error) {
	addr := fmt.Sprintf("%v:%v", cfg.LeaderIP, cfg.LeaderGmsPort)
	deadline := time.Now().Add(60 * time.Second)
	for {
		conn, code, _, err = dialJoin(addr, cfg)
		var lre *LeaderRedirectError
		switch {
		case err == nil && conn != nil:
			return
		case errors.As(err, &lre):
			// a non-leader answered; re-dial the leader
			// it pointed us at.
			addr = fmt.Sprintf("%v:%v", lre.LeaderIP, lre.LeaderGmsPort)
			continue
		case err == ErrIdInUse:
			return nil, 0, err
		}
		if time.Now().After(deadline) {
			return nil, 0, fmt.Errorf("joinGroup: giving up on '%v': %v", addr, err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// awaitShippedView receives candidate views on the
// join socket until one arrives confirmed, then the
// old-shard-leaders vector.
func awaitShippedView(conn net.Conn) (v *View, params *multicastParams, osl oldShardLeaders, err error) {
	for {
		var viewBy, paramsBy []byte
		viewBy, err = readBlob(conn)
		if err != nil {
			return nil, nil, nil, ErrLeaderCrashed
		}
		paramsBy, err = readBlob(conn)
		if err != nil {
			return nil, nil, nil, ErrLeaderCrashed
		}
		var confirmed bool
		confirmed, err = readBool(conn)
		if err != nil {
			return nil, nil, nil, ErrLeaderCrashed
		}
		if !confirmed {
			// candidate withdrawn (a joiner failed);
			// wait for the recomputed view.
			continue
		}
		v = &View{}
		_, err = v.UnmarshalMsg(viewBy)
		if err != nil {
			return nil, nil, nil, err
		}
		params = &multicastParams{}
		_, err = params.UnmarshalMsg(paramsBy)
		if err != nil {
			return nil, nil, nil, err
		}
		break
	}
	var oslBy []byte
	oslBy, err = readBlob(conn)
	if err != nil {
		return nil, nil, nil, ErrLeaderCrashed
	}
	osl, err = unmarshalOldShardLeaders(oslBy)
	return
}

// shipViewToJoiner is the leader's half: the
// committed next view, the parameters, the confirm
// flag, then the old shard leaders.
func shipViewToJoiner(conn net.Conn, v *View, params *multicastParams, confirmed bool, osl oldShardLeaders) (err error) {
	viewBy, err := v.MarshalMsg(nil)
	if err != nil {
		return
	}
	paramsBy, err := params.MarshalMsg(nil)
	if err != nil {
		return
	}
	if err = writeBlob(conn, viewBy); err != nil {
		return
	}
	if err = writeBlob(conn, paramsBy); err != nil {
		return
	}
	if err = writeBool(conn, confirmed); err != nil {
		return
	}
	if !confirmed {
		return
	}
	oslBy, err := osl.MarshalMsg(nil)
	if err != nil {
		return
	}
	return writeBlob(conn, oslBy)
}
