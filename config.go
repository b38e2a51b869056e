package membrane

import (
	"fmt"
	"os"
	"time"

	gjson "github.com/goccy/go-json"
)

type SendAlgorithm int32

const (
	SendBinomial   SendAlgorithm = 1
	SendChain      SendAlgorithm = 2
	SendSequential SendAlgorithm = 3
	SendTree       SendAlgorithm = 4
)

func (a SendAlgorithm) String() string {
	switch a {
	case SendBinomial:
		return "binomial"
	case SendChain:
		return "chain"
	case SendSequential:
		return "sequential"
	case SendTree:
		return "tree"
	}
	return fmt.Sprintf("unknown SendAlgorithm: %v", int32(a))
}

// Config carries the identity, bootstrap, and
// multicast tuning knobs for one node. Load it
// from a JSON file with LoadConfig or fill it in
// directly; either way call Init() once before
// NewGroup. Init applies defaults and panics on
// nonsense combinations, so that a bad deployment
// dies at startup rather than wedging the group
// later.
type Config struct {
	// identity & bootstrap
	LocalID       uint32 `json:"local_id" zid:"0"`
	LocalIP       string `json:"local_ip" zid:"1"`
	GmsPort       uint16 `json:"gms_port" zid:"2"`
	RpcPort       uint16 `json:"rpc_port" zid:"3"`
	SstPort       uint16 `json:"sst_port" zid:"4"`
	RdmcPort      uint16 `json:"rdmc_port" zid:"5"`
	LeaderIP      string `json:"leader_ip" zid:"6"`
	LeaderGmsPort uint16 `json:"leader_gms_port" zid:"7"`

	// multicast tuning
	MaxPayloadSize    int64         `json:"max_payload_size" zid:"8"`
	MaxSMCPayloadSize int64         `json:"max_smc_payload_size" zid:"9"`
	BlockSize         int64         `json:"block_size" zid:"10"`
	WindowSize        int64         `json:"window_size" zid:"11"`
	TimeoutMs         int64         `json:"timeout_ms" zid:"12"`
	SendAlgo          SendAlgorithm `json:"send_algorithm" zid:"13"`

	// where the saved View and ragged-trim files live.
	DataDir string `json:"data_dir" zid:"14"`

	// bulk payloads at or above this many bytes get
	// zstd-compressed on the wire; 0 disables.
	CompressBulkOver int64 `json:"compress_bulk_over" zid:"15"`

	initCalled bool
}

// DefaultConfig gives the tuning defaults; identity
// fields still have to be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		MaxPayloadSize:    1 << 20,
		MaxSMCPayloadSize: 1024,
		BlockSize:         1 << 20,
		WindowSize:        3,
		TimeoutMs:         1,
		SendAlgo:          SendBinomial,
		DataDir:           ".",
	}
}

func LoadConfig(path string) (cfg *Config, err error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg = &Config{}
	err = gjson.Unmarshal(by, cfg)
	if err != nil {
		return nil, fmt.Errorf("LoadConfig: bad JSON in '%v': %v", path, err)
	}
	return
}

func (cfg *Config) Save(path string) (err error) {
	by, err := gjson.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return
	}
	tmppath := path + ".pre_rename." + cryRand15B()
	err = os.WriteFile(tmppath, by, 0644)
	if err != nil {
		return
	}
	return os.Rename(tmppath, path)
}

// Init validates and applies defaults. Call once.
func (cfg *Config) Init() *Config {
	if cfg.initCalled {
		return cfg
	}
	cfg.initCalled = true

	def := DefaultConfig()
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = def.MaxPayloadSize
	}
	if cfg.MaxSMCPayloadSize == 0 {
		cfg.MaxSMCPayloadSize = def.MaxSMCPayloadSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = def.TimeoutMs
	}
	if cfg.SendAlgo == 0 {
		cfg.SendAlgo = def.SendAlgo
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.LocalIP == "" {
		cfg.LocalIP = "127.0.0.1"
	}

	if cfg.MaxSMCPayloadSize > cfg.MaxPayloadSize {
		panicf("Config: max_smc_payload_size (%v) must not exceed max_payload_size (%v)",
			cfg.MaxSMCPayloadSize, cfg.MaxPayloadSize)
	}
	if cfg.WindowSize < 1 {
		panicf("Config: window_size must be >= 1, not %v", cfg.WindowSize)
	}
	switch cfg.SendAlgo {
	case SendBinomial, SendChain, SendSequential, SendTree:
	default:
		panicf("Config: unknown send_algorithm %v", int32(cfg.SendAlgo))
	}
	if !dirExists(cfg.DataDir) {
		err := os.MkdirAll(cfg.DataDir, 0700)
		panicOn(err)
	}
	return cfg
}

func (cfg *Config) timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// myAddr assembles this node's MemberAddr from the
// identity knobs.
func (cfg *Config) myAddr() *MemberAddr {
	return &MemberAddr{
		IP:       cfg.LocalIP,
		GmsPort:  cfg.GmsPort,
		RpcPort:  cfg.RpcPort,
		SstPort:  cfg.SstPort,
		RdmcPort: cfg.RdmcPort,
	}
}

// bootstrappingAlone reports whether we are the
// designated first node: no leader address, or the
// leader address is ourselves.
func (cfg *Config) bootstrappingAlone() bool {
	if cfg.LeaderIP == "" {
		return true
	}
	return cfg.LeaderIP == cfg.LocalIP && cfg.LeaderGmsPort == cfg.GmsPort
}
