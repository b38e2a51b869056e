package membrane

import (
	"path/filepath"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_Config_DefaultsAndValidation(t *testing.T) {

	cv.Convey("Config.Init applies the tuning defaults and leaves explicit knobs alone", t, func() {
		cfg := &Config{LocalID: 7, DataDir: t.TempDir(), WindowSize: 16}
		cfg.Init()
		cv.So(cfg.MaxPayloadSize, cv.ShouldEqual, int64(1<<20))
		cv.So(cfg.MaxSMCPayloadSize, cv.ShouldEqual, int64(1024))
		cv.So(cfg.WindowSize, cv.ShouldEqual, int64(16))
		cv.So(cfg.SendAlgo, cv.ShouldEqual, SendBinomial)
		cv.So(cfg.LocalIP, cv.ShouldEqual, "127.0.0.1")

		// Init is once-only.
		cfg.WindowSize = 0
		cfg.Init()
		cv.So(cfg.WindowSize, cv.ShouldEqual, int64(0))
	})

	cv.Convey("an smc payload cap above the bulk cap is a configuration bug and panics", t, func() {
		cfg := &Config{
			DataDir:           t.TempDir(),
			MaxPayloadSize:    100,
			MaxSMCPayloadSize: 200,
		}
		cv.So(func() { cfg.Init() }, cv.ShouldPanic)
	})

	cv.Convey("an unknown send algorithm panics", t, func() {
		cfg := &Config{DataDir: t.TempDir(), SendAlgo: SendAlgorithm(99)}
		cv.So(func() { cfg.Init() }, cv.ShouldPanic)
	})
}

func Test002_Config_FileRoundtrip(t *testing.T) {

	cv.Convey("a Config survives the JSON file roundtrip", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "node.json")

		cfg := DefaultConfig()
		cfg.LocalID = 42
		cfg.LocalIP = "10.1.2.3"
		cfg.GmsPort = 7100
		cfg.LeaderIP = "10.1.2.1"
		cfg.LeaderGmsPort = 7100
		cfg.SendAlgo = SendChain
		cfg.DataDir = dir
		cv.So(cfg.Save(path), cv.ShouldBeNil)

		got, err := LoadConfig(path)
		cv.So(err, cv.ShouldBeNil)
		cv.So(got.LocalID, cv.ShouldEqual, uint32(42))
		cv.So(got.LocalIP, cv.ShouldEqual, "10.1.2.3")
		cv.So(got.GmsPort, cv.ShouldEqual, uint16(7100))
		cv.So(got.SendAlgo, cv.ShouldEqual, SendChain)
	})

	cv.Convey("a missing config file errors rather than silently defaulting", t, func() {
		_, err := LoadConfig("/definitely/not/here.json")
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test003_Config_ParamsShipToJoiners(t *testing.T) {

	cv.Convey("multicastParams carry the tuning knobs to joiners unchanged", t, func() {
		cfg := DefaultConfig()
		cfg.WindowSize = 9
		cfg.MaxSMCPayloadSize = 333
		cfg.SendAlgo = SendTree

		p := paramsFromConfig(cfg)
		by, err := p.MarshalMsg(nil)
		cv.So(err, cv.ShouldBeNil)

		p2 := &multicastParams{}
		_, err = p2.UnmarshalMsg(by)
		cv.So(err, cv.ShouldBeNil)

		dest := DefaultConfig()
		p2.applyTo(dest)
		cv.So(dest.WindowSize, cv.ShouldEqual, int64(9))
		cv.So(dest.MaxSMCPayloadSize, cv.ShouldEqual, int64(333))
		cv.So(dest.SendAlgo, cv.ShouldEqual, SendTree)
	})
}
