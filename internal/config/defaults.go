package config

import (
	"fmt"

	"github.com/banshee-data/telemux/internal/sink"
)

// Frame products multiplexed on a CMOS system id, carried in the sub_type
// byte.
const (
	SubTypePC ID = 0x00 // photon-counting frame
	SubTypeQL ID = 0x01 // quick-look frame
)

// Frame geometry of the detector systems.
const (
	FragmentPayloadLen = 1992
	CdTeFrameLen       = 32780
	CMOSPCFrameLen     = 590848
	CMOSQLFrameLen     = 492544
)

// Default returns the ground-station setup: housekeeping written straight
// through, four CdTe detectors and two CMOS detectors with separate
// photon-counting and quick-look products.
func Default() *Config {
	cfg := &Config{
		LogDir:    "log/gse",
		DBPath:    "log/gse/telemux.db",
		APIListen: "127.0.0.1:8080",
	}
	cfg.applyDefaults()

	cfg.Channels = append(cfg.Channels, ChannelConfig{
		Name:       "housekeeping",
		SystemID:   0x02,
		Mode:       "direct",
		PayloadLen: FragmentPayloadLen,
		Sink:       sink.Spec{Kind: sink.KindFile, Path: "housekeeping.log"},
	})

	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("cdte%d", i+1)
		cfg.Channels = append(cfg.Channels, ChannelConfig{
			Name:       name,
			SystemID:   ID(0x09 + i),
			Mode:       "reassemble",
			FrameLen:   CdTeFrameLen,
			PayloadLen: FragmentPayloadLen,
			Sink:       sink.Spec{Kind: sink.KindFile, Path: name + ".log"},
		})
	}

	for i := 0; i < 2; i++ {
		for _, p := range []struct {
			suffix   string
			sub      ID
			frameLen int
		}{
			{"pc", SubTypePC, CMOSPCFrameLen},
			{"ql", SubTypeQL, CMOSQLFrameLen},
		} {
			name := fmt.Sprintf("cmos%d_%s", i+1, p.suffix)
			sub := p.sub
			cfg.Channels = append(cfg.Channels, ChannelConfig{
				Name:       name,
				SystemID:   ID(0x0e + i),
				SubType:    &sub,
				Mode:       "reassemble",
				FrameLen:   p.frameLen,
				PayloadLen: FragmentPayloadLen,
				Sink:       sink.Spec{Kind: sink.KindFile, Path: name + ".log"},
			})
		}
	}
	return cfg
}
