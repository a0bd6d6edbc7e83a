package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/telemux/internal/config"
	"github.com/banshee-data/telemux/internal/network"
	"github.com/banshee-data/telemux/internal/sink"
	"github.com/banshee-data/telemux/internal/stats"
	"github.com/banshee-data/telemux/internal/telemetry"
	"github.com/banshee-data/telemux/internal/timeutil"
)

// replayOptions extends the receiver flags with the capture to read.
type replayOptions struct {
	options
	pcap string
	port int
}

func runReplay(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("telemux replay", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var o replayOptions
	o.register(fs)
	fs.StringVar(&o.pcap, "pcap", "", "pcap or pcapng capture to replay (required)")
	fs.IntVar(&o.port, "port", 0, "UDP port to select; 0 uses the configured listen port, -1 replays every UDP datagram")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.pcap == "" {
		return errors.New("replay: --pcap is required")
	}

	cfg, err := loadConfig(fs, &o.options)
	if err != nil {
		return err
	}
	port, err := replayPort(cfg, o.port)
	if err != nil {
		return err
	}

	res, snap, err := replay(ctx, cfg, sink.Opener{}, o.pcap, port)
	if err != nil {
		return err
	}
	printReplay(stdout, res, snap)
	return nil
}

// replayPort resolves the --port flag. Zero means the port the receiver
// would listen on.
func replayPort(cfg *config.Config, flagPort int) (int, error) {
	switch {
	case flagPort < 0:
		return 0, nil
	case flagPort > 0:
		return flagPort, nil
	}
	addr, err := cfg.ListenAddr()
	if err != nil {
		return 0, err
	}
	return addr.Port, nil
}

// replay runs a capture through a fresh demux whose clock follows capture
// time, writing frames to the configured sinks.
func replay(ctx context.Context, cfg *config.Config, opener sink.Opener, path string, port int) (network.ReplayResult, stats.Snapshot, error) {
	reg, err := cfg.Registry(opener)
	if err != nil {
		return network.ReplayResult{}, stats.Snapshot{}, err
	}

	clock := timeutil.NewMockClock(time.Unix(0, 0).UTC())
	names := make([]string, 0, reg.Len())
	for _, ch := range reg.Channels() {
		names = append(names, ch.Name)
	}
	ps := stats.NewPacketStats(clock, names...)

	demux, err := telemetry.NewDemux(telemetry.DemuxConfig{
		Registry: reg,
		Recorder: telemetry.LogRecorder{Verbose: cfg.Verbose},
		Stats:    ps,
		Clock:    clock,
	})
	if err != nil {
		for _, ch := range reg.Channels() {
			ch.Sink.Close()
		}
		return network.ReplayResult{}, stats.Snapshot{}, err
	}

	res, err := network.ReplayPCAP(ctx, network.ReplayConfig{
		Path:    path,
		Port:    port,
		Handler: demux,
		Stats:   ps,
		Clock:   clock,
	})
	snap := ps.Snapshot()
	return res, snap, errors.Join(err, demux.Close())
}

func printReplay(w io.Writer, res network.ReplayResult, snap stats.Snapshot) {
	fmt.Fprintf(w, "replayed %s packets, %s datagrams in %v\n",
		stats.FormatWithCommas(int64(res.Packets)), stats.FormatWithCommas(int64(res.Datagrams)), res.Elapsed.Round(time.Millisecond))
	printChannels(w, snap.Channels)
	for _, kind := range slices.Sorted(maps.Keys(snap.Unrouted)) {
		fmt.Fprintf(w, "%s: %s\n", kind, stats.FormatWithCommas(snap.Unrouted[kind]))
	}
}
