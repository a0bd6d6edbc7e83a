package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/banshee-data/telemux/internal/api"
	"github.com/banshee-data/telemux/internal/config"
	"github.com/banshee-data/telemux/internal/db"
	"github.com/banshee-data/telemux/internal/monitoring"
	"github.com/banshee-data/telemux/internal/network"
	"github.com/banshee-data/telemux/internal/sink"
	"github.com/banshee-data/telemux/internal/stats"
	"github.com/banshee-data/telemux/internal/telemetry"
	"github.com/banshee-data/telemux/internal/timeutil"
	"github.com/banshee-data/telemux/internal/version"
)

// deps are the seams tests replace.
type deps struct {
	opener  sink.Opener
	sockets network.UDPSocketFactory
	clock   timeutil.Clock
}

// receiver is the wired live pipeline: socket, demux, sinks, diagnostics
// store and status API.
type receiver struct {
	cfg       *config.Config
	clock     timeutil.Clock
	registry  *telemetry.Registry
	stats     *stats.PacketStats
	store     *db.DB
	recorder  *db.EventRecorder
	runID     string
	demux     *telemetry.Demux
	forwarder *network.PacketForwarder
	listener  *network.UDPListener
	api       *api.Server
}

func newReceiver(cfg *config.Config, d deps) (_ *receiver, err error) {
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	r := &receiver{cfg: cfg, clock: d.clock}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if r.store, err = db.NewDB(cfg.DBPath); err != nil {
			return nil, err
		}
		run, err := r.store.StartRun(cfg.Listen, version.Version, d.clock.Now())
		if err != nil {
			return nil, err
		}
		r.runID = run.ID
		r.recorder = db.NewEventRecorder(r.store, run.ID, db.RecorderConfig{})
		monitoring.Logf("diagnostics database %s, run %s", cfg.DBPath, run.ID)
	}

	if r.registry, err = cfg.Registry(d.opener); err != nil {
		return nil, err
	}
	names := make([]string, 0, r.registry.Len())
	for _, ch := range r.registry.Channels() {
		names = append(names, ch.Name)
		monitoring.Logf("channel %s: %s, %d fragments", ch.Label(), ch.Mode, ch.FragmentCount())
	}
	r.stats = stats.NewPacketStats(d.clock, names...)

	recorders := telemetry.Recorders{telemetry.LogRecorder{Verbose: cfg.Verbose}}
	if r.recorder != nil {
		recorders = append(recorders, r.recorder)
	}
	r.demux, err = telemetry.NewDemux(telemetry.DemuxConfig{
		Registry: r.registry,
		Recorder: recorders,
		Stats:    r.stats,
		Clock:    d.clock,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Forward != "" {
		if r.forwarder, err = network.NewPacketForwarder(cfg.Forward, r.stats, cfg.StatsInterval.D()); err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
	}

	r.listener = network.NewUDPListener(network.UDPListenerConfig{
		Address:       cfg.Listen,
		RcvBuf:        cfg.RcvBuf,
		BufferSize:    r.registry.MaxDatagramLen(),
		ReadTimeout:   cfg.ReadTimeout.D(),
		LogInterval:   cfg.StatsInterval.D(),
		Handler:       r.demux,
		Stats:         r.stats,
		Forwarder:     r.forwarder,
		SocketFactory: d.sockets,
		Clock:         d.clock,
	})

	if cfg.APIListen != "" {
		var events api.EventSource
		if r.store != nil {
			events = r.store
		}
		r.api = api.NewServer(r.registry, r.stats, events, r.runID)
	}
	return r, nil
}

// run receives until ctx is cancelled or the socket fails to bind.
func (r *receiver) run(ctx context.Context) error {
	var wg sync.WaitGroup
	bg, stopBackground := context.WithCancel(context.Background())
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	if r.recorder != nil {
		r.recorder.Start(bg)
	}

	if r.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.api.ListenAndServe(ctx, r.cfg.APIListen); err != nil {
				monitoring.Logf("HTTP API stopped: %v", err)
			}
		}()
	}

	if r.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.persistStats(bg)
		}()
	}

	err := r.listener.Start(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// persistStats snapshots the channel counters into the diagnostics store
// every stats interval.
func (r *receiver) persistStats(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.StatsInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := r.store.RecordChannelStats(r.runID, r.stats.Snapshot()); err != nil {
				monitoring.Logf("failed to record channel stats: %v", err)
			}
		}
	}
}

// close tears the pipeline down in dependency order: no more datagrams, then
// no more events, then the sinks, then the store.
func (r *receiver) close() error {
	var errs []error
	if r.listener != nil {
		errs = append(errs, r.listener.Close())
	}
	if r.forwarder != nil {
		errs = append(errs, r.forwarder.Close())
	}
	if r.recorder != nil {
		r.recorder.Close()
		if n := r.recorder.Dropped() + r.recorder.Failed(); n > 0 {
			monitoring.Logf("diagnostics: %d events were not stored", n)
		}
	}
	if r.demux != nil {
		errs = append(errs, r.demux.Close())
	} else if r.registry != nil {
		for _, ch := range r.registry.Channels() {
			errs = append(errs, ch.Sink.Close())
		}
	}
	if r.store != nil {
		if r.stats != nil && r.runID != "" {
			errs = append(errs, r.store.RecordChannelStats(r.runID, r.stats.Snapshot()))
		}
		errs = append(errs, r.store.Close())
	}
	if r.stats != nil {
		r.stats.LogStats()
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg *config.Config) error {
	r, err := newReceiver(cfg, deps{})
	if err != nil {
		return err
	}
	err = r.run(ctx)
	return errors.Join(err, r.close())
}
