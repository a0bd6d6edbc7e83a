package telemetry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"

	"github.com/banshee-data/telemux/internal/timeutil"
)

// Stats receives per-channel counters from the engine. Implementations are
// read from other goroutines and must be safe for concurrent use.
type Stats interface {
	AddDatagram(channel string, bytes int)
	AddFragment(channel string, duplicate bool)
	AddRejected(channel string)
	AddFrame(channel string, bytes int, assembly time.Duration)
	AddWriteFailure(channel string)
	AddDiscarded(channel string)
	AddUnrouted(kind EventKind)
}

type noopStats struct{}

func (noopStats) AddDatagram(string, int)             {}
func (noopStats) AddFragment(string, bool)            {}
func (noopStats) AddRejected(string)                  {}
func (noopStats) AddFrame(string, int, time.Duration) {}
func (noopStats) AddWriteFailure(string)              {}
func (noopStats) AddDiscarded(string)                 {}
func (noopStats) AddUnrouted(EventKind)               {}

// DemuxConfig wires a Demux.
type DemuxConfig struct {
	Registry *Registry
	Recorder EventRecorder
	Stats    Stats
	Clock    timeutil.Clock
}

type channelState struct {
	ch      *Channel
	asm     *Reassembly
	started time.Time
}

// Demux routes datagrams to their channels, reassembles fragmented frames and
// writes completed frames to the channel sinks.
//
// Demux is driven by a single receive goroutine: Handle, Sweep and Close
// must not be called concurrently.
type Demux struct {
	registry *Registry
	states   []*channelState
	recorder EventRecorder
	stats    Stats
	clock    timeutil.Clock
}

// NewDemux allocates one Reassembly per reassembled channel.
func NewDemux(cfg DemuxConfig) (*Demux, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("demux: registry is required")
	}
	d := &Demux{
		registry: cfg.Registry,
		recorder: cfg.Recorder,
		stats:    cfg.Stats,
		clock:    cfg.Clock,
	}
	if d.recorder == nil {
		d.recorder = noopRecorder{}
	}
	if d.stats == nil {
		d.stats = noopStats{}
	}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}

	for _, ch := range cfg.Registry.channels {
		st := &channelState{ch: ch}
		if ch.Mode == ModeReassemble {
			st.asm = NewReassembly(ch.FrameLen, ch.PayloadLen)
		}
		d.states = append(d.states, st)
	}
	return d, nil
}

// Registry returns the channel table the demux routes on.
func (d *Demux) Registry() *Registry { return d.registry }

// Handle processes one datagram. The returned error is informational: it has
// already been recorded as an event and never requires the caller to stop.
// The datagram slice is not retained.
func (d *Demux) Handle(datagram []byte) (Outcome, error) {
	h, err := DecodeHeader(datagram)
	if err != nil {
		d.emit(Event{Kind: EventMalformedDatagram, Length: len(datagram), Err: err})
		d.stats.AddUnrouted(EventMalformedDatagram)
		return Dropped, err
	}

	ch, ok := d.registry.Lookup(h.SystemID, h.SubType)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownChannel, h)
		d.emit(Event{Kind: EventUnknownChannel, Header: h, Length: len(datagram), Err: err})
		d.stats.AddUnrouted(EventUnknownChannel)
		return Dropped, err
	}
	d.stats.AddDatagram(ch.Name, len(datagram))

	st := d.states[ch.slot]
	payload := datagram[HeaderLen:]
	if st.asm == nil {
		return d.writeDirect(st, h, payload)
	}
	return d.reassemble(st, h, payload, len(datagram))
}

func (d *Demux) writeDirect(st *channelState, h Header, payload []byte) (Outcome, error) {
	n, err := st.ch.Sink.Write(payload)
	if err == nil && n != len(payload) {
		err = io.ErrShortWrite
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSinkWrite, st.ch.Name, err)
		d.emit(Event{Kind: EventSinkWriteFailure, Channel: st.ch.Name, Header: h, Length: n, Err: err})
		d.stats.AddWriteFailure(st.ch.Name)
		return Dropped, err
	}
	return Passthrough, nil
}

func (d *Demux) reassemble(st *channelState, h Header, payload []byte, size int) (Outcome, error) {
	if err := st.asm.Check(h); err != nil {
		d.emit(Event{Kind: EventFragmentOutOfRange, Channel: st.ch.Name, Header: h, Length: size, Err: err})
		d.stats.AddRejected(st.ch.Name)
		return Rejected, err
	}

	// Rejected fragments leave a stale frame to the sweep.
	now := d.clock.Now()
	d.expire(st, now)

	dup := st.asm.Has(h.FragmentIndex)
	outcome, err := st.asm.Accept(h, payload)
	if err != nil {
		return Rejected, err
	}
	d.stats.AddFragment(st.ch.Name, dup)
	if st.asm.Received() == 1 && !dup {
		st.started = now
	}

	if outcome != Complete {
		return outcome, nil
	}
	return Complete, d.flush(st, h, now)
}

// flush writes the whole frame in one call and resets the channel whether
// or not the write succeeded.
func (d *Demux) flush(st *channelState, h Header, now time.Time) error {
	defer d.reset(st)

	frame := st.asm.Frame()
	n, err := st.ch.Sink.Write(frame)
	if err == nil && n != len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSinkWrite, st.ch.Name, err)
		d.emit(Event{
			Kind:      EventSinkWriteFailure,
			Channel:   st.ch.Name,
			Header:    h,
			Length:    n,
			Fragments: st.asm.Received(),
			Err:       err,
		})
		d.stats.AddWriteFailure(st.ch.Name)
		return err
	}

	sum := blake3.Sum256(frame)
	d.stats.AddFrame(st.ch.Name, n, now.Sub(st.started))
	d.emit(Event{
		Kind:      EventFrameComplete,
		Channel:   st.ch.Name,
		Header:    h,
		Length:    n,
		Fragments: st.asm.Received(),
		Digest:    hex.EncodeToString(sum[:]),
	})
	return nil
}

func (d *Demux) reset(st *channelState) {
	st.asm.Reset()
	st.started = time.Time{}
}

// expire discards st's partial frame if it has outlived the channel's stale
// limit. It reports whether a frame was discarded.
func (d *Demux) expire(st *channelState, now time.Time) bool {
	if st.asm == nil || st.ch.StaleAfter <= 0 || !st.asm.Pending() {
		return false
	}
	age := now.Sub(st.started)
	if age < st.ch.StaleAfter {
		return false
	}
	d.emit(Event{
		Kind:      EventStaleFrame,
		Channel:   st.ch.Name,
		Fragments: st.asm.Received(),
		Err:       fmt.Errorf("%w: %s held %d/%d fragments for %v", ErrStaleFrame, st.ch.Name, st.asm.Received(), st.ch.FragmentCount(), age),
	})
	d.stats.AddDiscarded(st.ch.Name)
	d.reset(st)
	return true
}

// Sweep discards every partial frame older than its channel's stale limit
// and returns how many were dropped.
func (d *Demux) Sweep(now time.Time) int {
	n := 0
	for _, st := range d.states {
		if d.expire(st, now) {
			n++
		}
	}
	return n
}

// Progress reports the fragments held for a reassembled channel. Like
// Handle it belongs to the receive goroutine.
func (d *Demux) Progress(name string) (received, total int, ok bool) {
	for _, st := range d.states {
		if st.ch.Name == name && st.asm != nil {
			return st.asm.Received(), st.ch.FragmentCount(), true
		}
	}
	return 0, 0, false
}

// Close closes every channel sink. Partial frames are abandoned.
func (d *Demux) Close() error {
	var errs []error
	for _, st := range d.states {
		if err := st.ch.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", st.ch.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Demux) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = d.clock.Now()
	}
	d.recorder.Record(e)
}
