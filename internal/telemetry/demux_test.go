package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemux/internal/timeutil"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

type countingStats struct {
	datagrams, fragments, duplicates, rejected, frames, failures, discarded int
	unrouted                                                               map[EventKind]int
}

func (s *countingStats) AddDatagram(string, int) { s.datagrams++ }
func (s *countingStats) AddFragment(_ string, dup bool) {
	s.fragments++
	if dup {
		s.duplicates++
	}
}
func (s *countingStats) AddRejected(string)                  { s.rejected++ }
func (s *countingStats) AddFrame(string, int, time.Duration) { s.frames++ }
func (s *countingStats) AddWriteFailure(string)              { s.failures++ }
func (s *countingStats) AddDiscarded(string)                 { s.discarded++ }
func (s *countingStats) AddUnrouted(k EventKind) {
	if s.unrouted == nil {
		s.unrouted = make(map[EventKind]int)
	}
	s.unrouted[k]++
}

type fixture struct {
	demux  *Demux
	hk     *memSink
	small  *memSink
	pc     *memSink
	ql     *memSink
	events *eventLog
	stats  *countingStats
	clock  *timeutil.MockClock
}

func newFixture(t *testing.T, staleAfter time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		hk:     newMemSink("hk"),
		small:  newMemSink("small"),
		pc:     newMemSink("pc"),
		ql:     newMemSink("ql"),
		events: &eventLog{},
		stats:  &countingStats{},
		clock:  timeutil.NewMockClock(time.Date(2024, 4, 8, 18, 0, 0, 0, time.UTC)),
	}
	reg, err := NewRegistry([]Channel{
		{Name: "housekeeping", SystemID: 0x02, Mode: ModeDirect, Sink: f.hk},
		{Name: "small", SystemID: 0x09, FrameLen: 6, PayloadLen: 2, StaleAfter: staleAfter, Sink: f.small},
		{Name: "cmos-pc", SystemID: 0x0e, SubType: 0x00, HasSubType: true, FrameLen: 4, PayloadLen: 2, Sink: f.pc},
		{Name: "cmos-ql", SystemID: 0x0e, SubType: 0x01, HasSubType: true, FrameLen: 4, PayloadLen: 2, Sink: f.ql},
	})
	require.NoError(t, err)

	f.demux, err = NewDemux(DemuxConfig{Registry: reg, Recorder: f.events, Stats: f.stats, Clock: f.clock})
	require.NoError(t, err)
	return f
}

func datagram(sys, sub uint8, total, index uint16, payload ...byte) []byte {
	h := Header{SystemID: sys, SubType: sub, TotalFragments: total, FragmentIndex: index}
	return append(h.AppendTo(nil), payload...)
}

func TestDemux_ReassemblesScenario(t *testing.T) {
	f := newFixture(t, 0)

	out, err := f.demux.Handle(datagram(0x09, 0, 3, 2, 0xAA, 0xBB))
	require.NoError(t, err)
	assert.Equal(t, InProgress, out)

	out, _ = f.demux.Handle(datagram(0x09, 0, 3, 1, 0x11, 0x22))
	assert.Equal(t, InProgress, out)
	assert.Empty(t, f.small.Writes(), "frame flushed before completion")

	out, err = f.demux.Handle(datagram(0x09, 0, 3, 3, 0xCC, 0xDD))
	require.NoError(t, err)
	assert.Equal(t, Complete, out)

	writes := f.small.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x11, 0x22, 0xAA, 0xBB, 0xCC, 0xDD}, writes[0])

	received, total, ok := f.demux.Progress("small")
	require.True(t, ok)
	assert.Equal(t, 0, received, "state not reset after flush")
	assert.Equal(t, 3, total)

	require.Equal(t, []EventKind{EventFrameComplete}, f.events.kinds())
	assert.Len(t, f.events.events[0].Digest, 64)
	assert.Equal(t, 6, f.events.events[0].Length)
	assert.Equal(t, 1, f.stats.frames)
}

func TestDemux_NextFrameStartsClean(t *testing.T) {
	f := newFixture(t, 0)
	for _, idx := range []uint16{1, 2, 3} {
		f.demux.Handle(datagram(0x09, 0, 3, idx, byte(idx), byte(idx)))
	}
	for _, idx := range []uint16{3, 1, 2} {
		f.demux.Handle(datagram(0x09, 0, 3, idx, byte(idx)+0x10, byte(idx)+0x10))
	}

	writes := f.small.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{1, 1, 2, 2, 3, 3}, writes[0])
	assert.Equal(t, []byte{0x11, 0x11, 0x12, 0x12, 0x13, 0x13}, writes[1])
}

func TestDemux_OutOfRangeRejected(t *testing.T) {
	f := newFixture(t, 0)

	out, err := f.demux.Handle(datagram(0x09, 0, 3, 4, 0xEE, 0xEE))
	assert.Equal(t, Rejected, out)
	assert.ErrorIs(t, err, ErrFragmentIndexOutOfRange)
	assert.Empty(t, f.small.Writes())

	received, _, _ := f.demux.Progress("small")
	assert.Equal(t, 0, received)
	assert.Equal(t, []EventKind{EventFragmentOutOfRange}, f.events.kinds())
	assert.Equal(t, uint16(4), f.events.events[0].Header.FragmentIndex)
	assert.Equal(t, 1, f.stats.rejected)
}

func TestDemux_MalformedDatagram(t *testing.T) {
	f := newFixture(t, 0)

	out, err := f.demux.Handle([]byte{0x09, 0x00, 0x03})
	assert.Equal(t, Dropped, out)
	assert.ErrorIs(t, err, ErrMalformedDatagram)
	assert.Equal(t, []EventKind{EventMalformedDatagram}, f.events.kinds())
	assert.Equal(t, 3, f.events.events[0].Length)
	assert.Equal(t, 1, f.stats.unrouted[EventMalformedDatagram])

	out, _ = f.demux.Handle(nil)
	assert.Equal(t, Dropped, out)
}

func TestDemux_UnknownChannelTouchesNoState(t *testing.T) {
	f := newFixture(t, 0)
	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x11, 0x22))
	f.demux.Handle(datagram(0x0e, 0x01, 2, 2, 0x33, 0x44))

	before := map[string]int{}
	for _, name := range []string{"small", "cmos-pc", "cmos-ql"} {
		before[name], _, _ = f.demux.Progress(name)
	}

	for _, d := range [][]byte{
		datagram(0x07, 0, 3, 2, 0xFF, 0xFF),
		datagram(0x0e, 0x02, 2, 1, 0xFF, 0xFF),
	} {
		out, err := f.demux.Handle(d)
		assert.Equal(t, Dropped, out)
		assert.ErrorIs(t, err, ErrUnknownChannel)
	}

	for name, want := range before {
		got, _, _ := f.demux.Progress(name)
		assert.Equal(t, want, got, "channel %s changed", name)
	}
	assert.Empty(t, f.hk.Writes())
	assert.Equal(t, 2, f.stats.unrouted[EventUnknownChannel])
}

func TestDemux_SubTypesHaveIndependentState(t *testing.T) {
	f := newFixture(t, 0)

	f.demux.Handle(datagram(0x0e, 0x00, 2, 1, 0xA1, 0xA2))
	f.demux.Handle(datagram(0x0e, 0x01, 2, 2, 0xB3, 0xB4))
	f.demux.Handle(datagram(0x0e, 0x01, 2, 1, 0xB1, 0xB2))

	assert.Empty(t, f.pc.Writes())
	require.Len(t, f.ql.Writes(), 1)
	assert.Equal(t, []byte{0xB1, 0xB2, 0xB3, 0xB4}, f.ql.Writes()[0])

	f.demux.Handle(datagram(0x0e, 0x00, 2, 2, 0xA3, 0xA4))
	require.Len(t, f.pc.Writes(), 1)
	assert.Equal(t, []byte{0xA1, 0xA2, 0xA3, 0xA4}, f.pc.Writes()[0])
}

func TestDemux_DirectPassthrough(t *testing.T) {
	f := newFixture(t, 0)

	var sent [][]byte
	for i := 0; i < 5; i++ {
		payload := []byte{byte(i), 0x10, 0x20, byte(i * 3)}
		sent = append(sent, payload)
		out, err := f.demux.Handle(datagram(0x02, 0, 1, 1, payload...))
		require.NoError(t, err)
		assert.Equal(t, Passthrough, out)
		assert.Len(t, f.hk.Writes(), i+1, "payload buffered")
	}
	assert.Equal(t, sent, f.hk.Writes())

	// Header-only datagrams still produce an (empty) append.
	f.demux.Handle(datagram(0x02, 0, 1, 1))
	assert.Len(t, f.hk.Writes(), 6)
}

func TestDemux_DuplicateDoesNotComplete(t *testing.T) {
	f := newFixture(t, 0)
	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x01, 0x02))
	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x11, 0x22))
	f.demux.Handle(datagram(0x09, 0, 3, 2, 0x33, 0x44))
	assert.Empty(t, f.small.Writes())
	assert.Equal(t, 1, f.stats.duplicates)

	f.demux.Handle(datagram(0x09, 0, 3, 3, 0x55, 0x66))
	require.Len(t, f.small.Writes(), 1)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, f.small.Writes()[0])
}

func TestDemux_SinkFailureResetsChannel(t *testing.T) {
	f := newFixture(t, 0)
	f.small.failErr = errors.New("disk full")

	for _, idx := range []uint16{1, 2} {
		f.demux.Handle(datagram(0x09, 0, 3, idx, 0xEE, 0xEE))
	}
	out, err := f.demux.Handle(datagram(0x09, 0, 3, 3, 0xEE, 0xEE))
	assert.Equal(t, Complete, out)
	assert.ErrorIs(t, err, ErrSinkWrite)
	assert.Equal(t, 1, f.stats.failures)

	received, _, _ := f.demux.Progress("small")
	assert.Equal(t, 0, received)

	f.small.failErr = nil
	f.demux.Handle(datagram(0x09, 0, 3, 3, 0xCC, 0xDD))
	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x11, 0x22))
	assert.Empty(t, f.small.Writes(), "stale fragment from failed frame completed a frame")
	f.demux.Handle(datagram(0x09, 0, 3, 2, 0xAA, 0xBB))
	require.Len(t, f.small.Writes(), 1)
	assert.Equal(t, []byte{0x11, 0x22, 0xAA, 0xBB, 0xCC, 0xDD}, f.small.Writes()[0])
}

func TestDemux_ShortWriteIsFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.hk.short = true

	out, err := f.demux.Handle(datagram(0x02, 0, 1, 1, 1, 2, 3))
	assert.Equal(t, Dropped, out)
	assert.ErrorIs(t, err, ErrSinkWrite)
	assert.Equal(t, []EventKind{EventSinkWriteFailure}, f.events.kinds())
}

func TestDemux_StaleFrameDiscardedOnArrival(t *testing.T) {
	f := newFixture(t, 2*time.Second)

	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x01, 0x01))
	f.demux.Handle(datagram(0x09, 0, 3, 2, 0x02, 0x02))
	f.clock.Advance(3 * time.Second)

	// The old frame lost fragment 3; a new frame starts with fragment 3.
	f.demux.Handle(datagram(0x09, 0, 3, 3, 0xCC, 0xDD))
	assert.Empty(t, f.small.Writes(), "stale fragments merged into new frame")
	assert.Equal(t, 1, f.stats.discarded)
	assert.Contains(t, f.events.kinds(), EventStaleFrame)

	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x11, 0x22))
	f.demux.Handle(datagram(0x09, 0, 3, 2, 0xAA, 0xBB))
	require.Len(t, f.small.Writes(), 1)
	assert.Equal(t, []byte{0x11, 0x22, 0xAA, 0xBB, 0xCC, 0xDD}, f.small.Writes()[0])
}

func TestDemux_RejectedFragmentKeepsStaleFrame(t *testing.T) {
	f := newFixture(t, 2*time.Second)

	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x01, 0x01))
	f.clock.Advance(3 * time.Second)

	out, err := f.demux.Handle(datagram(0x09, 0, 3, 4, 0xFF, 0xFF))
	assert.Equal(t, Rejected, out)
	assert.ErrorIs(t, err, ErrFragmentIndexOutOfRange)

	received, _, _ := f.demux.Progress("small")
	assert.Equal(t, 1, received, "rejected fragment changed channel state")
	assert.Equal(t, 0, f.stats.discarded)
	assert.Equal(t, []EventKind{EventFragmentOutOfRange}, f.events.kinds())

	assert.Equal(t, 1, f.demux.Sweep(f.clock.Now()))
}

func TestDemux_Sweep(t *testing.T) {
	f := newFixture(t, time.Second)
	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x01, 0x01))

	assert.Equal(t, 0, f.demux.Sweep(f.clock.Now().Add(500*time.Millisecond)))
	assert.Equal(t, 1, f.demux.Sweep(f.clock.Now().Add(time.Second)))
	received, _, _ := f.demux.Progress("small")
	assert.Equal(t, 0, received)

	// Nothing pending: sweeping again is a no-op.
	assert.Equal(t, 0, f.demux.Sweep(f.clock.Now().Add(time.Hour)))
}

func TestDemux_NoStaleLimitKeepsWaiting(t *testing.T) {
	f := newFixture(t, 0)
	f.demux.Handle(datagram(0x09, 0, 3, 1, 0x01, 0x01))
	assert.Equal(t, 0, f.demux.Sweep(f.clock.Now().Add(24*time.Hour)))
	received, _, _ := f.demux.Progress("small")
	assert.Equal(t, 1, received)
}

func TestDemux_Close(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.demux.Close())
	assert.True(t, f.hk.closed)
	assert.True(t, f.ql.closed)

	err := f.demux.Close()
	assert.Error(t, err, "second close should surface sink errors")
}

func TestNewDemux_RequiresRegistry(t *testing.T) {
	_, err := NewDemux(DemuxConfig{})
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, EventUnknownChannel, KindOf(ErrUnknownChannel))
	assert.Equal(t, EventSinkWriteFailure, KindOf(errors.Join(errors.New("x"), ErrSinkWrite)))
	assert.Equal(t, EventKind(""), KindOf(errors.New("other")))
}
