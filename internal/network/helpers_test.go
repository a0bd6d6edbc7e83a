package network

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemux/internal/telemetry"
	"github.com/banshee-data/telemux/internal/timeutil"
)

// bufSink collects frames written by the demux.
type bufSink struct {
	mu     sync.Mutex
	writes [][]byte
	notify chan struct{}
}

func newBufSink() *bufSink { return &bufSink{notify: make(chan struct{}, 16)} }

func (b *bufSink) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.writes = append(b.writes, bytes.Clone(p))
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (b *bufSink) Close() error { return nil }

func (b *bufSink) Writes() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.writes...)
}

// mockStats implements PacketStatsInterface for testing
type mockStats struct {
	packets  atomic.Int64
	dropped  atomic.Int64
	logCalls atomic.Int64
}

func (m *mockStats) AddPacket(int) { m.packets.Add(1) }
func (m *mockStats) AddDropped()   { m.dropped.Add(1) }
func (m *mockStats) LogStats()     { m.logCalls.Add(1) }

// recordingHandler records what the listener passes on.
type recordingHandler struct {
	mu      sync.Mutex
	packets [][]byte
	sweeps  []time.Time
}

func (h *recordingHandler) Handle(d []byte) (telemetry.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, bytes.Clone(d))
	return telemetry.Dropped, nil
}

func (h *recordingHandler) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweeps = append(h.sweeps, now)
	return 0
}

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) Record(e telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Kinds() []telemetry.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []telemetry.EventKind
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

// newTestDemux builds a demux with one reassembled channel on system 0x09.
func newTestDemux(t *testing.T, frameLen, payloadLen int, stale time.Duration, clock timeutil.Clock) (*telemetry.Demux, *bufSink, *eventLog) {
	t.Helper()
	out := newBufSink()
	events := &eventLog{}
	reg, err := telemetry.NewRegistry([]telemetry.Channel{{
		Name:       "cdte1",
		SystemID:   0x09,
		FrameLen:   frameLen,
		PayloadLen: payloadLen,
		StaleAfter: stale,
		Sink:       out,
	}})
	require.NoError(t, err)
	d, err := telemetry.NewDemux(telemetry.DemuxConfig{Registry: reg, Recorder: events, Clock: clock})
	require.NoError(t, err)
	return d, out, events
}

func testFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = byte(i * 7)
	}
	return frame
}
