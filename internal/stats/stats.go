// Package stats keeps the per-channel counters of a running receiver and
// summarises them for the periodic log line and the HTTP API.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/telemux/internal/monitoring"
	"github.com/banshee-data/telemux/internal/telemetry"
	"github.com/banshee-data/telemux/internal/timeutil"
)

// maxAssemblySamples bounds the assembly-time window kept per channel.
const maxAssemblySamples = 256

// Counters are the monotonic counts kept for one channel.
type Counters struct {
	Datagrams     int64 `json:"datagrams"`
	Bytes         int64 `json:"bytes"`
	Fragments     int64 `json:"fragments"`
	Duplicates    int64 `json:"duplicates"`
	Rejected      int64 `json:"rejected"`
	Frames        int64 `json:"frames"`
	FrameBytes    int64 `json:"frame_bytes"`
	WriteFailures int64 `json:"write_failures"`
	Discarded     int64 `json:"discarded"`
}

func (c *Counters) add(o Counters) {
	c.Datagrams += o.Datagrams
	c.Bytes += o.Bytes
	c.Fragments += o.Fragments
	c.Duplicates += o.Duplicates
	c.Rejected += o.Rejected
	c.Frames += o.Frames
	c.FrameBytes += o.FrameBytes
	c.WriteFailures += o.WriteFailures
	c.Discarded += o.Discarded
}

// ChannelSnapshot is the state of one channel at a point in time.
type ChannelSnapshot struct {
	Name string `json:"name"`
	Counters
	// Assembly time is first fragment to completed write, over the most
	// recent frames.
	AssemblyMeanMs   float64 `json:"assembly_mean_ms"`
	AssemblyStdDevMs float64 `json:"assembly_stddev_ms"`
	AssemblySamples  int     `json:"assembly_samples"`
}

// Snapshot is the state of the whole receiver.
type Snapshot struct {
	Timestamp      time.Time         `json:"timestamp"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	Packets        int64             `json:"packets"`
	PacketBytes    int64             `json:"packet_bytes"`
	ForwardDropped int64             `json:"forward_dropped"`
	Unrouted       map[string]int64  `json:"unrouted"`
	Channels       []ChannelSnapshot `json:"channels"`
}

// Channel returns the named channel's snapshot.
func (s Snapshot) Channel(name string) (ChannelSnapshot, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return ChannelSnapshot{}, false
}

type channelStats struct {
	total    Counters
	interval Counters
	samples  []float64
	next     int
}

func (c *channelStats) addSample(ms float64) {
	if len(c.samples) < maxAssemblySamples {
		c.samples = append(c.samples, ms)
		return
	}
	c.samples[c.next] = ms
	c.next = (c.next + 1) % maxAssemblySamples
}

// PacketStats tracks receiver statistics with thread-safe operations. It
// implements telemetry.Stats for the demux and the packet counters used by
// the listener and forwarder.
type PacketStats struct {
	mu          sync.Mutex
	clock       timeutil.Clock
	startTime   time.Time
	lastReset   time.Time
	packets     int64
	packetBytes int64
	dropped     int64
	order       []string
	channels    map[string]*channelStats
	unrouted    map[telemetry.EventKind]int64
}

var _ telemetry.Stats = (*PacketStats)(nil)

// NewPacketStats creates a PacketStats. Channels listed up front are
// reported in that order, even before they see traffic.
func NewPacketStats(clock timeutil.Clock, channels ...string) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	ps := &PacketStats{
		clock:     clock,
		startTime: now,
		lastReset: now,
		channels:  make(map[string]*channelStats),
		unrouted:  make(map[telemetry.EventKind]int64),
	}
	for _, name := range channels {
		ps.channel(name)
	}
	return ps
}

// channel must be called with mu held.
func (ps *PacketStats) channel(name string) *channelStats {
	c, ok := ps.channels[name]
	if !ok {
		c = &channelStats{}
		ps.channels[name] = c
		ps.order = append(ps.order, name)
	}
	return c
}

func (ps *PacketStats) update(name string, f func(*Counters)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	c := ps.channel(name)
	f(&c.interval)
}

// AddPacket counts a datagram read from the socket, routed or not.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.packetBytes += int64(bytes)
}

// AddDropped counts a datagram the forwarder could not queue.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.dropped++
}

func (ps *PacketStats) AddDatagram(channel string, bytes int) {
	ps.update(channel, func(c *Counters) {
		c.Datagrams++
		c.Bytes += int64(bytes)
	})
}

func (ps *PacketStats) AddFragment(channel string, duplicate bool) {
	ps.update(channel, func(c *Counters) {
		c.Fragments++
		if duplicate {
			c.Duplicates++
		}
	})
}

func (ps *PacketStats) AddRejected(channel string) {
	ps.update(channel, func(c *Counters) { c.Rejected++ })
}

func (ps *PacketStats) AddFrame(channel string, bytes int, assembly time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	c := ps.channel(channel)
	c.interval.Frames++
	c.interval.FrameBytes += int64(bytes)
	c.addSample(float64(assembly) / float64(time.Millisecond))
}

func (ps *PacketStats) AddWriteFailure(channel string) {
	ps.update(channel, func(c *Counters) { c.WriteFailures++ })
}

func (ps *PacketStats) AddDiscarded(channel string) {
	ps.update(channel, func(c *Counters) { c.Discarded++ })
}

func (ps *PacketStats) AddUnrouted(kind telemetry.EventKind) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.unrouted[kind]++
}

// Snapshot returns cumulative totals since creation.
func (ps *PacketStats) Snapshot() Snapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	s := Snapshot{
		Timestamp:      now,
		UptimeSeconds:  now.Sub(ps.startTime).Seconds(),
		Packets:        ps.packets,
		PacketBytes:    ps.packetBytes,
		ForwardDropped: ps.dropped,
		Unrouted:       make(map[string]int64, len(ps.unrouted)),
	}
	for k, v := range ps.unrouted {
		s.Unrouted[string(k)] = v
	}
	for _, name := range ps.order {
		c := ps.channels[name]
		total := c.total
		total.add(c.interval)
		cs := ChannelSnapshot{Name: name, Counters: total, AssemblySamples: len(c.samples)}
		cs.AssemblyMeanMs, cs.AssemblyStdDevMs = summarise(c.samples)
		s.Channels = append(s.Channels, cs)
	}
	return s
}

// summarise returns the mean and sample standard deviation. A single sample
// has no spread.
func summarise(samples []float64) (mean, std float64) {
	switch len(samples) {
	case 0:
		return 0, 0
	case 1:
		return samples[0], 0
	}
	return stat.MeanStdDev(samples, nil)
}

// GetAndReset returns the per-channel counts since the previous call, folds
// them into the totals and starts a new interval.
func (ps *PacketStats) GetAndReset() (map[string]Counters, time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	duration := now.Sub(ps.lastReset)
	out := make(map[string]Counters, len(ps.channels))
	for name, c := range ps.channels {
		out[name] = c.interval
		c.total.add(c.interval)
		c.interval = Counters{}
	}
	ps.lastReset = now
	return out, duration
}

// LogStats logs one line per channel that saw traffic in the last interval.
func (ps *PacketStats) LogStats() {
	interval, duration := ps.GetAndReset()
	secs := duration.Seconds()
	if secs <= 0 {
		return
	}

	names := make([]string, 0, len(interval))
	for name, c := range interval {
		if c.Datagrams > 0 || c.WriteFailures > 0 || c.Discarded > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		c := interval[name]
		ev := monitoring.Event().
			Str("channel", name).
			Str("datagrams_per_sec", fmt.Sprintf("%.1f", float64(c.Datagrams)/secs)).
			Str("mb_per_sec", fmt.Sprintf("%.3f", float64(c.Bytes)/secs/(1024*1024))).
			Str("frames", FormatWithCommas(c.Frames))
		if c.Rejected > 0 {
			ev.Int64("rejected", c.Rejected)
		}
		if c.Duplicates > 0 {
			ev.Int64("duplicates", c.Duplicates)
		}
		if c.WriteFailures > 0 {
			ev.Int64("write_failures", c.WriteFailures)
		}
		if c.Discarded > 0 {
			ev.Int64("discarded", c.Discarded)
		}
		ev.Msg("stats")
	}
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(str, "-")
	if neg {
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(char)
	}
	return b.String()
}
