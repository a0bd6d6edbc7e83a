package network

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/telemux/internal/monitoring"
	"github.com/banshee-data/telemux/internal/sink"
)

// PacketStats interface for packet statistics tracking
type PacketStats interface {
	AddDropped()
}

// PacketForwarder mirrors received datagrams to another UDP address without
// blocking the receive loop.
type PacketForwarder struct {
	conn        io.WriteCloser
	channel     chan []byte
	stats       PacketStats
	logInterval time.Duration
	address     string

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewPacketForwarder creates a forwarder that sends datagrams to address
// (host:port).
func NewPacketForwarder(address string, stats PacketStats, logInterval time.Duration) (*PacketForwarder, error) {
	conn, err := sink.DialUDP(address)
	if err != nil {
		return nil, err
	}
	return newPacketForwarder(conn, address, stats, logInterval), nil
}

func newPacketForwarder(conn io.WriteCloser, address string, stats PacketStats, logInterval time.Duration) *PacketForwarder {
	if stats == nil {
		stats = noopStats{}
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000), // Buffer 1000 packets
		stats:       stats,
		logInterval: logInterval,
		address:     address,
		done:        make(chan struct{}),
	}
}

// Start begins the forwarding goroutine. Write errors are logged at most
// once per log interval.
func (f *PacketForwarder) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		go f.run(ctx)
		monitoring.Logf("Forwarding packets to %s", f.address)
	})
}

func (f *PacketForwarder) run(ctx context.Context) {
	defer close(f.done)

	failed := 0
	var lastError error
	ticker := time.NewTicker(f.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-f.channel:
			if !ok {
				return
			}
			if _, err := f.conn.Write(packet); err != nil {
				failed++
				lastError = err
			}
		case <-ticker.C:
			if failed > 0 && lastError != nil {
				monitoring.Logf("Dropped %d forwarded packets due to errors (latest: %v)", failed, lastError)
				failed = 0
				lastError = nil
			}
		}
	}
}

// ForwardAsync queues a copy of packet. When the queue is full the packet is
// dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		f.stats.AddDropped()
	}
}

// Close stops the forwarder and closes the connection. ForwardAsync must
// not be called after Close.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.channel)
		started := true
		f.startOnce.Do(func() { started = false })
		if started {
			<-f.done
		}
		err = f.conn.Close()
	})
	return err
}
