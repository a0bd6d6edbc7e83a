// Package network receives telemetry datagrams from a UDP socket or a packet
// capture and hands them to the demultiplexer.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/telemux/internal/monitoring"
	"github.com/banshee-data/telemux/internal/telemetry"
	"github.com/banshee-data/telemux/internal/timeutil"
)

// DefaultBufferSize is the smallest receive buffer the listener uses.
const DefaultBufferSize = 2048

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	LogStats()
}

// PacketHandler consumes datagrams. Handle and Sweep are only ever called
// from the listener goroutine.
type PacketHandler interface {
	Handle(datagram []byte) (telemetry.Outcome, error)
	Sweep(now time.Time) int
}

// UDPListener reads datagrams from one UDP socket and feeds them, in arrival
// order, to a PacketHandler.
type UDPListener struct {
	address       string
	rcvBuf        int
	bufferSize    int
	readTimeout   time.Duration
	logInterval   time.Duration
	connMu        sync.RWMutex // Protects conn field
	conn          UDPSocket
	handler       PacketHandler
	stats         PacketStatsInterface
	forwarder     *PacketForwarder
	socketFactory UDPSocketFactory
	clock         timeutil.Clock
}

// UDPListenerConfig contains configuration options for the UDP listener
type UDPListenerConfig struct {
	Address string
	RcvBuf  int
	// BufferSize is the per-read buffer. Datagrams longer than this are
	// truncated by the kernel, so it must cover the largest configured
	// datagram.
	BufferSize int
	// ReadTimeout bounds each read so cancellation and stale-frame sweeps
	// are observed while the link is quiet.
	ReadTimeout   time.Duration
	LogInterval   time.Duration
	Handler       PacketHandler
	Stats         PacketStatsInterface
	Forwarder     *PacketForwarder
	SocketFactory UDPSocketFactory
	Clock         timeutil.Clock
}

// NewUDPListener creates a new UDP listener with the provided configuration
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	var stats PacketStatsInterface = noopStats{}
	if config.Stats != nil {
		stats = config.Stats
	}

	bufferSize := max(config.BufferSize, DefaultBufferSize)

	readTimeout := config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}

	logInterval := config.LogInterval
	if logInterval <= 0 {
		logInterval = time.Minute
	}

	var socketFactory UDPSocketFactory = RealUDPSocketFactory{}
	if config.SocketFactory != nil {
		socketFactory = config.SocketFactory
	}

	var clock timeutil.Clock = timeutil.RealClock{}
	if config.Clock != nil {
		clock = config.Clock
	}

	return &UDPListener{
		address:       config.Address,
		rcvBuf:        config.RcvBuf,
		bufferSize:    bufferSize,
		readTimeout:   readTimeout,
		logInterval:   logInterval,
		handler:       config.Handler,
		stats:         stats,
		forwarder:     config.Forwarder,
		socketFactory: socketFactory,
		clock:         clock,
	}
}

type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddDropped()   {}
func (noopStats) LogStats()     {}

// Start binds the socket and processes datagrams until ctx is cancelled or
// the socket is closed. It returns ctx.Err() on cancellation and nil after
// Close.
func (l *UDPListener) Start(ctx context.Context) error {
	if l.handler == nil {
		return errors.New("udp listener: handler is required")
	}

	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	monitoring.Logf("UDP listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go l.startStatsLogging(statsCtx)

	buffer := make([]byte, l.bufferSize)
	lastSweep := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(l.readTimeout))

		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				lastSweep = l.sweep(lastSweep, true)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}

		l.handlePacket(buffer[:n])
		lastSweep = l.sweep(lastSweep, false)
	}
}

// sweep expires stale partial frames at most once per read timeout, or on
// every idle timeout.
func (l *UDPListener) sweep(last time.Time, idle bool) time.Time {
	now := l.clock.Now()
	if !idle && now.Sub(last) < l.readTimeout {
		return last
	}
	l.handler.Sweep(now)
	return now
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := l.clock.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.stats.LogStats()
		}
	}
}

// handlePacket processes a single received datagram. Engine errors are
// already recorded as events by the handler.
func (l *UDPListener) handlePacket(packet []byte) {
	l.stats.AddPacket(len(packet))

	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}

	l.handler.Handle(packet)
}

// LocalAddr returns the bound address, or nil before Start has bound it.
func (l *UDPListener) LocalAddr() net.Addr {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close closes the UDP listener and releases resources. Closing an already
// stopped listener is not an error.
func (l *UDPListener) Close() error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}
