package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/telemux/internal/monitoring"
	"github.com/banshee-data/telemux/internal/timeutil"
)

// ReplayConfig describes an offline replay of a packet capture.
type ReplayConfig struct {
	Path string
	// Port selects UDP datagrams whose source or destination port matches.
	// Zero replays every UDP datagram.
	Port    int
	Handler PacketHandler
	Stats   PacketStatsInterface
	// Clock, when set, is moved to each packet's capture timestamp before
	// the datagram is handled, so stale-frame limits follow capture time.
	Clock *timeutil.MockClock
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Packets   int
	Datagrams int
	Elapsed   time.Duration
}

// maxReadErrors consecutive unreadable records abort a replay.
const maxReadErrors = 100

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openCapture(f *os.File) (packetReader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	// pcapng files start with a section header block.
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReplayPCAP feeds the UDP payloads of a pcap or pcapng capture through the
// handler in capture order. Fragmented IPv4 datagrams are reassembled first.
func ReplayPCAP(ctx context.Context, cfg ReplayConfig) (ReplayResult, error) {
	var res ReplayResult
	if cfg.Handler == nil {
		return res, errors.New("replay: handler is required")
	}
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return res, fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	defer f.Close()

	reader, err := openCapture(f)
	if err != nil {
		return res, fmt.Errorf("failed to read PCAP file %s: %w", cfg.Path, err)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	defrag := ip4defrag.NewIPv4Defragmenter()
	start := time.Now()
	readErrors := 0

	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("PCAP replay stopping due to context cancellation (processed %d packets)", res.Packets)
			res.Elapsed = time.Since(start)
			return res, err
		}

		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A truncated record ends the capture; anything else is skipped.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			readErrors++
			if readErrors >= maxReadErrors {
				res.Elapsed = time.Since(start)
				return res, fmt.Errorf("failed to read PCAP file %s: %w", cfg.Path, err)
			}
			monitoring.Logf("PCAP packet %d: %v", res.Packets+1, err)
			continue
		}
		readErrors = 0
		res.Packets++

		payload, ok := udpPayload(packet, cfg.Port, defrag)
		if !ok {
			continue
		}
		res.Datagrams++

		if cfg.Clock != nil {
			cfg.Clock.Set(packet.Metadata().Timestamp)
		}
		stats.AddPacket(len(payload))
		cfg.Handler.Handle(payload)

		if res.Datagrams%10000 == 0 {
			monitoring.Logf("PCAP progress: %d datagrams replayed", res.Datagrams)
		}
	}

	if cfg.Clock != nil {
		cfg.Handler.Sweep(cfg.Clock.Now())
	}
	res.Elapsed = time.Since(start)
	monitoring.Logf("PCAP replay complete: %d packets, %d datagrams in %v", res.Packets, res.Datagrams, res.Elapsed)
	return res, nil
}

// udpPayload extracts a UDP payload that matches port. IPv4 fragments are
// held by defrag until the datagram is whole. Empty payloads are returned
// like any other so the handler reports them.
func udpPayload(packet gopacket.Packet, port int, defrag *ip4defrag.IPv4Defragmenter) ([]byte, bool) {
	var udp *layers.UDP

	if ip4, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		if ip4.Protocol != layers.IPProtocolUDP {
			return nil, false
		}
		whole, err := defrag.DefragIPv4WithTimestamp(ip4, packet.Metadata().Timestamp)
		if err != nil {
			monitoring.Logf("PCAP IPv4 defragmentation failed: %v", err)
			return nil, false
		}
		if whole == nil {
			return nil, false
		}
		if whole == ip4 {
			udp, _ = packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		} else {
			p := gopacket.NewPacket(whole.Payload, layers.LayerTypeUDP, gopacket.Default)
			udp, _ = p.Layer(layers.LayerTypeUDP).(*layers.UDP)
		}
	} else {
		udp, _ = packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	}

	if udp == nil {
		return nil, false
	}
	if port > 0 && int(udp.DstPort) != port && int(udp.SrcPort) != port {
		return nil, false
	}
	return udp.Payload, true
}
