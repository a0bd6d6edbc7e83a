package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemux/internal/config"
	"github.com/banshee-data/telemux/internal/db"
	"github.com/banshee-data/telemux/internal/fsutil"
	"github.com/banshee-data/telemux/internal/httputil"
	"github.com/banshee-data/telemux/internal/network"
	"github.com/banshee-data/telemux/internal/sink"
	"github.com/banshee-data/telemux/internal/telemetry"
	"github.com/banshee-data/telemux/internal/testutil"
	"github.com/banshee-data/telemux/internal/version"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
listen = "127.0.0.1:9999"
log_dir = "/gse"

[[channels]]
name = "housekeeping"
system_id = "0x02"
mode = "direct"
sink = { path = "hk.log" }

[[channels]]
name = "cdte1"
system_id = "0x09"
frame_len = 3000
payload_len = 1000
sink = { path = "cdte1.log" }
`), ".toml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func testFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = byte(i * 13)
	}
	return frame
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &out, &out))
	assert.Equal(t, version.String()+"\n", out.String())
}

func TestRun_DumpConfig(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"--dump-config", "yaml", "--listen", "127.0.0.1:7000", "--db", "", "-v"}, &out, &out)
	require.NoError(t, err)

	cfg, err := config.Parse(out.Bytes(), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Empty(t, cfg.DBPath)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, config.Default().APIListen, cfg.APIListen)
	assert.Len(t, cfg.Channels, len(config.Default().Channels))
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"rewind"}, `unknown command "rewind"`},
		{"unknown flag", []string{"--rewind"}, "unknown flag: --rewind"},
		{"missing config", []string{"--config", "/nonexistent/telemux.toml"}, "failed to stat config file"},
		{"bad dump format", []string{"--dump-config", "xml"}, `unsupported format "xml"`},
		{"invalid override", []string{"--listen", "", "--dump-config", "json"}, "listen address is required"},
		{"replay without pcap", []string{"replay"}, "--pcap is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), tt.args, &out, &out)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"--help"}, &out, &out)
	assert.ErrorIs(t, err, pflag.ErrHelp)
	assert.Contains(t, out.String(), "--dump-config")
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemux.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "listen": "0.0.0.0:6000",
  "api_listen": "127.0.0.1:9090",
  "channels": [{"name": "housekeeping", "system_id": "0x02", "mode": "direct", "sink": {"path": "hk.log"}}]
}`), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var o options
	o.register(fs)
	require.NoError(t, fs.Parse([]string{"-c", path, "--api=", "--forward", "127.0.0.1:6001"}))

	cfg, err := loadConfig(fs, &o)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:6000", cfg.Listen)
	assert.Empty(t, cfg.APIListen)
	assert.Equal(t, "127.0.0.1:6001", cfg.Forward)
	assert.Equal(t, config.DefaultReadTimeout, cfg.ReadTimeout.D())
}

func TestReceiver_EndToEnd(t *testing.T) {
	testutil.CaptureLogs(t)
	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "diag", "telemux.db")

	frame := testFrame(3000)
	frags, err := telemetry.Fragment(0x09, 0, frame, 1000)
	require.NoError(t, err)
	hk := append([]byte{0x02, 0, 1, 0, 1, 0, 0, 0}, "HK-0001"...)
	unknown := []byte{0x77, 0, 1, 0, 1, 0, 0, 0, 0xff}

	var packets []network.MockUDPPacket
	for _, d := range [][]byte{hk, frags[1], frags[0], frags[0], frags[2], unknown} {
		packets = append(packets, network.MockUDPPacket{Data: d})
	}
	socket := network.NewMockUDPSocket(packets)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	socket.OnDrained = cancel

	mem := fsutil.NewMemoryFileSystem()
	r, err := newReceiver(cfg, deps{
		opener:  sink.Opener{FS: mem},
		sockets: network.NewMockUDPSocketFactory(socket),
	})
	require.NoError(t, err)
	assert.Nil(t, r.api)
	assert.Nil(t, r.forwarder)

	require.NoError(t, r.run(ctx))
	runID := r.runID
	require.NoError(t, r.close())

	gotHK, err := mem.ReadFile("/gse/hk.log")
	require.NoError(t, err)
	assert.Equal(t, "HK-0001", string(gotHK))
	gotFrame, err := mem.ReadFile("/gse/cdte1.log")
	require.NoError(t, err)
	if diff := cmp.Diff(frame, gotFrame); diff != "" {
		t.Errorf("cdte1 sink mismatch (-want +got):\n%s", diff)
	}

	store, err := db.OpenDB(cfg.DBPath)
	require.NoError(t, err)
	defer store.Close()

	events, err := store.RecentEvents(10, "")
	require.NoError(t, err)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
		assert.Equal(t, runID, e.RunID)
	}
	assert.Equal(t, []string{"unknown_channel", "frame_complete"}, kinds)

	counters, err := store.LatestChannelStats(runID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters["cdte1"].Frames)
	assert.Equal(t, int64(1), counters["cdte1"].Duplicates)
	assert.Equal(t, int64(1), counters["housekeeping"].Datagrams)
}

func TestNewReceiver_ForwardError(t *testing.T) {
	testutil.CaptureLogs(t)
	cfg := testConfig(t)
	cfg.DBPath = ""
	cfg.Forward = "not-an-address"

	mem := fsutil.NewMemoryFileSystem()
	_, err := newReceiver(cfg, deps{opener: sink.Opener{FS: mem}})
	assert.ErrorContains(t, err, "forward")
}

func TestReceiver_BindFailure(t *testing.T) {
	testutil.CaptureLogs(t)
	cfg := testConfig(t)
	cfg.DBPath = ""

	factory := network.NewMockUDPSocketFactory(nil)
	factory.Error = &net.OpError{Op: "listen", Net: "udp", Err: os.ErrPermission}
	r, err := newReceiver(cfg, deps{opener: sink.Opener{FS: fsutil.NewMemoryFileSystem()}, sockets: factory})
	require.NoError(t, err)
	err = r.run(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
	assert.NoError(t, r.close())
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func writeCapture(t *testing.T, port int, datagrams [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pass.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	t0 := time.Date(2024, 4, 17, 18, 0, 0, 0, time.UTC)
	for i, d := range datagrams {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x08},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x64},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IPv4(192, 168, 1, 8).To4(), DstIP: net.IPv4(192, 168, 1, 100).To4()}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, eth, ip, udp, gopacket.Payload(d)))

		ci := gopacket.CaptureInfo{Timestamp: t0.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes())}
		require.NoError(t, w.WritePacket(ci, buf.Bytes()))
	}
	return path
}

func TestReplay(t *testing.T) {
	testutil.CaptureLogs(t)
	cfg := testConfig(t)
	frame := testFrame(3000)
	frags, err := telemetry.Fragment(0x09, 0, frame, 1000)
	require.NoError(t, err)
	path := writeCapture(t, 9999, [][]byte{frags[2], frags[0], {0x77, 0, 1, 0, 1, 0, 0, 0}, frags[1]})

	mem := fsutil.NewMemoryFileSystem()
	res, snap, err := replay(context.Background(), cfg, sink.Opener{FS: mem}, path, 9999)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Datagrams)

	got, err := mem.ReadFile("/gse/cdte1.log")
	require.NoError(t, err)
	if diff := cmp.Diff(frame, got); diff != "" {
		t.Errorf("replayed frame mismatch (-want +got):\n%s", diff)
	}
	cs, ok := snap.Channel("cdte1")
	require.True(t, ok)
	assert.Equal(t, int64(1), cs.Frames)
	assert.Equal(t, 3.0, cs.AssemblyMeanMs)
	assert.Equal(t, map[string]int64{"unknown_channel": 1}, snap.Unrouted)

	var out bytes.Buffer
	printReplay(&out, res, snap)
	assert.Contains(t, out.String(), "replayed 4 packets, 4 datagrams")
	assert.Contains(t, out.String(), "unknown_channel: 1")
	assert.Regexp(t, `cdte1\s+3\s+3\s+0\s+0\s+1\s+3,000`, out.String())
}

func TestReplayPort(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		flag int
		want int
	}{
		{0, 9999},
		{5000, 5000},
		{-1, 0},
	}
	for _, tt := range tests {
		got, err := replayPort(cfg, tt.flag)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "flag %d", tt.flag)
	}
}

func TestStatus(t *testing.T) {
	client := &httputil.MockHTTPClient{}
	client.AddResponse(http.StatusOK, `{
  "uptime_seconds": 3725.4,
  "packets": 1234567,
  "forward_dropped": 0,
  "unrouted": {"unknown_channel": 3, "malformed_datagram": 1},
  "channels": [
    {"name": "housekeeping", "system_id": "0x02", "mode": "direct",
     "stats": {"name": "housekeeping", "datagrams": 1200, "bytes": 2401200}},
    {"name": "cdte1", "system_id": "0x09", "mode": "reassemble", "fragments": 17,
     "stats": {"name": "cdte1", "datagrams": 17000, "fragments": 17000, "frames": 1000, "frame_bytes": 32780000, "assembly_mean_ms": 12.25}},
    {"name": "cmos1_pc", "system_id": "0x0e", "sub_type": "0x00", "mode": "reassemble"}
  ]
}`)

	var out bytes.Buffer
	require.NoError(t, status(context.Background(), client, statusURL("127.0.0.1:8080"), &out))
	require.Len(t, client.Requests, 1)
	assert.Equal(t, "http://127.0.0.1:8080/api/channels", client.Requests[0].URL.String())

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "uptime 1h2m5s, 1,234,567 packets, 0 forward drops", lines[0])
	assert.Regexp(t, `cdte1\s+17,000\s+17,000\s+0\s+0\s+1,000\s+32,780,000\s+0\s+0\s+12\.2`, lines[3])
	assert.Regexp(t, `cmos1_pc(\s+0){8}\s+0\.0`, lines[4])
	assert.Equal(t, "malformed_datagram: 1", lines[5])
	assert.Equal(t, "unknown_channel: 3", lines[6])
}

func TestStatus_Error(t *testing.T) {
	client := &httputil.MockHTTPClient{}
	client.AddResponse(http.StatusServiceUnavailable, `{"error":"diagnostics database disabled"}`)
	err := status(context.Background(), client, statusURL("http://gse.local:8080/"), &bytes.Buffer{})
	assert.ErrorContains(t, err, "diagnostics database disabled")
	assert.Equal(t, "http://gse.local:8080/api/channels", client.Requests[0].URL.String())
}
