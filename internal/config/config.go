// Package config loads the receiver configuration: the bind address, the
// channel registry table and the ambient settings around it.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/telemux/internal/security"
	"github.com/banshee-data/telemux/internal/sink"
	"github.com/banshee-data/telemux/internal/telemetry"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration.
type Config struct {
	// Listen is the local UDP address datagrams arrive on.
	Listen string `json:"listen" toml:"listen" yaml:"listen"`
	// RcvBuf is the requested socket receive buffer in bytes.
	RcvBuf int `json:"rcv_buf,omitempty" toml:"rcv_buf" yaml:"rcv_buf,omitempty"`
	// ReadTimeout bounds each socket read so cancellation and stale-frame
	// sweeps are observed.
	ReadTimeout   Duration `json:"read_timeout,omitempty" toml:"read_timeout" yaml:"read_timeout,omitempty"`
	StatsInterval Duration `json:"stats_interval,omitempty" toml:"stats_interval" yaml:"stats_interval,omitempty"`
	// LogDir is prepended to relative file sink paths.
	LogDir string `json:"log_dir,omitempty" toml:"log_dir" yaml:"log_dir,omitempty"`
	// DBPath is the sqlite diagnostics database. Empty disables it.
	DBPath string `json:"db_path,omitempty" toml:"db_path" yaml:"db_path,omitempty"`
	// APIListen is the HTTP status address. Empty disables it.
	APIListen string `json:"api_listen,omitempty" toml:"api_listen" yaml:"api_listen,omitempty"`
	// Forward mirrors every received datagram to this UDP address.
	Forward string `json:"forward,omitempty" toml:"forward" yaml:"forward,omitempty"`
	// Verbose logs every completed frame, not only errors.
	Verbose  bool            `json:"verbose,omitempty" toml:"verbose" yaml:"verbose,omitempty"`
	Channels []ChannelConfig `json:"channels" toml:"channels" yaml:"channels"`
}

// ChannelConfig is one row of the channel registry.
type ChannelConfig struct {
	Name     string `json:"name" toml:"name" yaml:"name"`
	SystemID ID     `json:"system_id" toml:"system_id" yaml:"system_id"`
	// SubType is set only for systems that multiplex several frame products.
	SubType    *ID       `json:"sub_type,omitempty" toml:"sub_type" yaml:"sub_type,omitempty"`
	Mode       string    `json:"mode,omitempty" toml:"mode" yaml:"mode,omitempty"`
	FrameLen   int       `json:"frame_len,omitempty" toml:"frame_len" yaml:"frame_len,omitempty"`
	PayloadLen int       `json:"payload_len,omitempty" toml:"payload_len" yaml:"payload_len,omitempty"`
	StaleAfter Duration  `json:"stale_after,omitempty" toml:"stale_after" yaml:"stale_after,omitempty"`
	Sink       sink.Spec `json:"sink" toml:"sink" yaml:"sink"`
}

// Defaults applied by Load and Default.
const (
	DefaultListen        = "0.0.0.0:9999"
	DefaultRcvBuf        = 4 << 20
	DefaultReadTimeout   = 100 * time.Millisecond
	DefaultStatsInterval = time.Minute
)

// Load reads a configuration file. The format follows the extension:
// .json, .toml, .yaml or .yml. Unset fields take their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(cleanPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return cfg, nil
}

// Parse decodes configuration data in the format named by ext.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown TOML keys: %v", undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("config file must be .json, .toml or .yaml, got %q", ext)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.RcvBuf == 0 {
		c.RcvBuf = DefaultRcvBuf
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = Duration(DefaultStatsInterval)
	}
}

// ListenAddr resolves the receive address.
func (c *Config) ListenAddr() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", c.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", c.Listen, err)
	}
	return addr, nil
}

func isFileSink(spec sink.Spec) bool {
	k := strings.ToLower(strings.TrimSpace(spec.Kind))
	return k == "" || k == sink.KindFile
}

// defaultSinkName is the file a channel writes to when its file sink has no
// path: the sanitised channel name with a suffix for the compression.
func defaultSinkName(ch ChannelConfig) string {
	name := security.SanitizeFilename(ch.Name) + ".log"
	switch strings.ToLower(ch.Sink.Compression) {
	case "zstd":
		name += ".zst"
	case "lz4":
		name += ".lz4"
	}
	return name
}

// SinkSpec returns the channel's sink spec with relative file paths placed
// under LogDir. A file sink without a path is named after the channel.
func (c *Config) SinkSpec(ch ChannelConfig) sink.Spec {
	spec := ch.Sink
	if !isFileSink(spec) {
		return spec
	}
	if spec.Path == "" {
		spec.Path = defaultSinkName(ch)
	}
	if c.LogDir != "" && !filepath.IsAbs(spec.Path) {
		spec.Path = filepath.Join(c.LogDir, spec.Path)
	}
	return spec
}

// Validate checks everything that can be checked without opening sockets or
// files, including that no two channels name the same sink target.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.RcvBuf < 0 {
		errs = append(errs, fmt.Errorf("rcv_buf must not be negative, got %d", c.RcvBuf))
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("read_timeout must not be negative, got %v", c.ReadTimeout))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel is required"))
	}

	names := make(map[string]bool)
	targets := make(map[string]string)
	for i, ch := range c.Channels {
		label := ch.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("channel %s: name is required", label))
		} else if names[ch.Name] {
			errs = append(errs, fmt.Errorf("channel %s: duplicate name", label))
		}
		names[ch.Name] = true

		if _, err := telemetry.ParseMode(ch.Mode); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", label, err))
		}

		spec := c.SinkSpec(ch)
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: sink: %w", label, err))
			continue
		}
		// Relative paths are meant to land in log_dir.
		if isFileSink(ch.Sink) && c.LogDir != "" && !filepath.IsAbs(ch.Sink.Path) {
			if err := security.ConfinePath(spec.Path, c.LogDir); err != nil {
				errs = append(errs, fmt.Errorf("channel %s: sink: %w", label, err))
				continue
			}
		}
		target, _ := spec.Target()
		if other, dup := targets[target]; dup {
			errs = append(errs, fmt.Errorf("channel %s: sink %s already used by channel %s", label, target, other))
		}
		targets[target] = label
	}
	return errors.Join(errs...)
}

// Descriptor converts a channel row into a telemetry.Channel without a sink.
func (ch ChannelConfig) Descriptor() (telemetry.Channel, error) {
	mode, err := telemetry.ParseMode(ch.Mode)
	if err != nil {
		return telemetry.Channel{}, err
	}
	d := telemetry.Channel{
		Name:       ch.Name,
		SystemID:   uint8(ch.SystemID),
		Mode:       mode,
		FrameLen:   ch.FrameLen,
		PayloadLen: ch.PayloadLen,
		StaleAfter: ch.StaleAfter.D(),
	}
	if ch.SubType != nil {
		d.SubType = uint8(*ch.SubType)
		d.HasSubType = true
	}
	return d, nil
}

// OpenChannels validates the configuration, opens every sink and returns the
// registry rows. On error any sinks already opened are closed.
func (c *Config) OpenChannels(opener sink.Opener) ([]telemetry.Channel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	out := make([]telemetry.Channel, 0, len(c.Channels))
	fail := func(err error) ([]telemetry.Channel, error) {
		for _, ch := range out {
			ch.Sink.Close()
		}
		return nil, err
	}
	for _, row := range c.Channels {
		d, err := row.Descriptor()
		if err != nil {
			return fail(fmt.Errorf("channel %s: %w", row.Name, err))
		}
		s, err := opener.Open(c.SinkSpec(row))
		if err != nil {
			return fail(fmt.Errorf("channel %s: %w", row.Name, err))
		}
		d.Sink = s
		out = append(out, d)
	}
	return out, nil
}

// Registry opens every sink and builds the channel registry.
func (c *Config) Registry(opener sink.Opener) (*telemetry.Registry, error) {
	channels, err := c.OpenChannels(opener)
	if err != nil {
		return nil, err
	}
	reg, err := telemetry.NewRegistry(channels)
	if err != nil {
		for _, ch := range channels {
			ch.Sink.Close()
		}
		return nil, err
	}
	return reg, nil
}

// Marshal encodes the configuration in the format named by ext.
func (c *Config) Marshal(ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json", "json":
		return json.MarshalIndent(c, "", "  ")
	case ".toml", "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".yaml", ".yml", "yaml", "yml":
		return yaml.Marshal(c)
	}
	return nil, fmt.Errorf("unsupported format %q", ext)
}
