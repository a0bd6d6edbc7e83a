// Package sink provides the append-only destinations that completed frames
// and passthrough payloads are written to.
//
// Every sink is an independent handle that names the physical resource it
// writes to (see Target), so two channels can never silently share one file
// or port.
package sink

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/banshee-data/telemux/internal/fsutil"
)

// Sink is an append-only byte destination. Each Write is one frame or one
// passthrough payload.
type Sink interface {
	io.WriteCloser
	// Target identifies the physical resource, e.g. "file:/abs/path".
	Target() string
}

// Kinds of sink.
const (
	KindFile   = "file"
	KindUDP    = "udp"
	KindSerial = "serial"
)

// Spec describes a sink in configuration.
type Spec struct {
	Kind string `json:"kind" toml:"kind" yaml:"kind"`
	// Path is the file path (file) or device path (serial).
	Path string `json:"path,omitempty" toml:"path" yaml:"path,omitempty"`
	// Address is host:port for udp sinks.
	Address string `json:"address,omitempty" toml:"address" yaml:"address,omitempty"`
	// Compression is "", "none", "zstd" or "lz4". Only file sinks compress.
	Compression string        `json:"compression,omitempty" toml:"compression" yaml:"compression,omitempty"`
	Serial      SerialOptions `json:"serial,omitempty" toml:"serial" yaml:"serial,omitempty"`
}

// Target is the identity the spec would open, without opening it. Relative
// file paths are resolved against the working directory.
func (s Spec) Target() (string, error) {
	switch kind(s) {
	case KindFile:
		if s.Path == "" {
			return "", fmt.Errorf("file sink needs a path")
		}
		abs, err := filepath.Abs(s.Path)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", s.Path, err)
		}
		return KindFile + ":" + abs, nil
	case KindUDP:
		if s.Address == "" {
			return "", fmt.Errorf("udp sink needs an address")
		}
		return KindUDP + ":" + s.Address, nil
	case KindSerial:
		if s.Path == "" {
			return "", fmt.Errorf("serial sink needs a device path")
		}
		return KindSerial + ":" + filepath.Clean(s.Path), nil
	}
	return "", fmt.Errorf("unknown sink kind %q", s.Kind)
}

// Validate checks the spec without opening anything.
func (s Spec) Validate() error {
	if _, err := s.Target(); err != nil {
		return err
	}
	c, err := ParseCompression(s.Compression)
	if err != nil {
		return err
	}
	if c != CompressionNone && kind(s) != KindFile {
		return fmt.Errorf("%s sinks cannot be compressed", kind(s))
	}
	if kind(s) == KindSerial {
		if _, err := s.Serial.Normalize(); err != nil {
			return err
		}
	}
	return nil
}

func kind(s Spec) string {
	k := strings.ToLower(strings.TrimSpace(s.Kind))
	if k == "" {
		return KindFile
	}
	return k
}

// Opener opens sinks. The zero value uses the real filesystem and serial
// ports.
type Opener struct {
	FS         fsutil.FileSystem
	OpenSerial SerialOpener
}

// Open opens the sink described by spec.
func (o Opener) Open(spec Spec) (Sink, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch kind(spec) {
	case KindUDP:
		return DialUDP(spec.Address)
	case KindSerial:
		opener := o.OpenSerial
		if opener == nil {
			opener = OpenSerialPort
		}
		return OpenSerial(opener, spec.Path, spec.Serial)
	}

	fsys := o.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	f, err := OpenFile(fsys, spec.Path)
	if err != nil {
		return nil, err
	}
	c, _ := ParseCompression(spec.Compression)
	if c == CompressionNone {
		return f, nil
	}
	s, err := Compress(f, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}
