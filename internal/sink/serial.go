package sink

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.bug.st/serial"
)

// SerialOptions describes the line settings of a serial sink.
type SerialOptions struct {
	BaudRate int    `json:"baud_rate,omitempty" toml:"baud_rate" yaml:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty" toml:"data_bits" yaml:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty" toml:"stop_bits" yaml:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty" toml:"parity" yaml:"parity,omitempty"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o

	if opts.BaudRate < 0 {
		return opts, fmt.Errorf("invalid baud rate %d", opts.BaudRate)
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// Mode converts the options into the serial.Mode used by go.bug.st/serial.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialOpener opens a serial device for writing.
type SerialOpener func(path string, mode *serial.Mode) (io.WriteCloser, error)

// OpenSerialPort opens a real serial port.
func OpenSerialPort(path string, mode *serial.Mode) (io.WriteCloser, error) {
	return serial.Open(path, mode)
}

// Serial writes to a serial device.
type Serial struct {
	path string
	port io.WriteCloser
}

// OpenSerial opens path with the given options through open.
func OpenSerial(open SerialOpener, path string, opts SerialOptions) (*Serial, error) {
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial sink %s: %w", path, err)
	}
	return &Serial{path: path, port: port}, nil
}

func (s *Serial) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *Serial) Close() error { return s.port.Close() }

func (s *Serial) Target() string { return KindSerial + ":" + filepath.Clean(s.path) }
