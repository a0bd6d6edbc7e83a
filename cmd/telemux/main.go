// Command telemux receives fragmented telemetry over UDP, reassembles each
// detector's frames and appends them to per-channel sinks.
//
// Usage:
//
//	telemux [flags]                         receive until interrupted
//	telemux replay --pcap FILE [--port N]   reassemble a packet capture
//	telemux status [--api ADDR]             print a running receiver's counters
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/banshee-data/telemux/internal/config"
	"github.com/banshee-data/telemux/internal/version"
)

// options are the flags shared by the receiver and replay commands.
type options struct {
	configPath string
	listen     string
	logDir     string
	dbPath     string
	apiListen  string
	forward    string
	verbose    bool
	dumpConfig string
	version    bool
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "configuration file (.json, .toml, .yaml); built-in channel table if empty")
	fs.StringVar(&o.listen, "listen", "", "UDP address to receive telemetry on (default "+config.DefaultListen+")")
	fs.StringVar(&o.logDir, "log-dir", "", "directory for relative file sink paths")
	fs.StringVar(&o.dbPath, "db", "", "sqlite diagnostics database; empty string disables")
	fs.StringVar(&o.apiListen, "api", "", "HTTP status address; empty string disables")
	fs.StringVar(&o.forward, "forward", "", "mirror every datagram to this UDP address")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log every completed frame")
	fs.StringVar(&o.dumpConfig, "dump-config", "", "print the effective configuration as json, toml or yaml and exit")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
}

// loadConfig reads the configuration file, or the built-in table, and
// applies the flags the user actually set.
func loadConfig(fs *pflag.FlagSet, o *options) (*config.Config, error) {
	var cfg *config.Config
	if o.configPath == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	if fs.Changed("listen") {
		cfg.Listen = o.listen
	}
	if fs.Changed("log-dir") {
		cfg.LogDir = o.logDir
	}
	if fs.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if fs.Changed("api") {
		cfg.APIListen = o.apiListen
	}
	if fs.Changed("forward") {
		cfg.Forward = o.forward
	}
	if fs.Changed("verbose") {
		cfg.Verbose = o.verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "replay":
			return runReplay(ctx, args[1:], stdout, stderr)
		case "status":
			return runStatus(ctx, args[1:], stdout, stderr)
		}
	}

	fs := pflag.NewFlagSet("telemux", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	if o.version {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg, err := loadConfig(fs, &o)
	if err != nil {
		return err
	}
	if o.dumpConfig != "" {
		return dumpConfig(stdout, cfg, o.dumpConfig)
	}
	return serve(ctx, cfg)
}

func dumpConfig(w io.Writer, cfg *config.Config, format string) error {
	data, err := cfg.Marshal(format)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, err = io.WriteString(w, "\n")
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Printf("telemux: %v", err)
		stop()
		os.Exit(1)
	}
}
