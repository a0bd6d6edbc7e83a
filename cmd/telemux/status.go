package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/telemux/internal/api"
	"github.com/banshee-data/telemux/internal/httputil"
	"github.com/banshee-data/telemux/internal/stats"
)

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("telemux status", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("api", "127.0.0.1:8080", "HTTP status address of the running receiver")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	return status(ctx, &http.Client{}, statusURL(*addr), stdout)
}

func statusURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/") + "/api/channels"
	}
	return "http://" + addr + "/api/channels"
}

func status(ctx context.Context, client httputil.HTTPClient, url string, w io.Writer) error {
	var resp api.ChannelsResponse
	if err := httputil.GetJSON(ctx, client, url, &resp); err != nil {
		return err
	}

	fmt.Fprintf(w, "uptime %v, %s packets, %s forward drops\n",
		time.Duration(resp.UptimeSeconds*float64(time.Second)).Round(time.Second),
		stats.FormatWithCommas(resp.Packets), stats.FormatWithCommas(resp.ForwardDropped))

	var snaps []stats.ChannelSnapshot
	for _, ch := range resp.Channels {
		if ch.Stats != nil {
			snaps = append(snaps, *ch.Stats)
		} else {
			snaps = append(snaps, stats.ChannelSnapshot{Name: ch.Name})
		}
	}
	printChannels(w, snaps)
	for _, kind := range slices.Sorted(maps.Keys(resp.Unrouted)) {
		fmt.Fprintf(w, "%s: %s\n", kind, stats.FormatWithCommas(resp.Unrouted[kind]))
	}
	return nil
}

// printChannels writes one aligned row of counters per channel.
func printChannels(w io.Writer, channels []stats.ChannelSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "channel\tdatagrams\tfragments\tdup\trejected\tframes\tbytes\twrite_fail\tdiscarded\tassembly_ms\t")
	for _, ch := range channels {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.1f\t\n",
			ch.Name,
			stats.FormatWithCommas(ch.Datagrams),
			stats.FormatWithCommas(ch.Fragments),
			stats.FormatWithCommas(ch.Duplicates),
			stats.FormatWithCommas(ch.Rejected),
			stats.FormatWithCommas(ch.Frames),
			stats.FormatWithCommas(ch.FrameBytes),
			stats.FormatWithCommas(ch.WriteFailures),
			stats.FormatWithCommas(ch.Discarded),
			ch.AssemblyMeanMs,
		)
	}
	tw.Flush()
}
