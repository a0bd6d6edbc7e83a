// Package api serves the receiver's status over HTTP: the channel table with
// live counters, recent diagnostic events and build information.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/telemux/internal/db"
	"github.com/banshee-data/telemux/internal/httputil"
	"github.com/banshee-data/telemux/internal/monitoring"
	"github.com/banshee-data/telemux/internal/stats"
	"github.com/banshee-data/telemux/internal/telemetry"
	"github.com/banshee-data/telemux/internal/version"
)

// StatsSource provides live counters.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// EventSource provides stored diagnostic events.
type EventSource interface {
	RecentEvents(limit int, kind string) ([]db.EventRow, error)
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ChannelInfo is one row of GET /api/channels.
type ChannelInfo struct {
	Name       string `json:"name"`
	SystemID   string `json:"system_id"`
	SubType    string `json:"sub_type,omitempty"`
	Mode       string `json:"mode"`
	FrameLen   int    `json:"frame_len,omitempty"`
	PayloadLen int    `json:"payload_len,omitempty"`
	Fragments  int    `json:"fragments,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"`
	Sink       string `json:"sink,omitempty"`

	Stats *stats.ChannelSnapshot `json:"stats,omitempty"`
}

// ChannelsResponse is the body of GET /api/channels.
type ChannelsResponse struct {
	Timestamp      time.Time        `json:"timestamp"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Packets        int64            `json:"packets"`
	ForwardDropped int64            `json:"forward_dropped"`
	Unrouted       map[string]int64 `json:"unrouted"`
	Channels       []ChannelInfo    `json:"channels"`
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
	RunID     string `json:"run_id,omitempty"`
}

// Server answers status queries. Stats and Events may be nil.
type Server struct {
	channels []ChannelInfo
	stats    StatsSource
	events   EventSource
	runID    string
}

// NewServer describes the channels of reg and serves counters from st and
// events from ev.
func NewServer(reg *telemetry.Registry, st StatsSource, ev EventSource, runID string) *Server {
	s := &Server{stats: st, events: ev, runID: runID}
	if reg != nil {
		for _, ch := range reg.Channels() {
			s.channels = append(s.channels, describe(ch))
		}
	}
	return s
}

func describe(ch *telemetry.Channel) ChannelInfo {
	info := ChannelInfo{
		Name:       ch.Name,
		SystemID:   fmt.Sprintf("0x%02x", ch.SystemID),
		Mode:       ch.Mode.String(),
		PayloadLen: ch.PayloadLen,
	}
	if ch.HasSubType {
		info.SubType = fmt.Sprintf("0x%02x", ch.SubType)
	}
	if ch.Mode == telemetry.ModeReassemble {
		info.FrameLen = ch.FrameLen
		info.Fragments = ch.FragmentCount()
	}
	if ch.StaleAfter > 0 {
		info.StaleAfter = ch.StaleAfter.String()
	}
	if t, ok := ch.Sink.(telemetry.Targeter); ok {
		info.Sink = t.Target()
	}
	return info
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Event().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Int("status", lrw.statusCode).
			Str("ms", fmt.Sprintf("%.2f", float64(time.Since(start).Nanoseconds())/1e6)).
			Msg("api")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/channels", s.listChannels)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	resp := ChannelsResponse{Unrouted: map[string]int64{}, Channels: make([]ChannelInfo, len(s.channels))}
	copy(resp.Channels, s.channels)
	if s.stats != nil {
		snap := s.stats.Snapshot()
		resp.Timestamp = snap.Timestamp
		resp.UptimeSeconds = snap.UptimeSeconds
		resp.Packets = snap.Packets
		resp.ForwardDropped = snap.ForwardDropped
		resp.Unrouted = snap.Unrouted
		for i := range resp.Channels {
			if cs, ok := snap.Channel(resp.Channels[i].Name); ok {
				resp.Channels[i].Stats = &cs
			}
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.events == nil {
		httputil.ServiceUnavailable(w, "diagnostics database disabled")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = min(n, maxEventLimit)
	}
	kind := r.URL.Query().Get("kind")

	events, err := s.events.RecentEvents(limit, kind)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, VersionResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
		RunID:     s.runID,
	})
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           LoggingMiddleware(s.ServeMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	monitoring.Logf("HTTP API listening on %s", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
