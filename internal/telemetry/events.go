package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/telemux/internal/monitoring"
)

// EventKind classifies a diagnostic event.
type EventKind string

const (
	EventMalformedDatagram  EventKind = "malformed_datagram"
	EventUnknownChannel     EventKind = "unknown_channel"
	EventFragmentOutOfRange EventKind = "fragment_out_of_range"
	EventSinkWriteFailure   EventKind = "sink_write_failure"
	EventStaleFrame         EventKind = "stale_frame"
	EventFrameComplete      EventKind = "frame_complete"
)

// KindOf maps an engine error to its event kind.
func KindOf(err error) EventKind {
	switch {
	case errors.Is(err, ErrMalformedDatagram):
		return EventMalformedDatagram
	case errors.Is(err, ErrUnknownChannel):
		return EventUnknownChannel
	case errors.Is(err, ErrFragmentIndexOutOfRange):
		return EventFragmentOutOfRange
	case errors.Is(err, ErrSinkWrite):
		return EventSinkWriteFailure
	case errors.Is(err, ErrStaleFrame):
		return EventStaleFrame
	}
	return ""
}

// Event is a structured diagnostic emitted by the engine. Header is the raw
// decoded header of the datagram involved, zero for sweep-driven events.
type Event struct {
	Time    time.Time
	Kind    EventKind
	Channel string
	Header  Header
	// Length is the datagram length for datagram events and the number of
	// bytes written for frame events.
	Length int
	// Fragments is the number of distinct fragments held when a frame was
	// completed or discarded.
	Fragments int
	// Digest is the hex BLAKE3-256 of a completed frame.
	Digest string
	Err    error
}

// IsError reports whether the event describes a failure.
func (e Event) IsError() bool { return e.Err != nil }

// MarshalZerologObject adds the event's fields to a structured log line.
func (e Event) MarshalZerologObject(ev *zerolog.Event) {
	channel := e.Channel
	if channel == "" {
		channel = "-"
	}
	ev.Str("kind", string(e.Kind)).
		Str("channel", channel).
		Str("sys", fmt.Sprintf("0x%02x", e.Header.SystemID)).
		Str("sub", fmt.Sprintf("0x%02x", e.Header.SubType)).
		Uint16("total", e.Header.TotalFragments).
		Uint16("index", e.Header.FragmentIndex).
		Int("len", e.Length)
	if e.Fragments > 0 {
		ev.Int("fragments", e.Fragments)
	}
	if e.Digest != "" {
		ev.Str("blake3", e.Digest)
	}
	ev.AnErr("err", e.Err)
}

// EventRecorder receives engine events. Record is called on the receive
// goroutine and must not block.
type EventRecorder interface {
	Record(Event)
}

// EventRecorderFunc adapts a function to EventRecorder.
type EventRecorderFunc func(Event)

func (f EventRecorderFunc) Record(e Event) { f(e) }

// Recorders fans an event out to several recorders.
type Recorders []EventRecorder

func (rs Recorders) Record(e Event) {
	for _, r := range rs {
		if r != nil {
			r.Record(e)
		}
	}
}

// LogRecorder writes events through monitoring.Logf. Frame completions are
// only logged when Verbose is set.
type LogRecorder struct {
	Verbose bool
}

func (l LogRecorder) Record(e Event) {
	if !e.IsError() && !l.Verbose {
		return
	}
	monitoring.Event().EmbedObject(e).Msg("telemetry")
}

type noopRecorder struct{}

func (noopRecorder) Record(Event) {}
