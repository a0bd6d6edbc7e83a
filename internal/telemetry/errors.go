package telemetry

import "errors"

var (
	// ErrMalformedDatagram is reported for datagrams too short to hold a header.
	ErrMalformedDatagram = errors.New("malformed datagram")
	// ErrUnknownChannel is reported when no channel matches the header's
	// system id and sub-type.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrFragmentIndexOutOfRange is reported for fragments whose index is
	// zero, exceeds total_fragments, or exceeds the channel's fragment count.
	ErrFragmentIndexOutOfRange = errors.New("fragment index out of range")
	// ErrSinkWrite is reported when a sink rejects or truncates a write.
	ErrSinkWrite = errors.New("sink write failure")
	// ErrStaleFrame is reported when a partial frame is discarded because its
	// first fragment is older than the channel's stale limit.
	ErrStaleFrame = errors.New("stale frame discarded")
)
