package telemetry

import "fmt"

// Outcome is the result of handing a datagram to the engine.
type Outcome uint8

const (
	// InProgress means the fragment was stored and the frame is still open.
	InProgress Outcome = iota
	// Complete means the fragment closed the frame.
	Complete
	// Rejected means the fragment was refused and no state changed.
	Rejected
	// Passthrough means the payload went straight to a direct channel sink.
	Passthrough
	// Dropped means the datagram never reached a channel.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case InProgress:
		return "in-progress"
	case Complete:
		return "complete"
	case Rejected:
		return "rejected"
	case Passthrough:
		return "passthrough"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Reassembly accumulates the fragments of one frame, in any arrival order.
// It is not safe for concurrent use.
type Reassembly struct {
	frameLen   int
	payloadLen int
	buf        []byte
	received   []bool
	count      int
}

// NewReassembly allocates a zeroed frame buffer of frameLen bytes split into
// ceil(frameLen/payloadLen) fragment slots.
func NewReassembly(frameLen, payloadLen int) *Reassembly {
	n := (frameLen + payloadLen - 1) / payloadLen
	return &Reassembly{
		frameLen:   frameLen,
		payloadLen: payloadLen,
		buf:        make([]byte, frameLen),
		received:   make([]bool, n),
	}
}

// Accept stores one fragment. The payload is copied to
// (index-1)*payloadLen, truncated at the end of the frame. An oversize
// payload runs on into the following slots, and later writes win.
func (r *Reassembly) Accept(h Header, payload []byte) (Outcome, error) {
	if err := r.Check(h); err != nil {
		return Rejected, err
	}

	idx := int(h.FragmentIndex)
	off := (idx - 1) * r.payloadLen
	end := min(off+len(payload), r.frameLen)
	copy(r.buf[off:end], payload)

	wasComplete := r.Complete()
	if !r.received[idx-1] {
		r.received[idx-1] = true
		r.count++
	}
	if !wasComplete && r.Complete() {
		return Complete, nil
	}
	return InProgress, nil
}

// Check reports whether h's fragment index fits this frame: 1-based, at most
// the header's total and at most the number of slots.
func (r *Reassembly) Check(h Header) error {
	idx := int(h.FragmentIndex)
	if idx < 1 || idx > int(h.TotalFragments) || idx > len(r.received) {
		return fmt.Errorf("%w: index %d, total %d, capacity %d",
			ErrFragmentIndexOutOfRange, idx, h.TotalFragments, len(r.received))
	}
	return nil
}

// Has reports whether fragment index (1-based) has been stored.
func (r *Reassembly) Has(index uint16) bool {
	i := int(index) - 1
	return i >= 0 && i < len(r.received) && r.received[i]
}

// Complete reports whether every fragment slot has been filled.
func (r *Reassembly) Complete() bool { return r.count == len(r.received) }

// Received is the number of distinct fragments stored.
func (r *Reassembly) Received() int { return r.count }

// Pending reports whether a frame has been started but not finished.
func (r *Reassembly) Pending() bool { return r.count > 0 && !r.Complete() }

// Frame returns the frame buffer. The slice is reused after Reset.
func (r *Reassembly) Frame() []byte { return r.buf }

// ReceivedSet returns a copy of the fragment presence set.
func (r *Reassembly) ReceivedSet() []bool {
	out := make([]bool, len(r.received))
	copy(out, r.received)
	return out
}

// Reset clears the presence set and zeroes the buffer for the next frame.
func (r *Reassembly) Reset() {
	clear(r.received)
	clear(r.buf)
	r.count = 0
}
