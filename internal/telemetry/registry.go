package telemetry

import (
	"fmt"
	"io"
	"time"
)

// Mode selects how a channel's datagrams are persisted.
type Mode uint8

const (
	// ModeReassemble buffers fragments until every index of a frame has
	// arrived, then writes the whole frame.
	ModeReassemble Mode = iota
	// ModeDirect writes each datagram's payload straight to the sink.
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeReassemble:
		return "reassemble"
	case ModeDirect:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "reassemble":
		return ModeReassemble, nil
	case "direct", "passthrough":
		return ModeDirect, nil
	}
	return 0, fmt.Errorf("unknown channel mode %q", s)
}

// Targeter is implemented by sinks that can name the physical resource they
// write to. The registry uses it to refuse two channels sharing one target.
type Targeter interface {
	Target() string
}

// Channel describes one logical telemetry stream.
type Channel struct {
	Name     string
	SystemID uint8
	// SubType is only consulted when HasSubType is set.
	SubType    uint8
	HasSubType bool
	Mode       Mode
	// FrameLen is the size of a reassembled frame.
	FrameLen int
	// PayloadLen is the payload carried by a full fragment. For direct
	// channels it only sizes the receive buffer and may be zero.
	PayloadLen int
	// StaleAfter discards a partial frame whose first fragment is older than
	// this. Zero disables the check.
	StaleAfter time.Duration
	Sink       io.WriteCloser

	slot int
}

// FragmentCount is ceil(FrameLen / PayloadLen).
func (c *Channel) FragmentCount() int {
	if c.PayloadLen <= 0 {
		return 0
	}
	return (c.FrameLen + c.PayloadLen - 1) / c.PayloadLen
}

// Label is the channel name plus its identifying tuple, for log lines.
func (c *Channel) Label() string {
	if c.HasSubType {
		return fmt.Sprintf("%s(0x%02x/0x%02x)", c.Name, c.SystemID, c.SubType)
	}
	return fmt.Sprintf("%s(0x%02x)", c.Name, c.SystemID)
}

type system struct {
	plain *Channel
	bySub map[uint8]*Channel
}

// Registry maps (system id, sub-type) to channel descriptors. It is
// immutable once built.
type Registry struct {
	systems    [256]*system
	channels   []*Channel
	maxPayload int
}

// NewRegistry validates the channel table and indexes it.
func NewRegistry(channels []Channel) (*Registry, error) {
	r := &Registry{}
	names := make(map[string]bool, len(channels))
	targets := make(map[string]string, len(channels))

	for i := range channels {
		ch := channels[i]
		if ch.Name == "" {
			return nil, fmt.Errorf("channel %d: name is required", i)
		}
		if names[ch.Name] {
			return nil, fmt.Errorf("channel %q: duplicate name", ch.Name)
		}
		names[ch.Name] = true

		if err := validateChannel(&ch); err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
		}

		if t, ok := ch.Sink.(Targeter); ok {
			target := t.Target()
			if other, dup := targets[target]; dup {
				return nil, fmt.Errorf("channel %q: sink %s already used by channel %q", ch.Name, target, other)
			}
			targets[target] = ch.Name
		}

		ch.slot = len(r.channels)
		c := &ch
		if err := r.insert(c); err != nil {
			return nil, err
		}
		r.channels = append(r.channels, c)
		r.maxPayload = max(r.maxPayload, c.PayloadLen)
	}
	return r, nil
}

func validateChannel(ch *Channel) error {
	if ch.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	switch ch.Mode {
	case ModeReassemble:
		if ch.FrameLen <= 0 {
			return fmt.Errorf("frame length must be positive, got %d", ch.FrameLen)
		}
		if ch.PayloadLen <= 0 {
			return fmt.Errorf("payload length must be positive, got %d", ch.PayloadLen)
		}
		if n := ch.FragmentCount(); n > 0xffff {
			return fmt.Errorf("frame needs %d fragments, header allows %d", n, 0xffff)
		}
	case ModeDirect:
		if ch.PayloadLen < 0 {
			return fmt.Errorf("payload length must not be negative, got %d", ch.PayloadLen)
		}
	default:
		return fmt.Errorf("unknown mode %v", ch.Mode)
	}
	if ch.StaleAfter < 0 {
		return fmt.Errorf("stale limit must not be negative, got %v", ch.StaleAfter)
	}
	return nil
}

func (r *Registry) insert(ch *Channel) error {
	sys := r.systems[ch.SystemID]
	if sys == nil {
		sys = &system{}
		r.systems[ch.SystemID] = sys
	}

	if !ch.HasSubType {
		if sys.plain != nil {
			return fmt.Errorf("channel %q: system 0x%02x already routed to %q", ch.Name, ch.SystemID, sys.plain.Name)
		}
		if len(sys.bySub) > 0 {
			return fmt.Errorf("channel %q: system 0x%02x is split by sub-type, a sub-type is required", ch.Name, ch.SystemID)
		}
		sys.plain = ch
		return nil
	}

	if sys.plain != nil {
		return fmt.Errorf("channel %q: system 0x%02x is already routed to %q without a sub-type", ch.Name, ch.SystemID, sys.plain.Name)
	}
	if sys.bySub == nil {
		sys.bySub = make(map[uint8]*Channel)
	}
	if other, ok := sys.bySub[ch.SubType]; ok {
		return fmt.Errorf("channel %q: system 0x%02x sub-type 0x%02x already routed to %q", ch.Name, ch.SystemID, ch.SubType, other.Name)
	}
	sys.bySub[ch.SubType] = ch
	return nil
}

// Lookup resolves a header's identifying tuple. Systems registered without a
// sub-type ignore subType.
func (r *Registry) Lookup(systemID, subType uint8) (*Channel, bool) {
	sys := r.systems[systemID]
	if sys == nil {
		return nil, false
	}
	if sys.plain != nil {
		return sys.plain, true
	}
	ch, ok := sys.bySub[subType]
	return ch, ok
}

// Channels returns the registered channels in configuration order.
func (r *Registry) Channels() []*Channel {
	out := make([]*Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Len is the number of registered channels.
func (r *Registry) Len() int { return len(r.channels) }

// MaxDatagramLen is the receive buffer size needed to hold any configured
// datagram.
func (r *Registry) MaxDatagramLen() int { return HeaderLen + r.maxPayload }
