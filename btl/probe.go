package btl

import (
	"errors"
	"math"
)

const (
	// AnySource matches messages from every peer.
	AnySource = -1
	// AnyTag matches messages with any tag.
	AnyTag = -1
)

const (
	contextShift = 48
	sourceShift  = 32

	contextMask uint64 = 0xffff << contextShift
	sourceMask  uint64 = 0xffff << sourceShift
	tagMask     uint64 = 0xffffffff
)

// ProbeStatus describes a pending message found by Probe.
type ProbeStatus struct {
	Source int
	Tag    int
	Length uint64
}

// MatchInfo encodes a message's context id, source rank and tag into the
// 64-bit match word understood by the matching engine.
func MatchInfo(contextID uint16, source, tag int) uint64 {
	return uint64(contextID)<<contextShift |
		uint64(uint16(source))<<sourceShift |
		uint64(uint32(int32(tag)))
}

// MatchBits returns the match word and mask for a probe. AnySource and
// AnyTag clear the corresponding mask bits; the context id always matches.
func MatchBits(contextID uint16, source, tag int) (match, mask uint64) {
	mask = contextMask
	if source != AnySource {
		mask |= sourceMask
	}
	if tag != AnyTag {
		mask |= tagMask
	}
	return MatchInfo(contextID, source, tag) & mask, mask
}

// DecodeMatchInfo recovers the source rank and tag from a match word.
func DecodeMatchInfo(info uint64) (source, tag int) {
	return int(uint16(info >> sourceShift)), int(int32(uint32(info)))
}

// Probe checks, without consuming it, whether a message from source with tag
// is pending on the communicator identified by contextID. found is false when
// nothing matches; err is set only when the matching engine fails.
func (m *Module) Probe(contextID uint16, source, tag int) (status ProbeStatus, found bool, err error) {
	if m == nil {
		return ProbeStatus{}, false, ErrInvalidHandle{"module"}
	}
	if m.matcher == nil {
		return ProbeStatus{}, false, ErrInvalidHandle{"matcher"}
	}
	if source < AnySource || source > 0xffff {
		return ProbeStatus{}, false, errors.New("btl: probe source out of range")
	}
	// Tags travel as 32 bits in the match word; wider values would alias.
	if tag < math.MinInt32 || tag > math.MaxInt32 {
		return ProbeStatus{}, false, errors.New("btl: probe tag out of range")
	}
	match, mask := MatchBits(contextID, source, tag)
	ms, ok, err := m.matcher.IProbe(match, mask)
	if err != nil {
		return ProbeStatus{}, false, &FatalError{Op: "iprobe", Err: err}
	}
	if !ok {
		return ProbeStatus{}, false, nil
	}
	src, t := DecodeMatchInfo(ms.MatchInfo)
	return ProbeStatus{Source: src, Tag: t, Length: ms.Length}, true, nil
}
