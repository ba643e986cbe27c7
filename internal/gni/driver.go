// Package gni describes the hardware fabric interface consumed by the endpoint
// layer and provides an in-memory fabric that implements it.
package gni

import (
	"encoding/binary"
	"fmt"
)

// EpHandle identifies a hardware endpoint context owned by a driver.
type EpHandle uint64

// DeviceIDMask selects the bits of a remote id that carry the device index.
// Base ids handed out to modules must leave these bits clear.
const DeviceIDMask uint32 = 0xff

// SmsgAttr describes a short-message mailbox advertised during the handshake.
type SmsgAttr struct {
	MailboxID  uint64
	Credits    uint32
	MaxMsgSize uint32
}

// SmsgAttrSize is the encoded size of SmsgAttr.
const SmsgAttrSize = 16

// Bytes encodes the attributes into the handshake datagram layout. The
// layout is fixed size so encoding cannot fail.
func (a SmsgAttr) Bytes() []byte {
	buf := make([]byte, SmsgAttrSize)
	binary.BigEndian.PutUint64(buf[0:], a.MailboxID)
	binary.BigEndian.PutUint32(buf[8:], a.Credits)
	binary.BigEndian.PutUint32(buf[12:], a.MaxMsgSize)
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a SmsgAttr) MarshalBinary() ([]byte, error) {
	return a.Bytes(), nil
}

// UnmarshalBinary decodes attributes previously produced by MarshalBinary.
func (a *SmsgAttr) UnmarshalBinary(data []byte) error {
	if len(data) < SmsgAttrSize {
		return fmt.Errorf("gni: short mailbox attributes (have %d want %d)", len(data), SmsgAttrSize)
	}
	a.MailboxID = binary.BigEndian.Uint64(data[0:])
	a.Credits = binary.BigEndian.Uint32(data[8:])
	a.MaxMsgSize = binary.BigEndian.Uint32(data[12:])
	return nil
}

// DatagramEvent reports a completed (or failed) handshake datagram.
type DatagramEvent struct {
	ID         uint64
	Wildcard   bool
	RemoteAddr uint32
	RemoteID   uint32
	Payload    []byte
	Status     Errno
}

// SmsgEventKind enumerates short-message completion types.
type SmsgEventKind int

const (
	// SmsgEventData carries an incoming message from a peer.
	SmsgEventData SmsgEventKind = iota
	// SmsgEventCredit reports that a peer released mailbox slots.
	SmsgEventCredit
)

func (k SmsgEventKind) String() string {
	switch k {
	case SmsgEventData:
		return "data"
	case SmsgEventCredit:
		return "credit"
	default:
		return "unknown"
	}
}

// SmsgEvent is a short-message completion polled from the driver.
type SmsgEvent struct {
	Kind       SmsgEventKind
	RemoteAddr uint32
	RemoteID   uint32
	Tag        uint8
	Payload    []byte
	Credits    int
}

// Driver is the outbound hardware interface. Implementations report failures
// as Errno values, optionally wrapped with operation context. Poll methods
// return NotDone when no event is pending.
type Driver interface {
	// Addr returns the local NIC address.
	Addr() uint32
	// ID returns the local base id. Its DeviceIDMask bits are zero.
	ID() uint32

	EpCreate(device int) (EpHandle, error)
	EpDestroy(h EpHandle) error
	EpBind(h EpHandle, remoteAddr, remoteID uint32) error
	EpUnbind(h EpHandle) error

	PostDatagram(h EpHandle, id uint64, payload []byte) error
	PostWildcard(id uint64, payload []byte) error
	CancelDatagram(id uint64) error
	PollDatagram() (*DatagramEvent, error)

	SmsgInit(h EpHandle, local, remote SmsgAttr) error
	SmsgSend(h EpHandle, tag uint8, payload []byte) error
	SmsgRelease(h EpHandle) error
	PollSmsg() (*SmsgEvent, error)
}

// MatchStatus describes a message found by a probe without consuming it.
type MatchStatus struct {
	MatchInfo uint64
	Length    uint64
}

// Matcher is the hardware matching engine queried by probes.
type Matcher interface {
	IProbe(match, mask uint64) (MatchStatus, bool, error)
}
