package btl

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/btl-go/internal/gni"
)

var (
	// ErrResourceBusy indicates a handshake is in flight; retry after the next progress cycle.
	ErrResourceBusy = errors.New("btl: resource busy")
	// ErrResourceExhausted indicates a pool (handles, mailboxes) is empty; retry later.
	ErrResourceExhausted = errors.New("btl: resource exhausted")
	// ErrBindFailed indicates a hardware context could not be bound to the peer.
	ErrBindFailed = errors.New("btl: endpoint bind failed")
	// ErrConnectionClosed is reported to fragments that were still queued when the endpoint disconnected.
	ErrConnectionClosed = errors.New("btl: connection closed")
	// ErrModuleClosed indicates the module has already been closed.
	ErrModuleClosed = errors.New("btl: module closed")
	// ErrMessageTooLarge indicates a payload exceeds the negotiated mailbox message size.
	ErrMessageTooLarge = errors.New("btl: message exceeds mailbox size")
	// ErrNotifyUndelivered indicates a graceful disconnect could not tell the
	// peer. The local side is torn down regardless; the peer drops its stale
	// connection on the next handshake.
	ErrNotifyUndelivered = errors.New("btl: disconnect notification not delivered")
)

// Errno re-exports the driver return code type.
type Errno = gni.Errno

// ErrInvalidHandle reports use of a nil or closed object.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "btl: invalid or closed " + e.Resource + " handle"
}

// FatalError is a non-retryable fabric failure. The embedding runtime is
// expected to abort or disable the transport when it sees one.
type FatalError struct {
	Op         string
	RemoteAddr uint32
	RemoteID   uint32
	Device     int
	Err        error
}

func (e *FatalError) Error() string {
	if e.RemoteAddr == 0 && e.RemoteID == 0 {
		return fmt.Sprintf("btl: fatal fabric error in %s (device=%d): %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("btl: fatal fabric error in %s (peer=%d/%#x device=%d): %v", e.Op, e.RemoteAddr, e.RemoteID, e.Device, e.Err)
}

// Unwrap exposes the driver error to errors.Is / errors.As.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a backpressure signal the caller should
// poll against rather than a failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResourceBusy) ||
		errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrBindFailed)
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// translate maps a driver failure onto the endpoint layer's taxonomy.
// Temporary driver codes become ErrResourceExhausted; anything else is fatal.
func translate(op string, ep *Endpoint, device int, err error) error {
	if err == nil {
		return nil
	}
	var code gni.Errno
	if errors.As(err, &code) && code.Temporary() {
		return fmt.Errorf("%s: %w: %w", op, ErrResourceExhausted, err)
	}
	fatal := &FatalError{Op: op, Device: device, Err: err}
	if ep != nil {
		fatal.RemoteAddr = ep.remoteAddr
		fatal.RemoteID = ep.remoteID
	}
	return fatal
}
