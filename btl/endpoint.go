package btl

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rocketbitz/btl-go/internal/gni"
)

// State is the connection state of an endpoint.
type State int32

const (
	// StateInit means no handshake has been attempted or the last one was torn down.
	StateInit State = iota
	// StateConnecting means a handshake datagram is posted and awaiting completion.
	StateConnecting
	// StateConnected means the short-message channel is ready.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	drainIdle int32 = iota
	drainActive
)

// TagDisconnect is the short-message tag reserved for disconnect notifications.
const TagDisconnect uint8 = 0xff

// Endpoint is the local representative of one remote peer. It is created
// unconnected and connects lazily on first use.
type Endpoint struct {
	module     *Module
	index      int
	remoteAddr uint32
	remoteID   uint32

	mu         sync.Mutex
	state      atomic.Int32
	smsgHandle *EndpointHandle
	remoteAttr *MailboxAttr
	remoteMbox uint64
	mailbox    *Mailbox
	fragWait   list.List
	waitListed bool
	dgPosted   bool
	dgID       uint64
	generation uint32

	drain atomic.Int32
}

func newEndpoint(m *Module, index int, remoteAddr, remoteID uint32) *Endpoint {
	return &Endpoint{
		module:     m,
		index:      index,
		remoteAddr: remoteAddr,
		remoteID:   remoteID &^ gni.DeviceIDMask,
	}
}

// Module returns the owning module.
func (ep *Endpoint) Module() *Module {
	if ep == nil {
		return nil
	}
	return ep.module
}

// Index returns the endpoint's position in its module's peer table.
func (ep *Endpoint) Index() int { return ep.index }

// RemoteAddr returns the peer NIC address.
func (ep *Endpoint) RemoteAddr() uint32 { return ep.remoteAddr }

// RemoteID returns the peer base id with the device bits cleared.
func (ep *Endpoint) RemoteID() uint32 { return ep.remoteID }

// State returns the current connection state without taking the endpoint lock.
func (ep *Endpoint) State() State {
	return State(ep.state.Load())
}

// Credits returns the number of mailbox slots currently available and the
// negotiated capacity. Both are zero while the endpoint is not connected.
func (ep *Endpoint) Credits() (available, capacity int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.mailbox == nil || ep.State() != StateConnected {
		return 0, 0
	}
	return ep.mailbox.available, ep.mailbox.credits
}

// Pending returns the number of fragments waiting for mailbox credits.
func (ep *Endpoint) Pending() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.fragWait.Len()
}

// WaitListed reports whether the endpoint is scheduled for draining.
func (ep *Endpoint) WaitListed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.waitListed
}

// EnsureConnected returns nil once the endpoint is connected. Otherwise it
// starts (or continues) the handshake and reports ErrResourceBusy; callers
// retry after the next Module.Progress. Resource and bind failures are
// retryable; everything else is fatal.
func (ep *Endpoint) EnsureConnected() error {
	if ep == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if ep.State() == StateConnected {
		return nil
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.ensureConnectedLocked()
}

func (ep *Endpoint) ensureConnectedLocked() error {
	switch ep.State() {
	case StateConnected:
		return nil
	case StateConnecting:
		return ErrResourceBusy
	}
	if err := ep.connectProgressLocked(); err != nil {
		return err
	}
	if ep.State() == StateConnected {
		return nil
	}
	return ErrResourceBusy
}

// connectProgressLocked acquires the short-message context and mailbox and
// posts the directed handshake datagram. On failure every acquired resource
// is returned and the state stays INIT.
func (ep *Endpoint) connectProgressLocked() error {
	m := ep.module
	if m.closed.Load() {
		return ErrModuleClosed
	}
	if ep.dgPosted {
		return nil
	}
	dev := m.devices[0]
	dev.Lock()
	h, err := dev.AcquireRDMALocked(ep)
	dev.Unlock()
	if err != nil {
		return err
	}
	mb, err := m.mailboxes.Acquire()
	if err != nil {
		h.Release()
		return err
	}
	payload := mb.localAttr().Bytes()
	ep.generation++
	id := datagramID(ep.index, ep.generation)
	if err := m.driver.PostDatagram(h.handle, id, payload); err != nil {
		m.mailboxes.Release(mb)
		h.Release()
		return translate("post datagram", ep, dev.index, err)
	}
	ep.smsgHandle = h
	ep.mailbox = mb
	ep.remoteAttr = &MailboxAttr{}
	ep.dgPosted = true
	ep.dgID = id
	ep.state.Store(int32(StateConnecting))
	m.stats.handshakesPosted.Add(1)
	m.logger.Debug("handshake posted",
		zap.Uint32("remote_addr", ep.remoteAddr),
		zap.Uint32("remote_id", ep.remoteID),
		zap.Uint64("datagram", id))
	return nil
}

// completeHandshake finishes a directed datagram completion. It reports
// whether the endpoint became connected.
func (ep *Endpoint) completeHandshake(ev *gni.DatagramEvent) (bool, error) {
	m := ep.module
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.State() != StateConnecting || !ep.dgPosted || ep.dgID != ev.ID {
		m.logger.Debug("stale handshake completion dropped",
			zap.Uint32("remote_addr", ep.remoteAddr),
			zap.Uint64("datagram", ev.ID))
		return false, nil
	}
	ep.dgPosted = false
	if ev.Status != gni.Success {
		ep.abortHandshakeLocked()
		return false, translate("handshake", ep, 0, ev.Status)
	}
	if err := ep.remoteAttr.UnmarshalBinary(ev.Payload); err != nil {
		ep.abortHandshakeLocked()
		return false, &FatalError{Op: "decode mailbox attributes", RemoteAddr: ep.remoteAddr, RemoteID: ep.remoteID, Err: err}
	}
	local := ep.mailbox.localAttr()
	remote := *ep.remoteAttr
	if err := m.driver.SmsgInit(ep.smsgHandle.handle, local, remote); err != nil {
		ep.abortHandshakeLocked()
		return false, translate("smsg init", ep, 0, err)
	}
	ep.mailbox.negotiate(remote)
	ep.remoteMbox = remote.MailboxID
	ep.remoteAttr = nil
	ep.state.Store(int32(StateConnected))
	if ep.fragWait.Len() > 0 {
		ep.waitListLocked()
	}
	m.stats.connects.Add(1)
	m.logger.Info("endpoint connected",
		zap.Uint32("remote_addr", ep.remoteAddr),
		zap.Uint32("remote_id", ep.remoteID),
		zap.Int("credits", ep.mailbox.credits))
	return true, nil
}

// abortHandshakeLocked returns handshake resources after a failed completion.
// Queued fragments stay queued and the handshake is retried on the next
// progress cycle.
func (ep *Endpoint) abortHandshakeLocked() {
	ep.module.stats.handshakeFailures.Add(1)
	ep.releaseResourcesLocked()
	ep.state.Store(int32(StateInit))
	if ep.fragWait.Len() > 0 {
		ep.module.deferAccept(ep)
	}
}

func (ep *Endpoint) releaseResourcesLocked() {
	if ep.smsgHandle != nil {
		ep.smsgHandle.Release()
		ep.smsgHandle = nil
	}
	ep.remoteAttr = nil
	ep.remoteMbox = 0
	if ep.mailbox != nil {
		ep.module.mailboxes.Release(ep.mailbox)
		ep.mailbox = nil
	}
}

// Disconnect tears the connection down and returns the endpoint to INIT.
// With sendDisconnect the peer is told first and queued fragments are sent
// as far as credits allow. Fragments that cannot be sent complete with
// ErrConnectionClosed. Disconnecting an idle endpoint is a no-op.
func (ep *Endpoint) Disconnect(sendDisconnect bool) error {
	if ep == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	ep.mu.Lock()
	sent, failed, err := ep.disconnectLocked(sendDisconnect)
	ep.mu.Unlock()
	for _, frag := range sent {
		frag.complete(nil)
	}
	for _, frag := range failed {
		frag.complete(ErrConnectionClosed)
	}
	return err
}

func (ep *Endpoint) disconnectLocked(sendDisconnect bool) (sent, failed []*Fragment, err error) {
	m := ep.module
	state := ep.State()
	if state == StateInit && ep.smsgHandle == nil && ep.fragWait.Len() == 0 {
		return nil, nil, nil
	}
	notified := false
	if state == StateConnected && sendDisconnect {
		// The notification occupies a peer mailbox slot like any message, so
		// the drain leaves one credit for it.
		var drainErr error
		sent, drainErr = ep.drainLocked(1)
		notifyErr := ep.notifyPeerLocked()
		notified = notifyErr == nil
		err = errors.Join(drainErr, notifyErr)
	}
	if ep.dgPosted {
		if cerr := m.driver.CancelDatagram(ep.dgID); cerr != nil {
			m.logger.Debug("cancel handshake datagram failed", zap.Uint64("datagram", ep.dgID), zap.Error(cerr))
		}
		ep.dgPosted = false
	}
	for e := ep.fragWait.Front(); e != nil; e = ep.fragWait.Front() {
		failed = append(failed, ep.fragWait.Remove(e).(*Fragment))
	}
	ep.unwaitListLocked()
	ep.releaseResourcesLocked()
	ep.state.Store(int32(StateInit))
	m.stats.disconnects.Add(1)
	m.stats.messagesFailed.Add(int64(len(failed)))
	m.logger.Info("endpoint disconnected",
		zap.Uint32("remote_addr", ep.remoteAddr),
		zap.Uint32("remote_id", ep.remoteID),
		zap.Stringer("from", state),
		zap.Bool("notified", notified),
		zap.Int("failed", len(failed)))
	return sent, failed, err
}

// notifyPeerLocked sends the disconnect notification, spending one credit.
// Without a credit the peer's mailbox may be full, so nothing is sent.
func (ep *Endpoint) notifyPeerLocked() error {
	m := ep.module
	var err error
	if !ep.mailbox.take() {
		err = fmt.Errorf("%w (peer %d/%#x): no mailbox credits", ErrNotifyUndelivered, ep.remoteAddr, ep.remoteID)
	} else {
		note := binary.BigEndian.AppendUint64(nil, ep.remoteMbox)
		serr := m.driver.SmsgSend(ep.smsgHandle.handle, TagDisconnect, note)
		if serr == nil {
			return nil
		}
		ep.mailbox.give(1)
		err = fmt.Errorf("%w (peer %d/%#x): %w", ErrNotifyUndelivered, ep.remoteAddr, ep.remoteID, serr)
	}
	m.stats.notifyUndelivered.Add(1)
	m.logger.Warn("disconnect notification failed",
		zap.Uint32("remote_addr", ep.remoteAddr),
		zap.Uint32("remote_id", ep.remoteID),
		zap.Error(err))
	return err
}

// peerDisconnected handles a disconnect notification from the peer. The
// notification names the mailbox it was meant for; one addressed to an
// earlier connection is dropped.
func (ep *Endpoint) peerDisconnected(note []byte) error {
	ep.mu.Lock()
	if len(note) == 8 && ep.mailbox != nil && binary.BigEndian.Uint64(note) != ep.mailbox.id {
		ep.mu.Unlock()
		ep.module.logger.Debug("stale disconnect notification dropped",
			zap.Uint32("remote_addr", ep.remoteAddr),
			zap.Uint32("remote_id", ep.remoteID))
		return nil
	}
	ep.module.logger.Debug("peer disconnected",
		zap.Uint32("remote_addr", ep.remoteAddr),
		zap.Uint32("remote_id", ep.remoteID))
	_, failed, err := ep.disconnectLocked(false)
	ep.mu.Unlock()
	for _, frag := range failed {
		frag.complete(ErrConnectionClosed)
	}
	return err
}

// WithRDMAHandle connects the endpoint if needed, borrows a context bound to
// the peer on dev and runs fn with it. The context is returned to dev when fn
// returns or panics. A nil dev selects the module's first device.
func (ep *Endpoint) WithRDMAHandle(dev *Device, fn func(*EndpointHandle) error) error {
	if ep == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if fn == nil {
		return errors.New("btl: nil rdma callback")
	}
	if dev == nil {
		dev = ep.module.Device(0)
	}
	if dev == nil || dev.module != ep.module {
		return ErrInvalidHandle{"device"}
	}
	if err := ep.EnsureConnected(); err != nil {
		return err
	}
	dev.Lock()
	h, err := dev.AcquireRDMALocked(ep)
	dev.Unlock()
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

func (ep *Endpoint) waitListLocked() {
	if ep.waitListed {
		return
	}
	ep.waitListed = true
	ep.module.scheduleDrain(ep)
}

func (ep *Endpoint) unwaitListLocked() {
	if !ep.waitListed {
		return
	}
	ep.waitListed = false
	ep.module.unscheduleDrain(ep)
}

// datagramID packs the endpoint index and handshake generation. Zero is
// reserved for the module's wildcard datagram.
func datagramID(index int, generation uint32) uint64 {
	return uint64(index+1)<<32 | uint64(generation)
}

func datagramIndex(id uint64) int {
	return int(id>>32) - 1
}
