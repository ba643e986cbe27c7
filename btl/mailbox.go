package btl

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rocketbitz/btl-go/internal/gni"
)

// MailboxAttr is the mailbox description exchanged during the handshake.
type MailboxAttr = gni.SmsgAttr

// Mailbox is the local short-message buffer set of one connection. It is
// guarded by the owning endpoint's lock.
type Mailbox struct {
	id           uint64
	localCredits int
	localMaxMsg  int

	credits   int
	maxMsg    int
	available int
}

func (mb *Mailbox) localAttr() MailboxAttr {
	return MailboxAttr{
		MailboxID:  mb.id,
		Credits:    uint32(mb.localCredits),
		MaxMsgSize: uint32(mb.localMaxMsg),
	}
}

// negotiate fixes the connection capacity at the smaller of both sides.
func (mb *Mailbox) negotiate(remote MailboxAttr) {
	mb.credits = min(mb.localCredits, int(remote.Credits))
	mb.maxMsg = mb.localMaxMsg
	if remote.MaxMsgSize > 0 {
		mb.maxMsg = min(mb.localMaxMsg, int(remote.MaxMsgSize))
	}
	mb.available = mb.credits
}

func (mb *Mailbox) take() bool {
	if mb.available == 0 {
		return false
	}
	mb.available--
	return true
}

// give returns n credits and reports how many exceeded the capacity.
func (mb *Mailbox) give(n int) (excess int) {
	mb.available += n
	if mb.available > mb.credits {
		excess = mb.available - mb.credits
		mb.available = mb.credits
	}
	return excess
}

func (mb *Mailbox) reset() {
	mb.credits, mb.maxMsg, mb.available = 0, 0, 0
}

// MailboxPool provides reusable mailboxes up to a fixed limit. Mailboxes are
// created lazily and recycled through a buffered channel.
type MailboxPool struct {
	credits   int
	maxMsg    int
	limit     int
	pool      chan *Mailbox
	allocated atomic.Int64
	nextID    atomic.Uint64
	closed    atomic.Bool
}

// NewMailboxPool creates a pool of at most limit mailboxes, each advertising
// credits slots of maxMsgSize bytes.
func NewMailboxPool(credits, maxMsgSize, limit int) (*MailboxPool, error) {
	if credits <= 0 {
		return nil, errors.New("btl: mailbox credits must be positive")
	}
	if maxMsgSize <= 0 {
		return nil, errors.New("btl: mailbox message size must be positive")
	}
	if limit <= 0 {
		return nil, errors.New("btl: mailbox pool limit must be positive")
	}
	return &MailboxPool{
		credits: credits,
		maxMsg:  maxMsgSize,
		limit:   limit,
		pool:    make(chan *Mailbox, limit),
	}, nil
}

// Acquire returns an idle mailbox, creating one if the limit allows. Every
// checkout carries a fresh id so stale traffic for an earlier connection can
// be told apart.
func (p *MailboxPool) Acquire() (*Mailbox, error) {
	if p == nil || p.closed.Load() {
		return nil, ErrInvalidHandle{"mailbox pool"}
	}
	select {
	case mb := <-p.pool:
		mb.id = p.nextID.Add(1)
		return mb, nil
	default:
	}
	for {
		n := p.allocated.Load()
		if n >= int64(p.limit) {
			return nil, fmt.Errorf("acquire mailbox: %w", ErrResourceExhausted)
		}
		if p.allocated.CompareAndSwap(n, n+1) {
			break
		}
	}
	return &Mailbox{
		id:           p.nextID.Add(1),
		localCredits: p.credits,
		localMaxMsg:  p.maxMsg,
	}, nil
}

// Release returns a mailbox to the pool.
func (p *MailboxPool) Release(mb *Mailbox) {
	if p == nil || mb == nil {
		return
	}
	mb.reset()
	if p.closed.Load() {
		p.allocated.Add(-1)
		return
	}
	select {
	case p.pool <- mb:
	default:
		p.allocated.Add(-1)
	}
}

// InUse reports how many mailboxes are currently held by endpoints.
func (p *MailboxPool) InUse() int {
	if p == nil {
		return 0
	}
	return int(p.allocated.Load()) - len(p.pool)
}

// Close drops idle mailboxes. Mailboxes still held are discarded on release.
func (p *MailboxPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case <-p.pool:
			p.allocated.Add(-1)
		default:
			return
		}
	}
}

// Fragment is one short message queued on an endpoint.
type Fragment struct {
	Tag     uint8
	Payload []byte
	done    func(error)
}

func (f *Fragment) complete(err error) {
	if f.done != nil {
		f.done(err)
	}
}

// EnqueueSmallMessage sends payload with tag if a credit is available and
// nothing is queued ahead of it, otherwise it appends the fragment to the
// endpoint's wait list and reports queued. done, if non-nil, runs exactly
// once when the fragment is handed to the fabric or fails; it never runs
// with the endpoint lock held. An unconnected endpoint starts its handshake
// and queues the fragment until the connection is up.
func (ep *Endpoint) EnqueueSmallMessage(tag uint8, payload []byte, done func(error)) (queued bool, err error) {
	if ep == nil {
		return false, ErrInvalidHandle{"endpoint"}
	}
	if tag == TagDisconnect {
		return false, fmt.Errorf("btl: tag %#x is reserved", tag)
	}
	m := ep.module
	if len(payload) > m.cfg.MaxMessageSize {
		return false, fmt.Errorf("%w (%d > %d)", ErrMessageTooLarge, len(payload), m.cfg.MaxMessageSize)
	}
	frag := &Fragment{Tag: tag, Payload: payload, done: done}

	ep.mu.Lock()
	if ep.State() != StateConnected {
		if err := ep.ensureConnectedLocked(); err != nil {
			if !errors.Is(err, ErrResourceBusy) {
				ep.mu.Unlock()
				return false, err
			}
			ep.fragWait.PushBack(frag)
			ep.mu.Unlock()
			m.stats.messagesQueued.Add(1)
			return true, nil
		}
	}
	if len(payload) > ep.mailbox.maxMsg {
		limit := ep.mailbox.maxMsg
		ep.mu.Unlock()
		return false, fmt.Errorf("%w (%d > %d)", ErrMessageTooLarge, len(payload), limit)
	}
	if ep.fragWait.Len() > 0 || !ep.mailbox.take() {
		ep.fragWait.PushBack(frag)
		ep.waitListLocked()
		ep.mu.Unlock()
		m.stats.messagesQueued.Add(1)
		return true, nil
	}
	if serr := m.driver.SmsgSend(ep.smsgHandle.handle, tag, payload); serr != nil {
		ep.mailbox.give(1)
		var code gni.Errno
		if errors.As(serr, &code) && code.Temporary() {
			ep.fragWait.PushBack(frag)
			ep.waitListLocked()
			ep.mu.Unlock()
			m.stats.messagesQueued.Add(1)
			return true, nil
		}
		ep.mu.Unlock()
		m.stats.messagesFailed.Add(1)
		return false, translate("smsg send", ep, 0, serr)
	}
	ep.mu.Unlock()
	m.stats.messagesSent.Add(1)
	frag.complete(nil)
	return false, nil
}

// ProgressMailbox sends queued fragments in FIFO order while credits last
// and returns how many were sent. The endpoint leaves the drain schedule
// once its queue is empty. Concurrent calls on the same endpoint are
// collapsed: only one drains, the others return immediately.
func (ep *Endpoint) ProgressMailbox() (int, error) {
	if ep == nil {
		return 0, ErrInvalidHandle{"endpoint"}
	}
	if !ep.drain.CompareAndSwap(drainIdle, drainActive) {
		return 0, nil
	}
	defer ep.drain.Store(drainIdle)

	ep.mu.Lock()
	var sent []*Fragment
	var err error
	if ep.State() == StateConnected {
		sent, err = ep.drainLocked(0)
		if ep.fragWait.Len() == 0 {
			ep.unwaitListLocked()
		}
	}
	ep.mu.Unlock()

	for _, frag := range sent {
		frag.complete(nil)
	}
	return len(sent), err
}

// drainLocked sends from the head of the wait list until only reserve
// credits remain or the driver pushes back. Sent fragments are returned for
// completion outside the lock.
func (ep *Endpoint) drainLocked(reserve int) ([]*Fragment, error) {
	m := ep.module
	var sent []*Fragment
	for e := ep.fragWait.Front(); e != nil; e = ep.fragWait.Front() {
		if ep.mailbox.available <= reserve || !ep.mailbox.take() {
			break
		}
		frag := e.Value.(*Fragment)
		if serr := m.driver.SmsgSend(ep.smsgHandle.handle, frag.Tag, frag.Payload); serr != nil {
			ep.mailbox.give(1)
			var code gni.Errno
			if errors.As(serr, &code) && code.Temporary() {
				break
			}
			return sent, translate("smsg send", ep, 0, serr)
		}
		ep.fragWait.Remove(e)
		sent = append(sent, frag)
	}
	m.stats.messagesSent.Add(int64(len(sent)))
	return sent, nil
}

// ReplenishCredits returns n mailbox slots released by the peer. Queued
// fragments are sent on the next progress cycle. Credits beyond the
// negotiated capacity are discarded.
func (ep *Endpoint) ReplenishCredits(n int) {
	if ep == nil || n <= 0 {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.mailbox == nil || ep.State() != StateConnected {
		ep.module.logger.Debug("credits for unconnected endpoint ignored",
			zap.Uint32("remote_addr", ep.remoteAddr),
			zap.Int("credits", n))
		return
	}
	if excess := ep.mailbox.give(n); excess > 0 {
		ep.module.logger.Warn("credit overflow discarded",
			zap.Uint32("remote_addr", ep.remoteAddr),
			zap.Uint32("remote_id", ep.remoteID),
			zap.Int("excess", excess))
	}
}

// releaseSlot tells the peer one received message has been consumed.
func (ep *Endpoint) releaseSlot() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.smsgHandle == nil || ep.State() != StateConnected {
		return nil
	}
	if err := ep.module.driver.SmsgRelease(ep.smsgHandle.handle); err != nil {
		return translate("smsg release", ep, 0, err)
	}
	return nil
}
