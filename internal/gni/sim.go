package gni

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAddrInUse indicates a simulated NIC address is already registered.
var ErrAddrInUse = errors.New("gni: simulated address already in use")

// SimFabric is an in-memory fabric connecting simulated NICs. Datagrams pair
// the way the hardware pairs them: a directed datagram matches the peer's
// directed datagram aimed back at it, and otherwise wakes the peer's wildcard
// datagram once so the peer can post its side. Short messages are delivered
// in order and held until the receiving side has initialized its mailbox.
type SimFabric struct {
	mu         sync.Mutex
	nics       map[uint32]*SimNIC
	nextHandle uint64
}

// NewSimFabric creates an empty simulated fabric.
func NewSimFabric() *SimFabric {
	return &SimFabric{nics: make(map[uint32]*SimNIC)}
}

// SimStats contains counters for a simulated NIC.
type SimStats struct {
	HandlesCreated   int64
	Binds            int64
	Unbinds          int64
	DatagramsPosted  int64
	DatagramsMatched int64
	SmsgSent         int64
	SmsgReleased     int64
}

type simStats struct {
	handlesCreated   atomic.Int64
	binds            atomic.Int64
	unbinds          atomic.Int64
	datagramsPosted  atomic.Int64
	datagramsMatched atomic.Int64
	smsgSent         atomic.Int64
	smsgReleased     atomic.Int64
}

type peerKey struct {
	addr uint32
	base uint32
}

type simEndpoint struct {
	device     int
	bound      bool
	smsg       bool
	remoteAddr uint32
	remoteID   uint32
}

func (e *simEndpoint) peer() peerKey {
	return peerKey{addr: e.remoteAddr, base: e.remoteID &^ DeviceIDMask}
}

type simDatagram struct {
	id      uint64
	handle  EpHandle
	target  peerKey
	payload []byte
	knocked bool
}

// SimNIC is a simulated network interface implementing Driver and Matcher.
type SimNIC struct {
	fabric *SimFabric
	addr   uint32
	id     uint32

	endpoints  map[EpHandle]*simEndpoint
	directed   map[uint64]*simDatagram
	wildcard   *simDatagram
	dgEvents   []*DatagramEvent
	smsgEvents []*SmsgEvent
	held       map[peerKey][]*SmsgEvent
	unexpected []MatchStatus
	faults     map[string][]Errno
	closed     bool

	stats simStats
}

var (
	_ Driver  = (*SimNIC)(nil)
	_ Matcher = (*SimNIC)(nil)
)

// NewNIC attaches a simulated NIC with the given address and base id.
func (f *SimFabric) NewNIC(addr, id uint32) (*SimNIC, error) {
	if id&DeviceIDMask != 0 {
		return nil, InvalidParam.WithOp("sim nic id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.nics[addr]; exists {
		return nil, ErrAddrInUse
	}
	nic := &SimNIC{
		fabric:    f,
		addr:      addr,
		id:        id,
		endpoints: make(map[EpHandle]*simEndpoint),
		directed:  make(map[uint64]*simDatagram),
		held:      make(map[peerKey][]*SmsgEvent),
		faults:    make(map[string][]Errno),
	}
	f.nics[addr] = nic
	return nic, nil
}

// Addr returns the NIC address.
func (n *SimNIC) Addr() uint32 { return n.addr }

// ID returns the NIC base id.
func (n *SimNIC) ID() uint32 { return n.id }

// Fail makes the next call of the named driver operation (for example
// "EpBind" or "SmsgSend") fail with code. Calls queue up in order.
func (n *SimNIC) Fail(op string, code Errno) {
	n.fabric.mu.Lock()
	n.faults[op] = append(n.faults[op], code)
	n.fabric.mu.Unlock()
}

func (n *SimNIC) faultLocked(op string) error {
	if n.closed {
		return InvalidState.WithOp(op)
	}
	queue := n.faults[op]
	if len(queue) == 0 {
		return nil
	}
	code := queue[0]
	n.faults[op] = queue[1:]
	return code.WithOp(op)
}

// Close detaches the NIC from the fabric. Pending datagrams are dropped.
func (n *SimNIC) Close() error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	delete(n.fabric.nics, n.addr)
	n.directed = make(map[uint64]*simDatagram)
	n.wildcard = nil
	return nil
}

// EpCreate allocates an unbound endpoint context on the given device.
func (n *SimNIC) EpCreate(device int) (EpHandle, error) {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("EpCreate"); err != nil {
		return 0, err
	}
	if device < 0 || uint32(device) > DeviceIDMask {
		return 0, InvalidParam.WithOp("EpCreate")
	}
	n.fabric.nextHandle++
	h := EpHandle(n.fabric.nextHandle)
	n.endpoints[h] = &simEndpoint{device: device}
	n.stats.handlesCreated.Add(1)
	return h, nil
}

// EpDestroy releases an endpoint context.
func (n *SimNIC) EpDestroy(h EpHandle) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if _, ok := n.endpoints[h]; !ok {
		return InvalidParam.WithOp("EpDestroy")
	}
	delete(n.endpoints, h)
	return nil
}

// EpBind binds an endpoint context to a remote address and id.
func (n *SimNIC) EpBind(h EpHandle, remoteAddr, remoteID uint32) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("EpBind"); err != nil {
		return err
	}
	ep, ok := n.endpoints[h]
	if !ok {
		return InvalidParam.WithOp("EpBind")
	}
	if ep.bound {
		return InvalidState.WithOp("EpBind")
	}
	ep.bound = true
	ep.remoteAddr = remoteAddr
	ep.remoteID = remoteID
	n.stats.binds.Add(1)
	return nil
}

// EpUnbind clears an endpoint binding.
func (n *SimNIC) EpUnbind(h EpHandle) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	ep, ok := n.endpoints[h]
	if !ok {
		return InvalidParam.WithOp("EpUnbind")
	}
	if err := n.faultLocked("EpUnbind"); err != nil {
		ep.bound, ep.smsg = false, false
		return err
	}
	if !ep.bound {
		return InvalidState.WithOp("EpUnbind")
	}
	ep.bound, ep.smsg = false, false
	n.stats.unbinds.Add(1)
	return nil
}

// BoundHandles reports how many contexts are currently bound.
func (n *SimNIC) BoundHandles() int {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	count := 0
	for _, ep := range n.endpoints {
		if ep.bound {
			count++
		}
	}
	return count
}

// PostDatagram posts a directed datagram through a bound context.
func (n *SimNIC) PostDatagram(h EpHandle, id uint64, payload []byte) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("PostDatagram"); err != nil {
		return err
	}
	ep, ok := n.endpoints[h]
	if !ok {
		return InvalidParam.WithOp("PostDatagram")
	}
	if !ep.bound {
		return InvalidState.WithOp("PostDatagram")
	}
	if _, dup := n.directed[id]; dup {
		return InvalidState.WithOp("PostDatagram")
	}
	dg := &simDatagram{id: id, handle: h, target: ep.peer(), payload: clone(payload)}
	n.directed[id] = dg
	n.stats.datagramsPosted.Add(1)
	n.matchLocked(dg)
	return nil
}

func (n *SimNIC) matchLocked(dg *simDatagram) {
	dst := n.fabric.nics[dg.target.addr]
	if dst == nil || dst.id != dg.target.base {
		return
	}
	self := peerKey{addr: n.addr, base: n.id}
	for id, peer := range dst.directed {
		if peer.target != self {
			continue
		}
		delete(dst.directed, id)
		delete(n.directed, dg.id)
		n.dgEvents = append(n.dgEvents, &DatagramEvent{ID: dg.id, RemoteAddr: dst.addr, RemoteID: dst.id, Payload: clone(peer.payload)})
		dst.dgEvents = append(dst.dgEvents, &DatagramEvent{ID: peer.id, RemoteAddr: n.addr, RemoteID: n.id, Payload: clone(dg.payload)})
		n.stats.datagramsMatched.Add(1)
		dst.stats.datagramsMatched.Add(1)
		return
	}
	if !dg.knocked && dst.wildcard != nil {
		w := dst.wildcard
		dst.wildcard = nil
		dg.knocked = true
		dst.dgEvents = append(dst.dgEvents, &DatagramEvent{ID: w.id, Wildcard: true, RemoteAddr: n.addr, RemoteID: n.id, Payload: clone(dg.payload)})
	}
}

// PostWildcard posts a datagram accepting a handshake from any peer.
func (n *SimNIC) PostWildcard(id uint64, payload []byte) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("PostWildcard"); err != nil {
		return err
	}
	if n.wildcard != nil {
		return InvalidState.WithOp("PostWildcard")
	}
	n.wildcard = &simDatagram{id: id, payload: clone(payload)}
	n.stats.datagramsPosted.Add(1)
	self := peerKey{addr: n.addr, base: n.id}
	for _, src := range n.fabric.nics {
		for _, dg := range src.directed {
			if dg.target == self && !dg.knocked {
				src.matchLocked(dg)
				return nil
			}
		}
	}
	return nil
}

// CancelDatagram withdraws a posted datagram. No completion is generated.
func (n *SimNIC) CancelDatagram(id uint64) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if _, ok := n.directed[id]; ok {
		delete(n.directed, id)
		return nil
	}
	if n.wildcard != nil && n.wildcard.id == id {
		n.wildcard = nil
		return nil
	}
	return NoMatch.WithOp("CancelDatagram")
}

// PollDatagram returns the next datagram completion or NotDone.
func (n *SimNIC) PollDatagram() (*DatagramEvent, error) {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if len(n.dgEvents) == 0 {
		return nil, NotDone
	}
	ev := n.dgEvents[0]
	n.dgEvents[0] = nil
	n.dgEvents = n.dgEvents[1:]
	return ev, nil
}

// SmsgInit enables short messaging on a bound context and releases any
// messages the peer sent before the local mailbox was ready.
func (n *SimNIC) SmsgInit(h EpHandle, _, _ SmsgAttr) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("SmsgInit"); err != nil {
		return err
	}
	ep, ok := n.endpoints[h]
	if !ok {
		return InvalidParam.WithOp("SmsgInit")
	}
	if !ep.bound {
		return InvalidState.WithOp("SmsgInit")
	}
	ep.smsg = true
	key := ep.peer()
	if held := n.held[key]; len(held) > 0 {
		n.smsgEvents = append(n.smsgEvents, held...)
		delete(n.held, key)
	}
	return nil
}

// SmsgSend delivers a short message to the bound peer.
func (n *SimNIC) SmsgSend(h EpHandle, tag uint8, payload []byte) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("SmsgSend"); err != nil {
		return err
	}
	ep, ok := n.endpoints[h]
	if !ok {
		return InvalidParam.WithOp("SmsgSend")
	}
	if !ep.smsg {
		return InvalidState.WithOp("SmsgSend")
	}
	dst := n.fabric.nics[ep.remoteAddr]
	if dst == nil {
		return TransactionErr.WithOp("SmsgSend")
	}
	ev := &SmsgEvent{Kind: SmsgEventData, RemoteAddr: n.addr, RemoteID: n.id, Tag: tag, Payload: clone(payload)}
	self := peerKey{addr: n.addr, base: n.id}
	if dst.smsgReadyLocked(self) {
		dst.smsgEvents = append(dst.smsgEvents, ev)
	} else {
		dst.held[self] = append(dst.held[self], ev)
	}
	n.stats.smsgSent.Add(1)
	return nil
}

func (n *SimNIC) smsgReadyLocked(key peerKey) bool {
	for _, ep := range n.endpoints {
		if ep.smsg && ep.peer() == key {
			return true
		}
	}
	return false
}

// SmsgRelease returns one mailbox slot to the bound peer as a credit.
func (n *SimNIC) SmsgRelease(h EpHandle) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("SmsgRelease"); err != nil {
		return err
	}
	ep, ok := n.endpoints[h]
	if !ok {
		return InvalidParam.WithOp("SmsgRelease")
	}
	if !ep.smsg {
		return InvalidState.WithOp("SmsgRelease")
	}
	n.stats.smsgReleased.Add(1)
	if dst := n.fabric.nics[ep.remoteAddr]; dst != nil {
		dst.smsgEvents = append(dst.smsgEvents, &SmsgEvent{Kind: SmsgEventCredit, RemoteAddr: n.addr, RemoteID: n.id, Credits: 1})
	}
	return nil
}

// PollSmsg returns the next short-message event or NotDone.
func (n *SimNIC) PollSmsg() (*SmsgEvent, error) {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if len(n.smsgEvents) == 0 {
		return nil, NotDone
	}
	ev := n.smsgEvents[0]
	n.smsgEvents[0] = nil
	n.smsgEvents = n.smsgEvents[1:]
	return ev, nil
}

// PostUnexpected records an unexpected message visible to IProbe.
func (n *SimNIC) PostUnexpected(matchInfo, length uint64) {
	n.fabric.mu.Lock()
	n.unexpected = append(n.unexpected, MatchStatus{MatchInfo: matchInfo, Length: length})
	n.fabric.mu.Unlock()
}

// IProbe reports the oldest unexpected message matching match under mask.
func (n *SimNIC) IProbe(match, mask uint64) (MatchStatus, bool, error) {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if err := n.faultLocked("IProbe"); err != nil {
		return MatchStatus{}, false, err
	}
	for _, msg := range n.unexpected {
		if msg.MatchInfo&mask == match&mask {
			return msg, true, nil
		}
	}
	return MatchStatus{}, false, nil
}

// Stats returns a snapshot of NIC counters.
func (n *SimNIC) Stats() SimStats {
	return SimStats{
		HandlesCreated:   n.stats.handlesCreated.Load(),
		Binds:            n.stats.binds.Load(),
		Unbinds:          n.stats.unbinds.Load(),
		DatagramsPosted:  n.stats.datagramsPosted.Load(),
		DatagramsMatched: n.stats.datagramsMatched.Load(),
		SmsgSent:         n.stats.smsgSent.Load(),
		SmsgReleased:     n.stats.smsgReleased.Load(),
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
