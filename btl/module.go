// Package btl manages connections to remote peers over a short-message and
// RDMA capable fabric. A Module owns one NIC's devices, the pool of bindable
// endpoint contexts on each device and one Endpoint per peer. Endpoints
// connect lazily through a datagram handshake and send short messages under
// mailbox credit flow control.
package btl

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/btl-go/internal/gni"
)

const wildcardDatagramID uint64 = 0

// ModuleConfig controls the resources a Module provisions.
type ModuleConfig struct {
	// Name identifies the module in logs. A random name is used when empty.
	Name string
	// DeviceCount is the number of devices opened on the NIC.
	DeviceCount int
	// HandlesPerDevice is the number of endpoint contexts each device provides.
	HandlesPerDevice int
	// MailboxCredits is the number of slots advertised per mailbox.
	MailboxCredits int
	// MaxMailboxes bounds how many connections can hold a mailbox at once.
	MaxMailboxes int
	// MaxMessageSize bounds the payload of a short message.
	MaxMessageSize int
	// MaxEventsPerProgress bounds the events drained from each completion
	// queue by a single Progress call.
	MaxEventsPerProgress int
	// Matcher answers probes. Probe fails when it is nil.
	Matcher gni.Matcher
	// Logger receives module diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultModuleConfig returns the configuration used for zero fields.
func DefaultModuleConfig() ModuleConfig {
	return ModuleConfig{
		DeviceCount:          1,
		HandlesPerDevice:     64,
		MailboxCredits:       16,
		MaxMailboxes:         256,
		MaxMessageSize:       1024,
		MaxEventsPerProgress: 64,
	}
}

func (c ModuleConfig) withDefaults() ModuleConfig {
	def := DefaultModuleConfig()
	if c.DeviceCount == 0 {
		c.DeviceCount = def.DeviceCount
	}
	if c.HandlesPerDevice == 0 {
		c.HandlesPerDevice = def.HandlesPerDevice
	}
	if c.MailboxCredits == 0 {
		c.MailboxCredits = def.MailboxCredits
	}
	if c.MaxMailboxes == 0 {
		c.MaxMailboxes = def.MaxMailboxes
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxEventsPerProgress == 0 {
		c.MaxEventsPerProgress = def.MaxEventsPerProgress
	}
	if c.Name == "" {
		c.Name = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c ModuleConfig) validate() error {
	switch {
	case c.DeviceCount < 1 || c.DeviceCount > int(gni.DeviceIDMask)+1:
		return fmt.Errorf("btl: device count %d out of range", c.DeviceCount)
	case c.HandlesPerDevice < 1:
		return fmt.Errorf("btl: handles per device must be positive (got %d)", c.HandlesPerDevice)
	case c.MailboxCredits < 1:
		return fmt.Errorf("btl: mailbox credits must be positive (got %d)", c.MailboxCredits)
	case c.MaxMailboxes < 1:
		return fmt.Errorf("btl: max mailboxes must be positive (got %d)", c.MaxMailboxes)
	case c.MaxMessageSize < 1:
		return fmt.Errorf("btl: max message size must be positive (got %d)", c.MaxMessageSize)
	case c.MaxEventsPerProgress < 1:
		return fmt.Errorf("btl: max events per progress must be positive (got %d)", c.MaxEventsPerProgress)
	}
	return nil
}

// ReceivedMessage is an incoming short message.
type ReceivedMessage struct {
	Endpoint *Endpoint
	Tag      uint8
	Payload  []byte
}

// ReceiveHandler processes incoming short messages. It runs on the goroutine
// calling Progress and must not block.
type ReceiveHandler func(ReceivedMessage)

// ConnectHandler observes endpoints completing their handshake.
type ConnectHandler func(*Endpoint)

type peerKey struct {
	addr uint32
	id   uint32
}

// Module owns a NIC's devices and the endpoints of every known peer.
type Module struct {
	cfg       ModuleConfig
	name      string
	driver    gni.Driver
	matcher   gni.Matcher
	logger    *zap.Logger
	devices   []*Device
	mailboxes *MailboxPool

	progressMu      sync.Mutex
	closed          atomic.Bool
	wildcardPosted  atomic.Bool
	wildcardPayload []byte

	epMu      sync.RWMutex
	endpoints map[peerKey]*Endpoint
	byIndex   map[int]*Endpoint
	nextIndex int

	waitMu    sync.Mutex
	waitList  list.List
	waitElems map[*Endpoint]*list.Element

	deferMu  sync.Mutex
	deferred []*Endpoint

	handlersMu      sync.RWMutex
	receiveHandlers map[uint64]ReceiveHandler
	connectHandlers map[uint64]ConnectHandler
	handlerSeq      atomic.Uint64

	stats moduleStats
}

type moduleStats struct {
	handshakesPosted  atomic.Int64
	handshakeFailures atomic.Int64
	connects          atomic.Int64
	disconnects       atomic.Int64
	messagesSent      atomic.Int64
	messagesQueued    atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	handlesExhausted  atomic.Int64
	bindFailures      atomic.Int64
	notifyUndelivered atomic.Int64
}

// Stats is a snapshot of module counters.
type Stats struct {
	Endpoints         int
	Connected         int
	WaitListed        int
	MailboxesInUse    int
	HandshakesPosted  int64
	HandshakeFailures int64
	Connects          int64
	Disconnects       int64
	MessagesSent      int64
	MessagesQueued    int64
	MessagesFailed    int64
	MessagesReceived  int64
	HandlesExhausted  int64
	BindFailures      int64
	// NotificationsUndelivered counts graceful disconnects whose peer
	// notification could not be sent.
	NotificationsUndelivered int64
}

// Open provisions the module's devices and mailbox pool on driver and posts
// the wildcard datagram that accepts incoming handshakes.
func Open(driver gni.Driver, cfg ModuleConfig) (*Module, error) {
	if driver == nil {
		return nil, ErrInvalidHandle{"driver"}
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mailboxes, err := NewMailboxPool(cfg.MailboxCredits, cfg.MaxMessageSize, cfg.MaxMailboxes)
	if err != nil {
		return nil, err
	}
	m := &Module{
		cfg:             cfg,
		name:            cfg.Name,
		driver:          driver,
		matcher:         cfg.Matcher,
		logger:          cfg.Logger.With(zap.String("module", cfg.Name), zap.Uint32("addr", driver.Addr())),
		mailboxes:       mailboxes,
		endpoints:       make(map[peerKey]*Endpoint),
		byIndex:         make(map[int]*Endpoint),
		waitElems:       make(map[*Endpoint]*list.Element),
		receiveHandlers: make(map[uint64]ReceiveHandler),
		connectHandlers: make(map[uint64]ConnectHandler),
	}
	for i := 0; i < cfg.DeviceCount; i++ {
		dev, err := newDevice(m, i, cfg.HandlesPerDevice)
		if err != nil {
			m.closeDevices()
			return nil, err
		}
		m.devices = append(m.devices, dev)
	}
	m.wildcardPayload = MailboxAttr{
		Credits:    uint32(cfg.MailboxCredits),
		MaxMsgSize: uint32(cfg.MaxMessageSize),
	}.Bytes()
	if err := m.PostWildcard(); err != nil {
		m.closeDevices()
		return nil, err
	}
	m.logger.Info("module opened",
		zap.Int("devices", cfg.DeviceCount),
		zap.Int("handles_per_device", cfg.HandlesPerDevice),
		zap.Int("mailbox_credits", cfg.MailboxCredits))
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Driver returns the fabric driver the module was opened on.
func (m *Module) Driver() gni.Driver { return m.driver }

// Logger returns the module logger.
func (m *Module) Logger() *zap.Logger { return m.logger }

// Config returns the effective configuration.
func (m *Module) Config() ModuleConfig { return m.cfg }

// Device returns the device at index, or nil when out of range.
func (m *Module) Device(index int) *Device {
	if m == nil || index < 0 || index >= len(m.devices) {
		return nil
	}
	return m.devices[index]
}

// Devices returns the module's devices in index order.
func (m *Module) Devices() []*Device {
	return append([]*Device(nil), m.devices...)
}

// Mailboxes returns the module's mailbox pool.
func (m *Module) Mailboxes() *MailboxPool { return m.mailboxes }

// EndpointFor returns the endpoint for the peer, creating an unconnected one
// on first use. Device bits in remoteID are ignored.
func (m *Module) EndpointFor(remoteAddr, remoteID uint32) (*Endpoint, error) {
	if m == nil {
		return nil, ErrInvalidHandle{"module"}
	}
	if m.closed.Load() {
		return nil, ErrModuleClosed
	}
	key := peerKey{addr: remoteAddr, id: remoteID &^ gni.DeviceIDMask}
	m.epMu.RLock()
	ep, ok := m.endpoints[key]
	m.epMu.RUnlock()
	if ok {
		return ep, nil
	}
	m.epMu.Lock()
	defer m.epMu.Unlock()
	if ep, ok := m.endpoints[key]; ok {
		return ep, nil
	}
	ep = newEndpoint(m, m.nextIndex, key.addr, key.id)
	m.nextIndex++
	m.endpoints[key] = ep
	m.byIndex[ep.index] = ep
	return ep, nil
}

// Endpoint looks up an existing endpoint without creating one.
func (m *Module) Endpoint(remoteAddr, remoteID uint32) (*Endpoint, bool) {
	key := peerKey{addr: remoteAddr, id: remoteID &^ gni.DeviceIDMask}
	m.epMu.RLock()
	defer m.epMu.RUnlock()
	ep, ok := m.endpoints[key]
	return ep, ok
}

// Endpoints returns every known endpoint in creation order.
func (m *Module) Endpoints() []*Endpoint {
	m.epMu.RLock()
	eps := make([]*Endpoint, 0, len(m.byIndex))
	for _, ep := range m.byIndex {
		eps = append(eps, ep)
	}
	m.epMu.RUnlock()
	sort.Slice(eps, func(i, j int) bool { return eps[i].index < eps[j].index })
	return eps
}

// RemoveEndpoint disconnects ep, notifying the peer, and forgets it.
func (m *Module) RemoveEndpoint(ep *Endpoint) error {
	if ep == nil || ep.module != m {
		return ErrInvalidHandle{"endpoint"}
	}
	err := ep.Disconnect(true)
	m.epMu.Lock()
	delete(m.endpoints, peerKey{addr: ep.remoteAddr, id: ep.remoteID})
	delete(m.byIndex, ep.index)
	m.epMu.Unlock()
	m.removeDeferred(ep)
	return err
}

// RegisterReceiveHandler adds a handler for incoming short messages and
// returns a function that removes it.
func (m *Module) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if handler == nil {
		return func() {}
	}
	id := m.handlerSeq.Add(1)
	m.handlersMu.Lock()
	m.receiveHandlers[id] = handler
	m.handlersMu.Unlock()
	return func() {
		m.handlersMu.Lock()
		delete(m.receiveHandlers, id)
		m.handlersMu.Unlock()
	}
}

// RegisterConnectHandler adds an observer for completed handshakes and
// returns a function that removes it.
func (m *Module) RegisterConnectHandler(handler ConnectHandler) func() {
	if handler == nil {
		return func() {}
	}
	id := m.handlerSeq.Add(1)
	m.handlersMu.Lock()
	m.connectHandlers[id] = handler
	m.handlersMu.Unlock()
	return func() {
		m.handlersMu.Lock()
		delete(m.connectHandlers, id)
		m.handlersMu.Unlock()
	}
}

// PostWildcard posts the datagram that accepts handshakes from any peer. It
// is a no-op while one is already posted.
func (m *Module) PostWildcard() error {
	if m.closed.Load() {
		return ErrModuleClosed
	}
	if !m.wildcardPosted.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.driver.PostWildcard(wildcardDatagramID, m.wildcardPayload); err != nil {
		m.wildcardPosted.Store(false)
		return &FatalError{Op: "post wildcard", Err: err}
	}
	return nil
}

// Progress drives the module: it retries deferred handshakes, handles
// datagram and short-message completions and drains wait-listed endpoints.
// It returns the number of events handled. Errors from individual events
// are joined; the remaining events are still processed. Only one Progress
// runs at a time per module so completions are handled in order; a
// concurrent call returns immediately.
func (m *Module) Progress() (int, error) {
	if m == nil {
		return 0, ErrInvalidHandle{"module"}
	}
	if m.closed.Load() {
		return 0, ErrModuleClosed
	}
	if !m.progressMu.TryLock() {
		return 0, nil
	}
	defer m.progressMu.Unlock()
	var errs []error
	count := m.retryDeferred()

	for i := 0; i < m.cfg.MaxEventsPerProgress; i++ {
		ev, err := m.driver.PollDatagram()
		if errors.Is(err, gni.NotDone) {
			break
		}
		if err != nil {
			errs = append(errs, &FatalError{Op: "poll datagram", Err: err})
			break
		}
		count++
		if err := m.handleDatagram(ev); err != nil {
			errs = append(errs, err)
		}
	}

	for i := 0; i < m.cfg.MaxEventsPerProgress; i++ {
		ev, err := m.driver.PollSmsg()
		if errors.Is(err, gni.NotDone) {
			break
		}
		if err != nil {
			errs = append(errs, &FatalError{Op: "poll smsg", Err: err})
			break
		}
		count++
		if err := m.handleSmsg(ev); err != nil {
			errs = append(errs, err)
		}
	}

	for _, ep := range m.waitListSnapshot() {
		n, err := ep.ProgressMailbox()
		count += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return count, errors.Join(errs...)
}

func (m *Module) handleDatagram(ev *gni.DatagramEvent) error {
	if ev.Wildcard || ev.ID == wildcardDatagramID {
		return m.handleWildcard(ev)
	}
	m.epMu.RLock()
	ep := m.byIndex[datagramIndex(ev.ID)]
	m.epMu.RUnlock()
	if ep == nil {
		m.logger.Debug("datagram for unknown endpoint dropped", zap.Uint64("datagram", ev.ID))
		return nil
	}
	connected, err := ep.completeHandshake(ev)
	if err != nil {
		m.logger.Warn("handshake failed",
			zap.Uint32("remote_addr", ep.remoteAddr),
			zap.Uint32("remote_id", ep.remoteID),
			zap.Error(err))
		return err
	}
	if connected {
		m.notifyConnect(ep)
	}
	return nil
}

// handleWildcard starts the local side of a handshake requested by a peer.
// A peer knocking on an endpoint that is already connected has restarted,
// so the stale connection is dropped and rebuilt.
func (m *Module) handleWildcard(ev *gni.DatagramEvent) error {
	m.wildcardPosted.Store(false)
	var errs []error
	if ev.Status != gni.Success {
		errs = append(errs, translate("wildcard datagram", nil, 0, ev.Status))
	} else if err := m.accept(ev.RemoteAddr, ev.RemoteID); err != nil {
		errs = append(errs, err)
	}
	if err := m.PostWildcard(); err != nil && !errors.Is(err, ErrModuleClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Module) accept(remoteAddr, remoteID uint32) error {
	ep, err := m.EndpointFor(remoteAddr, remoteID)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	var failed []*Fragment
	if ep.State() == StateConnected {
		m.logger.Info("peer reconnecting, dropping stale connection",
			zap.Uint32("remote_addr", ep.remoteAddr),
			zap.Uint32("remote_id", ep.remoteID))
		_, failed, _ = ep.disconnectLocked(false)
	}
	if ep.State() == StateInit {
		err = ep.connectProgressLocked()
	}
	ep.mu.Unlock()
	for _, frag := range failed {
		frag.complete(ErrConnectionClosed)
	}
	if IsRetryable(err) {
		m.deferAccept(ep)
		return nil
	}
	return err
}

func (m *Module) deferAccept(ep *Endpoint) {
	m.deferMu.Lock()
	defer m.deferMu.Unlock()
	for _, d := range m.deferred {
		if d == ep {
			return
		}
	}
	m.deferred = append(m.deferred, ep)
}

func (m *Module) removeDeferred(ep *Endpoint) {
	m.deferMu.Lock()
	defer m.deferMu.Unlock()
	for i, d := range m.deferred {
		if d == ep {
			m.deferred = append(m.deferred[:i], m.deferred[i+1:]...)
			return
		}
	}
}

// retryDeferred re-attempts handshakes that were accepted while resources
// were exhausted.
func (m *Module) retryDeferred() int {
	m.deferMu.Lock()
	pending := m.deferred
	m.deferred = nil
	m.deferMu.Unlock()
	started := 0
	for _, ep := range pending {
		ep.mu.Lock()
		var err error
		if ep.State() == StateInit {
			err = ep.connectProgressLocked()
		}
		ep.mu.Unlock()
		switch {
		case err == nil:
			started++
		case IsRetryable(err):
			m.deferAccept(ep)
		default:
			m.logger.Warn("deferred handshake failed",
				zap.Uint32("remote_addr", ep.remoteAddr),
				zap.Uint32("remote_id", ep.remoteID),
				zap.Error(err))
		}
	}
	return started
}

func (m *Module) handleSmsg(ev *gni.SmsgEvent) error {
	ep, ok := m.Endpoint(ev.RemoteAddr, ev.RemoteID)
	if !ok {
		m.logger.Debug("short message from unknown peer dropped",
			zap.Uint32("remote_addr", ev.RemoteAddr),
			zap.Stringer("kind", ev.Kind))
		return nil
	}
	switch ev.Kind {
	case gni.SmsgEventCredit:
		ep.ReplenishCredits(ev.Credits)
		return nil
	case gni.SmsgEventData:
		if ev.Tag == TagDisconnect {
			return ep.peerDisconnected(ev.Payload)
		}
		m.stats.messagesReceived.Add(1)
		m.dispatch(ReceivedMessage{Endpoint: ep, Tag: ev.Tag, Payload: ev.Payload})
		return ep.releaseSlot()
	default:
		return fmt.Errorf("btl: unknown short-message event %v", ev.Kind)
	}
}

func (m *Module) dispatch(msg ReceivedMessage) {
	m.handlersMu.RLock()
	handlers := make([]ReceiveHandler, 0, len(m.receiveHandlers))
	for _, h := range m.receiveHandlers {
		handlers = append(handlers, h)
	}
	m.handlersMu.RUnlock()
	if len(handlers) == 0 {
		m.logger.Debug("short message without receive handler dropped", zap.Uint8("tag", msg.Tag))
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (m *Module) notifyConnect(ep *Endpoint) {
	m.handlersMu.RLock()
	handlers := make([]ConnectHandler, 0, len(m.connectHandlers))
	for _, h := range m.connectHandlers {
		handlers = append(handlers, h)
	}
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ep)
	}
}

func (m *Module) scheduleDrain(ep *Endpoint) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	if _, ok := m.waitElems[ep]; ok {
		return
	}
	m.waitElems[ep] = m.waitList.PushBack(ep)
}

func (m *Module) unscheduleDrain(ep *Endpoint) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	if e, ok := m.waitElems[ep]; ok {
		m.waitList.Remove(e)
		delete(m.waitElems, ep)
	}
}

func (m *Module) waitListSnapshot() []*Endpoint {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	eps := make([]*Endpoint, 0, m.waitList.Len())
	for e := m.waitList.Front(); e != nil; e = e.Next() {
		eps = append(eps, e.Value.(*Endpoint))
	}
	return eps
}

// Stats returns a snapshot of module counters.
func (m *Module) Stats() Stats {
	s := Stats{
		MailboxesInUse:    m.mailboxes.InUse(),
		HandshakesPosted:  m.stats.handshakesPosted.Load(),
		HandshakeFailures: m.stats.handshakeFailures.Load(),
		Connects:          m.stats.connects.Load(),
		Disconnects:       m.stats.disconnects.Load(),
		MessagesSent:      m.stats.messagesSent.Load(),
		MessagesQueued:    m.stats.messagesQueued.Load(),
		MessagesFailed:    m.stats.messagesFailed.Load(),
		MessagesReceived:  m.stats.messagesReceived.Load(),
		HandlesExhausted:  m.stats.handlesExhausted.Load(),
		BindFailures:      m.stats.bindFailures.Load(),

		NotificationsUndelivered: m.stats.notifyUndelivered.Load(),
	}
	for _, ep := range m.Endpoints() {
		s.Endpoints++
		if ep.State() == StateConnected {
			s.Connected++
		}
	}
	m.waitMu.Lock()
	s.WaitListed = m.waitList.Len()
	m.waitMu.Unlock()
	return s
}

// Close disconnects every endpoint, notifying connected peers, withdraws the
// wildcard datagram and releases the devices. It is idempotent.
func (m *Module) Close() error {
	if m == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, ep := range m.Endpoints() {
		if err := ep.Disconnect(true); err != nil {
			errs = append(errs, err)
		}
	}
	if m.wildcardPosted.CompareAndSwap(true, false) {
		if err := m.driver.CancelDatagram(wildcardDatagramID); err != nil {
			m.logger.Debug("cancel wildcard datagram failed", zap.Error(err))
		}
	}
	m.closeDevices()
	m.mailboxes.Close()
	m.logger.Info("module closed")
	return errors.Join(errs...)
}

func (m *Module) closeDevices() {
	for _, dev := range m.devices {
		_ = dev.Close()
	}
}
