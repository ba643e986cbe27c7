package btl

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rocketbitz/btl-go/internal/gni"
)

// Device owns the free list of bindable hardware contexts for one physical
// device. The free list is not synchronized on its own: callers of the
// Locked methods must hold the device lock, which keeps atomics off the
// per-operation path.
type Device struct {
	mu       sync.Mutex
	module   *Module
	driver   gni.Driver
	index    int
	capacity int
	free     []*deviceContext
	closed   bool
}

// deviceContext is a pooled hardware context. It outlives every
// EndpointHandle that leases it.
type deviceContext struct {
	handle gni.EpHandle
}

// EndpointHandle is one checkout of a hardware context from a Device. Each
// acquisition returns a fresh EndpointHandle bound to a single peer and
// owned by exactly one caller. Once released it no longer refers to the
// context, so a late second release cannot touch a later checkout.
type EndpointHandle struct {
	device   *Device
	ctx      *deviceContext
	handle   gni.EpHandle
	endpoint *Endpoint
	released bool
}

func newDevice(m *Module, index, capacity int) (*Device, error) {
	d := &Device{
		module:   m,
		driver:   m.driver,
		index:    index,
		capacity: capacity,
		free:     make([]*deviceContext, 0, capacity),
	}
	for i := 0; i < capacity; i++ {
		h, err := m.driver.EpCreate(index)
		if err != nil {
			d.destroyFree()
			return nil, translate("ep create", nil, index, err)
		}
		d.free = append(d.free, &deviceContext{handle: h})
	}
	return d, nil
}

// Lock acquires the device lock. It is not recursive.
func (d *Device) Lock() { d.mu.Lock() }

// Unlock releases the device lock.
func (d *Device) Unlock() { d.mu.Unlock() }

// Index returns the device index within its module.
func (d *Device) Index() int {
	if d == nil {
		return -1
	}
	return d.index
}

// Capacity returns the number of contexts the device was opened with.
func (d *Device) Capacity() int {
	if d == nil {
		return 0
	}
	return d.capacity
}

// Module returns the module that opened the device.
func (d *Device) Module() *Module {
	if d == nil {
		return nil
	}
	return d.module
}

// Available returns the number of unbound contexts on the free list.
func (d *Device) Available() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.free)
}

// AcquireRDMALocked pops a context from the free list and binds it to ep.
// The caller must hold the device lock. An empty free list yields
// ErrResourceExhausted and leaves the pool untouched. A failed bind leaves
// the context unbound on the free list and yields ErrBindFailed.
func (d *Device) AcquireRDMALocked(ep *Endpoint) (*EndpointHandle, error) {
	if d == nil || d.closed {
		return nil, ErrInvalidHandle{"device"}
	}
	if ep == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	n := len(d.free)
	if n == 0 {
		d.module.stats.handlesExhausted.Add(1)
		return nil, fmt.Errorf("acquire rdma handle (device %d): %w", d.index, ErrResourceExhausted)
	}
	c := d.free[n-1]
	remoteID := ep.remoteID | uint32(d.index)
	if err := d.driver.EpBind(c.handle, ep.remoteAddr, remoteID); err != nil {
		d.module.stats.bindFailures.Add(1)
		return nil, fmt.Errorf("%w (device %d peer %d/%#x): %w", ErrBindFailed, d.index, ep.remoteAddr, remoteID, err)
	}
	d.free[n-1] = nil
	d.free = d.free[:n-1]
	return &EndpointHandle{device: d, ctx: c, handle: c.handle, endpoint: ep}, nil
}

// Close destroys every context on the free list. Contexts still checked out
// are destroyed when they are released.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.destroyFree()
	return nil
}

func (d *Device) destroyFree() {
	for _, c := range d.free {
		if err := d.driver.EpDestroy(c.handle); err != nil {
			d.module.logger.Warn("destroy endpoint context failed", zap.Int("device", d.index), zap.Error(err))
		}
	}
	d.free = nil
}

// Device returns the pool the handle was taken from.
func (h *EndpointHandle) Device() *Device {
	if h == nil {
		return nil
	}
	return h.device
}

// Endpoint returns the endpoint the handle is bound to, or nil once released.
func (h *EndpointHandle) Endpoint() *Endpoint {
	if h == nil {
		return nil
	}
	return h.endpoint
}

// Handle returns the driver context identifier. It stays valid for
// inspection after release but must not be used for transfers.
func (h *EndpointHandle) Handle() gni.EpHandle {
	if h == nil {
		return 0
	}
	return h.handle
}

// ReleaseLocked unbinds the context and returns it to its device's free
// list. The caller must hold that device's lock. Unbind failures are logged
// and the context is reclaimed regardless. Releasing the same checkout
// twice is a no-op, even if the context has since been leased again.
func (h *EndpointHandle) ReleaseLocked() {
	if h == nil {
		return
	}
	d := h.device
	if h.released {
		d.module.logger.Warn("endpoint handle released twice", zap.Int("device", d.index))
		return
	}
	h.released = true
	c := h.ctx
	h.ctx = nil
	if err := d.driver.EpUnbind(c.handle); err != nil {
		fields := []zap.Field{zap.Int("device", d.index), zap.Error(err)}
		if ep := h.endpoint; ep != nil {
			fields = append(fields, zap.Uint32("remote_addr", ep.remoteAddr), zap.Uint32("remote_id", ep.remoteID))
		}
		d.module.logger.Warn("endpoint unbind failed", fields...)
	}
	h.endpoint = nil
	if d.closed {
		if err := d.driver.EpDestroy(c.handle); err != nil {
			d.module.logger.Warn("destroy endpoint context failed", zap.Int("device", d.index), zap.Error(err))
		}
		return
	}
	d.free = append(d.free, c)
}

// Release takes the device lock and releases the handle.
func (h *EndpointHandle) Release() {
	if h == nil {
		return
	}
	d := h.device
	d.mu.Lock()
	h.ReleaseLocked()
	d.mu.Unlock()
}
