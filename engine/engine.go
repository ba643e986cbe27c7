// Package engine drives btl modules. It runs the cooperative progress loop,
// turns the modules' busy signals into blocking calls bounded by contexts and
// reports activity through logging, tracing and metric hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/btl-go/btl"
)

// ErrClosed indicates the engine has already been closed.
var ErrClosed = errors.New("btl engine: closed")

// Config controls the progress loop and blocking call behaviour.
type Config struct {
	Name             string
	Timeout          time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Stats contains counters for engine activity.
type Stats struct {
	ProgressCycles   uint64
	ProgressEvents   uint64
	ProgressErrors   uint64
	Connects         uint64
	MessagesSent     uint64
	MessagesQueued   uint64
	MessagesFailed   uint64
	MessagesReceived uint64
	HandleRetries    uint64
}

type engineStats struct {
	progressCycles   atomic.Uint64
	progressEvents   atomic.Uint64
	progressErrors   atomic.Uint64
	connects         atomic.Uint64
	messagesSent     atomic.Uint64
	messagesQueued   atomic.Uint64
	messagesFailed   atomic.Uint64
	messagesReceived atomic.Uint64
	handleRetries    atomic.Uint64
}

type errorHolder struct {
	err error
}

// Engine polls a set of modules and offers blocking wrappers over their
// non-blocking endpoint operations.
type Engine struct {
	cfg         Config
	modules     []*btl.Module
	closed      atomic.Bool
	started     atomic.Bool
	progressErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup

	unregister []func()

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            engineStats
}

// New creates an engine over modules. The progress loop does not run until
// Start; until then blocking calls drive progress themselves.
func New(cfg Config, modules ...*btl.Module) (*Engine, error) {
	if len(modules) == 0 {
		return nil, errors.New("btl engine: at least one module required")
	}
	for _, m := range modules {
		if m == nil {
			return nil, errors.New("btl engine: nil module")
		}
	}
	if cfg.Name == "" {
		cfg.Name = modules[0].Name()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	e := &Engine{
		cfg:              cfg,
		modules:          append([]*btl.Module(nil), modules...),
		stopCh:           make(chan struct{}),
		wakeCh:           make(chan struct{}, 1),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	for _, m := range e.modules {
		module := m
		e.unregister = append(e.unregister,
			m.RegisterConnectHandler(func(ep *btl.Endpoint) {
				e.stats.connects.Add(1)
				e.logf("btl engine: endpoint connected module=%s peer=%d/%#x", module.Name(), ep.RemoteAddr(), ep.RemoteID())
				e.metricEndpointConnected(logKV(labelModule, module.Name()))
			}),
			m.RegisterReceiveHandler(func(btl.ReceivedMessage) {
				e.stats.messagesReceived.Add(1)
				e.metricMessageReceived(logKV(labelModule, module.Name()))
			}),
		)
	}
	return e, nil
}

// Start launches the progress loop. Calling it more than once has no effect.
func (e *Engine) Start() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.wg.Add(1)
	go e.run()
	return nil
}

// Close stops the progress loop and detaches from the modules. The modules
// stay open and remain owned by the caller.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	e.wg.Wait()
	for _, fn := range e.unregister {
		fn()
	}
	e.unregister = nil
	return nil
}

// Modules returns the modules driven by the engine.
func (e *Engine) Modules() []*btl.Module {
	return append([]*btl.Module(nil), e.modules...)
}

// Progress runs one progress cycle over every module and returns the number
// of events handled.
func (e *Engine) Progress() (int, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	return e.progressOnce(nil)
}

// Connect blocks until ep is connected, a non-retryable error occurs or ctx
// expires. The configured timeout applies when ctx carries no deadline.
func (e *Engine) Connect(ctx context.Context, ep *btl.Endpoint) error {
	if ep == nil {
		return btl.ErrInvalidHandle{Resource: "endpoint"}
	}
	ctx, cancel := e.operationContext(ctx)
	defer cancel()
	return e.poll(ctx, func() (bool, error) {
		err := ep.EnsureConnected()
		switch {
		case err == nil:
			return true, nil
		case btl.IsRetryable(err):
			return false, nil
		default:
			return false, err
		}
	})
}

// Send enqueues a short message and blocks until it is handed to the fabric.
func (e *Engine) Send(ctx context.Context, ep *btl.Endpoint, tag uint8, payload []byte) error {
	ctx, cancel := e.operationContext(ctx)
	defer cancel()
	var future *SendFuture
	err := e.poll(ctx, func() (bool, error) {
		f, err := e.SendAsync(ep, tag, payload)
		switch {
		case err == nil:
			future = f
			return true, nil
		case btl.IsRetryable(err):
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		return err
	}
	return e.await(ctx, future)
}

// SendAsync enqueues a short message and returns a future that resolves when
// the message is handed to the fabric or fails.
func (e *Engine) SendAsync(ep *btl.Endpoint, tag uint8, payload []byte) (*SendFuture, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if err := e.progressFailure(); err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, btl.ErrInvalidHandle{Resource: "endpoint"}
	}
	op := newOperation(e, ep.Module().Name(), len(payload))
	queued, err := ep.EnqueueSmallMessage(tag, payload, func(err error) {
		op.complete(operationResult{length: len(payload), err: err})
	})
	if err != nil {
		return nil, err
	}
	if queued {
		e.stats.messagesQueued.Add(1)
		e.logf("btl engine: message queued module=%s peer=%d tag=%d size=%d", op.module, ep.RemoteAddr(), tag, len(payload))
		e.metricMessageQueued(logKV(labelModule, op.module))
		e.wake()
	}
	return &SendFuture{op: op, queued: queued}, nil
}

// WithRDMAHandle connects ep if needed, then runs fn with a context bound to
// the peer on dev, retrying with backoff while the device pool is exhausted
// or binding fails. A nil dev selects the module's first device.
func (e *Engine) WithRDMAHandle(ctx context.Context, ep *btl.Endpoint, dev *btl.Device, fn func(*btl.EndpointHandle) error) error {
	if ep == nil {
		return btl.ErrInvalidHandle{Resource: "endpoint"}
	}
	if fn == nil {
		return errors.New("btl engine: nil rdma callback")
	}
	ctx, cancel := e.operationContext(ctx)
	defer cancel()
	module := ep.Module().Name()
	return e.poll(ctx, func() (bool, error) {
		called := false
		err := ep.WithRDMAHandle(dev, func(h *btl.EndpointHandle) error {
			called = true
			return fn(h)
		})
		if called || err == nil {
			return true, err
		}
		if !btl.IsRetryable(err) {
			return false, err
		}
		if errors.Is(err, btl.ErrResourceExhausted) || errors.Is(err, btl.ErrBindFailed) {
			e.stats.handleRetries.Add(1)
			e.metricHandleExhausted(logKV(labelModule, module))
		}
		return false, nil
	})
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return Stats{
		ProgressCycles:   e.stats.progressCycles.Load(),
		ProgressEvents:   e.stats.progressEvents.Load(),
		ProgressErrors:   e.stats.progressErrors.Load(),
		Connects:         e.stats.connects.Load(),
		MessagesSent:     e.stats.messagesSent.Load(),
		MessagesQueued:   e.stats.messagesQueued.Load(),
		MessagesFailed:   e.stats.messagesFailed.Load(),
		MessagesReceived: e.stats.messagesReceived.Load(),
		HandleRetries:    e.stats.handleRetries.Load(),
	}
}

func (e *Engine) emit(op *operation, res operationResult) {
	if res.err != nil {
		e.stats.messagesFailed.Add(1)
		e.logf("btl engine: message failed module=%s: %v", op.module, res.err)
		e.metricMessageFailed(res.err, logKV(labelModule, op.module))
		return
	}
	e.stats.messagesSent.Add(1)
	e.metricMessageSent(logKV(labelModule, op.module))
}

func (e *Engine) run() {
	defer e.wg.Done()

	span := e.startSpan()
	startFields := []logField{logKV("modules", len(e.modules))}
	e.logEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	e.metricDriverStarted()

	defer func() {
		err := e.progressError()
		fields := []logField{logKV("status", "ok")}
		if err != nil {
			fields[0] = logKV("status", "error")
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		e.logEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		e.metricDriverStopped()
		if span != nil {
			span.End(err)
		}
	}()

	backoff := e.cfg.MinBackoff
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if n, _ := e.progressOnce(span); n > 0 {
			backoff = e.cfg.MinBackoff
			continue
		}

		select {
		case <-e.stopCh:
			return
		case <-e.wakeCh:
			backoff = e.cfg.MinBackoff
			continue
		case <-time.After(backoff):
		}

		if backoff < e.cfg.MaxBackoff {
			backoff = min(backoff*2, e.cfg.MaxBackoff)
		}
	}
}

func (e *Engine) progressOnce(span Span) (int, error) {
	e.stats.progressCycles.Add(1)
	total := 0
	var errs []error
	for _, m := range e.modules {
		n, err := m.Progress()
		total += n
		if err == nil || errors.Is(err, btl.ErrModuleClosed) {
			continue
		}
		errs = append(errs, err)
		kind := "progress_error"
		if btl.IsFatal(err) {
			kind = "fatal_error"
			e.recordProgressError(fmt.Errorf("module %s: %w", m.Name(), err))
		}
		e.recordProgressFailure(span, kind, err, logKV(labelModule, m.Name()))
	}
	e.stats.progressEvents.Add(uint64(total))
	return total, errors.Join(errs...)
}

func (e *Engine) recordProgressFailure(span Span, kind string, err error, fields ...logField) {
	e.stats.progressErrors.Add(1)
	fields = append(fields, logKV("error", err))
	e.logEvent(kind, fields...)
	spanAddEvent(span, kind, fields...)
	spanRecordError(span, err)
	e.metricProgressError(kind, err, fields[:len(fields)-1]...)
}

// poll runs fn until it reports done or fails, progressing the modules
// itself when the loop is not running and backing off between attempts.
func (e *Engine) poll(ctx context.Context, fn func() (bool, error)) error {
	backoff := e.cfg.MinBackoff
	for {
		if err := e.ensureOpen(); err != nil {
			return err
		}
		if err := e.progressFailure(); err != nil {
			return err
		}
		done, err := fn()
		if err != nil || done {
			return err
		}
		if e.started.Load() {
			e.wake()
		} else if n, _ := e.progressOnce(nil); n > 0 {
			backoff = e.cfg.MinBackoff
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return ErrClosed
		case <-time.After(backoff):
		}
		if backoff < e.cfg.MaxBackoff {
			backoff = min(backoff*2, e.cfg.MaxBackoff)
		}
	}
}

// await waits for a send to resolve, driving progress when the loop is not running.
func (e *Engine) await(ctx context.Context, f *SendFuture) error {
	if e.started.Load() {
		return f.Await(ctx)
	}
	err := e.poll(ctx, func() (bool, error) {
		select {
		case <-f.Done():
			return true, nil
		default:
			return false, nil
		}
	})
	if err != nil {
		return err
	}
	return f.Await(ctx)
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) ensureOpen() error {
	if e == nil || e.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (e *Engine) progressFailure() error {
	if err := e.progressError(); err != nil {
		return fmt.Errorf("btl engine progress failed: %w", err)
	}
	return nil
}

func (e *Engine) recordProgressError(err error) {
	if err == nil {
		return
	}
	e.progressErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (e *Engine) progressError() error {
	if e == nil {
		return nil
	}
	if holder := e.progressErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (e *Engine) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = ensureContext(ctx)
	timeout := e.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 || timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
