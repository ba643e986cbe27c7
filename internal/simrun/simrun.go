// Package simrun runs an all-to-all short-message workload over a simulated
// fabric. Every rank owns one NIC, one btl module and one engine.
package simrun

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/btl-go/btl"
	"github.com/rocketbitz/btl-go/engine"
	"github.com/rocketbitz/btl-go/internal/config"
	"github.com/rocketbitz/btl-go/internal/gni"
)

// Options sizes the workload and wires telemetry.
type Options struct {
	Ranks       int
	Messages    int
	PayloadSize int
	Logger      *zap.Logger
	Metrics     engine.MetricHook
	Tracer      engine.Tracer
}

// Report summarizes a finished run.
type Report struct {
	Ranks    int
	Sent     uint64
	Received uint64
	Duration time.Duration
	Modules  []btl.Stats
	Engines  []engine.Stats
}

const idStride = gni.DeviceIDMask + 1

type rank struct {
	index    int
	addr     uint32
	id       uint32
	nic      *gni.SimNIC
	module   *btl.Module
	engine   *engine.Engine
	received atomic.Uint64
}

// Run connects every pair of ranks, sends opts.Messages messages from each
// rank to every other rank and borrows one RDMA context per peer. It returns
// once every message has arrived or ctx expires.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Report, error) {
	if cfg == nil {
		return nil, errors.New("simrun: nil config")
	}
	if opts.Ranks < 2 {
		return nil, fmt.Errorf("simrun: need at least 2 ranks (got %d)", opts.Ranks)
	}
	if opts.Messages < 0 {
		return nil, fmt.Errorf("simrun: negative message count %d", opts.Messages)
	}
	if opts.PayloadSize <= 0 {
		opts.PayloadSize = 64
	}
	if opts.PayloadSize > cfg.Module.MaxMessageSize {
		return nil, fmt.Errorf("simrun: payload size %d exceeds max message size %d", opts.PayloadSize, cfg.Module.MaxMessageSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fabric := gni.NewSimFabric()
	ranks := make([]*rank, 0, opts.Ranks)
	defer func() {
		for _, r := range ranks {
			r.close(logger)
		}
	}()
	for i := 0; i < opts.Ranks; i++ {
		r, err := openRank(fabric, cfg, opts, logger, i)
		if err != nil {
			return nil, err
		}
		ranks = append(ranks, r)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range ranks {
		r := r
		g.Go(func() error {
			return r.drive(gctx, ranks, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	want := uint64(opts.Messages * (opts.Ranks - 1))
	if err := waitReceived(ctx, ranks, want); err != nil {
		return nil, err
	}

	report := &Report{Ranks: opts.Ranks, Duration: time.Since(start)}
	for _, r := range ranks {
		es := r.engine.Stats()
		report.Sent += es.MessagesSent
		report.Received += r.received.Load()
		report.Engines = append(report.Engines, es)
		report.Modules = append(report.Modules, r.module.Stats())
	}
	logger.Info("simulation finished",
		zap.Int("ranks", report.Ranks),
		zap.Uint64("sent", report.Sent),
		zap.Uint64("received", report.Received),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func openRank(fabric *gni.SimFabric, cfg *config.Config, opts Options, logger *zap.Logger, i int) (*rank, error) {
	r := &rank{
		index: i,
		addr:  cfg.Module.LocalAddr + uint32(i),
		id:    cfg.Module.LocalID + uint32(i)*idStride,
	}
	nic, err := fabric.NewNIC(r.addr, r.id)
	if err != nil {
		return nil, fmt.Errorf("simrun: rank %d nic: %w", i, err)
	}
	r.nic = nic

	name := fmt.Sprintf("rank%d", i)
	if cfg.Module.Name != "" {
		name = cfg.Module.Name + "-" + name
	}
	modLogger := logger.With(zap.String("module", name))
	mcfg := cfg.ModuleConfig(modLogger, nic)
	mcfg.Name = name
	mod, err := btl.Open(nic, mcfg)
	if err != nil {
		_ = nic.Close()
		return nil, fmt.Errorf("simrun: rank %d module: %w", i, err)
	}
	r.module = mod
	mod.RegisterReceiveHandler(func(btl.ReceivedMessage) {
		r.received.Add(1)
	})

	ecfg := cfg.EngineConfig(name, modLogger.Sugar(), opts.Metrics)
	ecfg.Tracer = opts.Tracer
	eng, err := engine.New(ecfg, mod)
	if err != nil {
		_ = mod.Close()
		_ = nic.Close()
		return nil, fmt.Errorf("simrun: rank %d engine: %w", i, err)
	}
	if err := eng.Start(); err != nil {
		_ = eng.Close()
		_ = mod.Close()
		_ = nic.Close()
		return nil, fmt.Errorf("simrun: rank %d engine start: %w", i, err)
	}
	r.engine = eng
	return r, nil
}

// drive sends this rank's share of the workload to every other rank.
func (r *rank) drive(ctx context.Context, ranks []*rank, opts Options) error {
	payload := make([]byte, opts.PayloadSize)
	for _, peer := range ranks {
		if peer == r {
			continue
		}
		ep, err := r.module.EndpointFor(peer.addr, peer.id)
		if err != nil {
			return fmt.Errorf("rank %d -> %d: %w", r.index, peer.index, err)
		}
		if err := r.engine.Connect(ctx, ep); err != nil {
			return fmt.Errorf("rank %d -> %d connect: %w", r.index, peer.index, err)
		}
		err = r.engine.WithRDMAHandle(ctx, ep, nil, func(h *btl.EndpointHandle) error {
			if h.Endpoint() != ep {
				return fmt.Errorf("context bound to %d, want %d", h.Endpoint().RemoteAddr(), ep.RemoteAddr())
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rank %d -> %d rdma: %w", r.index, peer.index, err)
		}
		futures := make([]*engine.SendFuture, 0, opts.Messages)
		for m := 0; m < opts.Messages; m++ {
			payload[0] = byte(m)
			f, err := r.sendAsync(ctx, ep, payload)
			if err != nil {
				return fmt.Errorf("rank %d -> %d message %d: %w", r.index, peer.index, m, err)
			}
			futures = append(futures, f)
		}
		for m, f := range futures {
			if err := f.Await(ctx); err != nil {
				return fmt.Errorf("rank %d -> %d message %d: %w", r.index, peer.index, m, err)
			}
		}
	}
	return nil
}

// sendAsync enqueues a copy of payload, backing off while the peer's
// mailbox is being set up.
func (r *rank) sendAsync(ctx context.Context, ep *btl.Endpoint, payload []byte) (*engine.SendFuture, error) {
	msg := append([]byte(nil), payload...)
	for {
		f, err := r.engine.SendAsync(ep, 1, msg)
		if err == nil || !btl.IsRetryable(err) {
			return f, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func waitReceived(ctx context.Context, ranks []*rank, want uint64) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, r := range ranks {
			if r.received.Load() < want {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("simrun: waiting for deliveries: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// close disconnects every endpoint gracefully, then tears the rank down.
func (r *rank) close(logger *zap.Logger) {
	if r.engine != nil {
		_ = r.engine.Close()
	}
	for _, ep := range r.module.Endpoints() {
		if err := ep.Disconnect(true); err != nil {
			logger.Debug("disconnect failed",
				zap.String("module", r.module.Name()),
				zap.Uint32("remote_addr", ep.RemoteAddr()),
				zap.Error(err))
		}
	}
	if err := r.module.Close(); err != nil {
		logger.Warn("module close failed", zap.String("module", r.module.Name()), zap.Error(err))
	}
	_ = r.nic.Close()
}
