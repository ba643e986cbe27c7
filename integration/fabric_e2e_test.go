//go:build integration

package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/rocketbitz/btl-go/btl"
	"github.com/rocketbitz/btl-go/engine"
	"github.com/rocketbitz/btl-go/internal/gni"
)

const fabricRanks = 4

type simRank struct {
	addr     uint32
	id       uint32
	nic      *gni.SimNIC
	module   *btl.Module
	engine   *engine.Engine
	received atomic.Int64
}

func (r *simRank) close() {
	_ = r.engine.Close()
	_ = r.module.Close()
	_ = r.nic.Close()
}

type FabricSuite struct {
	suite.Suite
	fabric *gni.SimFabric
	ranks  []*simRank
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *FabricSuite) SetupTest() {
	s.fabric = gni.NewSimFabric()
	s.ranks = nil
	for i := 0; i < fabricRanks; i++ {
		s.ranks = append(s.ranks, s.openRank(uint32(i+1), uint32(i+1)<<8))
	}
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *FabricSuite) TearDownTest() {
	s.cancel()
	for _, r := range s.ranks {
		r.close()
	}
}

func (s *FabricSuite) openRank(addr, id uint32) *simRank {
	t := s.T()
	nic, err := s.fabric.NewNIC(addr, id)
	require.NoError(t, err)
	mod, err := btl.Open(nic, btl.ModuleConfig{
		MailboxCredits:   4,
		HandlesPerDevice: 8,
		Matcher:          nic,
		Logger:           zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	r := &simRank{addr: addr, id: id, nic: nic, module: mod}
	mod.RegisterReceiveHandler(func(btl.ReceivedMessage) {
		r.received.Add(1)
	})
	eng, err := engine.New(engine.Config{Timeout: 5 * time.Second}, mod)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	r.engine = eng
	return r
}

func (s *FabricSuite) endpoint(from, to *simRank) *btl.Endpoint {
	ep, err := from.module.EndpointFor(to.addr, to.id)
	require.NoError(s.T(), err)
	return ep
}

func (s *FabricSuite) TestAllPairsExchange() {
	const perPeer = 25
	done := make(chan error, fabricRanks)
	for _, from := range s.ranks {
		from := from
		go func() {
			for _, to := range s.ranks {
				if to == from {
					continue
				}
				ep, err := from.module.EndpointFor(to.addr, to.id)
				if err != nil {
					done <- err
					return
				}
				for i := 0; i < perPeer; i++ {
					if err := from.engine.Send(s.ctx, ep, 1, []byte{byte(i)}); err != nil {
						done <- err
						return
					}
				}
			}
			done <- nil
		}()
	}
	for range s.ranks {
		s.Require().NoError(<-done)
	}

	want := int64(perPeer * (fabricRanks - 1))
	s.Eventually(func() bool {
		for _, r := range s.ranks {
			if r.received.Load() != want {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	for _, r := range s.ranks {
		stats := r.module.Stats()
		s.Equal(fabricRanks-1, stats.Connected)
		s.Zero(stats.MessagesFailed)
		s.Zero(stats.WaitListed)
	}
}

func (s *FabricSuite) TestGracefulDisconnectAndReconnect() {
	a, b := s.ranks[0], s.ranks[1]
	ep := s.endpoint(a, b)
	s.Require().NoError(a.engine.Send(s.ctx, ep, 1, []byte("before")))

	peer := s.endpoint(b, a)
	s.Eventually(func() bool { return peer.State() == btl.StateConnected }, 5*time.Second, time.Millisecond)

	s.Require().NoError(ep.Disconnect(true))
	s.Equal(btl.StateInit, ep.State())
	s.Eventually(func() bool { return peer.State() == btl.StateInit }, 5*time.Second, time.Millisecond)

	s.Require().NoError(a.engine.Send(s.ctx, ep, 1, []byte("after")))
	s.Eventually(func() bool { return b.received.Load() == 2 }, 5*time.Second, time.Millisecond)
	s.Equal(btl.StateConnected, ep.State())
	s.GreaterOrEqual(b.module.Stats().Disconnects, int64(1))
}

func (s *FabricSuite) TestPeerRestart() {
	a := s.ranks[0]
	old := s.ranks[2]
	ep := s.endpoint(a, old)
	s.Require().NoError(a.engine.Connect(s.ctx, ep))

	old.close()
	restarted := s.openRank(old.addr, old.id)
	s.ranks[2] = restarted

	back := s.endpoint(restarted, a)
	s.Require().NoError(restarted.engine.Connect(s.ctx, back))
	s.Require().NoError(restarted.engine.Send(s.ctx, back, 1, []byte("hello again")))
	s.Eventually(func() bool { return a.received.Load() == 1 }, 5*time.Second, time.Millisecond)

	s.Require().NoError(a.engine.Send(s.ctx, ep, 1, []byte("welcome back")))
	s.Eventually(func() bool { return restarted.received.Load() == 1 }, 5*time.Second, time.Millisecond)
}

func (s *FabricSuite) TestRDMAHandlesPerDevice() {
	a, b := s.ranks[0], s.ranks[3]
	ep := s.endpoint(a, b)
	dev := a.module.Device(0)
	before := dev.Available()

	err := a.engine.WithRDMAHandle(s.ctx, ep, dev, func(h *btl.EndpointHandle) error {
		s.Equal(ep, h.Endpoint())
		s.Equal(dev, h.Device())
		return nil
	})
	s.Require().NoError(err)
	// The short-message channel keeps one context checked out.
	s.Equal(before-1, dev.Available())
}

func (s *FabricSuite) TestProbeUnexpected() {
	r := s.ranks[1]
	r.nic.PostUnexpected(btl.MatchInfo(7, 3, 42), 128)

	status, found, err := r.module.Probe(7, btl.AnySource, 42)
	s.Require().NoError(err)
	s.Require().True(found)
	s.Equal(btl.ProbeStatus{Source: 3, Tag: 42, Length: 128}, status)

	_, found, err = r.module.Probe(8, btl.AnySource, btl.AnyTag)
	s.Require().NoError(err)
	s.False(found)
}

func TestFabric(t *testing.T) {
	suite.Run(t, new(FabricSuite))
}
