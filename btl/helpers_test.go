package btl

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/btl-go/internal/gni"
)

const (
	addrA uint32 = 1
	addrB uint32 = 2
	addrC uint32 = 3
	idA   uint32 = 0x100
	idB   uint32 = 0x200
	idC   uint32 = 0x300
)

type testPeer struct {
	addr uint32
	id   uint32
	nic  *gni.SimNIC
	mod  *Module
}

func openPeer(t *testing.T, fabric *gni.SimFabric, addr, id uint32, cfg ModuleConfig) testPeer {
	t.Helper()
	nic, err := fabric.NewNIC(addr, id)
	if err != nil {
		t.Fatalf("NewNIC(%d): %v", addr, err)
	}
	if cfg.Matcher == nil {
		cfg.Matcher = nic
	}
	mod, err := Open(nic, cfg)
	if err != nil {
		t.Fatalf("Open(%d): %v", addr, err)
	}
	t.Cleanup(func() { _ = mod.Close() })
	return testPeer{addr: addr, id: id, nic: nic, mod: mod}
}

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// pump progresses every module until none of them reports work.
func pump(t *testing.T, mods ...*Module) {
	t.Helper()
	for i := 0; i < 200; i++ {
		total := 0
		for _, m := range mods {
			n, err := m.Progress()
			if err != nil {
				t.Fatalf("Progress(%s): %v", m.Name(), err)
			}
			total += n
		}
		if total == 0 {
			return
		}
	}
	t.Fatal("modules did not settle")
}

// connectPair connects a to b and returns both sides' endpoints.
func connectPair(t *testing.T, a, b testPeer) (*Endpoint, *Endpoint) {
	t.Helper()
	epA, err := a.mod.EndpointFor(b.addr, b.id)
	if err != nil {
		t.Fatalf("EndpointFor: %v", err)
	}
	if err := epA.EnsureConnected(); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("expected busy on first EnsureConnected, got %v", err)
	}
	pump(t, a.mod, b.mod)
	if err := epA.EnsureConnected(); err != nil {
		t.Fatalf("EnsureConnected after handshake: %v", err)
	}
	epB, ok := b.mod.Endpoint(a.addr, a.id)
	if !ok {
		t.Fatal("peer endpoint not created by wildcard accept")
	}
	if epB.State() != StateConnected {
		t.Fatalf("peer endpoint state: got %v want connected", epB.State())
	}
	return epA, epB
}

func hasLog(logs *observer.ObservedLogs, msg string) bool {
	return logs.FilterMessage(msg).Len() > 0
}
