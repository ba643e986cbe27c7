package gni

import (
	"errors"
	"testing"
)

func newTestNIC(t *testing.T, fabric *SimFabric, addr, id uint32) *SimNIC {
	t.Helper()
	nic, err := fabric.NewNIC(addr, id)
	if err != nil {
		t.Fatalf("NewNIC(%d): %v", addr, err)
	}
	return nic
}

func boundHandle(t *testing.T, nic *SimNIC, remoteAddr, remoteID uint32) EpHandle {
	t.Helper()
	h, err := nic.EpCreate(0)
	if err != nil {
		t.Fatalf("EpCreate: %v", err)
	}
	if err := nic.EpBind(h, remoteAddr, remoteID); err != nil {
		t.Fatalf("EpBind: %v", err)
	}
	return h
}

func TestSimNICRegistration(t *testing.T) {
	fabric := NewSimFabric()
	newTestNIC(t, fabric, 1, 0x100)
	if _, err := fabric.NewNIC(1, 0x200); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("duplicate address = %v", err)
	}
	if _, err := fabric.NewNIC(2, 0x101); !errors.Is(err, InvalidParam) {
		t.Fatalf("id with device bits = %v", err)
	}
}

func TestSimBindLifecycle(t *testing.T) {
	fabric := NewSimFabric()
	nic := newTestNIC(t, fabric, 1, 0x100)

	h := boundHandle(t, nic, 2, 0x200)
	if err := nic.EpBind(h, 2, 0x200); !errors.Is(err, InvalidState) {
		t.Fatalf("double bind = %v", err)
	}
	if nic.BoundHandles() != 1 {
		t.Fatalf("bound = %d", nic.BoundHandles())
	}
	if err := nic.EpUnbind(h); err != nil {
		t.Fatalf("EpUnbind: %v", err)
	}
	if err := nic.EpUnbind(h); !errors.Is(err, InvalidState) {
		t.Fatalf("unbind of unbound context = %v", err)
	}
	if err := nic.EpDestroy(h); err != nil {
		t.Fatalf("EpDestroy: %v", err)
	}
	if err := nic.EpBind(h, 2, 0x200); !errors.Is(err, InvalidParam) {
		t.Fatalf("bind of destroyed context = %v", err)
	}
	stats := nic.Stats()
	if stats.HandlesCreated != 1 || stats.Binds != 1 || stats.Unbinds != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSimFaultInjection(t *testing.T) {
	fabric := NewSimFabric()
	nic := newTestNIC(t, fabric, 1, 0x100)
	h, _ := nic.EpCreate(0)

	nic.Fail("EpBind", ErrorResource)
	nic.Fail("EpBind", InvalidState)
	if err := nic.EpBind(h, 2, 0x200); !errors.Is(err, ErrorResource) {
		t.Fatalf("first injected fault = %v", err)
	}
	if err := nic.EpBind(h, 2, 0x200); !errors.Is(err, InvalidState) {
		t.Fatalf("second injected fault = %v", err)
	}
	if err := nic.EpBind(h, 2, 0x200); err != nil {
		t.Fatalf("bind after faults drained: %v", err)
	}

	nic.Fail("EpUnbind", TransactionErr)
	if err := nic.EpUnbind(h); !errors.Is(err, TransactionErr) {
		t.Fatalf("injected unbind fault = %v", err)
	}
	if nic.BoundHandles() != 0 {
		t.Fatal("failed unbind left the context bound")
	}
}

func TestSimDirectedDatagramsPair(t *testing.T) {
	fabric := NewSimFabric()
	a := newTestNIC(t, fabric, 1, 0x100)
	b := newTestNIC(t, fabric, 2, 0x200)

	ha := boundHandle(t, a, 2, 0x200)
	if err := a.PostDatagram(ha, 11, []byte("from-a")); err != nil {
		t.Fatalf("PostDatagram a: %v", err)
	}
	if _, err := a.PollDatagram(); !errors.Is(err, NotDone) {
		t.Fatalf("unmatched datagram completed: %v", err)
	}

	hb := boundHandle(t, b, 1, 0x100|1)
	if err := b.PostDatagram(hb, 22, []byte("from-b")); err != nil {
		t.Fatalf("PostDatagram b: %v", err)
	}

	ev, err := a.PollDatagram()
	if err != nil {
		t.Fatalf("PollDatagram a: %v", err)
	}
	if ev.ID != 11 || ev.RemoteAddr != 2 || ev.RemoteID != 0x200 || string(ev.Payload) != "from-b" {
		t.Fatalf("a completion %+v", ev)
	}
	ev, err = b.PollDatagram()
	if err != nil {
		t.Fatalf("PollDatagram b: %v", err)
	}
	if ev.ID != 22 || string(ev.Payload) != "from-a" {
		t.Fatalf("b completion %+v", ev)
	}
}

func TestSimWildcardKnocksOnce(t *testing.T) {
	fabric := NewSimFabric()
	a := newTestNIC(t, fabric, 1, 0x100)
	b := newTestNIC(t, fabric, 2, 0x200)

	if err := b.PostWildcard(0, nil); err != nil {
		t.Fatalf("PostWildcard: %v", err)
	}
	if err := b.PostWildcard(0, nil); !errors.Is(err, InvalidState) {
		t.Fatalf("second wildcard = %v", err)
	}

	ha := boundHandle(t, a, 2, 0x200)
	if err := a.PostDatagram(ha, 11, []byte("attr")); err != nil {
		t.Fatalf("PostDatagram: %v", err)
	}
	ev, err := b.PollDatagram()
	if err != nil {
		t.Fatalf("PollDatagram: %v", err)
	}
	if !ev.Wildcard || ev.RemoteAddr != 1 || ev.RemoteID != 0x100 || string(ev.Payload) != "attr" {
		t.Fatalf("wildcard completion %+v", ev)
	}

	// A reposted wildcard is not knocked again by the same datagram.
	if err := b.PostWildcard(0, nil); err != nil {
		t.Fatalf("repost wildcard: %v", err)
	}
	if _, err := b.PollDatagram(); !errors.Is(err, NotDone) {
		t.Fatalf("datagram knocked twice: %v", err)
	}

	if err := a.CancelDatagram(11); err != nil {
		t.Fatalf("CancelDatagram: %v", err)
	}
	if err := a.CancelDatagram(11); !errors.Is(err, NoMatch) {
		t.Fatalf("second cancel = %v", err)
	}
}

func TestSimWildcardPostedLateSeesWaitingDatagram(t *testing.T) {
	fabric := NewSimFabric()
	a := newTestNIC(t, fabric, 1, 0x100)
	b := newTestNIC(t, fabric, 2, 0x200)

	ha := boundHandle(t, a, 2, 0x200)
	if err := a.PostDatagram(ha, 11, nil); err != nil {
		t.Fatalf("PostDatagram: %v", err)
	}
	if err := b.PostWildcard(0, nil); err != nil {
		t.Fatalf("PostWildcard: %v", err)
	}
	ev, err := b.PollDatagram()
	if err != nil || !ev.Wildcard {
		t.Fatalf("late wildcard completion %+v, %v", ev, err)
	}
}

func TestSimSmsgHeldUntilInit(t *testing.T) {
	fabric := NewSimFabric()
	a := newTestNIC(t, fabric, 1, 0x100)
	b := newTestNIC(t, fabric, 2, 0x200)

	ha := boundHandle(t, a, 2, 0x200)
	hb := boundHandle(t, b, 1, 0x100)

	if err := a.SmsgSend(ha, 1, []byte("early")); !errors.Is(err, InvalidState) {
		t.Fatalf("send before init = %v", err)
	}
	if err := a.SmsgInit(ha, SmsgAttr{}, SmsgAttr{}); err != nil {
		t.Fatalf("SmsgInit a: %v", err)
	}
	if err := a.SmsgSend(ha, 1, []byte("one")); err != nil {
		t.Fatalf("SmsgSend: %v", err)
	}
	if err := a.SmsgSend(ha, 2, []byte("two")); err != nil {
		t.Fatalf("SmsgSend: %v", err)
	}
	if _, err := b.PollSmsg(); !errors.Is(err, NotDone) {
		t.Fatalf("message delivered before receiver init: %v", err)
	}

	if err := b.SmsgInit(hb, SmsgAttr{}, SmsgAttr{}); err != nil {
		t.Fatalf("SmsgInit b: %v", err)
	}
	for _, want := range []string{"one", "two"} {
		ev, err := b.PollSmsg()
		if err != nil {
			t.Fatalf("PollSmsg: %v", err)
		}
		if ev.Kind != SmsgEventData || string(ev.Payload) != want || ev.RemoteAddr != 1 {
			t.Fatalf("event %+v, want payload %q", ev, want)
		}
	}

	if err := b.SmsgRelease(hb); err != nil {
		t.Fatalf("SmsgRelease: %v", err)
	}
	ev, err := a.PollSmsg()
	if err != nil {
		t.Fatalf("PollSmsg credit: %v", err)
	}
	if ev.Kind != SmsgEventCredit || ev.Credits != 1 || ev.RemoteAddr != 2 {
		t.Fatalf("credit event %+v", ev)
	}
	if ev.Kind.String() != "credit" {
		t.Fatalf("kind string %q", ev.Kind.String())
	}
}

func TestSimIProbe(t *testing.T) {
	fabric := NewSimFabric()
	nic := newTestNIC(t, fabric, 1, 0x100)

	if _, ok, err := nic.IProbe(0, 0); ok || err != nil {
		t.Fatalf("empty probe ok=%v err=%v", ok, err)
	}
	nic.PostUnexpected(0xaa00, 10)
	nic.PostUnexpected(0xab00, 20)

	ms, ok, err := nic.IProbe(0xab00, 0xff00)
	if err != nil || !ok || ms.Length != 20 {
		t.Fatalf("exact probe %+v ok=%v err=%v", ms, ok, err)
	}
	ms, ok, _ = nic.IProbe(0, 0)
	if !ok || ms.Length != 10 {
		t.Fatalf("wildcard probe should return the oldest message, got %+v", ms)
	}
}

func TestSimClose(t *testing.T) {
	fabric := NewSimFabric()
	a := newTestNIC(t, fabric, 1, 0x100)
	h := boundHandle(t, a, 2, 0x200)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := a.PostDatagram(h, 1, nil); !errors.Is(err, InvalidState) {
		t.Fatalf("post on closed nic = %v", err)
	}
	if _, err := fabric.NewNIC(1, 0x100); err != nil {
		t.Fatalf("address not freed by Close: %v", err)
	}
}
