package dispatch

import (
	"testing"
	"time"

	"peerbeacon/roster"
	"peerbeacon/wire"
)

type fakeCallbacks struct {
	messages []string
	rosterCh int
}

func (f *fakeCallbacks) OnMessage(sender, ip, content string) {
	f.messages = append(f.messages, sender+"@"+ip+":"+content)
}
func (f *fakeCallbacks) OnRosterChanged() { f.rosterCh++ }

func TestTextDispatchDeliversAndUpdatesRoster(t *testing.T) {
	tbl := New()
	r := roster.New()
	cb := &fakeCallbacks{}
	f := wire.Frame{Type: wire.Text, SenderUsername: "bob", Content: "hi"}

	tbl.Dispatch(time.Now(), "192.168.1.11", f, r, cb)

	if len(cb.messages) != 1 || cb.messages[0] != "bob@192.168.1.11:hi" {
		t.Fatalf("messages = %v", cb.messages)
	}
	if r.CountActive() != 1 {
		t.Fatalf("count active = %d, want 1", r.CountActive())
	}
	if cb.rosterCh != 0 {
		t.Fatalf("roster-changed callbacks = %d, want 0 (TEXT does not fire it directly)", cb.rosterCh)
	}
}

func TestQuitDispatchMarksInactiveAndNotifies(t *testing.T) {
	now := time.Now()
	tbl := New()
	r := roster.New()
	r.AddOrUpdate("192.168.1.11", "bob", now)
	cb := &fakeCallbacks{}
	f := wire.Frame{Type: wire.Quit, SenderUsername: "bob"}

	tbl.Dispatch(now, "192.168.1.11", f, r, cb)

	if r.CountActive() != 0 {
		t.Fatalf("count active = %d, want 0", r.CountActive())
	}
	if cb.rosterCh != 1 {
		t.Fatalf("roster-changed callbacks = %d, want 1", cb.rosterCh)
	}
}

func TestQuitForUnknownPeerDoesNotNotify(t *testing.T) {
	tbl := New()
	r := roster.New()
	cb := &fakeCallbacks{}
	f := wire.Frame{Type: wire.Quit, SenderUsername: "bob"}

	tbl.Dispatch(time.Now(), "192.168.1.99", f, r, cb)

	if cb.rosterCh != 0 {
		t.Fatalf("roster-changed callbacks = %d, want 0 for an unknown peer", cb.rosterCh)
	}
}

func TestUnknownFrameTypeIsDroppedSilently(t *testing.T) {
	tbl := New()
	r := roster.New()
	cb := &fakeCallbacks{}
	f := wire.Frame{Type: wire.Discovery, SenderUsername: "bob"}

	tbl.Dispatch(time.Now(), "192.168.1.11", f, r, cb)

	if len(cb.messages) != 0 || cb.rosterCh != 0 || r.CountActive() != 0 {
		t.Fatalf("DISCOVERY over TCP should be dropped entirely: messages=%v rosterCh=%d active=%d",
			cb.messages, cb.rosterCh, r.CountActive())
	}
}
