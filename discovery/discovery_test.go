package discovery

import (
	"testing"
	"time"

	"peerbeacon/roster"
	"peerbeacon/transport"
	"peerbeacon/wire"
)

// fakeUDP is an in-memory transport.UDPEndpoint for deterministic tests.
type fakeUDP struct {
	sent []sentDatagram
	rx   []rxDatagram
}

type sentDatagram struct {
	ip   string
	port int
	data []byte
}

type rxDatagram struct {
	ip   string
	port int
	data []byte
}

func (f *fakeUDP) Send(ip string, port int, b []byte) error {
	f.sent = append(f.sent, sentDatagram{ip, port, append([]byte(nil), b...)})
	return nil
}

func (f *fakeUDP) TryRecv() (string, int, []byte, error) {
	if len(f.rx) == 0 {
		return "", 0, nil, transport.ErrNoData
	}
	d := f.rx[0]
	f.rx = f.rx[1:]
	return d.ip, d.port, d.data, nil
}

func (f *fakeUDP) Close() error { return nil }

func TestBeaconFiresOnFirstTick(t *testing.T) {
	u := &fakeUDP{}
	r := roster.New()
	e := New(u, r, 50000, "255.255.255.255", "192.168.1.10", "alice")

	e.Tick(time.Now())
	if len(u.sent) != 1 {
		t.Fatalf("sent %d beacons, want 1", len(u.sent))
	}
	f, err := wire.Decode(u.sent[0].data)
	if err != nil || f.Type != wire.Discovery {
		t.Fatalf("beacon decode: %+v, %v", f, err)
	}
}

func TestBeaconDoesNotRefireBeforeInterval(t *testing.T) {
	u := &fakeUDP{}
	r := roster.New()
	e := New(u, r, 50000, "255.255.255.255", "192.168.1.10", "alice")
	now := time.Now()

	e.Tick(now)
	e.Tick(now.Add(time.Second))
	if len(u.sent) != 1 {
		t.Fatalf("sent %d beacons, want 1 (interval not elapsed)", len(u.sent))
	}
}

func TestDiscoveryRespondsAndLearns(t *testing.T) {
	u := &fakeUDP{}
	r := roster.New()
	e := New(u, r, 50000, "255.255.255.255", "192.168.1.10", "alice")

	beacon, _ := wire.Encode(wire.Discovery, "bob", "192.168.1.11", "")
	u.rx = append(u.rx, rxDatagram{"192.168.1.11", 50000, beacon})

	e.Tick(time.Now())

	if r.CountActive() != 1 {
		t.Fatalf("count active = %d, want 1", r.CountActive())
	}
	p, _ := r.GetByActiveIndex(0)
	if p.IP != "192.168.1.11" || p.Username != "bob" {
		t.Fatalf("got %+v", p)
	}
	// one beacon (this node's own) plus one DISCOVERY_RESPONSE reply.
	if len(u.sent) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(u.sent))
	}
	reply, err := wire.Decode(u.sent[1].data)
	if err != nil || reply.Type != wire.DiscoveryResponse {
		t.Fatalf("reply decode: %+v, %v", reply, err)
	}
}

func TestDiscoveryResponseLearnsWithoutReplying(t *testing.T) {
	u := &fakeUDP{}
	r := roster.New()
	e := New(u, r, 50000, "255.255.255.255", "192.168.1.10", "alice")

	resp, _ := wire.Encode(wire.DiscoveryResponse, "bob", "192.168.1.11", "")
	u.rx = append(u.rx, rxDatagram{"192.168.1.11", 50000, resp})

	e.Tick(time.Now())

	if r.CountActive() != 1 {
		t.Fatalf("count active = %d, want 1", r.CountActive())
	}
	// only this node's own beacon; no reply to a DISCOVERY_RESPONSE.
	if len(u.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(u.sent))
	}
}

func TestSelfEchoIsSuppressed(t *testing.T) {
	u := &fakeUDP{}
	r := roster.New()
	e := New(u, r, 50000, "255.255.255.255", "192.168.1.10", "alice")

	own, _ := wire.Encode(wire.Discovery, "alice", "192.168.1.10", "")
	u.rx = append(u.rx, rxDatagram{"192.168.1.10", 50000, own})

	e.Tick(time.Now())

	if r.CountActive() != 0 {
		t.Fatalf("count active = %d, want 0 (self-echo must be discarded)", r.CountActive())
	}
}

func TestMalformedDatagramIsDroppedSilently(t *testing.T) {
	u := &fakeUDP{}
	r := roster.New()
	e := New(u, r, 50000, "255.255.255.255", "192.168.1.10", "alice")

	u.rx = append(u.rx, rxDatagram{"192.168.1.11", 50000, []byte("HELLO WORLD")})

	e.Tick(time.Now())

	if r.CountActive() != 0 {
		t.Fatalf("count active = %d, want 0", r.CountActive())
	}
	if e.Stats().FramesMalformed != 1 {
		t.Fatalf("malformed count = %d, want 1", e.Stats().FramesMalformed)
	}
}
