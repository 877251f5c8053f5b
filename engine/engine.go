// Package engine is the glue that wires the wire codec, roster,
// transport adapter, discovery engine, session engine, and dispatcher
// into the single cooperative object the host process drives: one
// Init, then one Tick call per pump iteration, until Shutdown.
//
// It plays the same "owns everything, exposes Init/pump/Shutdown" role
// core.Core plays for the GNUnet transport stack (core/core.go); this
// package is the P2P-messenger equivalent, built from the narrower set
// of collaborators this protocol needs instead of core's full module
// registry.
package engine

import (
	"context"
	"time"

	"peerbeacon/dispatch"
	"peerbeacon/discovery"
	"peerbeacon/roster"
	"peerbeacon/session"
	"peerbeacon/transport"
)

// Stats aggregates the counters the status surface reports.
type Stats struct {
	Ticks        uint64
	PeersActive  int
	SessionState session.State
	Discovery    discovery.Stats
}

// Engine owns every live resource (sockets, roster, sub-engines) for
// one running node.
type Engine struct {
	adapter       transport.Adapter
	discoveryPort int
	messagingPort int
	broadcastAddr string

	username string
	localIP  string

	roster    *roster.Roster
	udp       transport.UDPEndpoint
	listener  transport.Listener
	discovery *discovery.Engine
	session   *session.Engine

	onMessage       func(senderUsername, srcIP, content string)
	onRosterChanged func()
	sessionDirty    bool

	ticks uint64
}

// New creates an unbound engine. Call Init before Tick.
func New(adapter transport.Adapter, discoveryPort, messagingPort int, broadcastAddr string) *Engine {
	return &Engine{
		adapter:       adapter,
		discoveryPort: discoveryPort,
		messagingPort: messagingPort,
		broadcastAddr: broadcastAddr,
	}
}

// Init resolves the local address, binds the discovery and messaging
// endpoints, and wires the sub-engines together under username. The
// callbacks are registered once, for the lifetime of the engine.
func (e *Engine) Init(username string, onMessage func(senderUsername, srcIP, content string), onRosterChanged func()) error {
	localIP, err := e.adapter.ResolveLocalIP()
	if err != nil {
		return err
	}
	udp, err := e.adapter.OpenUDP(e.discoveryPort)
	if err != nil {
		return err
	}
	ln, err := e.adapter.ListenTCP(e.messagingPort)
	if err != nil {
		udp.Close()
		return err
	}

	e.username = username
	e.localIP = localIP
	e.onMessage = onMessage
	e.onRosterChanged = onRosterChanged
	e.roster = roster.New()
	e.udp = udp
	e.listener = ln
	e.discovery = discovery.New(udp, e.roster, e.discoveryPort, e.broadcastAddr, localIP, username)
	e.session = session.New(ln, e.adapter, e.roster, dispatch.New(), &callbacks{e: e}, username, localIP, e.messagingPort)
	return nil
}

// Tick drains the discovery datagram queue, advances the TCP session
// state machine by one step, and prunes stale peers — in that order,
// once per call. It invokes on_roster_changed at most once per call,
// after every roster-mutating step has completed and the roster lock
// has been released, never while it is held.
func (e *Engine) Tick(now time.Time) {
	before := e.roster.Snapshot()

	e.discovery.Tick(now)
	e.session.Tick(now)
	pruned := e.roster.Prune(now)

	changed := e.sessionDirty || pruned > 0 || !snapshotsEqual(before, e.roster.Snapshot())
	e.sessionDirty = false
	e.ticks++

	if changed && e.onRosterChanged != nil {
		e.onRosterChanged()
	}
}

// SendText opens a fresh outbound session to peerIP and sends text.
func (e *Engine) SendText(ctx context.Context, peerIP, text string) session.SendResult {
	return e.session.SendText(ctx, peerIP, text)
}

// BroadcastText sends text to every active peer, one session each.
func (e *Engine) BroadcastText(ctx context.Context, text string) {
	e.session.BroadcastText(ctx, text)
}

// Shutdown emits QUIT to every active peer, then tears down the
// datagram and stream endpoints. Safe to call once, after which the
// engine must not be reused.
func (e *Engine) Shutdown(ctx context.Context) {
	e.session.Shutdown(ctx)
	e.listener.Close()
	e.udp.Close()
}

// Stats returns a snapshot of the engine's counters, for the status
// surface.
func (e *Engine) Stats() Stats {
	return Stats{
		Ticks:        e.ticks,
		PeersActive:  e.roster.CountActive(),
		SessionState: e.session.State(),
		Discovery:    e.discovery.Stats(),
	}
}

// Roster exposes the read-only roster surface for the status endpoint.
func (e *Engine) Roster() *roster.Roster { return e.roster }

// Username reports the local display name, for the status endpoint.
func (e *Engine) Username() string { return e.username }

// LocalIP reports the resolved local address, for the status endpoint.
func (e *Engine) LocalIP() string { return e.localIP }

func snapshotsEqual(a, b []roster.Peer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// callbacks adapts the engine's registered function fields to
// dispatch.Callbacks. OnRosterChanged only marks the engine dirty;
// Tick decides, once per call, whether to actually invoke the caller's
// on_roster_changed so a QUIT-triggered change and a same-tick prune
// or discovery learn are coalesced into a single notification rather
// than firing once per internal transition.
type callbacks struct {
	e *Engine
}

func (c *callbacks) OnMessage(senderUsername, srcIP, content string) {
	if c.e.onMessage != nil {
		c.e.onMessage(senderUsername, srcIP, content)
	}
}

func (c *callbacks) OnRosterChanged() {
	c.e.sessionDirty = true
}
