// Package discovery implements the periodic UDP beacon and the
// datagram processing that feeds the roster. It is driven entirely by
// Tick, called from the engine's single event pump — no background
// goroutines, per the cooperative single-threaded scheduling model.
//
// The drain-then-act shape of Tick follows core.Core.pump's select
// loop (core/core.go); the split between "periodic send" and "drain
// incoming" additionally echoes the Gyre/Zyre node's UDP-beacon-fed
// peer map (node.go), the closest external analogue of this exact
// design — used only as a design reference, its ZeroMQ transport is
// not imported.
package discovery

import (
	"time"

	"github.com/bfix/gospel/logger"

	"peerbeacon/internal/tunables"
	"peerbeacon/roster"
	"peerbeacon/transport"
	"peerbeacon/wire"
)

// Stats are the counters the status surface (httpapi) reports.
type Stats struct {
	BeaconsSent     uint64
	FramesMalformed uint64
	RosterFullHits  uint64
}

// Engine owns the discovery datagram endpoint and the beacon clock.
type Engine struct {
	udp       transport.UDPEndpoint
	roster    *roster.Roster
	port      int
	broadcast string

	localIP  string
	username string
	interval time.Duration

	lastBeacon time.Time
	beaconSent bool // true once the first beacon has gone out

	stats Stats
}

// New creates a discovery engine bound to udp. broadcast is the
// destination address used for beacons (255.255.255.255 for the
// default link-local case).
func New(udp transport.UDPEndpoint, r *roster.Roster, port int, broadcast, localIP, username string) *Engine {
	return &Engine{
		udp:       udp,
		roster:    r,
		port:      port,
		broadcast: broadcast,
		localIP:   localIP,
		username:  username,
		interval:  tunables.DiscoveryInterval,
	}
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Tick performs one discovery cycle: emit a beacon if the interval has
// elapsed, then drain every pending inbound datagram.
func (e *Engine) Tick(now time.Time) {
	if e.beaconDue(now) {
		e.sendBeacon(now)
	}
	for {
		srcIP, srcPort, data, err := e.udp.TryRecv()
		if err == transport.ErrNoData {
			return
		}
		if err != nil {
			logger.Printf(logger.WARN, "[discovery] recv failed: %s", err.Error())
			return
		}
		e.handleDatagram(now, srcIP, srcPort, data)
	}
}

// beaconDue reports whether the beacon interval has elapsed. The
// comparison is wraparound-safe: if now precedes the last beacon
// (a clock step backward, or counter wraparound on platforms that use
// tick counts instead of wall time), the interval is treated as NOT
// yet elapsed rather than firing immediately — the same conservative
// direction the roster's prune uses for last_seen, so a misbehaving
// clock can only delay rediscovery, never cause a beacon storm.
func (e *Engine) beaconDue(now time.Time) bool {
	if !e.beaconSent {
		return true
	}
	if now.Before(e.lastBeacon) {
		return false
	}
	return now.Sub(e.lastBeacon) >= e.interval
}

func (e *Engine) sendBeacon(now time.Time) {
	frame, err := wire.Encode(wire.Discovery, e.username, e.localIP, "")
	if err != nil {
		logger.Printf(logger.WARN, "[discovery] failed to encode beacon: %s", err.Error())
		return
	}
	if err := e.udp.Send(e.broadcast, e.port, frame); err != nil {
		logger.Printf(logger.WARN, "[discovery] beacon send failed: %s", err.Error())
	}
	e.lastBeacon = now
	e.beaconSent = true
	e.stats.BeaconsSent++
}

func (e *Engine) handleDatagram(now time.Time, srcIP string, srcPort int, data []byte) {
	// Self-echo suppression: our own beacon looped back by the
	// broadcast address is not a peer sighting.
	if srcIP == e.localIP {
		return
	}
	frame, err := wire.Decode(data)
	if err != nil {
		e.stats.FramesMalformed++
		return
	}
	switch frame.Type {
	case wire.Discovery:
		e.respond(srcIP, srcPort)
		e.learn(srcIP, frame.SenderUsername, now)
	case wire.DiscoveryResponse:
		e.learn(srcIP, frame.SenderUsername, now)
	default:
		// Other frame types are not valid on the discovery endpoint.
	}
}

func (e *Engine) respond(destIP string, destPort int) {
	frame, err := wire.Encode(wire.DiscoveryResponse, e.username, e.localIP, "")
	if err != nil {
		logger.Printf(logger.WARN, "[discovery] failed to encode response: %s", err.Error())
		return
	}
	if err := e.udp.Send(destIP, destPort, frame); err != nil {
		logger.Printf(logger.WARN, "[discovery] response send to %s failed: %s", destIP, err.Error())
	}
}

func (e *Engine) learn(ip, username string, now time.Time) {
	if _, err := e.roster.AddOrUpdate(ip, username, now); err != nil {
		e.stats.RosterFullHits++
		logger.Printf(logger.WARN, "[discovery] roster full, dropping sighting of %s", ip)
	}
}
