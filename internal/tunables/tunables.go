// Package tunables collects the compile-time constants that size and pace
// the networking engine. They are deliberately not loaded from config: the
// protocol depends on every node agreeing on frame and timing bounds, so
// they are baked into the binary rather than per-node tunable.
package tunables

import "time"

const (
	// MagicLen is the width of the wire frame's magic prefix, in bytes.
	MagicLen = 4

	// Magic is the big-endian frame marker ("CSDC").
	Magic uint32 = 0x43534443

	// BufferSize bounds the total size of a wire frame, magic included.
	BufferSize = 1024

	// MaxUsername is the longest accepted display name, NUL excluded.
	MaxUsername = 31

	// MaxIP is the longest accepted textual IPv4 address, NUL excluded.
	MaxIP = 15

	// MaxPeers is the number of roster slots.
	MaxPeers = 16

	// DiscoveryInterval is the spacing between outbound beacons.
	DiscoveryInterval = 5 * time.Second

	// PeerTimeout is how long a peer may stay silent before it is pruned.
	PeerTimeout = 30 * time.Second

	// ConnectTimeout bounds an outbound TCP dial.
	ConnectTimeout = 5 * time.Second

	// SendTimeout bounds a single outbound TCP send.
	SendTimeout = 3 * time.Second

	// Cooldown is the delay the session engine waits after tearing a
	// session down (gracefully or by abort) before re-arming the listener.
	// Some native stacks refuse to rebind a passive endpoint immediately
	// after an abort; 0.75s is the larger of the two known-good values.
	Cooldown = 750 * time.Millisecond

	// ShutdownPeerDelay is the pause between QUIT notifications sent to
	// successive peers during engine shutdown.
	ShutdownPeerDelay = 2 * time.Second

	// ShortBound is the longest a single non-blocking adapter call (a
	// receive or an accept) may block. Outbound dials and TCP sends are
	// bounded by ConnectTimeout and SendTimeout instead.
	ShortBound = 20 * time.Millisecond

	// DiscoveryPort is the default UDP port for the beacon/response exchange.
	DiscoveryPort = 50000

	// MessagingPort is the default TCP port for TEXT/QUIT frames.
	MessagingPort = 50001
)
