// Package dispatch maps a parsed TCP frame type to its effect: roster
// update, text delivery, or peer-inactive marking. It exists so the
// TCP session engine's validation and effect logic live in one small,
// pure, testable place, independent of the state machine that drives
// it — the same separation of concerns drawn between core.Core's
// event dispatch (core/event.go's EventFilter/Listener) and the
// transport layer that feeds it, adapted from a many-listener
// subscription model to a small fixed table, since this dispatcher has
// exactly one internal subscriber (the engine) rather than core's many
// external ones.
package dispatch

import (
	"time"

	"github.com/bfix/gospel/logger"

	"peerbeacon/roster"
	"peerbeacon/wire"
)

// Callbacks are the UI-facing hooks the dispatcher invokes. They must
// never be called while the roster lock is held — every roster method
// already returns before dispatch calls back out, so this is automatic
// as long as handlers call roster methods and callbacks as separate
// statements (which they do below).
type Callbacks interface {
	OnMessage(senderUsername, srcIP, content string)
	OnRosterChanged()
}

// Handler processes one parsed frame. srcIP is always the
// transport-level source address, never the frame's embedded sender_ip.
type Handler func(now time.Time, srcIP string, f wire.Frame, r *roster.Roster, cb Callbacks)

// Table is the closed type -> handler mapping.
type Table struct {
	handlers map[wire.FrameType]Handler
}

// New builds the standard dispatch table for TCP frames.
func New() *Table {
	return &Table{
		handlers: map[wire.FrameType]Handler{
			wire.Text: handleText,
			wire.Quit: handleQuit,
		},
	}
}

// Dispatch routes f to its handler, or drops it with a warning if its
// type has no registered handler (this includes DISCOVERY and
// DISCOVERY_RESPONSE arriving over TCP, which are protocol errors on
// this transport).
func (t *Table) Dispatch(now time.Time, srcIP string, f wire.Frame, r *roster.Roster, cb Callbacks) {
	h, ok := t.handlers[f.Type]
	if !ok {
		logger.Printf(logger.WARN, "[dispatch] dropping frame of unknown type %q from %s", f.Type, srcIP)
		return
	}
	h(now, srcIP, f, r, cb)
}

func handleText(now time.Time, srcIP string, f wire.Frame, r *roster.Roster, cb Callbacks) {
	// Roster update completes (lock released) before the delivery
	// callback fires, per the ordering guarantee in §5: a single
	// inbound frame's effects are atomic from the UI's viewpoint, and
	// the roster reflects the sender before on_message is observed.
	r.AddOrUpdate(srcIP, f.SenderUsername, now)
	cb.OnMessage(f.SenderUsername, srcIP, f.Content)
}

func handleQuit(_ time.Time, srcIP string, _ wire.Frame, r *roster.Roster, cb Callbacks) {
	if r.MarkInactive(srcIP) {
		cb.OnRosterChanged()
	}
}
