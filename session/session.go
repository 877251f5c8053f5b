// Package session implements the TCP session engine: one listener for
// inbound messages, and transient one-shot outbound sessions for
// sending text or QUIT notifications. It is the hard part of the
// networking engine — see the state machine in State's doc comment.
//
// State's shape follows transport/session.go's KX_STATE_* enum style
// (named int constants, one terminal state, transitions drawn in State's
// doc comment); the drain-then-act shape of Tick follows core/core.go's
// Core.pump select loop, adapted from an unbounded channel-fed goroutine
// to a single Tick call driven by the caller's event pump. Tick starts no
// goroutines; Shutdown runs each per-peer QUIT send on an errgroup
// goroutine and waits for it before moving on to the next peer.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bfix/gospel/logger"
	"golang.org/x/sync/errgroup"

	"peerbeacon/dispatch"
	"peerbeacon/internal/tunables"
	"peerbeacon/roster"
	"peerbeacon/transport"
	"peerbeacon/wire"
)

// State is the engine's session state, not per-connection: there is at
// most one inbound connection and at most one outbound session live at
// any time.
//
//	Idle ──accept──▶ ConnectedIn
//	Idle ──send()──▶ Sending
//	ConnectedIn ──data──▶ ConnectedIn   (loop-drain reads)
//	ConnectedIn ──peer FIN──▶ ClosingGraceful
//	ConnectedIn ──local abort──▶ PostAbortCooldown
//	Sending ──done / peer closed──▶ PostAbortCooldown
//	Sending ──timeout──▶ PostAbortCooldown
//	ClosingGraceful ──(all data drained & reciprocal close)──▶ PostAbortCooldown
//	PostAbortCooldown ──cooldown elapsed──▶ Idle
//	any ──unrecoverable transport err──▶ Error
type State int

const (
	Idle State = iota
	Listening
	ConnectedIn
	Sending
	ClosingGraceful
	PostAbortCooldown
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Listening:
		return "Listening"
	case ConnectedIn:
		return "ConnectedIn"
	case Sending:
		return "Sending"
	case ClosingGraceful:
		return "ClosingGraceful"
	case PostAbortCooldown:
		return "PostAbortCooldown"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Outcome is the result of a single outbound send.
type Outcome int

const (
	SendOK Outcome = iota
	SendNoSuchPeer
	SendFailed
)

// SendResult is returned by SendText and carries the failure cause
// when Outcome is SendFailed.
type SendResult struct {
	Outcome Outcome
	Cause   error
}

// ErrEngineFailed is the Cause on a SendResult when the engine has
// already transitioned to Error and cannot accept any further session,
// inbound or outbound.
var ErrEngineFailed = errors.New("session: engine is in Error state")

// Engine owns the inbound listener and drives both the inbound session
// state machine (via Tick) and transient outbound sessions (via
// SendText/BroadcastText/Shutdown).
type Engine struct {
	listener transport.Listener
	adapter  transport.Adapter
	roster   *roster.Roster
	table    *dispatch.Table
	cb       dispatch.Callbacks

	username string
	localIP  string
	destPort int

	// mu guards state, conn, inBuf, and cooldownUntil. Tick is driven
	// by the caller's single event pump, but SendText/BroadcastText/
	// Shutdown may be invoked concurrently from other goroutines (the
	// status surface's per-request handlers); mu is what makes "at
	// most one in-flight outbound session" (spec.md's FSM) an actual
	// invariant rather than a comment.
	mu            sync.Mutex
	state         State
	conn          transport.Conn
	inBuf         []byte
	cooldownUntil time.Time
}

// New creates a session engine bound to an already-listening listener.
func New(listener transport.Listener, adapter transport.Adapter, r *roster.Roster, table *dispatch.Table, cb dispatch.Callbacks, username, localIP string, destPort int) *Engine {
	return &Engine{
		listener: listener,
		adapter:  adapter,
		roster:   r,
		table:    table,
		cb:       cb,
		username: username,
		localIP:  localIP,
		destPort: destPort,
		state:    Idle,
	}
}

// State returns the engine's current state, for the status surface and tests.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Tick advances the inbound session state machine by one step. It
// never blocks longer than one adapter short bound.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case PostAbortCooldown:
		e.exitCooldownIfDueLocked(now)
	case Idle, Listening:
		e.tryAccept(now)
	case ConnectedIn:
		e.drain(now, false)
	case ClosingGraceful:
		e.drain(now, true)
	case Sending, Error:
		// Sending means an outbound session is in flight in
		// SendText/BroadcastText/Shutdown on another goroutine; the
		// inbound machine simply waits its turn. Error is terminal
		// until re-init.
	}
}

func (e *Engine) tryAccept(now time.Time) {
	conn, err := e.listener.TryAccept()
	if err == transport.ErrNoData {
		return
	}
	if err != nil {
		e.fail(err)
		return
	}
	e.conn = conn
	e.inBuf = e.inBuf[:0]
	e.state = ConnectedIn
	// Drain discipline: data may already be queued alongside the
	// accept notification on some stacks, so attempt to read now
	// rather than waiting for the next tick.
	e.drain(now, false)
}

// drain implements both the normal drain discipline (closing=false) and
// the closing discipline (closing=true): a peer FIN must be followed by
// one more receive attempt before the engine acknowledges the close,
// because data and the FIN can be coalesced by the underlying stack.
func (e *Engine) drain(now time.Time, closing bool) {
	tmp := make([]byte, tunables.BufferSize)
	for {
		n, err := e.conn.TryRecv(tmp)
		switch {
		case err == nil:
			e.inBuf = append(e.inBuf, tmp[:n]...)
			closing = false // fresh data means we're not done closing yet
			continue
		case err == transport.ErrNoData:
			if closing {
				e.finishInbound(now)
				return
			}
			e.state = ConnectedIn
			return
		case err == transport.ErrPeerClosed:
			if closing {
				e.finishInbound(now)
				return
			}
			e.state = ClosingGraceful
			closing = true
			continue
		case errors.Is(err, transport.ErrReset):
			e.abortInbound(now)
			return
		default:
			e.fail(err)
			return
		}
	}
}

func (e *Engine) finishInbound(now time.Time) {
	if len(e.inBuf) > 0 {
		frame, err := wire.Decode(e.inBuf)
		if err != nil {
			logger.Printf(logger.DBG, "[session] dropping malformed inbound frame from %s", e.conn.RemoteIP())
		} else {
			// Peer IP authority: the transport source, never the
			// frame's embedded sender IP.
			e.table.Dispatch(now, e.conn.RemoteIP(), frame, e.roster, e.cb)
		}
	}
	e.conn.CloseGraceful()
	e.enterCooldown(now)
}

func (e *Engine) abortInbound(now time.Time) {
	e.conn.Abort()
	e.enterCooldown(now)
}

func (e *Engine) enterCooldown(now time.Time) {
	e.conn = nil
	e.inBuf = nil
	e.cooldownUntil = now.Add(tunables.Cooldown)
	e.state = PostAbortCooldown
}

func (e *Engine) fail(err error) {
	logger.Printf(logger.ERROR, "[session] unrecoverable transport error: %s", err.Error())
	if e.conn != nil {
		e.conn.Abort()
		e.conn = nil
	}
	e.state = Error
}

// SendText opens a fresh outbound session to peerIP, sends one TEXT
// frame, and closes. Each call uses a brand-new outbound session per
// the one-send-sessions rule; outbound sessions are never reused. If
// the engine's single session slot is already occupied — by another
// send in flight or by an inbound connection — SendText queues behind
// it rather than racing a second connection; ctx cancellation aborts
// the wait with SendFailed{ctx.Err()}.
func (e *Engine) SendText(ctx context.Context, peerIP, text string) SendResult {
	if !e.peerKnown(peerIP) {
		return SendResult{Outcome: SendNoSuchPeer}
	}
	return e.sendOneFrame(ctx, peerIP, wire.Text, text)
}

// BroadcastText sends text to every currently active peer, one
// outbound session per peer. A failed send is logged and does not
// abort the remaining sends.
func (e *Engine) BroadcastText(ctx context.Context, text string) {
	for _, p := range e.roster.Snapshot() {
		if r := e.sendOneFrame(ctx, p.IP, wire.Text, text); r.Outcome != SendOK {
			logger.Printf(logger.WARN, "[session] broadcast text to %s failed: %v", p.IP, r.Cause)
		}
	}
}

// Shutdown emits QUIT to every active peer, in roster order, waiting a
// short fixed delay between peers so a large roster cannot overwhelm
// the local stack's send buffers. It uses errgroup purely to aggregate
// the per-peer send's error into a uniform return shape alongside a
// context-cancellation path, not for concurrency — sends remain
// strictly sequential, one outbound session at a time, per the
// one-send-sessions rule.
func (e *Engine) Shutdown(ctx context.Context) {
	peers := e.roster.Snapshot()
	for i, p := range peers {
		g, gctx := errgroup.WithContext(ctx)
		ip := p.IP
		g.Go(func() error {
			r := e.sendOneFrame(gctx, ip, wire.Quit, "")
			if r.Outcome != SendOK {
				return r.Cause
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			logger.Printf(logger.WARN, "[session] QUIT to %s failed: %v", ip, err)
		}
		if i < len(peers)-1 {
			time.Sleep(tunables.ShutdownPeerDelay)
		}
	}
}

func (e *Engine) peerKnown(ip string) bool {
	for _, p := range e.roster.Snapshot() {
		if p.IP == ip {
			return true
		}
	}
	return false
}

// sendOneFrame waits for the engine's single outbound-session slot
// (Idle ──send()──▶ Sending), dials, sends one frame, and closes, then
// hands the slot to PostAbortCooldown exactly as an inbound session's
// teardown does (Sending ──done/timeout──▶ PostAbortCooldown). Only
// one caller — whether SendText, BroadcastText, Shutdown, or the
// inbound machine driven by Tick — ever occupies the slot at a time;
// everyone else queues for it.
func (e *Engine) sendOneFrame(ctx context.Context, destIP string, typ wire.FrameType, content string) SendResult {
	if err := e.acquireSendSlot(ctx); err != nil {
		return SendResult{Outcome: SendFailed, Cause: err}
	}
	defer e.releaseFromSending()

	frame, err := wire.Encode(typ, e.username, e.localIP, content)
	if err != nil {
		return SendResult{Outcome: SendFailed, Cause: err}
	}
	conn, err := e.adapter.DialTCP(ctx, destIP, e.destPort, tunables.ConnectTimeout)
	if err != nil {
		return SendResult{Outcome: SendFailed, Cause: err}
	}
	e.setSendingConn(conn)
	if err := conn.Send(frame, tunables.SendTimeout); err != nil {
		conn.Abort()
		return SendResult{Outcome: SendFailed, Cause: err}
	}
	conn.CloseGraceful()
	return SendResult{Outcome: SendOK}
}

// acquireSendSlot blocks until the engine's single session slot is
// Idle — waiting out an inbound session in progress, another send's
// PostAbortCooldown, or a concurrent sender's Sending — and claims it,
// or returns ctx.Err() if ctx is done first. This is what makes "at
// most one in-flight outbound session" (spec.md's FSM) hold even when
// SendText/BroadcastText/Shutdown run concurrently with each other or
// with Tick's inbound machine (e.g. two simultaneous status-surface
// requests): callers queue for the slot instead of racing a second
// connection.
func (e *Engine) acquireSendSlot(ctx context.Context) error {
	for {
		e.mu.Lock()
		e.exitCooldownIfDueLocked(time.Now())
		switch e.state {
		case Idle:
			e.state = Sending
			e.mu.Unlock()
			return nil
		case Error:
			e.mu.Unlock()
			return ErrEngineFailed
		}
		wait := e.nextPollLocked()
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// exitCooldownIfDueLocked is the one place "cooldown elapsed -> Idle"
// is decided, shared by Tick (passed its tick's now) and
// acquireSendSlot (passed wall-clock time, since it runs off the tick
// loop). Caller holds mu.
func (e *Engine) exitCooldownIfDueLocked(now time.Time) {
	if e.state == PostAbortCooldown && !now.Before(e.cooldownUntil) {
		e.state = Idle
	}
}

// nextPollLocked reports how long acquireSendSlot should wait before
// re-checking the slot: the remaining cooldown if that is what it is
// waiting out, else a short fixed poll tick for a session in progress
// whose duration isn't known in advance. Caller holds mu.
func (e *Engine) nextPollLocked() time.Duration {
	if e.state == PostAbortCooldown {
		if d := time.Until(e.cooldownUntil); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return tunables.ShortBound
}

// setSendingConn records the dialed outbound connection on the engine
// so it is visible (e.g. to Stats/tests) for the duration of the send,
// the same single conn slot an inbound session occupies.
func (e *Engine) setSendingConn(c transport.Conn) {
	e.mu.Lock()
	e.conn = c
	e.mu.Unlock()
}

// releaseFromSending always lands in PostAbortCooldown, win or lose —
// matching the FSM's "Sending ──done / peer closed──▶ PostAbortCooldown"
// and "Sending ──timeout──▶ PostAbortCooldown" transitions, both of
// which land on the same cooldown rather than a direct return to Idle.
func (e *Engine) releaseFromSending() {
	e.mu.Lock()
	e.conn = nil
	e.cooldownUntil = time.Now().Add(tunables.Cooldown)
	e.state = PostAbortCooldown
	e.mu.Unlock()
}
