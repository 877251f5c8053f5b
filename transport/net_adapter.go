package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/bfix/gospel/logger"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"peerbeacon/internal/tunables"
)

// NetAdapter is the only concrete Adapter backend: plain net.UDPConn /
// net.TCPListener / net.TCPConn, with short read/write deadlines
// standing in for true non-blocking I/O. It collapses the split
// between PaketEndpoint and the stream endpoint in transport/endpoint.go
// into a single adapter struct, per the single-backend redesign this
// protocol needs.
type NetAdapter struct {
	// sendLimiter throttles outbound UDP sends (beacons, responses)
	// so a busy roster cannot flood the local send buffer in one
	// tick, the same use of golang.org/x/time/rate seen in other
	// P2P send paths.
	sendLimiter *rate.Limiter
}

// NewNetAdapter creates an adapter allowing up to burst sends
// immediately and ratePerSec steady-state thereafter.
func NewNetAdapter(ratePerSec float64, burst int) *NetAdapter {
	return &NetAdapter{
		sendLimiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// OpenUDP implements Adapter.
func (a *NetAdapter) OpenUDP(localPort int) (UDPEndpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	if err := setBroadcast(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	return &udpEndpoint{conn: conn, limiter: a.sendLimiter}, nil
}

// ListenTCP implements Adapter.
func (a *NetAdapter) ListenTCP(localPort int) (Listener, error) {
	l, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFatal, err)
	}
	return &tcpListener{l: l}, nil
}

// DialTCP implements Adapter.
func (a *NetAdapter) DialTCP(ctx context.Context, destIP string, destPort int, timeout time.Duration) (Conn, error) {
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(destIP, strconv.Itoa(destPort))
	c, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimedOut
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, ErrRefused
		}
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%w: dial returned non-TCP connection", ErrFatal)
	}
	return &tcpConn{conn: tc, remoteIP: hostOf(tc.RemoteAddr())}, nil
}

// ResolveLocalIP implements Adapter.
func (a *NetAdapter) ResolveLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.New("transport: no non-loopback IPv4 address found")
}

// setBroadcast enables SO_BROADCAST on a UDP socket. The standard
// library provides no portable way to set this, so it is reached via
// SyscallConn + golang.org/x/sys/unix, the same pattern used by other
// raw UDP listener/sender implementations.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

//----------------------------------------------------------------------
// UDP endpoint
//----------------------------------------------------------------------

type udpEndpoint struct {
	conn    *net.UDPConn
	limiter *rate.Limiter
}

func (e *udpEndpoint) Send(destIP string, destPort int, b []byte) error {
	if !e.limiter.Allow() {
		return ErrWouldBlock
	}
	dst := &net.UDPAddr{IP: net.ParseIP(destIP), Port: destPort}
	_, err := e.conn.WriteToUDP(b, dst)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrWouldBlock
		}
		// A full outbound buffer surfaces as ENOBUFS on some stacks;
		// treat it as transient back-pressure rather than aborting
		// the caller, per the adapter contract.
		if errors.Is(err, syscall.ENOBUFS) {
			logger.Printf(logger.WARN, "[transport] udp send dropped: %s", err.Error())
			return nil
		}
		return err
	}
	return nil
}

func (e *udpEndpoint) TryRecv() (string, int, []byte, error) {
	buf := make([]byte, tunables.BufferSize)
	e.conn.SetReadDeadline(time.Now().Add(tunables.ShortBound))
	n, src, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", 0, nil, ErrNoData
		}
		return "", 0, nil, err
	}
	return src.IP.String(), src.Port, buf[:n], nil
}

func (e *udpEndpoint) Close() error {
	return e.conn.Close()
}

//----------------------------------------------------------------------
// TCP listener
//----------------------------------------------------------------------

type tcpListener struct {
	l *net.TCPListener
}

func (l *tcpListener) TryAccept() (Conn, error) {
	l.l.SetDeadline(time.Now().Add(tunables.ShortBound))
	c, err := l.l.AcceptTCP()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrNoData
		}
		return nil, err
	}
	return &tcpConn{conn: c, remoteIP: hostOf(c.RemoteAddr())}, nil
}

func (l *tcpListener) Close() error {
	return l.l.Close()
}

//----------------------------------------------------------------------
// TCP connection
//----------------------------------------------------------------------

type tcpConn struct {
	conn     *net.TCPConn
	remoteIP string
}

func (c *tcpConn) Send(b []byte, timeout time.Duration) error {
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	total := 0
	for total < len(b) {
		n, err := c.conn.Write(b[total:])
		total += n
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrTimedOut
			}
			if errors.Is(err, syscall.ECONNRESET) {
				return ErrReset
			}
			return err
		}
	}
	return nil
}

func (c *tcpConn) TryRecv(buf []byte) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(tunables.ShortBound))
	n, err := c.conn.Read(buf)
	if err == nil {
		return n, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, ErrNoData
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return 0, ErrReset
	}
	if errors.Is(err, io.EOF) {
		// peer closed its write side (FIN).
		return n, ErrPeerClosed
	}
	return n, err
}

func (c *tcpConn) CloseGraceful() error {
	if err := c.conn.CloseWrite(); err != nil {
		return err
	}
	return c.conn.Close()
}

func (c *tcpConn) Abort() error {
	c.conn.SetLinger(0)
	return c.conn.Close()
}

func (c *tcpConn) RemoteIP() string {
	return c.remoteIP
}
