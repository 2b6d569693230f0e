// Package transport provides the UDP socket used for presence and
// messaging and the chunked TCP stream used for file data.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lantalk/lantalk-node/pkg/protocol"
)

var (
	ErrTimeout    = errors.New("receive timed out")
	ErrIPv6Sender = errors.New("ipv6 sender rejected")
	ErrNoFreePort = errors.New("no free port in range")
	ErrConnClosed = errors.New("connection closed")
)

const (
	// DefaultReceiveTimeout keeps the receive loop responsive enough to
	// interleave periodic re-announcement.
	DefaultReceiveTimeout = 100 * time.Millisecond

	// maxDatagram covers the largest frame the codec will accept plus
	// header overhead.
	maxDatagram = protocol.MaxContentLen + 512
)

// UDPConn wraps the IPv4 UDP socket bound for protocol traffic.
type UDPConn struct {
	conn *net.UDPConn
	port int
}

// BindWithRetry binds a UDP socket, walking sequential ports starting at
// preferred (the protocol default when preferred <= 0). Exhausting the
// range is a fatal startup error for the caller.
func BindWithRetry(preferred, maxAttempts int) (*UDPConn, error) {
	if preferred <= 0 {
		preferred = protocol.DefaultPort
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := preferred + i
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err == nil {
			return &UDPConn{conn: conn, port: port}, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w %d-%d: %v", ErrNoFreePort, preferred, preferred+maxAttempts-1, lastErr)
}

// Port returns the bound local port.
func (c *UDPConn) Port() int {
	return c.port
}

// Broadcast sends a datagram to the IPv4 limited-broadcast address on the
// bound port. Failures are expected on hosts with virtual adapters (VPN,
// container bridges) and must be tolerated by the caller: unicast
// receive-and-reply still lets discovery converge.
func (c *UDPConn) Broadcast(data []byte) error {
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: c.port}
	_, err := c.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("broadcast failed: %w", err)
	}
	return nil
}

// SendTo sends a datagram to a specific peer address.
func (c *UDPConn) SendTo(data []byte, addr *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("send to %s failed: %w", addr, err)
	}
	return nil
}

// Receive waits up to timeout for one datagram. It returns ErrTimeout when
// nothing arrived so the caller can run periodic work and loop again, and
// ErrIPv6Sender for non-IPv4 sources (the protocol is IPv4-only).
func (c *UDPConn) Receive(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrConnClosed
		}
		return nil, nil, err
	}

	buf := make([]byte, maxDatagram)
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, ErrConnClosed
		}
		return nil, nil, err
	}

	if addr.IP.To4() == nil {
		return nil, nil, ErrIPv6Sender
	}

	return buf[:n], addr, nil
}

// Close closes the socket. In-flight Receive calls return ErrConnClosed.
func (c *UDPConn) Close() error {
	return c.conn.Close()
}
