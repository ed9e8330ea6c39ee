package transport

import (
	"fmt"
	"net"
	"time"
)

// MulticastConn wraps a UDP multicast group membership, used for the
// routing-table and request datagrams.
type MulticastConn struct {
	conn  *net.UDPConn
	group *net.UDPAddr
}

// JoinMulticast opens a UDP socket bound to port and joins the multicast
// group addr on the given interface (iface may be empty to let the kernel
// pick).
func JoinMulticast(addr string, port int, iface string) (*MulticastConn, error) {
	group, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve multicast group %s:%d: %w", addr, port, err)
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("transport: resolve interface %s: %w", iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("transport: join multicast %s:%d: %w", addr, port, err)
	}

	return &MulticastConn{conn: conn, group: group}, nil
}

// SetReadDeadline bounds the next ReadFrom call, used by receivers that must
// exit after a quiet period rather than block forever.
func (m *MulticastConn) SetReadDeadline(t time.Time) error {
	return m.conn.SetReadDeadline(t)
}

// ReadFrom reads one datagram, bounded by MaxDatagramSize.
func (m *MulticastConn) ReadFrom() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, MaxDatagramSize)
	n, from, err := m.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

// WriteTo sends a datagram to the joined multicast group.
func (m *MulticastConn) WriteTo(b []byte) error {
	_, err := m.conn.WriteToUDP(b, m.group)
	return err
}

// Close leaves the multicast group and closes the socket.
func (m *MulticastConn) Close() error {
	return m.conn.Close()
}

// DialUDP opens a UDP socket connected to addr, used for unicast sends
// (acks, per-rank requests).
func DialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// ListenUDP opens a UDP socket bound to the given local address.
func ListenUDP(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return conn, nil
}

// ListenTCP opens a TCP listener bound to addr, used by the router's token
// ingestion port.
func ListenTCP(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

// DialTCP dials a TCP endpoint, used by builders sending routing tokens.
func DialTCP(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return conn, nil
}
