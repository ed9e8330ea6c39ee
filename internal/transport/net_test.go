package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/daqfabric/internal/xerror"
)

func Test_DialListenUDPRoundTrip(t *testing.T) {
	ln, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn, err := DialUDP(ln.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	want := xerror.Unwrap(net.ResolveUDPAddr("udp", "127.0.0.1:0"))
	assert.Equal(t, want.IP.String(), conn.RemoteAddr().(*net.UDPAddr).IP.String())

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, _, err := ln.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func Test_ListenTCPDialTCPRoundTrip(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := DialTCP(ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func Test_DialUDPRejectsUnresolvableAddr(t *testing.T) {
	_, err := DialUDP("not-an-address")
	assert.Error(t, err)
}
