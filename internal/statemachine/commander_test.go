package statemachine

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, ln net.Listener) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewScanner(conn)
}

func Test_CommanderDrivesLifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, ln, m, nil)
	time.Sleep(10 * time.Millisecond)

	conn, scanner := dial(t, ln)

	send := func(line string) string {
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		require.True(t, scanner.Scan())
		return scanner.Text()
	}

	assert.Equal(t, "OK", send("initialize"))
	assert.Equal(t, "OK", send("start 42"))
	assert.Equal(t, "Running", send("report state"))
	assert.Equal(t, "OK", send("pause"))
	assert.Equal(t, "OK", send("resume"))
	assert.Equal(t, "OK", send("stop"))
	assert.Equal(t, "Ready", send("report state"))
}

func Test_CommanderRejectsInvalidCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, ln, m, nil)
	time.Sleep(10 * time.Millisecond)

	conn, scanner := dial(t, ln)
	_, err = conn.Write([]byte("bogus\n"))
	require.NoError(t, err)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), "ERR")
}
