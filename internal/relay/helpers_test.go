package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/adbrelay/internal/protocol/frame"
	"github.com/danmuck/adbrelay/internal/protocol/smartsocket"
	"github.com/danmuck/adbrelay/internal/testutil/adbdtest"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// testClient plays the ADB host side of a client connection.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	limits frame.Limits
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, waitTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{
		t:      t,
		conn:   conn,
		limits: frame.Limits{MaxPayloadBytes: frame.MaxPayload, Version: frame.VersionMin},
	}
}

func (c *testClient) send(cmd frame.Command, arg0, arg1 uint32, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, frame.WriteFrame(c.conn, frame.New(cmd, arg0, arg1, payload), c.limits))
}

func (c *testClient) read() frame.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	f, err := frame.ReadFrame(c.conn, c.limits)
	require.NoError(c.t, err)
	return f
}

func (c *testClient) expectFrame(cmd frame.Command, arg0, arg1 uint32) frame.Frame {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, cmd, f.Command(), "got %s", f)
	require.Equal(c.t, arg0, f.Arg0(), "arg0 of %s", f)
	require.Equal(c.t, arg1, f.Arg1(), "arg1 of %s", f)
	return f
}

// expectSilence asserts nothing arrives within wait.
func (c *testClient) expectSilence(wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	f, err := frame.ReadFrame(c.conn, c.limits)
	if err == nil {
		c.t.Fatalf("unexpected frame %s", f)
	}
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "expected timeout, got %v", err)
}

// expectClosed asserts the proxy closes the socket.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	require.Error(c.t, err)
	var ne net.Error
	require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "socket still open")
}

// handshake sends CNXN and adopts the negotiated limits from the reply.
func (c *testClient) handshake(version, maxPayload uint32) frame.Frame {
	c.t.Helper()
	c.send(frame.CmdCnxn, version, maxPayload, []byte("host::\x00"))
	f := c.read()
	require.Equal(c.t, frame.CmdCnxn, f.Command())
	c.limits = frame.Limits{MaxPayloadBytes: f.Arg1(), Version: f.Arg0()}
	return f
}

type fixture struct {
	daemon *adbdtest.Daemon
	proxy  *Proxy
	device Device
}

func startFixture(t *testing.T, cfg ConnConfig) *fixture {
	t.Helper()
	daemon := adbdtest.Start(t)
	upstream, err := smartsocket.NewClient(smartsocket.Config{Address: daemon.Addr()})
	require.NoError(t, err)

	device := Device{Serial: "ABC123", Name: "MyDevice"}
	p, err := NewProxy(ProxyConfig{
		Device:     device,
		ListenAddr: "127.0.0.1:0",
		Conn:       cfg,
	}, upstream)
	require.NoError(t, err)
	if err := p.Start(context.Background()); err != nil {
		t.Skipf("skipping proxy-listener test in restricted environment: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Close()
		p.Wait()
	})
	return &fixture{daemon: daemon, proxy: p, device: device}
}

func (f *fixture) dial(t *testing.T) *testClient {
	t.Helper()
	return dialClient(t, f.proxy.Address())
}

// onlyConn waits for the proxy to track exactly one connection.
func (f *fixture) onlyConn(t *testing.T) *Conn {
	t.Helper()
	var conns []*Conn
	require.Eventually(t, func() bool {
		conns = f.proxy.Conns()
		return len(conns) == 1
	}, waitTimeout, 10*time.Millisecond)
	return conns[0]
}

// openStream completes OPEN for remoteID and returns the daemon side.
func (f *fixture) openStream(t *testing.T, c *testClient, remoteID uint32, target string) (*adbdtest.Conn, uint32) {
	t.Helper()
	c.send(frame.CmdOpen, remoteID, 0, []byte(target+"\x00"))
	up := f.daemon.Next(t, waitTimeout)
	okay := c.read()
	require.Equal(t, frame.CmdOkay, okay.Command(), "got %s", okay)
	require.Equal(t, remoteID, okay.Arg1())
	return up, okay.Arg0()
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping listener test in restricted environment: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func dialClientErr(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
	}
	return conn, err
}

func startDaemonClient(t *testing.T) *smartsocket.Client {
	t.Helper()
	daemon := adbdtest.Start(t)
	client, err := smartsocket.NewClient(smartsocket.Config{Address: daemon.Addr()})
	require.NoError(t, err)
	return client
}
