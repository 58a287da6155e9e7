// Package adbdtest runs a loopback stand-in for the ADB server's smart
// socket endpoint.
package adbdtest

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Conn is one daemon-side stream that completed its command exchange.
type Conn struct {
	net.Conn
	Commands []string
}

type Daemon struct {
	ln       net.Listener
	sessions chan *Conn

	mu     sync.Mutex
	failOn map[string]string
	conns  []net.Conn
}

// Start listens on loopback and registers cleanup with t.
func Start(t testing.TB) *Daemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping daemon-backed test in restricted environment: %v", err)
	}
	d := &Daemon{
		ln:       ln,
		sessions: make(chan *Conn, 64),
		failOn:   make(map[string]string),
	}
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

func (d *Daemon) Addr() string {
	return d.ln.Addr().String()
}

// FailCommand makes the daemon answer command with FAIL and msg.
func (d *Daemon) FailCommand(command, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOn[command] = msg
}

// Next waits for the next stream that reached raw mode.
func (d *Daemon) Next(t testing.TB, timeout time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-d.sessions:
		return c
	case <-time.After(timeout):
		t.Fatalf("adbdtest: no upstream session within %s", timeout)
		return nil
	}
}

// ExpectNone fails t if a stream reaches raw mode within wait.
func (d *Daemon) ExpectNone(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case c := <-d.sessions:
		t.Fatalf("adbdtest: unexpected upstream session %v", c.Commands)
	case <-time.After(wait):
	}
}

func (d *Daemon) Close() {
	_ = d.ln.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.Close()
	}
	d.conns = nil
}

func (d *Daemon) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.handle(conn)
	}
}

func (d *Daemon) handle(conn net.Conn) {
	var commands []string
	for {
		command, err := readCommand(conn)
		if err != nil {
			_ = conn.Close()
			return
		}
		commands = append(commands, command)

		d.mu.Lock()
		msg, fail := d.failOn[command]
		d.mu.Unlock()
		if fail {
			_, _ = fmt.Fprintf(conn, "FAIL%04x%s", len(msg), msg)
			_ = conn.Close()
			return
		}
		if _, err := io.WriteString(conn, "OKAY"); err != nil {
			_ = conn.Close()
			return
		}
		if !strings.HasPrefix(command, "host:transport") {
			d.sessions <- &Conn{Conn: conn, Commands: commands}
			return
		}
	}
}

func readCommand(r io.Reader) (string, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(prefix[:]), 16, 16)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
