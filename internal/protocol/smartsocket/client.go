package smartsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("smartsocket: daemon address required")
	ErrSessionClosed   = errors.New("smartsocket: session closed")
)

// Config defines how sessions reach the daemon.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadBufferSize   int
}

func DefaultConfig() Config {
	return Config{
		Address:          "127.0.0.1:5037",
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		ReadBufferSize:   64 * 1024,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Address) == "" {
		c.Address = def.Address
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	return c
}

// Observer receives bytes pulled off a session by its reader goroutine.
//
// OnData with an empty slice signals EOF and is delivered at most once.
// OnError reports a dial-after or mid-stream I/O failure; it is never
// followed by further calls.
type Observer interface {
	OnData(s *Session, p []byte)
	OnError(s *Session, err error)
}

type Client struct {
	cfg    Config
	nextID atomic.Uint64
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	return &Client{cfg: cfg.WithDefaults()}, nil
}

func (c *Client) Address() string {
	return c.cfg.Address
}

// Open dials the daemon and issues each command in order, waiting for an
// OKAY after every one. The returned session carries raw stream bytes.
func (c *Client) Open(ctx context.Context, commands ...string) (*Session, error) {
	if len(commands) == 0 {
		return nil, ErrEmptyCommand
	}
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("smartsocket: dial %s: %w", c.cfg.Address, err)
	}

	if err := handshake(ctx, conn, commands, c.cfg.HandshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Session{
		id:           c.nextID.Add(1),
		conn:         conn,
		commands:     append([]string(nil), commands...),
		bufSize:      c.cfg.ReadBufferSize,
		writeTimeout: c.cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	log.Debug().
		Uint64("session", s.id).
		Strs("commands", s.commands).
		Msg("upstream session opened")
	return s, nil
}

func handshake(ctx context.Context, conn net.Conn, commands []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	for _, command := range commands {
		if err := WriteCommand(conn, command); err != nil {
			return fmt.Errorf("smartsocket: send %q: %w", command, err)
		}
		if err := ReadStatus(conn, command); err != nil {
			return err
		}
	}
	return nil
}

// Session is one open stream to the daemon.
type Session struct {
	id           uint64
	conn         net.Conn
	commands     []string
	bufSize      int
	writeTimeout time.Duration

	closed     atomic.Bool
	readerOnce sync.Once
	done       chan struct{}
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) Commands() []string {
	return append([]string(nil), s.commands...)
}

func (s *Session) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.Write(p)
}

// Close shuts the connection. Callbacks raised by the resulting read error
// are suppressed. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Done is closed once the reader goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// StartReader launches the background reader. Only the first call has an
// effect.
func (s *Session) StartReader(obs Observer) {
	s.readerOnce.Do(func() {
		go s.readLoop(obs)
	})
}

func (s *Session) readLoop(obs Observer) {
	defer close(s.done)
	buf := make([]byte, s.bufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			if s.closed.Load() {
				return
			}
			obs.OnData(s, p)
		}
		if err == nil {
			continue
		}
		if s.closed.Load() {
			return
		}
		if errors.Is(err, io.EOF) {
			obs.OnData(s, nil)
			return
		}
		obs.OnError(s, err)
		return
	}
}
