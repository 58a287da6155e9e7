package relay

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/adbrelay/internal/observability"
	"github.com/danmuck/adbrelay/internal/protocol/smartsocket"
	"github.com/rs/zerolog/log"
)

// ProxyConfig describes one device listener.
type ProxyConfig struct {
	Device Device
	// ListenAddr is host:port; port 0 picks an ephemeral port.
	ListenAddr string
	// AdvertiseHost is the host clients are told to dial.
	AdvertiseHost string
	Conn          ConnConfig
}

// Proxy is one impersonated device: a listener plus its live connections.
type Proxy struct {
	cfg      ProxyConfig
	upstream *smartsocket.Client

	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	wg      sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	conns     map[*Conn]struct{}
	closeOnce sync.Once
}

func NewProxy(cfg ProxyConfig, upstream *smartsocket.Client) (*Proxy, error) {
	if err := cfg.Device.Validate(); err != nil {
		return nil, err
	}
	if upstream == nil {
		return nil, smartsocket.ErrAddressRequired
	}
	return &Proxy{
		cfg:      cfg,
		upstream: upstream,
		conns:    make(map[*Conn]struct{}),
	}, nil
}

// Start binds the listener and accepts in the background until ctx is
// cancelled or Close is called.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	p.ln = ln
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = time.Now()
	p.mu.Unlock()

	log.Info().
		Str("serial", p.cfg.Device.Serial).
		Str("name", p.cfg.Device.Name).
		Str("listen", ln.Addr().String()).
		Msg("device proxy listening")

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.acceptLoop()
	}()
	go func() {
		defer p.wg.Done()
		<-p.ctx.Done()
		_ = p.Close()
	}()
	return nil
}

func (p *Proxy) acceptLoop() {
	attempt := 0
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				attempt++
				delay := acceptBackoff.delay(attempt)
				log.Warn().Err(err).Dur("retry_in", delay).Str("serial", p.cfg.Device.Serial).Msg("accept failed temporarily")
				select {
				case <-time.After(delay):
				case <-p.ctx.Done():
					return
				}
				continue
			}
			log.Error().Err(err).Str("serial", p.cfg.Device.Serial).Msg("accept failed")
			return
		}
		attempt = 0

		c := NewConn(p.ctx, nc, p.cfg.Device, p.cfg.Conn, p.upstream, p)
		if !p.track(c) {
			_ = c.Close()
			continue
		}
		observability.ConnectionOpened(p.cfg.Device.Serial)
		go c.Serve()
	}
}

func (p *Proxy) track(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

// OnConnectionLost removes c from the registry and disposes it. Repeated
// notifications for the same connection are ignored.
func (p *Proxy) OnConnectionLost(c *Conn) {
	p.mu.Lock()
	_, ok := p.conns[c]
	delete(p.conns, c)
	p.mu.Unlock()
	if !ok {
		return
	}
	_ = c.Close()
	observability.ConnectionClosed(p.cfg.Device.Serial)
}

// Close stops listening and disposes every live connection.
func (p *Proxy) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		ln := p.ln
		cancel := p.cancel
		conns := make([]*Conn, 0, len(p.conns))
		for c := range p.conns {
			conns = append(conns, c)
		}
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if ln != nil {
			err = ln.Close()
		}
		for _, c := range conns {
			p.OnConnectionLost(c)
		}
		log.Info().Str("serial", p.cfg.Device.Serial).Msg("device proxy stopped")
	})
	return err
}

// Wait blocks until the accept loop has exited after Close.
func (p *Proxy) Wait() {
	p.wg.Wait()
}

func (p *Proxy) Device() Device {
	return p.cfg.Device
}

// Port is the bound port, or 0 before Start.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return 0
	}
	if addr, ok := p.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Address is the host:port clients should connect to.
func (p *Proxy) Address() string {
	host := p.cfg.AdvertiseHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port()))
}

func (p *Proxy) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.conns))
	for c := range p.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

// ProxyInfo is a read-only snapshot of one proxy.
type ProxyInfo struct {
	Serial      string     `json:"serial"`
	Name        string     `json:"name"`
	Port        int        `json:"port"`
	Address     string     `json:"address"`
	Started     time.Time  `json:"started"`
	Connections []ConnInfo `json:"connections"`
}

func (p *Proxy) Info() ProxyInfo {
	conns := p.Conns()
	infos := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	return ProxyInfo{
		Serial:      p.cfg.Device.Serial,
		Name:        p.cfg.Device.Name,
		Port:        p.Port(),
		Address:     p.Address(),
		Started:     started,
		Connections: infos,
	}
}
