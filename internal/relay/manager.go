package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/adbrelay/internal/observability"
	"github.com/danmuck/adbrelay/internal/protocol/smartsocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeviceExists       = errors.New("relay: device already registered")
	ErrDeviceNotFound     = errors.New("relay: device not found")
	ErrPortRangeExhausted = errors.New("relay: no bindable port in range")
)

// ManagerConfig is the process-wide relay configuration.
type ManagerConfig struct {
	ListenHost    string
	AdvertiseHost string
	BasePort      int
	MaxPort       int
	Conn          ConnConfig
}

// Manager owns one Proxy per registered device.
type Manager struct {
	cfg      ManagerConfig
	ports    *PortAllocator
	upstream *smartsocket.Client

	ctx    context.Context
	cancel context.CancelFunc

	// regMu serializes Register/Unregister so port probing is not raced.
	regMu   sync.Mutex
	mu      sync.RWMutex
	proxies map[string]*Proxy
	closed  bool
}

func NewManager(ctx context.Context, cfg ManagerConfig, upstream *smartsocket.Client) (*Manager, error) {
	ports, err := NewPortAllocator(cfg.BasePort, cfg.MaxPort)
	if err != nil {
		return nil, err
	}
	if upstream == nil {
		return nil, smartsocket.ErrAddressRequired
	}
	observability.RegisterMetrics()
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:      cfg,
		ports:    ports,
		upstream: upstream,
		ctx:      ctx,
		cancel:   cancel,
		proxies:  make(map[string]*Proxy),
	}, nil
}

// Register starts a proxy for device on the next bindable port. Ports that
// fail to bind are skipped, for at most one full cycle of the range.
func (m *Manager) Register(device Device) (ProxyInfo, error) {
	device.Serial = strings.TrimSpace(device.Serial)
	if err := device.Validate(); err != nil {
		return ProxyInfo{}, err
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	_, exists := m.proxies[device.Serial]
	m.mu.RUnlock()
	if closed {
		return ProxyInfo{}, ErrClosed
	}
	if exists {
		return ProxyInfo{}, fmt.Errorf("%w: %s", ErrDeviceExists, device.Serial)
	}

	var lastErr error
	for attempt := 0; attempt < m.ports.Size(); attempt++ {
		port := m.ports.Next()
		if m.portInUse(port) {
			continue
		}
		p, err := NewProxy(ProxyConfig{
			Device:        device,
			ListenAddr:    net.JoinHostPort(m.cfg.ListenHost, strconv.Itoa(port)),
			AdvertiseHost: m.cfg.AdvertiseHost,
			Conn:          m.cfg.Conn,
		}, m.upstream)
		if err != nil {
			return ProxyInfo{}, err
		}
		if err := p.Start(m.ctx); err != nil {
			lastErr = err
			log.Debug().Err(err).Int("port", port).Msg("port unavailable, trying next")
			continue
		}

		m.mu.Lock()
		m.proxies[device.Serial] = p
		m.mu.Unlock()
		log.Info().
			Str("serial", device.Serial).
			Str("name", device.Name).
			Str("address", p.Address()).
			Msg("device registered")
		return p.Info(), nil
	}
	if lastErr != nil {
		return ProxyInfo{}, fmt.Errorf("%w: %w", ErrPortRangeExhausted, lastErr)
	}
	return ProxyInfo{}, ErrPortRangeExhausted
}

func (m *Manager) portInUse(port int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proxies {
		if p.Port() == port {
			return true
		}
	}
	return false
}

// Unregister stops the device's proxy and closes all of its connections.
func (m *Manager) Unregister(serial string) error {
	serial = strings.TrimSpace(serial)
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.mu.Lock()
	p, ok := m.proxies[serial]
	delete(m.proxies, serial)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	err := p.Close()
	p.Wait()
	observability.ForgetDevice(serial)
	log.Info().Str("serial", serial).Msg("device unregistered")
	return err
}

func (m *Manager) Get(serial string) (ProxyInfo, bool) {
	m.mu.RLock()
	p, ok := m.proxies[strings.TrimSpace(serial)]
	m.mu.RUnlock()
	if !ok {
		return ProxyInfo{}, false
	}
	return p.Info(), true
}

func (m *Manager) List() []ProxyInfo {
	m.mu.RLock()
	proxies := make([]*Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		proxies = append(proxies, p)
	}
	m.mu.RUnlock()

	out := make([]ProxyInfo, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Serial < out[j].Serial
	})
	return out
}

// Close disposes every proxy. Register fails afterwards.
func (m *Manager) Close() error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.mu.Lock()
	m.closed = true
	proxies := m.proxies
	m.proxies = make(map[string]*Proxy)
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for serial, p := range proxies {
		if err := p.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", serial, err))
		}
		p.Wait()
	}
	return errors.Join(errs...)
}
