package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/adbrelay/internal/observability"
	"github.com/danmuck/adbrelay/internal/protocol/frame"
	"github.com/danmuck/adbrelay/internal/protocol/smartsocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed        = errors.New("relay: closed")
	ErrInvalidDevice = errors.New("relay: invalid device")
)

var connIDs atomic.Uint64

// State is the protocol state of one client connection.
type State int32

const (
	StateInitial State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Device identifies the hardware a proxy impersonates.
type Device struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
}

func (d Device) Validate() error {
	serial := strings.TrimSpace(d.Serial)
	if serial == "" {
		return fmt.Errorf("%w: missing serial", ErrInvalidDevice)
	}
	if strings.ContainsAny(serial, ": \t\r\n") {
		return fmt.Errorf("%w: serial %q contains separators", ErrInvalidDevice, serial)
	}
	if strings.ContainsAny(d.Name, ":\r\n") {
		return fmt.Errorf("%w: name %q contains separators", ErrInvalidDevice, d.Name)
	}
	return nil
}

// Banner is the CNXN identity payload sent to clients.
func (d Device) Banner() string {
	return "device:proxied-" + d.Serial + ":" + d.Name
}

// TransportCommand selects this device on the upstream daemon.
func (d Device) TransportCommand() string {
	return "host:transport:" + d.Serial
}

// ConnConfig bounds one client connection.
type ConnConfig struct {
	Version        uint32
	MaxPayload     uint32
	FlowControl    bool
	ReadyTimeout   time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Version:        frame.VersionSkipChecksum,
		MaxPayload:     frame.MaxPayload,
		FlowControl:    false,
		ReadyTimeout:   2 * time.Second,
		WriteTimeout:   15 * time.Second,
		ReadBufferSize: 64 * 1024,
	}
}

// WithDefaults fills zero values from DefaultConnConfig.
func (c ConnConfig) WithDefaults() ConnConfig {
	def := DefaultConnConfig()
	if c.Version == 0 {
		c.Version = def.Version
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	return c
}

// ConnObserver is told when a connection's read loop has ended.
type ConnObserver interface {
	OnConnectionLost(c *Conn)
}

// Conn runs the device side of the protocol for one accepted client.
type Conn struct {
	id       uint64
	device   Device
	cfg      ConnConfig
	upstream *smartsocket.Client
	observer ConnObserver
	nc       net.Conn
	streams  *StreamTable
	logger   zerolog.Logger

	// writeMu must be held while writing to nc; reads belong to Serve.
	writeMu sync.Mutex

	state       atomic.Int32
	version     atomic.Uint32
	maxPayload  atomic.Uint32
	lastLocalID atomic.Uint32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(parent context.Context, nc net.Conn, device Device, cfg ConnConfig, upstream *smartsocket.Client, observer ConnObserver) *Conn {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:       connIDs.Add(1),
		device:   device,
		cfg:      cfg,
		upstream: upstream,
		observer: observer,
		nc:       nc,
		streams:  NewStreamTable(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.logger = log.With().
		Uint64("conn", c.id).
		Str("serial", device.Serial).
		Str("remote", nc.RemoteAddr().String()).
		Logger()
	c.version.Store(frame.VersionMin)
	c.maxPayload.Store(cfg.MaxPayload)
	return c
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) Device() Device {
	return c.device
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Negotiated returns the protocol version and max payload currently in
// effect. Before CNXN these are the pre-handshake defaults.
func (c *Conn) Negotiated() (version uint32, maxPayload uint32) {
	return c.version.Load(), c.maxPayload.Load()
}

func (c *Conn) Streams() *StreamTable {
	return c.streams
}

// Done is closed once Serve has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Serve runs the read loop until the socket fails or the connection is
// closed, then notifies the observer.
func (c *Conn) Serve() {
	defer c.lost()
	go func() {
		<-c.ctx.Done()
		_ = c.nc.Close()
	}()

	c.logger.Info().Msg("client connected")
	dec := frame.NewDecoder(c.inboundLimits())
	buf := make([]byte, c.cfg.ReadBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			c.drain(dec)
		}
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.logger.Warn().Err(err).Msg("client read failed")
			}
			return
		}
	}
}

func (c *Conn) drain(dec *frame.Decoder) {
	for {
		f, ok, err := dec.Next()
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			observability.ProtocolError(protocolErrorReason(err))
			continue
		}
		if !ok {
			return
		}
		c.dispatch(f)
		dec.SetLimits(c.inboundLimits())
	}
}

func protocolErrorReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, frame.ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return "payload_too_large"
	default:
		return "malformed"
	}
}

func (c *Conn) dispatch(f frame.Frame) {
	observability.RecordFrame(observability.DirectionIn, f.Command().String(), len(f.Payload))
	if f.Command() == frame.CmdCnxn {
		c.handleConnect(f)
		return
	}
	if c.State() != StateConnected {
		c.logger.Warn().Stringer("frame", f).Msg("ignoring frame before handshake")
		observability.ProtocolError("not_connected")
		return
	}

	switch f.Command() {
	case frame.CmdOpen:
		c.handleOpen(f)
	case frame.CmdWrte:
		c.handleWrite(f)
	case frame.CmdOkay:
		c.handleOkay(f)
	case frame.CmdClse:
		c.handleClose(f)
	case frame.CmdSync, frame.CmdAuth, frame.CmdStls:
		c.logger.Debug().Stringer("frame", f).Msg("ignoring unsupported command")
	default:
		c.logger.Warn().Stringer("frame", f).Msg("ignoring unknown command")
		observability.ProtocolError("unknown_command")
	}
}

// handleConnect negotiates version and max payload as the componentwise
// minimum of both sides. A repeated CNXN renegotiates.
func (c *Conn) handleConnect(f frame.Frame) {
	if f.Arg0() == 0 || f.Arg1() == 0 {
		c.logger.Warn().Stringer("frame", f).Msg("ignoring handshake with zero version or payload")
		observability.ProtocolError("bad_handshake")
		return
	}
	version := min(c.cfg.Version, f.Arg0())
	maxPayload := min(c.cfg.MaxPayload, f.Arg1())
	c.version.Store(version)
	c.maxPayload.Store(maxPayload)
	prev := State(c.state.Swap(int32(StateConnected)))

	c.logger.Info().
		Str("peer", f.PayloadString()).
		Uint32("version", version).
		Uint32("max_payload", maxPayload).
		Bool("renegotiated", prev == StateConnected).
		Msg("handshake negotiated")
	banner := []byte(c.device.Banner())
	reply := frame.New(frame.CmdCnxn, version, maxPayload, banner)
	// the peer validates this reply under pre-handshake rules, and the banner
	// goes out whole even when it exceeds the negotiated max payload
	_ = c.sendFrame(reply, frame.Limits{
		MaxPayloadBytes: max(maxPayload, uint32(len(banner))),
		Version:         frame.VersionMin,
	})
}

func (c *Conn) handleOpen(f frame.Frame) {
	remoteID := f.Arg0()
	target := f.PayloadString()
	if remoteID == 0 || target == "" {
		c.logger.Warn().Stringer("frame", f).Msg("ignoring open without id or target")
		observability.ProtocolError("bad_open")
		return
	}
	if prev, ok := c.streams.get(remoteID); ok {
		c.logger.Warn().Uint32("remote_id", remoteID).Msg("open reuses live stream id; retiring previous stream")
		c.closeStream(prev, false)
	}

	localID := c.nextLocalID()
	session, err := c.upstream.Open(c.ctx, c.device.TransportCommand(), target)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Uint32("remote_id", remoteID).
			Str("target", target).
			Msg("upstream open failed")
		observability.UpstreamFailure(c.device.Serial, "open")
		_ = c.send(frame.CmdClse, 0, remoteID, nil)
		return
	}

	s := newStream(c, localID, remoteID, target, session)
	c.streams.put(s)
	observability.StreamOpened(c.device.Serial)
	if c.ctx.Err() != nil {
		// Close drained the table while the upstream was dialing.
		c.closeStream(s, false)
		return
	}
	s.markReady()

	c.logger.Debug().
		Uint32("local_id", localID).
		Uint32("remote_id", remoteID).
		Str("target", target).
		Msg("stream opened")
	if err := c.send(frame.CmdOkay, localID, remoteID, nil); err != nil {
		return
	}
	// started after OKAY so no WRTE can overtake it
	session.StartReader(s)
}

func (c *Conn) handleWrite(f frame.Frame) {
	s, ok := c.streams.get(f.Arg0())
	if !ok {
		c.logger.Debug().Uint32("remote_id", f.Arg0()).Msg("write for unknown stream")
		return
	}
	if _, err := s.session.Write(f.Payload); err != nil {
		c.logger.Warn().Err(err).Uint32("remote_id", s.remoteID).Msg("upstream write failed")
		observability.UpstreamFailure(c.device.Serial, "io")
		c.closeStream(s, true)
		return
	}
	_ = c.send(frame.CmdOkay, s.localID, s.remoteID, nil)
}

func (c *Conn) handleOkay(f frame.Frame) {
	s, ok := c.streams.get(f.Arg0())
	if !ok {
		return
	}
	s.markReady()
}

func (c *Conn) handleClose(f frame.Frame) {
	s, ok := c.streams.get(f.Arg0())
	if !ok {
		c.logger.Debug().Uint32("remote_id", f.Arg0()).Msg("close for unknown stream")
		return
	}
	c.closeStream(s, false)
}

// upstreamData forwards session bytes as WRTE frames no larger than the
// negotiated max payload. Empty p is upstream EOF.
func (c *Conn) upstreamData(s *stream, p []byte) {
	if len(p) == 0 {
		c.closeStream(s, true)
		return
	}
	for len(p) > 0 {
		if s.closed.Load() {
			return
		}
		n := min(len(p), int(c.maxPayload.Load()))
		c.awaitReady(s)
		if err := c.send(frame.CmdWrte, s.localID, s.remoteID, p[:n]); err != nil {
			return
		}
		p = p[n:]
	}
}

func (c *Conn) upstreamFailed(s *stream, err error) {
	c.logger.Warn().Err(err).Uint32("remote_id", s.remoteID).Msg("upstream session failed")
	observability.UpstreamFailure(c.device.Serial, "io")
	c.closeStream(s, true)
}

// awaitReady consumes the stream's ready token when flow control is on.
// A timeout proceeds anyway.
func (c *Conn) awaitReady(s *stream) {
	if !c.cfg.FlowControl {
		return
	}
	timer := time.NewTimer(c.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
	case <-timer.C:
		c.logger.Debug().Uint32("remote_id", s.remoteID).Msg("ready wait timed out; sending anyway")
	case <-c.ctx.Done():
	}
}

// closeStream retires s. Only the call that removes s from the table sends
// CLSE (when notify is set), so duplicate closes are no-ops.
func (c *Conn) closeStream(s *stream, notify bool) {
	removed := c.streams.remove(s)
	s.retire()
	if !removed {
		return
	}
	observability.StreamClosed(c.device.Serial)
	c.logger.Debug().
		Uint32("local_id", s.localID).
		Uint32("remote_id", s.remoteID).
		Bool("notify", notify).
		Msg("stream closed")
	if notify {
		_ = c.send(frame.CmdClse, s.localID, s.remoteID, nil)
	}
}

// nextLocalID is 1-based and wraps to 1 before reaching math.MaxUint32.
func (c *Conn) nextLocalID() uint32 {
	for {
		cur := c.lastLocalID.Load()
		next := cur + 1
		if next >= math.MaxUint32 {
			next = 1
		}
		if c.lastLocalID.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (c *Conn) inboundLimits() frame.Limits {
	return frame.Limits{
		MaxPayloadBytes: c.maxPayload.Load(),
		Version:         c.version.Load(),
	}
}

func (c *Conn) send(cmd frame.Command, arg0, arg1 uint32, payload []byte) error {
	return c.sendFrame(frame.New(cmd, arg0, arg1, payload), c.inboundLimits())
}

func (c *Conn) sendFrame(f frame.Frame, limits frame.Limits) error {
	cmd := f.Command()
	raw, err := frame.Encode(f, limits)
	if err != nil {
		c.logger.Error().Err(err).Stringer("command", cmd).Msg("encode failed")
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.nc.Write(raw); err != nil {
		c.logger.Warn().Err(err).Stringer("command", cmd).Msg("client write failed")
		go c.Close()
		return err
	}
	observability.RecordFrame(observability.DirectionOut, cmd.String(), len(f.Payload))
	return nil
}

// Close cancels the connection, closes the socket and every open stream.
// Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.nc.Close()
		for _, s := range c.streams.drain() {
			if s.retire() {
				observability.StreamClosed(c.device.Serial)
			}
		}
	})
	return err
}

func (c *Conn) lost() {
	_ = c.Close()
	close(c.done)
	c.logger.Info().Msg("client disconnected")
	if c.observer != nil {
		c.observer.OnConnectionLost(c)
	}
}

// ConnInfo is a read-only snapshot of one connection.
type ConnInfo struct {
	ID         uint64       `json:"id"`
	RemoteAddr string       `json:"remote_addr"`
	State      string       `json:"state"`
	Version    uint32       `json:"version"`
	MaxPayload uint32       `json:"max_payload"`
	Streams    []StreamInfo `json:"streams"`
}

func (c *Conn) Info() ConnInfo {
	version, maxPayload := c.Negotiated()
	return ConnInfo{
		ID:         c.id,
		RemoteAddr: c.nc.RemoteAddr().String(),
		State:      c.State().String(),
		Version:    version,
		MaxPayload: maxPayload,
		Streams:    c.streams.Snapshot(),
	}
}
