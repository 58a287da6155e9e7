package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/adbrelay/internal/protocol/smartsocket"
)

// stream is one logical stream multiplexed over a client connection.
type stream struct {
	localID  uint32
	remoteID uint32
	target   string
	session  *smartsocket.Session
	conn     *Conn
	opened   time.Time

	closed atomic.Bool
	// ready holds at most one flow-control token.
	ready chan struct{}
}

func newStream(c *Conn, localID, remoteID uint32, target string, session *smartsocket.Session) *stream {
	return &stream{
		localID:  localID,
		remoteID: remoteID,
		target:   target,
		session:  session,
		conn:     c,
		opened:   time.Now(),
		ready:    make(chan struct{}, 1),
	}
}

func (s *stream) markReady() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// retire flips the stream to closed and releases its session. It reports
// whether this call did the work.
func (s *stream) retire() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	if s.session != nil {
		_ = s.session.Close()
	}
	return true
}

func (s *stream) OnData(_ *smartsocket.Session, p []byte) {
	s.conn.upstreamData(s, p)
}

func (s *stream) OnError(_ *smartsocket.Session, err error) {
	s.conn.upstreamFailed(s, err)
}

// StreamInfo is a read-only snapshot of one stream.
type StreamInfo struct {
	LocalID  uint32    `json:"local_id"`
	RemoteID uint32    `json:"remote_id"`
	Target   string    `json:"target"`
	Opened   time.Time `json:"opened"`
}

// StreamTable maps client (remote) stream ids to open streams.
type StreamTable struct {
	mu      sync.RWMutex
	streams map[uint32]*stream
}

func NewStreamTable() *StreamTable {
	return &StreamTable{
		streams: make(map[uint32]*stream),
	}
}

func (t *StreamTable) get(remoteID uint32) (*stream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[remoteID]
	return s, ok
}

func (t *StreamTable) put(s *stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[s.remoteID] = s
}

// remove deletes remoteID only while it still maps to s, so a late
// callback from a retired stream cannot evict its successor.
func (t *StreamTable) remove(s *stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.streams[s.remoteID]
	if !ok || cur != s {
		return false
	}
	delete(t.streams, s.remoteID)
	return true
}

// drain empties the table and returns what it held.
func (t *StreamTable) drain() []*stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*stream, 0, len(t.streams))
	for id, s := range t.streams {
		out = append(out, s)
		delete(t.streams, id)
	}
	return out
}

func (t *StreamTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}

func (t *StreamTable) Contains(remoteID uint32) bool {
	_, ok := t.get(remoteID)
	return ok
}

func (t *StreamTable) Snapshot() []StreamInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StreamInfo, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, StreamInfo{
			LocalID:  s.localID,
			RemoteID: s.remoteID,
			Target:   s.target,
			Opened:   s.opened,
		})
	}
	return out
}
