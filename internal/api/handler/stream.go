package handler

import (
	"sync"
	"time"

	"github.com/slideforge/converter-gateway/internal/relay"
)

// streamConn is one live client connection observing a job's status events.
// Teardown runs exactly once, whether the terminal-status path or the
// client-disconnect path fires first.
type streamConn struct {
	jobID       string
	heartbeat   *time.Ticker
	unsubscribe relay.UnsubscribeFunc
	release     func()

	once sync.Once
}

func newStreamConn(jobID string, heartbeatInterval time.Duration, unsubscribe relay.UnsubscribeFunc, release func()) *streamConn {
	return &streamConn{
		jobID:       jobID,
		heartbeat:   time.NewTicker(heartbeatInterval),
		unsubscribe: unsubscribe,
		release:     release,
	}
}

// teardown detaches the listener, cancels the heartbeat, and releases the
// connection record. Safe to invoke more than once.
func (s *streamConn) teardown() {
	s.once.Do(func() {
		s.heartbeat.Stop()
		s.unsubscribe()
		if s.release != nil {
			s.release()
		}
	})
}

// connRegistry tracks the handler's open stream connections.
type connRegistry struct {
	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		conns: make(map[*streamConn]struct{}),
	}
}

func (r *connRegistry) add(c *streamConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *connRegistry) remove(c *streamConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

func (r *connRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
