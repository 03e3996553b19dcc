package link

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gholt/bob"
	"github.com/gholt/bob/pearl"
)

// Manager owns one lazy connection per peer Node (spec.md §4.9),
// reconnecting with exponential backoff and periodically pinging to
// detect and clear Unreachable state.
type Manager struct {
	transport Transport
	log       pearl.LogFunc

	pingInterval      time.Duration
	consecutiveToMark int

	mu    sync.Mutex
	peers map[bob.NodeName]*peer
}

type peer struct {
	mu            sync.Mutex
	conn          Conn
	unreachable   bool
	failStreak    int
	backoffPolicy backoff.BackOff
}

// NewManager constructs a Manager. pingInterval is how often Run pings
// idle peers; consecutiveFailuresToMark is how many consecutive
// connect/ping failures mark a node Unreachable (spec.md §4.9).
func NewManager(t Transport, pingInterval time.Duration, consecutiveFailuresToMark int, log pearl.LogFunc) *Manager {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	if consecutiveFailuresToMark <= 0 {
		consecutiveFailuresToMark = 1
	}
	return &Manager{
		transport: t, log: log,
		pingInterval:      pingInterval,
		consecutiveToMark: consecutiveFailuresToMark,
		peers:             make(map[bob.NodeName]*peer),
	}
}

// newBackoff builds the reconnect policy spec.md §4.9 mandates: 50ms
// initial interval, 10s cap, doubling on each failure.
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // retry forever; the coordinator applies its own deadline
	b.Reset()            // restart from the 50ms InitialInterval set above
	return b
}

func (m *Manager) peerFor(node bob.NodeName) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[node]
	if !ok {
		p = &peer{backoffPolicy: newBackoff()}
		m.peers[node] = p
	}
	return p
}

// Conn returns the lazily-established connection to node, dialing at
// once if none exists yet. Conn does not wait on the backoff policy
// between dial attempts; it only resets that policy after a successful
// dial. A failed dial surfaces as ErrNoActiveConnection, which the
// coordinator treats identically to an RPC error (spec.md §4.9).
func (m *Manager) Conn(ctx context.Context, node bob.NodeName) (Conn, error) {
	p := m.peerFor(node)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := m.transport.Dial(ctx, node)
	if err != nil {
		p.failStreak++
		if p.failStreak >= m.consecutiveToMark {
			if !p.unreachable {
				m.log("link: node %s marked unreachable: %s\n", node, err)
			}
			p.unreachable = true
		}
		return nil, ErrNoActiveConnection
	}
	p.conn = conn
	p.failStreak = 0
	p.unreachable = false
	p.backoffPolicy = newBackoff()
	return conn, nil
}

// Invalidate drops a peer's cached connection after a failed call so
// the next Conn call redials. Neither Conn nor the Run loop waits out
// NextBackoff before that redial.
func (m *Manager) Invalidate(node bob.NodeName) {
	p := m.peerFor(node)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Unreachable reports whether node is currently considered unreachable,
// affecting the coordinator's fast-fail routing decisions (spec.md
// §4.9).
func (m *Manager) Unreachable(node bob.NodeName) bool {
	p := m.peerFor(node)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreachable
}

// NextBackoff returns how long to wait before the next reconnect
// attempt to node, advancing the peer's backoff state.
func (m *Manager) NextBackoff(node bob.NodeName) time.Duration {
	p := m.peerFor(node)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoffPolicy.NextBackOff()
}

// Ping sends a liveness probe to node, marking it reachable on success
// and counting the failure toward Unreachable on error.
func (m *Manager) Ping(ctx context.Context, node bob.NodeName) error {
	conn, err := m.Conn(ctx, node)
	if err != nil {
		return err
	}
	if err := m.transport.Ping(ctx, conn); err != nil {
		m.Invalidate(node)
		p := m.peerFor(node)
		p.mu.Lock()
		p.failStreak++
		if p.failStreak >= m.consecutiveToMark {
			p.unreachable = true
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// Run pings every known peer once per pingInterval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	if m.pingInterval <= 0 {
		return
	}
	t := time.NewTicker(m.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			nodes := make([]bob.NodeName, 0, len(m.peers))
			for n := range m.peers {
				nodes = append(nodes, n)
			}
			m.mu.Unlock()
			for _, n := range nodes {
				m.Ping(ctx, n)
			}
		}
	}
}

// Close closes every live connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, p := range m.peers {
		p.mu.Lock()
		if p.conn != nil {
			if err := p.conn.Close(); err != nil && first == nil {
				first = err
			}
			p.conn = nil
		}
		p.mu.Unlock()
	}
	return first
}

// noActiveConnectionError is returned when a peer has no live
// connection and dialing fails (spec.md §4.9 NoActiveConnection).
type noActiveConnectionError struct{}

func (noActiveConnectionError) Error() string { return "no active connection to peer" }

// ErrNoActiveConnection is returned by Conn/Ping when the peer cannot
// be reached.
var ErrNoActiveConnection error = noActiveConnectionError{}
