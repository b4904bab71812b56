package master

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/protocol"
	"github.com/girosoft/giro-core/internal/transport"
)

// Peer is one authenticated client connection, either another terminal or
// a mobile device.
type Peer struct {
	TerminalID  string
	Role        string
	Name        string
	Version     string
	SessionID   string
	ConnectedAt time.Time

	mu   sync.Mutex
	conn *transport.Conn
}

func (p *Peer) Conn() *transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// BindSession attaches a login session to the connection.
func (p *Peer) BindSession(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SessionID = id
}

func (p *Peer) HasSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SessionID != ""
}

// Registry tracks live connections keyed by terminal id. A terminal
// reconnecting supersedes its previous connection.
type Registry struct {
	log *zap.Logger
	max int

	mu    sync.Mutex
	peers map[string]*Peer
}

func NewRegistry(log *zap.Logger, max int) *Registry {
	return &Registry{
		log:   log.Named("peerlink.registry"),
		max:   max,
		peers: make(map[string]*Peer),
	}
}

// Add registers a peer. A previous connection for the same terminal is
// closed as superseded so at most one live connection exists per terminal.
func (r *Registry) Add(p *Peer) error {
	r.mu.Lock()
	old, exists := r.peers[p.TerminalID]
	if !exists && len(r.peers) >= r.max {
		r.mu.Unlock()
		return protocol.Errorf(protocol.CodeResourceExhausted, "connection limit %d reached", r.max)
	}
	r.peers[p.TerminalID] = p
	r.mu.Unlock()

	if exists {
		r.log.Info("connection superseded",
			zap.String("terminal_id", p.TerminalID),
			zap.String("old_addr", old.Conn().RemoteAddr()))
		old.Conn().Close(protocol.NewError(protocol.CodeSuperseded, "superseded by newer connection"))
	}
	return nil
}

// Remove drops the peer, but only if it is still the registered connection
// for that terminal. A superseded connection closing later must not evict
// its replacement.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.peers[p.TerminalID]; ok && current == p {
		delete(r.peers, p.TerminalID)
	}
}

func (r *Registry) Get(terminalID string) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[terminalID]
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) List() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast sends an event to every peer whose role is in roles. Empty
// roles means everyone. Failed sends are logged, not fatal.
func (r *Registry) Broadcast(topic string, payload any, roles ...string) {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	for _, p := range r.List() {
		if len(allowed) > 0 && !allowed[p.Role] {
			continue
		}
		if err := p.Conn().SendEvent(topic, payload); err != nil {
			r.log.Warn("broadcast dropped",
				zap.String("terminal_id", p.TerminalID),
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}
