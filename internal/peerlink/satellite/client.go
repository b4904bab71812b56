package satellite

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/discovery"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/protocol"
	"github.com/girosoft/giro-core/internal/transport"
)

// State of the link to the master.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateSearching      State = "searching"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateBackoff        State = "backoff"
)

const (
	backoffBase = 5 * time.Second
	backoffMax  = 60 * time.Second
)

// backoffDelay is the wait before reconnect attempt n (1-based).
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

const firewallHint = "check that the master terminal is running and that its firewall allows inbound TCP on the network port (on Windows, allow the app through Windows Defender Firewall)"

// Client keeps a single authenticated link to the master and forwards
// requests over it. It reconnects forever with capped exponential backoff.
type Client struct {
	log   *zap.Logger
	cfg   config.Config
	ident identity.Terminal
	disc  *discovery.Service
	bus   *events.Bus

	mu      sync.Mutex
	state   State
	conn    *transport.Conn
	master  string
	attempt int
	cancel  context.CancelFunc
	onEvent func(f protocol.Frame)
}

func New(log *zap.Logger, cfg config.Config, ident identity.Terminal, disc *discovery.Service, bus *events.Bus) *Client {
	return &Client{
		log:   log.Named("peerlink.satellite"),
		cfg:   cfg,
		ident: ident,
		disc:  disc,
		bus:   bus,
		state: StateDisconnected,
	}
}

// OnEvent registers a handler for event frames pushed by the master.
func (c *Client) OnEvent(fn func(f protocol.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Start launches the connect loop.
func (c *Client) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.master = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(nil)
	}
	c.setState(StateDisconnected)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectedMaster reports the host:port of the current master link, or
// "" while the link is down.
func (c *Client) ConnectedMaster() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// Request forwards one request to the master. Fails with unavailable when
// the link is down.
func (c *Client) Request(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return nil, protocol.Errorf(protocol.CodeUnavailable, "master link is %s", state)
	}
	return conn.Request(ctx, action, payload)
}

func (c *Client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		host, port, ok := c.pickMaster()
		if !ok {
			c.setState(StateSearching)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		conn, err := c.connect(ctx, host, port)
		if err != nil {
			delay := c.noteFailure(err, host, port)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.master = net.JoinHostPort(host, strconv.Itoa(port))
		c.mu.Unlock()
		c.setState(StateConnected)
		c.log.Info("connected to master", zap.String("host", host), zap.Int("port", port))

		select {
		case <-conn.Done():
			err := conn.Err()
			if err == nil {
				err = protocol.NewError(protocol.CodeNetwork, "connection closed")
			}
			c.mu.Lock()
			c.conn = nil
			c.master = ""
			c.mu.Unlock()
			delay := c.noteFailure(err, host, port)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			conn.Close(nil)
			return
		}
	}
}

// noteFailure advances the backoff schedule after a failed connect or a
// lost link and announces the retry. A link lost from connected starts
// the schedule over at attempt 1. Returns the wait before redialing.
func (c *Client) noteFailure(err error, host string, port int) time.Duration {
	c.attempt++
	delay := backoffDelay(c.attempt)
	c.log.Warn("master link down",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Int("attempt", c.attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	c.bus.PublishError(err)
	c.setState(StateBackoff)
	c.bus.Publish(events.Event{Kind: events.KindReconnecting, Payload: map[string]any{
		"attempt":  c.attempt,
		"retry_in": delay.Seconds(),
		"error":    err.Error(),
		"hint":     firewallHint,
	}})
	return delay
}

// pickMaster prefers a discovered master, then the configured static
// address as fallback when mdns cannot see one.
func (c *Client) pickMaster() (string, int, bool) {
	if masters := c.disc.Masters(); len(masters) > 0 {
		return masters[0].IP, masters[0].Port, true
	}
	if c.cfg.MasterAddress != "" {
		host, port := splitAddress(c.cfg.MasterAddress, c.cfg.NetworkServerPort)
		return host, port, true
	}
	return "", 0, false
}

func (c *Client) connect(ctx context.Context, host string, port int) (*transport.Conn, error) {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := transport.Dial(dialCtx, host, port, transport.Options{
		Log:       c.log,
		Heartbeat: c.cfg.HeartbeatPeriod,
		OnEvent:   c.dispatchEvent,
	})
	if err != nil {
		return nil, err
	}

	c.setState(StateAuthenticating)
	authCtx, cancelAuth := context.WithTimeout(ctx, 10*time.Second)
	defer cancelAuth()

	wireRole, _ := protocol.WireRole(c.ident.Role)
	_, err = conn.Authenticate(authCtx, protocol.AuthPayload{
		Secret:     c.cfg.MasterSecret,
		TerminalID: c.ident.ID,
		Role:       wireRole,
		Name:       c.ident.Name,
		Version:    c.ident.Version,
	})
	if err != nil {
		conn.Close(err)
		return nil, fmt.Errorf("authenticate with master: %w", err)
	}
	return conn, nil
}

func (c *Client) dispatchEvent(f protocol.Frame) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	if f.Topic == "stock.updated" {
		var payload map[string]any
		_ = json.Unmarshal(f.Payload, &payload)
		c.bus.Publish(events.Event{Kind: events.KindStockUpdated, Payload: payload})
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.bus.Publish(events.Event{Kind: events.KindStateChanged, Payload: string(s)})
}

func splitAddress(addr string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, defaultPort
	}
	return host, port
}
