package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/protocol"
)

const sendQueueSize = 256

// Options configures a Conn. Callbacks run on the read loop goroutine
// except OnRequest, which gets its own goroutine per frame.
type Options struct {
	Log       *zap.Logger
	Clock     clock.Clock
	Heartbeat time.Duration

	// OnAuth handles inbound auth frames. Server conns set it; on client
	// conns an inbound auth frame is a protocol violation.
	OnAuth func(c *Conn, f protocol.Frame)
	// OnRequest handles inbound request frames and returns the response
	// data or a coded error.
	OnRequest func(ctx context.Context, f protocol.Frame) (any, *protocol.Error)
	// OnEvent handles inbound event frames.
	OnEvent func(f protocol.Frame)
	// OnClose runs once when the connection dies, with the cause.
	OnClose func(err error)
}

// Conn is a framed connection over a WebSocket. One goroutine reads, one
// writes; requests correlate to responses by frame ID. Either side sends a
// heartbeat after a quiet period and declares the peer dead after two.
type Conn struct {
	ws   *websocket.Conn
	log  *zap.Logger
	clk  clock.Clock
	opts Options

	sendCh chan protocol.Frame
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan protocol.Frame
	lastRecv time.Time
	lastSend time.Time

	// serializes writes between the write loop and SendSync
	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn wraps ws and starts the read, write and heartbeat loops.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 20 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := opts.Clock.Now()
	c := &Conn{
		ws:       ws,
		log:      opts.Log,
		clk:      opts.Clock,
		opts:     opts,
		sendCh:   make(chan protocol.Frame, sendQueueSize),
		pending:  make(map[int64]chan protocol.Frame),
		lastRecv: now,
		lastSend: now,
		closed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
	return c
}

// Send enqueues a frame. It fails fast with resource_exhausted when the
// peer stops draining instead of blocking the caller.
func (c *Conn) Send(f protocol.Frame) error {
	select {
	case <-c.closed:
		return protocol.WrapError(protocol.CodeNetwork, "connection closed", c.closeErr)
	default:
	}
	select {
	case c.sendCh <- f:
		return nil
	default:
		return protocol.NewError(protocol.CodeResourceExhausted, "send queue full")
	}
}

// SendSync writes a frame immediately, bypassing the queue. Used where
// the frame must reach the wire before the connection is torn down.
func (c *Conn) SendSync(f protocol.Frame) error {
	select {
	case <-c.closed:
		return protocol.WrapError(protocol.CodeNetwork, "connection closed", c.closeErr)
	default:
	}
	c.wmu.Lock()
	err := c.ws.WriteJSON(f)
	c.wmu.Unlock()
	if err != nil {
		return protocol.WrapError(protocol.CodeNetwork, "write failed", err)
	}
	c.mu.Lock()
	c.lastSend = c.clk.Now()
	c.mu.Unlock()
	return nil
}

// SendEvent enqueues an event frame for topic.
func (c *Conn) SendEvent(topic string, payload any) error {
	f, err := protocol.NewEvent(topic, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Request sends a request frame and waits for the matching response. The
// context bounds the wait; a closed connection fails all waiters with
// cancelled.
func (c *Conn) Request(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	f, err := protocol.NewRequest(c.nextID.Add(1), action, payload)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, f)
}

// Authenticate sends an auth frame and waits for the auth_response.
func (c *Conn) Authenticate(ctx context.Context, auth protocol.AuthPayload) (protocol.AuthResult, error) {
	raw, err := json.Marshal(auth)
	if err != nil {
		return protocol.AuthResult{}, protocol.WrapError(protocol.CodeInternal, "marshal auth", err)
	}
	f := protocol.Frame{Type: protocol.TypeAuth, ID: c.nextID.Add(1), Payload: raw}
	data, err := c.roundTrip(ctx, f)
	if err != nil {
		return protocol.AuthResult{}, err
	}
	var res protocol.AuthResult
	if err := json.Unmarshal(data, &res); err != nil {
		return protocol.AuthResult{}, protocol.WrapError(protocol.CodeInvalidPayload, "decode auth response", err)
	}
	return res, nil
}

func (c *Conn) roundTrip(ctx context.Context, f protocol.Frame) (json.RawMessage, error) {
	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(f); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if e := resp.Err(); e != nil {
			return nil, e
		}
		return resp.Data, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, protocol.Errorf(protocol.CodeTimeout, "no response for %s", f.Action)
		}
		return nil, protocol.NewError(protocol.CodeCancelled, "request cancelled")
	case <-c.closed:
		// A response delivered just before the close wins over the close.
		select {
		case resp := <-ch:
			if e := resp.Err(); e != nil {
				return nil, e
			}
			return resp.Data, nil
		default:
		}
		return nil, protocol.WrapError(protocol.CodeCancelled, "connection closed", c.closeErr)
	}
}

// Respond sends a success response for the request frame id.
func (c *Conn) Respond(id int64, data any) error {
	f, err := protocol.NewResponse(id, data)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends a failure response for the request frame id.
func (c *Conn) RespondError(id int64, perr *protocol.Error) error {
	return c.Send(protocol.NewErrorResponse(id, perr))
}

// Close tears the connection down once. cause is reported to waiters and
// the OnClose callback; nil means a deliberate local close.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		c.cancel()
		_ = c.ws.Close()
		if c.opts.OnClose != nil {
			c.opts.OnClose(cause)
		}
	})
}

// Done is closed when the connection dies.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err reports why the connection closed.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *Conn) readLoop() {
	defer c.Close(protocol.NewError(protocol.CodeNetwork, "read loop exited"))

	for {
		var f protocol.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.Close(protocol.WrapError(protocol.CodeNetwork, "read failed", err))
			return
		}

		c.mu.Lock()
		c.lastRecv = c.clk.Now()
		c.mu.Unlock()

		switch f.Type {
		case protocol.TypeHeartbeat:
			// Receipt alone resets the dead timer.
		case protocol.TypeResponse, protocol.TypeAuthResponse:
			c.deliver(f)
		case protocol.TypeAuth:
			if c.opts.OnAuth != nil {
				c.opts.OnAuth(c, f)
			} else {
				_ = c.RespondError(f.ID, protocol.NewError(protocol.CodeInvalidPayload, "unexpected auth frame"))
			}
		case protocol.TypeRequest:
			if c.opts.OnRequest == nil {
				_ = c.RespondError(f.ID, protocol.NewError(protocol.CodeInvalidPayload, "requests not accepted"))
				continue
			}
			go c.serveRequest(f)
		case protocol.TypeEvent:
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(f)
			}
		default:
			c.log.Warn("unknown frame type", zap.String("type", f.Type))
		}
	}
}

func (c *Conn) serveRequest(f protocol.Frame) {
	data, perr := c.opts.OnRequest(c.ctx, f)
	if perr != nil {
		_ = c.RespondError(f.ID, perr)
		return
	}
	if err := c.Respond(f.ID, data); err != nil {
		c.log.Warn("response dropped", zap.String("action", f.Action), zap.Error(err))
	}
}

func (c *Conn) deliver(f protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response without waiter", zap.Int64("id", f.ID))
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case f := <-c.sendCh:
			c.wmu.Lock()
			err := c.ws.WriteJSON(f)
			c.wmu.Unlock()
			if err != nil {
				c.Close(protocol.WrapError(protocol.CodeNetwork, "write failed", err))
				return
			}
			c.mu.Lock()
			c.lastSend = c.clk.Now()
			c.mu.Unlock()
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) heartbeatLoop() {
	h := c.opts.Heartbeat
	ticker := time.NewTicker(h / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := c.clk.Now()
			c.mu.Lock()
			quietRecv := now.Sub(c.lastRecv)
			quietSend := now.Sub(c.lastSend)
			c.mu.Unlock()

			if quietRecv >= 2*h {
				c.Close(protocol.NewError(protocol.CodeTimeout, "peer silent, connection dead"))
				return
			}
			if quietSend >= h {
				if err := c.Send(protocol.Heartbeat()); err != nil {
					c.log.Debug("heartbeat not sent", zap.Error(err))
				}
			}
		case <-c.closed:
			return
		}
	}
}
