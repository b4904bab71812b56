package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/girosoft/giro-core/internal/protocol"
)

var dialer = &websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
}

// Dial connects to a peer's /ws endpoint and wraps the socket.
func Dial(ctx context.Context, host string, port int, opts Options) (*Conn, error) {
	url := fmt.Sprintf("ws://%s:%d/ws", host, port)
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, protocol.WrapError(protocol.CodeResourceExhausted, "master at connection limit", err)
		}
		return nil, protocol.WrapError(protocol.CodeNetwork, fmt.Sprintf("dial %s", url), err)
	}
	return NewConn(ws, opts), nil
}
