package master

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/protocol"
	"github.com/girosoft/giro-core/internal/transport"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, peer *Peer, f protocol.Frame) (any, *protocol.Error) {
	return map[string]string{"action": f.Action, "terminal": peer.TerminalID}, nil
}

func newTestServer(t *testing.T, maxConns int) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		MasterSecret:       "shared-secret",
		NetworkServerPort:  3847,
		MaxPeerConnections: maxConns,
		HeartbeatPeriod:    20 * time.Second,
	}
	ident := identity.Terminal{ID: "master-1", Name: "Back Office", Role: config.RoleMaster}
	log := zaptest.NewLogger(t)
	srv := NewServer(log, cfg, ident, NewRegistry(log, maxConns), echoHandler{}, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialPeer(t *testing.T, ts *httptest.Server) *transport.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := transport.NewConn(ws, transport.Options{Log: zaptest.NewLogger(t)})
	t.Cleanup(func() { c.Close(nil) })
	return c
}

func authenticate(t *testing.T, c *transport.Conn, terminalID string) protocol.AuthResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Authenticate(ctx, protocol.AuthPayload{
		Secret:     "shared-secret",
		TerminalID: terminalID,
		Role:       "satellite",
		Name:       "Front",
	})
	require.NoError(t, err)
	return res
}

func TestAuthThenRequest(t *testing.T) {
	_, ts := newTestServer(t, 10)
	c := dialPeer(t, ts)

	res := authenticate(t, c, "sat-1")
	require.Equal(t, "master-1", res.TerminalID)
	require.NotZero(t, res.ServerTime)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := c.Request(ctx, "system.ping", nil)
	require.NoError(t, err)
	require.Contains(t, string(data), "system.ping")
}

func TestRequestBeforeAuthClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, 10)
	c := dialPeer(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "system.ping", nil)
	require.Error(t, err)
	require.Equal(t, protocol.CodeUnauthenticated, protocol.CodeOf(err))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after unauthenticated request")
	}
}

func TestWrongSecretRejected(t *testing.T) {
	_, ts := newTestServer(t, 10)
	c := dialPeer(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Authenticate(ctx, protocol.AuthPayload{
		Secret:     "wrong",
		TerminalID: "sat-1",
	})
	require.Error(t, err)
	require.Equal(t, protocol.CodeUnauthenticated, protocol.CodeOf(err))
}

func TestReconnectSupersedesOldConnection(t *testing.T) {
	srv, ts := newTestServer(t, 10)

	first := dialPeer(t, ts)
	authenticate(t, first, "sat-1")

	second := dialPeer(t, ts)
	authenticate(t, second, "sat-1")

	select {
	case <-first.Done():
		require.Equal(t, protocol.CodeSuperseded, protocol.CodeOf(first.Err()))
	case <-time.After(2 * time.Second):
		t.Fatal("old connection not superseded")
	}

	// Exactly one live registration for the terminal.
	require.Eventually(t, func() bool {
		return srv.registry.Count() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	_, ts := newTestServer(t, 2)

	a := dialPeer(t, ts)
	authenticate(t, a, "sat-1")
	b := dialPeer(t, ts)
	authenticate(t, b, "sat-2")

	c := dialPeer(t, ts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Authenticate(ctx, protocol.AuthPayload{
		Secret:     "shared-secret",
		TerminalID: "sat-3",
	})
	require.Error(t, err)
	require.Equal(t, protocol.CodeResourceExhausted, protocol.CodeOf(err))
}

func TestPreAuthBudgetSeparateFromPeerLimit(t *testing.T) {
	_, ts := newTestServer(t, 2) // budget of 1 unauthenticated socket

	// First socket connects and never authenticates, holding the slot.
	_ = dialPeer(t, ts)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	require.Eventually(t, func() bool {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		return err != nil && resp != nil && resp.StatusCode == 503
	}, 2*time.Second, 50*time.Millisecond)
}

func TestAuthReleasesPreAuthSlot(t *testing.T) {
	_, ts := newTestServer(t, 2)

	a := dialPeer(t, ts)
	authenticate(t, a, "sat-1")

	// The authenticated socket no longer counts against the budget.
	b := dialPeer(t, ts)
	authenticate(t, b, "sat-2")
}

func TestWireRoleTranslatedOnAdmit(t *testing.T) {
	srv, ts := newTestServer(t, 10)
	c := dialPeer(t, ts)
	authenticate(t, c, "sat-1")

	peers := srv.registry.List()
	require.Len(t, peers, 1)
	require.Equal(t, config.RoleSatellite, peers[0].Role)
}

func TestUnknownWireRoleRejected(t *testing.T) {
	_, ts := newTestServer(t, 10)
	c := dialPeer(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Authenticate(ctx, protocol.AuthPayload{
		Secret:     "shared-secret",
		TerminalID: "sat-1",
		Role:       "superuser",
	})
	require.Error(t, err)
	require.Equal(t, protocol.CodeValidationError, protocol.CodeOf(err))
}

func TestGuestMobileAdmitted(t *testing.T) {
	srv, ts := newTestServer(t, 10)
	c := dialPeer(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Authenticate(ctx, protocol.AuthPayload{Name: "Waiter Phone"})
	require.NoError(t, err)

	peers := srv.registry.List()
	require.Len(t, peers, 1)
	require.Equal(t, protocol.RoleMobile, peers[0].Role)
	require.False(t, peers[0].HasSession())
}

func TestBroadcastFiltersByRole(t *testing.T) {
	srv, ts := newTestServer(t, 10)

	gotSat := make(chan protocol.Frame, 1)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	wsSat, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	sat := transport.NewConn(wsSat, transport.Options{
		Log:     zaptest.NewLogger(t),
		OnEvent: func(f protocol.Frame) { gotSat <- f },
	})
	t.Cleanup(func() { sat.Close(nil) })
	authenticate(t, sat, "sat-1")

	gotMob := make(chan protocol.Frame, 1)
	wsMob, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	mob := transport.NewConn(wsMob, transport.Options{
		Log:     zaptest.NewLogger(t),
		OnEvent: func(f protocol.Frame) { gotMob <- f },
	})
	t.Cleanup(func() { mob.Close(nil) })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = mob.Authenticate(ctx, protocol.AuthPayload{Name: "Phone"})
	require.NoError(t, err)

	srv.registry.Broadcast("stock.updated", map[string]any{"product_id": "p1"}, config.RoleSatellite)

	select {
	case f := <-gotSat:
		require.Equal(t, "stock.updated", f.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("satellite did not receive broadcast")
	}
	select {
	case <-gotMob:
		t.Fatal("mobile received role-filtered broadcast")
	case <-time.After(200 * time.Millisecond):
	}
}
