package mobile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/peerlink/master"
	"github.com/girosoft/giro-core/internal/protocol"
	sessiondomain "github.com/girosoft/giro-core/internal/session/domain"
	sessionrepo "github.com/girosoft/giro-core/internal/session/repository"
	sessionservice "github.com/girosoft/giro-core/internal/session/service"
	syncdomain "github.com/girosoft/giro-core/internal/sync/domain"
	syncrepo "github.com/girosoft/giro-core/internal/sync/repository"
	syncservice "github.com/girosoft/giro-core/internal/sync/service"
	"github.com/girosoft/giro-core/pkg/db"
)

type fixedLicense struct{ degraded bool }

func (f fixedLicense) Degraded() bool { return f.degraded }

type testEnv struct {
	router *Router
	db     *gorm.DB
	clk    *clock.FakeClock
	auth   syncservice.Authority
}

func newTestRouter(t *testing.T, license LicenseState) *testEnv {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&sessiondomain.Session{}, &syncdomain.EntitySnapshot{}, &syncdomain.AppliedChange{}))
	t.Cleanup(func() {
		dbConn.Exec("DELETE FROM sessions")
		dbConn.Exec("DELETE FROM entity_snapshots")
		dbConn.Exec("DELETE FROM applied_changes")
	})

	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{
		MasterSecret:           "shared-secret",
		SessionTTL:             8 * time.Hour,
		SessionMaxPerPrincipal: 2,
		MaxPeerConnections:     10,
	}
	ident := identity.Terminal{ID: "master-1", Name: "Back Office", Role: config.RoleMaster, Version: "1.2.0"}
	bus := events.NewBus(log)
	sessions := sessionservice.New(log, dbConn, sessionrepo.Provide(), clk, cfg)
	snapshots := syncrepo.ProvideSnapshot()
	authority := syncservice.NewAuthority(log, dbConn, snapshots, syncrepo.ProvideApplied(), bus, clk)
	registry := master.NewRegistry(log, cfg.MaxPeerConnections)
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)

	router := NewRouter(log, dbConn, cfg, ident, sessions, authority, snapshots, registry, bus, license, ids, clk)
	return &testEnv{router: router, db: dbConn, clk: clk, auth: authority}
}

func (e *testEnv) seedEmployee(t *testing.T, username, pin, role string) {
	t.Helper()
	sum := sha256.Sum256([]byte(pin))
	payload, _ := json.Marshal(employeeRecord{
		Username:  username,
		PINSHA256: hex.EncodeToString(sum[:]),
		Role:      role,
		Name:      "Test " + username,
		Active:    true,
	})
	_, err := e.auth.ApplyPush(context.Background(), "", []*syncdomain.PendingChange{{
		EntityKind: syncdomain.KindEmployee,
		EntityID:   username,
		Operation:  syncdomain.OpCreate,
		Payload:    payload,
	}})
	require.NoError(t, err)
}

func (e *testEnv) seedProduct(t *testing.T, id string, stock int64) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"name":"item %s","stock":%d}`, id, stock))
	_, err := e.auth.ApplyPush(context.Background(), "", []*syncdomain.PendingChange{{
		EntityKind: syncdomain.KindProduct,
		EntityID:   id,
		Operation:  syncdomain.OpCreate,
		Payload:    payload,
	}})
	require.NoError(t, err)
}

func mobilePeer() *master.Peer {
	return &master.Peer{TerminalID: "mobile-1", Role: protocol.RoleMobile, Name: "Phone"}
}

func satellitePeer() *master.Peer {
	return &master.Peer{TerminalID: "sat-1", Role: config.RoleSatellite, Name: "Front"}
}

func call(t *testing.T, env *testEnv, peer *master.Peer, action string, payload any) (any, *protocol.Error) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	return env.router.Handle(context.Background(), peer, protocol.Frame{
		Type:    protocol.TypeRequest,
		ID:      1,
		Action:  action,
		Payload: raw,
	})
}

func TestGuestCanPingButNotList(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := mobilePeer()

	data, perr := call(t, env, peer, "system.ping", nil)
	require.Nil(t, perr)
	require.NotNil(t, data)

	_, perr = call(t, env, peer, "product.list", nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeUnauthenticated, perr.Code)
}

func TestLoginFlow(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedEmployee(t, "alice", "1234", "cashier")
	peer := mobilePeer()

	data, perr := call(t, env, peer, "auth.login", loginRequest{Username: "alice", PIN: "1234"})
	require.Nil(t, perr)
	resp := data.(loginResponse)
	require.NotEmpty(t, resp.Token)
	require.Equal(t, "cashier", resp.Role)
	require.True(t, peer.HasSession())

	// Session unlocks the rest of the surface.
	_, perr = call(t, env, peer, "product.list", nil)
	require.Nil(t, perr)
}

func TestRenewRotatesTokenAndRebindsPeer(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedEmployee(t, "alice", "1234", "cashier")
	peer := mobilePeer()

	data, perr := call(t, env, peer, "auth.login", loginRequest{Username: "alice", PIN: "1234"})
	require.Nil(t, perr)
	first := data.(loginResponse)

	data, perr = call(t, env, peer, "auth.renew", tokenRequest{Token: first.Token})
	require.Nil(t, perr)
	renewed := data.(loginResponse)
	require.NotEqual(t, first.SessionID, renewed.SessionID)
	require.Equal(t, renewed.SessionID, peer.SessionID)

	// The replaced token is dead, the renewed one validates.
	_, perr = call(t, env, peer, "auth.validate", tokenRequest{Token: first.Token})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeUnauthenticated, perr.Code)

	_, perr = call(t, env, peer, "auth.validate", tokenRequest{Token: renewed.Token})
	require.Nil(t, perr)
}

func TestLoginWrongPIN(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedEmployee(t, "alice", "1234", "cashier")
	peer := mobilePeer()

	_, perr := call(t, env, peer, "auth.login", loginRequest{Username: "alice", PIN: "9999"})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeUnauthenticated, perr.Code)
	require.False(t, peer.HasSession())
}

func TestLoginUnknownUserSameError(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := mobilePeer()

	_, perr := call(t, env, peer, "auth.login", loginRequest{Username: "ghost", PIN: "1234"})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeUnauthenticated, perr.Code)
}

func TestLoginMissingFields(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := mobilePeer()

	_, perr := call(t, env, peer, "auth.login", loginRequest{Username: "alice"})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeValidationError, perr.Code)
}

func TestSystemAuth(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := mobilePeer()

	data, perr := call(t, env, peer, "auth.system", systemAuthRequest{Secret: "shared-secret"})
	require.Nil(t, perr)
	require.Equal(t, "admin", data.(loginResponse).Role)

	_, perr = call(t, env, mobilePeer(), "auth.system", systemAuthRequest{Secret: "nope"})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeUnauthenticated, perr.Code)
}

func TestMalformedActionAndUnknownAction(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := satellitePeer()

	_, perr := call(t, env, peer, "noverb", nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidPayload, perr.Code)

	_, perr = call(t, env, peer, "starfleet.engage", nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeNotFound, perr.Code)
}

func TestMobileCannotPushSync(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedEmployee(t, "alice", "1234", "cashier")
	peer := mobilePeer()
	_, perr := call(t, env, peer, "auth.login", loginRequest{Username: "alice", PIN: "1234"})
	require.Nil(t, perr)

	_, perr = call(t, env, peer, "sync.push", syncPushRequest{})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodePermissionDenied, perr.Code)
}

func TestStockUpdateBroadcastsAndVersions(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedProduct(t, "p1", 10)
	peer := satellitePeer()

	delta := int64(-3)
	data, perr := call(t, env, peer, "stock.update", stockUpdateRequest{ProductID: "p1", Delta: &delta})
	require.Nil(t, perr)
	result := data.(map[string]any)
	require.EqualValues(t, 7, result["stock"])

	_, perr = call(t, env, peer, "stock.update", stockUpdateRequest{ProductID: "p1", Delta: &delta})
	require.Nil(t, perr)

	got, perr := call(t, env, peer, "product.get", getRequest{ID: "p1"})
	require.Nil(t, perr)
	item := got.(syncdomain.RemoteItem)
	var fields struct {
		Stock int64 `json:"stock"`
	}
	require.NoError(t, json.Unmarshal(item.Payload, &fields))
	require.EqualValues(t, 4, fields.Stock)
}

func TestStockCannotGoNegative(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedProduct(t, "p1", 2)
	peer := satellitePeer()

	delta := int64(-5)
	_, perr := call(t, env, peer, "stock.update", stockUpdateRequest{ProductID: "p1", Delta: &delta})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeValidationError, perr.Code)
}

func TestStockUpdateUnknownProduct(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := satellitePeer()

	qty := int64(5)
	_, perr := call(t, env, peer, "stock.update", stockUpdateRequest{ProductID: "nope", Quantity: &qty})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeNotFound, perr.Code)
}

func TestSaleRemoteCreateAppliesAllLines(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedProduct(t, "p1", 10)
	env.seedProduct(t, "p2", 4)
	peer := satellitePeer()

	data, perr := call(t, env, peer, "sale.remote_create", saleRequest{
		Lines: []saleLine{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
		Total: 12.50,
	})
	require.Nil(t, perr)
	require.NotEmpty(t, data.(map[string]any)["sale_id"])

	got, _ := call(t, env, peer, "product.get", getRequest{ID: "p2"})
	var fields struct {
		Stock int64 `json:"stock"`
	}
	require.NoError(t, json.Unmarshal(got.(syncdomain.RemoteItem).Payload, &fields))
	require.EqualValues(t, 3, fields.Stock)
}

func TestSaleRejectedBeforeSideEffectsOnUnknownProduct(t *testing.T) {
	env := newTestRouter(t, nil)
	env.seedProduct(t, "p1", 10)
	peer := satellitePeer()

	_, perr := call(t, env, peer, "sale.remote_create", saleRequest{
		Lines: []saleLine{{ProductID: "p1", Quantity: 2}, {ProductID: "ghost", Quantity: 1}},
	})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeNotFound, perr.Code)

	// p1 stock untouched.
	got, _ := call(t, env, peer, "product.get", getRequest{ID: "p1"})
	var fields struct {
		Stock int64 `json:"stock"`
	}
	require.NoError(t, json.Unmarshal(got.(syncdomain.RemoteItem).Payload, &fields))
	require.EqualValues(t, 10, fields.Stock)
}

func TestSaleBlockedWhenDegraded(t *testing.T) {
	env := newTestRouter(t, fixedLicense{degraded: true})
	env.seedProduct(t, "p1", 10)
	peer := satellitePeer()

	_, perr := call(t, env, peer, "sale.remote_create", saleRequest{
		Lines: []saleLine{{ProductID: "p1", Quantity: 1}},
	})
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeLicenseRevoked, perr.Code)

	// The rest of the surface still works while degraded.
	_, perr = call(t, env, peer, "product.list", nil)
	require.Nil(t, perr)
}

func TestSyncPushAndDeltaForSatellites(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := satellitePeer()

	data, perr := call(t, env, peer, "sync.push", syncPushRequest{Changes: []*syncdomain.PendingChange{{
		ID:         1,
		EntityKind: syncdomain.KindProduct,
		EntityID:   "p1",
		Operation:  syncdomain.OpCreate,
		Payload:    []byte(`{"name":"Coffee","stock":5}`),
	}}})
	require.Nil(t, perr)
	results := data.(map[string]any)["results"].([]syncdomain.PushResult)
	require.Equal(t, syncdomain.PushOK, results[0].Status)

	page, perr := call(t, env, peer, "sync.delta", syncPullRequest{EntityKind: syncdomain.KindProduct, After: 0, Limit: 10})
	require.Nil(t, perr)
	require.Len(t, page.(*syncdomain.PullPage).Items, 1)
}

func TestExpirationUpcoming(t *testing.T) {
	env := newTestRouter(t, nil)
	peer := satellitePeer()

	soon := env.clk.Now().AddDate(0, 0, 5).Format(time.RFC3339)
	far := env.clk.Now().AddDate(0, 0, 90).Format(time.RFC3339)
	for id, exp := range map[string]string{"milk": soon, "salt": far} {
		payload := []byte(fmt.Sprintf(`{"name":"%s","stock":1,"expires_at":"%s"}`, id, exp))
		_, err := env.auth.ApplyPush(context.Background(), "", []*syncdomain.PendingChange{{
			EntityKind: syncdomain.KindProduct,
			EntityID:   id,
			Operation:  syncdomain.OpCreate,
			Payload:    payload,
		}})
		require.NoError(t, err)
	}

	data, perr := call(t, env, peer, "expiration.upcoming", expirationRequest{Days: 30})
	require.Nil(t, perr)
	out := data.(map[string]any)["expiring"]
	require.Len(t, out, 1)
}
