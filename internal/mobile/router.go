package mobile

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/peerlink/master"
	"github.com/girosoft/giro-core/internal/protocol"
	sessiondomain "github.com/girosoft/giro-core/internal/session/domain"
	syncdomain "github.com/girosoft/giro-core/internal/sync/domain"
	syncservice "github.com/girosoft/giro-core/internal/sync/service"
)

// LicenseState reports whether the terminal is running with a revoked or
// unverifiable license. Sales are blocked while degraded.
type LicenseState interface {
	Degraded() bool
}

// alwaysLicensed is the state used when no license client is wired.
type alwaysLicensed struct{}

func (alwaysLicensed) Degraded() bool { return false }

// namespaceRoles maps an action namespace to the roles allowed to call
// it. The single table is the one place connection permissions live.
var namespaceRoles = map[string][]string{
	"auth":       {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
	"system":     {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
	"product":    {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
	"category":   {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
	"stock":      {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
	"inventory":  {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
	"expiration": {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
	"enterprise": {config.RoleSatellite, protocol.RoleAdmin},
	"sync":       {config.RoleSatellite, protocol.RoleAdmin},
	"sale":       {protocol.RoleMobile, config.RoleSatellite, protocol.RoleAdmin},
}

// guestActions may be called on a mobile connection before login. The
// token-bearing auth verbs belong here, they are how a connection gets
// or keeps its session.
var guestActions = map[string]bool{
	"auth.login":    true,
	"auth.system":   true,
	"auth.validate": true,
	"auth.renew":    true,
	"system.ping":   true,
}

// Router dispatches request frames by "namespace.verb" action name. It is
// shared by the peer link and the mobile gateway.
type Router struct {
	log       *zap.Logger
	db        *gorm.DB
	cfg       config.Config
	ident     identity.Terminal
	sessions  sessiondomain.Manager
	authority syncservice.Authority
	snapshots syncdomain.SnapshotRepository
	registry  *master.Registry
	bus       *events.Bus
	license   LicenseState
	ids       *snowflake.Node
	clk       clock.Clock
	startedAt time.Time
}

func NewRouter(
	log *zap.Logger,
	db *gorm.DB,
	cfg config.Config,
	ident identity.Terminal,
	sessions sessiondomain.Manager,
	authority syncservice.Authority,
	snapshots syncdomain.SnapshotRepository,
	registry *master.Registry,
	bus *events.Bus,
	license LicenseState,
	ids *snowflake.Node,
	clk clock.Clock,
) *Router {
	if license == nil {
		license = alwaysLicensed{}
	}
	return &Router{
		log:       log.Named("gateway"),
		db:        db,
		cfg:       cfg,
		ident:     ident,
		sessions:  sessions,
		authority: authority,
		snapshots: snapshots,
		registry:  registry,
		bus:       bus,
		license:   license,
		ids:       ids,
		clk:       clk,
		startedAt: clk.Now(),
	}
}

// Handle implements the peer server's request dispatch.
func (r *Router) Handle(ctx context.Context, peer *master.Peer, f protocol.Frame) (any, *protocol.Error) {
	ns, _, ok := protocol.SplitAction(f.Action)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "malformed action %q", f.Action)
	}

	roles, known := namespaceRoles[ns]
	if !known {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown action %q", f.Action)
	}
	if !contains(roles, peer.Role) {
		return nil, protocol.Errorf(protocol.CodePermissionDenied, "role %s may not call %s", peer.Role, f.Action)
	}

	// Mobile connections must hold a login session for anything beyond
	// the guest surface.
	if peer.Role == protocol.RoleMobile && !peer.HasSession() && !guestActions[f.Action] {
		return nil, protocol.NewError(protocol.CodeUnauthenticated, "login required")
	}

	switch f.Action {
	case "auth.login":
		return r.authLogin(ctx, peer, f.Payload)
	case "auth.system":
		return r.authSystem(ctx, peer, f.Payload)
	case "auth.logout":
		return r.authLogout(ctx, peer, f.Payload)
	case "auth.validate":
		return r.authValidate(ctx, f.Payload)
	case "auth.renew":
		return r.authRenew(ctx, peer, f.Payload)
	case "system.ping":
		return r.systemPing(), nil
	case "system.info":
		return r.systemInfo(), nil
	case "enterprise.status":
		return r.enterpriseStatus(ctx)
	case "product.list":
		return r.entityList(ctx, syncdomain.KindProduct, f.Payload)
	case "product.get":
		return r.entityGet(ctx, syncdomain.KindProduct, f.Payload)
	case "product.update":
		return r.entityUpdate(ctx, syncdomain.KindProduct, f.Payload)
	case "category.list":
		return r.entityList(ctx, syncdomain.KindCategory, f.Payload)
	case "category.get":
		return r.entityGet(ctx, syncdomain.KindCategory, f.Payload)
	case "stock.update":
		return r.stockUpdate(ctx, f.Payload)
	case "inventory.levels":
		return r.inventoryLevels(ctx, f.Payload)
	case "expiration.upcoming":
		return r.expirationUpcoming(ctx, f.Payload)
	case "sync.push":
		return r.syncPush(ctx, peer, f.Payload)
	case "sync.delta":
		return r.syncDelta(ctx, f.Payload)
	case "sync.full":
		return r.syncFull(ctx, f.Payload)
	case "sale.remote_create":
		return r.saleRemoteCreate(ctx, peer, f.Payload)
	default:
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown action %q", f.Action)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	PIN      string `json:"pin"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
}

type employeeRecord struct {
	Username  string `json:"username"`
	PINSHA256 string `json:"pin_sha256"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
}

func (r *Router) authLogin(ctx context.Context, peer *master.Peer, payload json.RawMessage) (any, *protocol.Error) {
	var req loginRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Username == "" || req.PIN == "" {
		return nil, protocol.NewError(protocol.CodeValidationError, "username and pin are required")
	}

	emp, perr := r.findEmployee(ctx, req.Username)
	if perr != nil {
		return nil, perr
	}
	sum := sha256.Sum256([]byte(req.PIN))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(emp.PINSHA256)) != 1 {
		return nil, protocol.NewError(protocol.CodeUnauthenticated, "invalid credentials")
	}

	role := emp.Role
	if role == "" {
		role = "cashier"
	}
	s, token, err := r.sessions.Create(ctx, req.Username, role, peer.Name)
	if err != nil {
		return nil, asProtocolError(err)
	}
	peer.BindSession(s.ID)

	return loginResponse{
		SessionID: s.ID,
		Token:     token,
		ExpiresAt: s.ExpiresAt.Unix(),
		Role:      s.Role,
		Name:      emp.Name,
	}, nil
}

func (r *Router) findEmployee(ctx context.Context, username string) (*employeeRecord, *protocol.Error) {
	snaps, err := r.snapshots.Since(ctx, r.db, syncdomain.KindEmployee, 0, 1000)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load employees", err)
	}
	for _, s := range snaps {
		if s.Deleted {
			continue
		}
		var emp employeeRecord
		if err := json.Unmarshal(s.Payload, &emp); err != nil {
			continue
		}
		if emp.Username == username {
			if !emp.Active {
				return nil, protocol.NewError(protocol.CodePermissionDenied, "account disabled")
			}
			return &emp, nil
		}
	}
	// Same failure as a wrong pin, existence is not disclosed.
	return nil, protocol.NewError(protocol.CodeUnauthenticated, "invalid credentials")
}

type systemAuthRequest struct {
	Secret string `json:"secret"`
}

func (r *Router) authSystem(ctx context.Context, peer *master.Peer, payload json.RawMessage) (any, *protocol.Error) {
	var req systemAuthRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if r.cfg.MasterSecret == "" || subtle.ConstantTimeCompare([]byte(req.Secret), []byte(r.cfg.MasterSecret)) != 1 {
		return nil, protocol.NewError(protocol.CodeUnauthenticated, "invalid secret")
	}

	s, token, err := r.sessions.Create(ctx, "system", "admin", peer.Name)
	if err != nil {
		return nil, asProtocolError(err)
	}
	peer.BindSession(s.ID)

	return loginResponse{
		SessionID: s.ID,
		Token:     token,
		ExpiresAt: s.ExpiresAt.Unix(),
		Role:      s.Role,
	}, nil
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (r *Router) authLogout(ctx context.Context, peer *master.Peer, payload json.RawMessage) (any, *protocol.Error) {
	var req tokenRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	s, err := r.sessions.Validate(ctx, req.Token)
	if err != nil {
		return nil, asProtocolError(err)
	}
	if err := r.sessions.Revoke(ctx, s.ID); err != nil {
		return nil, asProtocolError(err)
	}
	peer.BindSession("")
	return map[string]bool{"logged_out": true}, nil
}

func (r *Router) authValidate(ctx context.Context, payload json.RawMessage) (any, *protocol.Error) {
	var req tokenRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	s, err := r.sessions.Validate(ctx, req.Token)
	if err != nil {
		return nil, asProtocolError(err)
	}
	return map[string]any{
		"session_id": s.ID,
		"principal":  s.Principal,
		"role":       s.Role,
		"expires_at": s.ExpiresAt.Unix(),
	}, nil
}

func (r *Router) authRenew(ctx context.Context, peer *master.Peer, payload json.RawMessage) (any, *protocol.Error) {
	var req tokenRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	s, token, err := r.sessions.Renew(ctx, req.Token)
	if err != nil {
		return nil, asProtocolError(err)
	}
	// The session id rotated, rebind the connection to the new one.
	peer.BindSession(s.ID)

	return loginResponse{
		SessionID: s.ID,
		Token:     token,
		ExpiresAt: s.ExpiresAt.Unix(),
		Role:      s.Role,
	}, nil
}

func (r *Router) systemPing() any {
	return map[string]any{"pong": true, "time": r.clk.Now().Unix()}
}

func (r *Router) systemInfo() any {
	return map[string]any{
		"terminal_id": r.ident.ID,
		"name":        r.ident.Name,
		"role":        r.ident.Role,
		"version":     r.ident.Version,
		"connections": r.registry.Count(),
		"uptime_s":    int64(r.clk.Now().Sub(r.startedAt).Seconds()),
		"degraded":    r.license.Degraded(),
	}
}

func (r *Router) enterpriseStatus(ctx context.Context) (any, *protocol.Error) {
	active, err := r.sessions.CountActive(ctx)
	if err != nil {
		return nil, asProtocolError(err)
	}
	return map[string]any{
		"terminal_id":     r.ident.ID,
		"role":            r.ident.Role,
		"connections":     r.registry.Count(),
		"active_sessions": active,
		"degraded":        r.license.Degraded(),
	}, nil
}

type listRequest struct {
	After int64 `json:"after"`
	Limit int   `json:"limit"`
}

type listResponse struct {
	Items      []syncdomain.RemoteItem `json:"items"`
	NextCursor int64                   `json:"next_cursor"`
	HasMore    bool                    `json:"has_more"`
}

func (r *Router) entityList(ctx context.Context, kind string, payload json.RawMessage) (any, *protocol.Error) {
	var req listRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 100
	}

	page, err := r.authority.ServePull(ctx, kind, req.After, req.Limit)
	if err != nil {
		return nil, asProtocolError(err)
	}

	resp := listResponse{NextCursor: page.NextCursor, HasMore: page.HasMore}
	for _, item := range page.Items {
		if item.Deleted {
			continue
		}
		resp.Items = append(resp.Items, item)
	}
	return resp, nil
}

type getRequest struct {
	ID string `json:"id"`
}

func (r *Router) entityGet(ctx context.Context, kind string, payload json.RawMessage) (any, *protocol.Error) {
	var req getRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, protocol.NewError(protocol.CodeValidationError, "id is required")
	}

	snap, err := r.snapshots.Get(ctx, r.db, kind, req.ID)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load entity", err)
	}
	if snap == nil || snap.Deleted {
		return nil, protocol.Errorf(protocol.CodeNotFound, "%s %s not found", kind, req.ID)
	}
	return syncdomain.RemoteItem{
		EntityKind: snap.EntityKind,
		EntityID:   snap.EntityID,
		Payload:    snap.Payload,
		Version:    snap.ServerVersion,
		Deleted:    snap.Deleted,
	}, nil
}

type updateRequest struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion int64           `json:"base_version"`
}

func (r *Router) entityUpdate(ctx context.Context, kind string, payload json.RawMessage) (any, *protocol.Error) {
	var req updateRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, protocol.NewError(protocol.CodeValidationError, "id is required")
	}
	if len(req.Payload) == 0 {
		return nil, protocol.NewError(protocol.CodeValidationError, "payload is required")
	}

	results, err := r.authority.ApplyPush(ctx, "", []*syncdomain.PendingChange{{
		EntityKind:  kind,
		EntityID:    req.ID,
		Operation:   syncdomain.OpUpdate,
		Payload:     []byte(req.Payload),
		BaseVersion: req.BaseVersion,
	}})
	if err != nil {
		return nil, asProtocolError(err)
	}
	res := results[0]
	if res.Status == syncdomain.PushConflict {
		return nil, protocol.Errorf(protocol.CodeConflict, "%s %s changed concurrently", kind, req.ID)
	}
	if res.Status != syncdomain.PushOK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, protocol.NewError(protocol.CodeInternal, "update failed")
	}
	return map[string]any{"id": req.ID, "version": res.ServerVersion}, nil
}

type stockUpdateRequest struct {
	ProductID   string `json:"product_id"`
	Quantity    *int64 `json:"quantity,omitempty"`
	Delta       *int64 `json:"delta,omitempty"`
	BaseVersion int64  `json:"base_version"`
}

func (r *Router) stockUpdate(ctx context.Context, payload json.RawMessage) (any, *protocol.Error) {
	var req stockUpdateRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ProductID == "" {
		return nil, protocol.NewError(protocol.CodeValidationError, "product_id is required")
	}
	if req.Quantity == nil && req.Delta == nil {
		return nil, protocol.NewError(protocol.CodeValidationError, "quantity or delta is required")
	}

	snap, err := r.snapshots.Get(ctx, r.db, syncdomain.KindProduct, req.ProductID)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load product", err)
	}
	if snap == nil || snap.Deleted {
		return nil, protocol.Errorf(protocol.CodeNotFound, "product %s not found", req.ProductID)
	}

	var fields map[string]any
	if err := json.Unmarshal(snap.Payload, &fields); err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "decode product", err)
	}

	current := int64(0)
	if v, ok := fields["stock"].(float64); ok {
		current = int64(v)
	}
	next := current
	if req.Quantity != nil {
		next = *req.Quantity
	} else {
		next = current + *req.Delta
	}
	if next < 0 {
		return nil, protocol.Errorf(protocol.CodeValidationError, "stock for %s cannot go negative", req.ProductID)
	}
	fields["stock"] = next

	updated, err := json.Marshal(fields)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "encode product", err)
	}

	base := req.BaseVersion
	if base == 0 {
		base = snap.ServerVersion
	}
	results, err := r.authority.ApplyPush(ctx, "", []*syncdomain.PendingChange{{
		EntityKind:  syncdomain.KindProduct,
		EntityID:    req.ProductID,
		Operation:   syncdomain.OpUpdate,
		Payload:     updated,
		BaseVersion: base,
	}})
	if err != nil {
		return nil, asProtocolError(err)
	}
	res := results[0]
	if res.Status == syncdomain.PushConflict {
		return nil, protocol.Errorf(protocol.CodeConflict, "product %s changed concurrently", req.ProductID)
	}
	if res.Status != syncdomain.PushOK {
		return nil, protocol.NewError(protocol.CodeInternal, "stock update failed")
	}

	event := map[string]any{
		"product_id": req.ProductID,
		"stock":      next,
		"version":    res.ServerVersion,
	}
	r.registry.Broadcast("stock.updated", event)
	r.bus.Publish(events.Event{Kind: events.KindStockUpdated, Payload: event})

	return map[string]any{"product_id": req.ProductID, "stock": next, "version": res.ServerVersion}, nil
}

func (r *Router) inventoryLevels(ctx context.Context, payload json.RawMessage) (any, *protocol.Error) {
	var req listRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 500
	}

	snaps, err := r.snapshots.Since(ctx, r.db, syncdomain.KindProduct, req.After, req.Limit)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load products", err)
	}

	type level struct {
		ProductID string `json:"product_id"`
		Stock     int64  `json:"stock"`
		Version   int64  `json:"version"`
	}
	levels := make([]level, 0, len(snaps))
	for _, s := range snaps {
		if s.Deleted {
			continue
		}
		var fields struct {
			Stock int64 `json:"stock"`
		}
		_ = json.Unmarshal(s.Payload, &fields)
		levels = append(levels, level{ProductID: s.EntityID, Stock: fields.Stock, Version: s.ServerVersion})
	}
	return map[string]any{"levels": levels}, nil
}

type expirationRequest struct {
	Days int `json:"days"`
}

func (r *Router) expirationUpcoming(ctx context.Context, payload json.RawMessage) (any, *protocol.Error) {
	var req expirationRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Days <= 0 {
		req.Days = 30
	}

	snaps, err := r.snapshots.Since(ctx, r.db, syncdomain.KindProduct, 0, 5000)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load products", err)
	}

	cutoff := r.clk.Now().AddDate(0, 0, req.Days)
	type expiring struct {
		ProductID string `json:"product_id"`
		ExpiresAt string `json:"expires_at"`
	}
	var out []expiring
	for _, s := range snaps {
		if s.Deleted {
			continue
		}
		var fields struct {
			ExpiresAt string `json:"expires_at"`
		}
		if err := json.Unmarshal(s.Payload, &fields); err != nil || fields.ExpiresAt == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, fields.ExpiresAt)
		if err != nil {
			ts, err = time.Parse("2006-01-02", fields.ExpiresAt)
			if err != nil {
				continue
			}
		}
		if ts.Before(cutoff) {
			out = append(out, expiring{ProductID: s.EntityID, ExpiresAt: fields.ExpiresAt})
		}
	}
	return map[string]any{"expiring": out}, nil
}

type syncPushRequest struct {
	Changes []*syncdomain.PendingChange `json:"changes"`
}

func (r *Router) syncPush(ctx context.Context, peer *master.Peer, payload json.RawMessage) (any, *protocol.Error) {
	var req syncPushRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if len(req.Changes) == 0 {
		return nil, protocol.NewError(protocol.CodeValidationError, "changes are required")
	}

	// The origin is the authenticated peer identity, never anything the
	// payload claims.
	results, err := r.authority.ApplyPush(ctx, peer.TerminalID, req.Changes)
	if err != nil {
		return nil, asProtocolError(err)
	}
	return map[string]any{"results": results}, nil
}

type syncPullRequest struct {
	EntityKind string `json:"entity_kind"`
	After      int64  `json:"after"`
	Limit      int    `json:"limit"`
}

func (r *Router) syncDelta(ctx context.Context, payload json.RawMessage) (any, *protocol.Error) {
	var req syncPullRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.EntityKind == "" {
		return nil, protocol.NewError(protocol.CodeValidationError, "entity_kind is required")
	}

	page, err := r.authority.ServePull(ctx, req.EntityKind, req.After, req.Limit)
	if err != nil {
		return nil, asProtocolError(err)
	}
	return page, nil
}

func (r *Router) syncFull(ctx context.Context, payload json.RawMessage) (any, *protocol.Error) {
	var req syncPullRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.EntityKind == "" {
		return nil, protocol.NewError(protocol.CodeValidationError, "entity_kind is required")
	}

	page, err := r.authority.ServePull(ctx, req.EntityKind, 0, req.Limit)
	if err != nil {
		return nil, asProtocolError(err)
	}
	return page, nil
}

type saleLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type saleRequest struct {
	Lines []saleLine `json:"lines"`
	Total float64    `json:"total"`
}

func (r *Router) saleRemoteCreate(ctx context.Context, peer *master.Peer, payload json.RawMessage) (any, *protocol.Error) {
	if r.license.Degraded() {
		return nil, protocol.NewError(protocol.CodeLicenseRevoked, "license revoked, sales are disabled")
	}

	var req saleRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if len(req.Lines) == 0 {
		return nil, protocol.NewError(protocol.CodeValidationError, "at least one line is required")
	}
	for _, line := range req.Lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			return nil, protocol.NewError(protocol.CodeValidationError, "every line needs product_id and a positive quantity")
		}
	}

	// Validate all stock before any decrement, a sale applies whole or
	// not at all.
	for _, line := range req.Lines {
		snap, err := r.snapshots.Get(ctx, r.db, syncdomain.KindProduct, line.ProductID)
		if err != nil {
			return nil, protocol.WrapError(protocol.CodeInternal, "load product", err)
		}
		if snap == nil || snap.Deleted {
			return nil, protocol.Errorf(protocol.CodeNotFound, "product %s not found", line.ProductID)
		}
	}

	saleID := r.ids.Generate().String()
	for _, line := range req.Lines {
		delta := -line.Quantity
		if _, perr := r.stockUpdate(ctx, mustJSON(stockUpdateRequest{
			ProductID: line.ProductID,
			Delta:     &delta,
		})); perr != nil {
			return nil, perr
		}
	}

	r.bus.Publish(events.Event{Kind: events.KindSyncCompleted, Payload: map[string]any{
		"sale_id": saleID,
		"source":  peer.TerminalID,
	}})
	r.log.Info("remote sale applied",
		zap.String("sale_id", saleID),
		zap.String("source", peer.TerminalID),
		zap.Int("lines", len(req.Lines)))

	return map[string]any{"sale_id": saleID, "created_at": r.clk.Now().Unix()}, nil
}

func decode(payload json.RawMessage, v any) *protocol.Error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return protocol.WrapError(protocol.CodeInvalidPayload, "malformed payload", err)
	}
	return nil
}

func asProtocolError(err error) *protocol.Error {
	if pe, ok := err.(*protocol.Error); ok {
		return pe
	}
	return protocol.WrapError(protocol.CodeOf(err), "request failed", err)
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
