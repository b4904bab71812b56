package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/sync/domain"
	"github.com/girosoft/giro-core/internal/sync/repository"
	"github.com/girosoft/giro-core/pkg/db"
)

func newTestAuthority(t *testing.T) Authority {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&domain.EntitySnapshot{}, &domain.AppliedChange{}))
	t.Cleanup(func() {
		dbConn.Exec("DELETE FROM entity_snapshots")
		dbConn.Exec("DELETE FROM applied_changes")
	})

	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewAuthority(log, dbConn, repository.ProvideSnapshot(), repository.ProvideApplied(), events.NewBus(log), clk)
}

func push(id int64, kind, entityID, op string, base int64) *domain.PendingChange {
	return &domain.PendingChange{
		ID:          id,
		EntityKind:  kind,
		EntityID:    entityID,
		Operation:   op,
		Payload:     []byte(`{"name":"x"}`),
		BaseVersion: base,
	}
}

func TestApplyPushAssignsIncreasingVersions(t *testing.T) {
	auth := newTestAuthority(t)
	ctx := context.Background()

	results, err := auth.ApplyPush(ctx, "sat-1", []*domain.PendingChange{
		push(1, domain.KindProduct, "p1", domain.OpCreate, 0),
		push(2, domain.KindProduct, "p2", domain.OpCreate, 0),
		push(3, domain.KindProduct, "p1", domain.OpUpdate, 1),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, domain.PushOK, results[0].Status)
	require.Equal(t, domain.PushOK, results[1].Status)
	require.Equal(t, domain.PushOK, results[2].Status)
	require.Less(t, results[0].ServerVersion, results[1].ServerVersion)
	require.Less(t, results[1].ServerVersion, results[2].ServerVersion)
}

func TestApplyPushDetectsConflict(t *testing.T) {
	auth := newTestAuthority(t)
	ctx := context.Background()

	results, err := auth.ApplyPush(ctx, "sat-1", []*domain.PendingChange{
		push(1, domain.KindProduct, "p1", domain.OpCreate, 0),
	})
	require.NoError(t, err)
	v := results[0].ServerVersion

	// A second writer pushing against the stale base loses.
	results, err = auth.ApplyPush(ctx, "sat-2", []*domain.PendingChange{
		push(1, domain.KindProduct, "p1", domain.OpUpdate, 0),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PushConflict, results[0].Status)
	require.Equal(t, v, results[0].ServerVersion)
}

func TestApplyPushRejectsInvalidChange(t *testing.T) {
	auth := newTestAuthority(t)
	ctx := context.Background()

	results, err := auth.ApplyPush(ctx, "sat-1", []*domain.PendingChange{
		push(1, "starship", "p1", domain.OpCreate, 0),
		push(2, domain.KindProduct, "p1", "merge", 0),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PushError, results[0].Status)
	require.Equal(t, domain.PushError, results[1].Status)
}

func TestApplyPushRedeliveryReturnsRecordedOutcome(t *testing.T) {
	auth := newTestAuthority(t)
	ctx := context.Background()

	first, err := auth.ApplyPush(ctx, "sat-1", []*domain.PendingChange{
		push(7, domain.KindProduct, "p1", domain.OpCreate, 0),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PushOK, first[0].Status)

	// The same change arrives again after a dropped ack. It must come back
	// with the version already assigned, not a fresh one.
	second, err := auth.ApplyPush(ctx, "sat-1", []*domain.PendingChange{
		push(7, domain.KindProduct, "p1", domain.OpCreate, 0),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PushOK, second[0].Status)
	require.Equal(t, first[0].ServerVersion, second[0].ServerVersion)

	page, err := auth.ServePull(ctx, domain.KindProduct, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestApplyPushSameLocalIDDifferentOrigins(t *testing.T) {
	auth := newTestAuthority(t)
	ctx := context.Background()

	first, err := auth.ApplyPush(ctx, "sat-1", []*domain.PendingChange{
		push(1, domain.KindProduct, "p1", domain.OpCreate, 0),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PushOK, first[0].Status)

	// Another terminal reusing local id 1 is a distinct change, not a replay.
	second, err := auth.ApplyPush(ctx, "sat-2", []*domain.PendingChange{
		push(1, domain.KindProduct, "p1", domain.OpUpdate, first[0].ServerVersion),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PushOK, second[0].Status)
	require.NotEqual(t, first[0].ServerVersion, second[0].ServerVersion)
}

func TestServePullPaginates(t *testing.T) {
	auth := newTestAuthority(t)
	ctx := context.Background()

	var changes []*domain.PendingChange
	for i := 0; i < 5; i++ {
		changes = append(changes, push(int64(i+1), domain.KindProduct, string(rune('a'+i)), domain.OpCreate, 0))
	}
	_, err := auth.ApplyPush(ctx, "sat-1", changes)
	require.NoError(t, err)

	page, err := auth.ServePull(ctx, domain.KindProduct, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)

	page, err = auth.ServePull(ctx, domain.KindProduct, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)

	page, err = auth.ServePull(ctx, domain.KindProduct, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.False(t, page.HasMore)
}

func TestServePullAheadCursorRequiresFullSync(t *testing.T) {
	auth := newTestAuthority(t)
	ctx := context.Background()

	page, err := auth.ServePull(ctx, domain.KindProduct, 99, 10)
	require.NoError(t, err)
	require.True(t, page.FullSyncRequired)
}

func TestEngineAgainstAuthorityRoundTrip(t *testing.T) {
	auth := newTestAuthority(t)

	remote := &fakeRemote{
		pushFn: func(ctx context.Context, changes []*domain.PendingChange) ([]domain.PushResult, error) {
			return auth.ApplyPush(ctx, "sat-1", changes)
		},
		pullFn: func(ctx context.Context, kind string, after int64, limit int) (*domain.PullPage, error) {
			return auth.ServePull(ctx, kind, after, limit)
		},
	}
	eng, dbConn := newTestEngine(t, remote)
	ctx := context.Background()

	require.NoError(t, eng.Enqueue(ctx, domain.KindProduct, "p1", domain.OpCreate, []byte(`{"stock":3}`), 0))
	require.NoError(t, eng.PushPending(ctx))
	require.NoError(t, eng.DeltaSync(ctx))

	var snap domain.EntitySnapshot
	require.NoError(t, dbConn.Raw(
		`SELECT * FROM entity_snapshots WHERE entity_kind = ? AND entity_id = ?`,
		domain.KindProduct, "p1").Scan(&snap).Error)
	require.EqualValues(t, 1, snap.ServerVersion)
}
