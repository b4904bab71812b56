package service

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/protocol"
	"github.com/girosoft/giro-core/internal/session/domain"
	"github.com/girosoft/giro-core/pkg/db"
)

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type manager struct {
	log    *zap.Logger
	db     *gorm.DB
	repo   domain.Repository
	clk    clock.Clock
	secret []byte
	cfg    config.Config

	// guards the evict-then-insert and renew rotate paths
	mu sync.Mutex
}

func New(log *zap.Logger, db *gorm.DB, repo domain.Repository, clk clock.Clock, cfg config.Config) domain.Manager {
	secret := []byte(cfg.MasterSecret)
	if len(secret) == 0 {
		// No shared secret configured. Sessions still work but do not
		// survive a restart of this process.
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
		log.Named("session").Warn("no master secret configured, using ephemeral signing key")
	}
	return &manager{
		log:    log.Named("session"),
		db:     db,
		repo:   repo,
		clk:    clk,
		secret: secret,
		cfg:    cfg,
	}
}

func (m *manager) Create(ctx context.Context, principal, role, deviceName string) (*domain.Session, string, error) {
	if principal == "" {
		return nil, "", protocol.NewError(protocol.CodeValidationError, "principal is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	s := &domain.Session{
		ID:             uuid.NewString(),
		Principal:      principal,
		Role:           role,
		DeviceName:     deviceName,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		RenewedAt:      now,
		LastActivityAt: now,
	}

	err := m.db.Transaction(func(tx *gorm.DB) error {
		existing, err := m.repo.ListByPrincipal(ctx, tx, principal)
		if err != nil {
			return err
		}
		live := existing[:0]
		for _, e := range existing {
			if !e.Expired(now) {
				live = append(live, e)
			}
		}
		// Oldest-first eviction keeps the newest sessions alive.
		for len(live) >= m.cfg.SessionMaxPerPrincipal {
			evict := live[0]
			live = live[1:]
			if err := m.repo.Delete(ctx, tx, evict.ID); err != nil {
				return err
			}
			m.log.Info("session evicted",
				zap.String("session_id", evict.ID),
				zap.String("principal", principal))
		}
		return m.repo.Insert(ctx, tx, s)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, "", protocol.WrapError(protocol.CodeConflict, "session id already exists", err)
		}
		return nil, "", protocol.WrapError(protocol.CodeInternal, "create session", err)
	}

	token, err := m.sign(s)
	if err != nil {
		return nil, "", err
	}
	return s, token, nil
}

func (m *manager) Validate(ctx context.Context, token string) (*domain.Session, error) {
	c, err := m.parse(token)
	if err != nil {
		return nil, err
	}

	s, err := m.repo.FindByID(ctx, m.db, c.ID)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load session", err)
	}
	if s == nil {
		return nil, protocol.NewError(protocol.CodeUnauthenticated, "session revoked")
	}
	now := m.clk.Now()
	if s.Expired(now) {
		return nil, protocol.NewError(protocol.CodeAuthExpired, "session expired")
	}

	// Activity is best effort; a failed stamp must not reject the token.
	if err := m.repo.Touch(ctx, m.db, s.ID, now); err != nil {
		m.log.Warn("session activity stamp failed", zap.String("session_id", s.ID), zap.Error(err))
	} else {
		s.LastActivityAt = now
	}
	return s, nil
}

func (m *manager) Renew(ctx context.Context, token string) (*domain.Session, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.Validate(ctx, token)
	if err != nil {
		return nil, "", err
	}

	// Rotation: the renewed session gets a new id, so the token it
	// replaces stops resolving.
	now := m.clk.Now()
	next := &domain.Session{
		ID:             uuid.NewString(),
		Principal:      s.Principal,
		Role:           s.Role,
		DeviceName:     s.DeviceName,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		RenewedAt:      now,
		LastActivityAt: now,
	}
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if err := m.repo.Delete(ctx, tx, s.ID); err != nil {
			return err
		}
		return m.repo.Insert(ctx, tx, next)
	})
	if err != nil {
		return nil, "", protocol.WrapError(protocol.CodeInternal, "renew session", err)
	}

	fresh, err := m.sign(next)
	if err != nil {
		return nil, "", err
	}
	return next, fresh, nil
}

func (m *manager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.repo.Delete(ctx, m.db, sessionID); err != nil {
		return protocol.WrapError(protocol.CodeInternal, "revoke session", err)
	}
	return nil
}

func (m *manager) RevokeAllForPrincipal(ctx context.Context, principal string) (int64, error) {
	n, err := m.repo.DeleteByPrincipal(ctx, m.db, principal)
	if err != nil {
		return 0, protocol.WrapError(protocol.CodeInternal, "revoke principal sessions", err)
	}
	if n > 0 {
		m.log.Info("principal sessions revoked",
			zap.String("principal", principal),
			zap.Int64("count", n))
	}
	return n, nil
}

func (m *manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteExpired(ctx, m.db, m.clk.Now())
	if err != nil {
		return 0, protocol.WrapError(protocol.CodeInternal, "sweep sessions", err)
	}
	if n > 0 {
		m.log.Debug("expired sessions removed", zap.Int64("count", n))
	}
	return n, nil
}

func (m *manager) CountActive(ctx context.Context) (int64, error) {
	return m.repo.CountActive(ctx, m.db, m.clk.Now())
}

func (m *manager) sign(s *domain.Session) (string, error) {
	c := claims{
		Role: s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   s.Principal,
			IssuedAt:  jwt.NewNumericDate(s.RenewedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return "", protocol.WrapError(protocol.CodeInternal, "sign token", err)
	}
	return token, nil
}

func (m *manager) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.clk.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, protocol.NewError(protocol.CodeAuthExpired, "token expired")
		}
		return nil, protocol.WrapError(protocol.CodeUnauthenticated, "invalid token", err)
	}
	return &c, nil
}
