package service

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/settings/domain"
)

// Store reads and writes persisted terminal settings. Network settings
// saved here also refresh the in-memory holder so running components pick
// them up without a restart.
type Store struct {
	log    *zap.Logger
	db     *gorm.DB
	repo   domain.Repository
	holder *config.SettingsHolder
}

func New(log *zap.Logger, db *gorm.DB, repo domain.Repository, holder *config.SettingsHolder) *Store {
	return &Store{
		log:    log.Named("settings"),
		db:     db,
		repo:   repo,
		holder: holder,
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	row, err := s.repo.Get(ctx, s.db, key)
	if err != nil {
		return "", false, err
	}
	if row == nil {
		return "", false, nil
	}
	return row.Value, true, nil
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	return s.repo.Put(ctx, s.db, key, value)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.repo.Delete(ctx, s.db, key)
}

// Network returns the effective network settings: the holder's current
// values overlaid with anything persisted in the database.
func (s *Store) Network(ctx context.Context) (config.NetworkSettings, error) {
	ns := s.holder.Get()

	rows, err := s.repo.ListByPrefix(ctx, s.db, "network.")
	if err != nil {
		return ns, err
	}
	for _, row := range rows {
		switch row.Key {
		case domain.KeyNetworkMasterIP:
			ns.MasterIP = row.Value
		case domain.KeyNetworkMasterPort:
			if p, err := strconv.Atoi(row.Value); err == nil && p > 0 && p <= 65535 {
				ns.MasterPort = p
			}
		case domain.KeyNetworkSecret:
			ns.Secret = row.Value
		case domain.KeyNetworkAutoSync:
			if b, err := strconv.ParseBool(row.Value); err == nil {
				ns.AutoSync = b
			}
		}
	}
	return ns, nil
}

// SaveNetwork persists the settings and refreshes the holder.
func (s *Store) SaveNetwork(ctx context.Context, ns config.NetworkSettings) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Put(ctx, tx, domain.KeyNetworkMasterIP, ns.MasterIP); err != nil {
			return err
		}
		if err := s.repo.Put(ctx, tx, domain.KeyNetworkMasterPort, strconv.Itoa(ns.MasterPort)); err != nil {
			return err
		}
		if err := s.repo.Put(ctx, tx, domain.KeyNetworkSecret, ns.Secret); err != nil {
			return err
		}
		return s.repo.Put(ctx, tx, domain.KeyNetworkAutoSync, strconv.FormatBool(ns.AutoSync))
	})
	if err != nil {
		return err
	}

	s.holder.Set(ns)
	s.log.Info("network settings saved",
		zap.String("master_ip", ns.MasterIP),
		zap.Int("master_port", ns.MasterPort),
		zap.Bool("auto_sync", ns.AutoSync))
	return nil
}

// Hydrate loads persisted network settings into the holder at startup.
func (s *Store) Hydrate(ctx context.Context) error {
	ns, err := s.Network(ctx)
	if err != nil {
		return err
	}
	s.holder.Set(ns)
	return nil
}
