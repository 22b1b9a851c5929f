// Package store is the pipeline's persistence layer over gorm. It owns every
// query and conditional update the consumers and the scheduler rely on, so
// idempotency rules live next to the SQL that enforces them.
package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"quest-pipeline/models"
)

var ErrNotFound = errors.New("record not found")

// Store provides database access for quests, contributions, rewards and
// the supporting squad and account tables.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func New(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "quest_store").Logger(),
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates every pipeline table.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(models.All()...); err != nil {
		return errors.Wrap(err, "failed to migrate quest tables")
	}
	return nil
}

// Transaction runs fn against a store bound to one database transaction.
// Only the tx-bound store may be used inside fn.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// Ping checks the connection pool.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql db")
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
