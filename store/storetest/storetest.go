// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quest-pipeline/store"
)

// New returns a migrated store over a private in-memory database.
func New(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := store.New(db, zerolog.Nop())
	require.NoError(t, s.Migrate())
	return s
}
