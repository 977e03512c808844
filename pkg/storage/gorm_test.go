package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSQLStore runs against a real PostgreSQL when SHIPYARD_TEST_DATABASE_URL is set
func TestSQLStore(t *testing.T) {
	dsn := os.Getenv("SHIPYARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SHIPYARD_TEST_DATABASE_URL not set")
	}

	runStoreTests(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
