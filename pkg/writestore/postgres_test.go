package writestore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Set CONVSYNC_POSTGRES_DSN to run against a disposable PostgreSQL database.
func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("CONVSYNC_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVSYNC_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.db.Migrator().DropTable(&entityRow{}, &changeRow{}))
	testStoreContract(t, s)
}
