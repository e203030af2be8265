package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("CHATCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATCORE_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStorage(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	testStore(t, store)
}
