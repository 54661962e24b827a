package repository_test

import (
	"context"
	"os"
	"testing"

	"github.com/dharsanguruparan/snapcheck/internal/database"
	"github.com/dharsanguruparan/snapcheck/internal/repository"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
	"github.com/dharsanguruparan/snapcheck/internal/storetest"
)

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("SNAPCHECK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SNAPCHECK_TEST_DATABASE_URL not set")
	}
	storetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		pool, err := database.Connect(ctx, dsn)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			t.Fatalf("EnsureSchema: %v", err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE work_items`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		store := repository.NewPostgresStore(pool)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
