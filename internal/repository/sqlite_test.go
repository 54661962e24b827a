package repository_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dharsanguruparan/snapcheck/internal/database"
	"github.com/dharsanguruparan/snapcheck/internal/repository"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
	"github.com/dharsanguruparan/snapcheck/internal/storetest"
)

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "snapcheck.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		store := repository.NewSQLiteStore(db)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
