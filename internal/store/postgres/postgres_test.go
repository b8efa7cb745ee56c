package postgres

import (
	"context"
	"testing"

	"github.com/anji4cp/streamnexus/internal/store/storetest"
	"github.com/anji4cp/streamnexus/internal/testutil"
)

func TestPostgresContract(t *testing.T) {
	db, err := New(testutil.Postgres(t))
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, db)
}
