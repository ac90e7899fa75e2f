package store

import (
	"fmt"
	"testing"

	"github.com/helixml/screenrelay/api/pkg/system"
)

// newTestStore opens an isolated in-memory sqlite database with the full
// schema migrated. cache=shared keeps every pooled connection pointed at
// the same database.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", system.GenerateUUID())
	db, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("failed to open test store: %s", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
