// Package testing provides testing utilities and helpers for the taovault project.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/taovault/taovault/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB opens a file-backed SQLite database in a per-test temp
// directory and applies the embedded schema for name. The returned
// cleanup closes the connection and may be called more than once;
// the file itself goes away with the test's temp directory.
//
// Recognized names and their schemas:
//   - "treasury" - wallets, positions, transactions, cost basis
//   - "market" - subnets, validators, slippage surfaces
//   - "config" - settings, viability config
//   - "history" - snapshots, NAV history
//   - "cache" - TTL key/value entries
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	path := filepath.Join(t.TempDir(), name+".db")
	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("open test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("migrate test database %s: %v", name, err)
	}

	closed := false
	cleanup := func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("close test database %s: %v", name, err)
		}
	}
	return db, cleanup
}
