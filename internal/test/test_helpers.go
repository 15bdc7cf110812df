package test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"shpotify/internal/config"
	"shpotify/internal/database"
)

// DefaultTables are the table names used by tests
var DefaultTables = config.TableConfig{
	SourceFiles:  "source_files",
	SongMetadata: "song_metadata",
	Mappings:     "song_metadata_mappings",
}

// GetTestDB opens a private in-memory SQLite database with the metadata
// store tables migrated
func GetTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), database.NewGORMConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = database.NewMigrationManager(db, DefaultTables, zerolog.Nop()).Migrate()
	require.NoError(t, err)

	return db
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	return timeoutError{}
}

type timeoutError struct{}

func (timeoutError) Error() string {
	return "timeout waiting for condition"
}
