package database

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"shpotify/internal/config"
	"shpotify/internal/models"
)

// MigrationManager manages database migrations
type MigrationManager struct {
	db     *gorm.DB
	tables config.TableConfig
	logger zerolog.Logger
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *gorm.DB, tables config.TableConfig, logger zerolog.Logger) *MigrationManager {
	return &MigrationManager{
		db:     db,
		tables: tables,
		logger: logger,
	}
}

// Migrate creates or updates the three metadata store tables
func (m *MigrationManager) Migrate() error {
	targets := []struct {
		table string
		model interface{}
	}{
		{m.tables.SourceFiles, &models.SourceFile{}},
		{m.tables.SongMetadata, &models.SongMetadata{}},
		{m.tables.Mappings, &models.SourceMetadataMapping{}},
	}

	for _, target := range targets {
		if err := m.db.Table(target.table).AutoMigrate(target.model); err != nil {
			return fmt.Errorf("failed to migrate table %s: %w", target.table, err)
		}
	}

	m.logger.Info().
		Str("source_files", m.tables.SourceFiles).
		Str("song_metadata", m.tables.SongMetadata).
		Str("mappings", m.tables.Mappings).
		Msg("Database migrations completed successfully")
	return nil
}
