// Package store is the metadata store: source files, the metadata history
// written by scans, and the one-to-one mapping from a source file to its
// current metadata.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shpotify/internal/config"
	"shpotify/internal/models"
)

var (
	// ErrSourceNotFound is returned when a referenced source file does not exist
	ErrSourceNotFound = errors.New("source file not found")
	// ErrDuplicateSource is returned when a source file with the same filename exists
	ErrDuplicateSource = errors.New("source file already exists")
	// ErrCorruptRow is returned when a stored row fails validation on read
	ErrCorruptRow = errors.New("corrupt row")
)

// Store provides the metadata store operations
type Store struct {
	db     *gorm.DB
	tables config.TableConfig
}

// New creates a store over db using the configured table names
func New(db *gorm.DB, tables config.TableConfig) *Store {
	return &Store{db: db, tables: tables}
}

func (s *Store) sources(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.tables.SourceFiles)
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql.DB")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping database")
}

// CreateSourceFile inserts a new source file row and returns it with its id
func (s *Store) CreateSourceFile(ctx context.Context, filename string, probeData []byte) (*models.SourceFile, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, errors.New("filename cannot be empty")
	}
	row := &models.SourceFile{
		Filename:  filename,
		ProbeData: string(probeData),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sources(ctx).Create(row).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, errors.Wrapf(ErrDuplicateSource, "filename %q", filename)
		}
		return nil, errors.Wrap(err, "insert source file")
	}
	return row, nil
}

// GetSourceFile loads a source file by id
func (s *Store) GetSourceFile(ctx context.Context, id int64) (*models.SourceFile, error) {
	var row models.SourceFile
	err := s.sources(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrSourceNotFound, "id %d", id)
		}
		return nil, errors.Wrapf(err, "load source file %d", id)
	}
	if err := validateSourceFile(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

// FindSourceFileByFilename loads a source file by its unique filename
func (s *Store) FindSourceFileByFilename(ctx context.Context, filename string) (*models.SourceFile, error) {
	var row models.SourceFile
	err := s.sources(ctx).Where("filename = ?", filename).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrSourceNotFound, "filename %q", filename)
		}
		return nil, errors.Wrapf(err, "load source file %q", filename)
	}
	if err := validateSourceFile(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

// CountSourceFiles returns the number of source file rows
func (s *Store) CountSourceFiles(ctx context.Context) (int64, error) {
	var n int64
	if err := s.sources(ctx).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "count source files")
	}
	return n, nil
}

// EachSourceFileID walks every source file id in ascending order, loading
// batchSize ids per query. Walking stops at the first error fn returns.
func (s *Store) EachSourceFileID(ctx context.Context, batchSize int, fn func(id int64) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var last int64
	for {
		var ids []int64
		err := s.sources(ctx).
			Where("id > ?", last).
			Order("id ASC").
			Limit(batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return errors.Wrap(err, "list source file ids")
		}
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
			last = id
		}
		if len(ids) < batchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// SaveScan records a new metadata row and points the source's mapping at it.
// Both writes commit together.
func (s *Store) SaveScan(ctx context.Context, sourceID int64, meta *models.SongMetadata) (*models.SourceMetadataMapping, error) {
	if sourceID <= 0 {
		return nil, errors.Errorf("invalid source id %d", sourceID)
	}
	var mapping models.SourceMetadataMapping
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meta.ID = 0
		if meta.CreatedAt.IsZero() {
			meta.CreatedAt = time.Now().UTC()
		}
		if err := tx.Table(s.tables.SongMetadata).Create(meta).Error; err != nil {
			return errors.Wrap(err, "insert song metadata")
		}

		mapping = models.SourceMetadataMapping{
			SourceID:   sourceID,
			MetadataID: meta.ID,
			UpdatedAt:  time.Now().UTC(),
		}
		err := tx.Table(s.tables.Mappings).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"metadata_id", "updated_at"}),
		}).Create(&mapping).Error
		return errors.Wrap(err, "upsert metadata mapping")
	})
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// GetMapping returns the mapping row of a source file
func (s *Store) GetMapping(ctx context.Context, sourceID int64) (*models.SourceMetadataMapping, error) {
	var mapping models.SourceMetadataMapping
	err := s.db.WithContext(ctx).Table(s.tables.Mappings).Where("source_id = ?", sourceID).Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrSourceNotFound, "no mapping for source %d", sourceID)
		}
		return nil, errors.Wrapf(err, "load mapping for source %d", sourceID)
	}
	return &mapping, nil
}

// HasMapping reports whether the source file has been scanned at least once
func (s *Store) HasMapping(ctx context.Context, sourceID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Table(s.tables.Mappings).Where("source_id = ?", sourceID).Count(&n).Error
	if err != nil {
		return false, errors.Wrapf(err, "check mapping for source %d", sourceID)
	}
	return n > 0, nil
}

// CurrentMetadata returns the metadata row the source's mapping points at
func (s *Store) CurrentMetadata(ctx context.Context, sourceID int64) (*models.SongMetadata, error) {
	mapping, err := s.GetMapping(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	var meta models.SongMetadata
	err = s.db.WithContext(ctx).Table(s.tables.SongMetadata).Where("id = ?", mapping.MetadataID).Take(&meta).Error
	if err != nil {
		return nil, errors.Wrapf(err, "load metadata %d", mapping.MetadataID)
	}
	return &meta, nil
}

// CountMetadata returns the number of metadata rows recorded for all sources
func (s *Store) CountMetadata(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Table(s.tables.SongMetadata).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "count song metadata")
	}
	return n, nil
}

func validateSourceFile(row *models.SourceFile) error {
	if row.ID <= 0 || strings.TrimSpace(row.Filename) == "" {
		return errors.Wrapf(ErrCorruptRow, "source file %d has no filename", row.ID)
	}
	return nil
}

// isDuplicateKey recognizes unique violations, including drivers that do
// not translate them to gorm.ErrDuplicatedKey.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
