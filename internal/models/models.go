package models

import (
	"time"
)

// SourceFile represents one uploaded audio file and the probe document
// captured when it was ingested. Rows are never updated.
type SourceFile struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Filename  string    `gorm:"size:512;not null;uniqueIndex:idx_source_files_filename" json:"filename"`
	ProbeData string    `gorm:"type:text;not null" json:"probe_data"`
	CreatedAt time.Time `json:"created_at"`
}

// SongMetadata represents the outcome of one scan. A new row is written
// per scan so history accumulates.
type SongMetadata struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Title       string    `gorm:"size:512" json:"title"`
	Artist      string    `gorm:"size:512" json:"artist"`
	Album       string    `gorm:"size:512" json:"album"`
	AlbumArtist string    `gorm:"size:512" json:"album_artist"`
	Track       *int      `json:"track,omitempty"`
	Disc        *int      `json:"disc,omitempty"`
	Date        *string   `gorm:"size:64" json:"date,omitempty"`
	Duration    float64   `gorm:"not null;default:0" json:"duration"`
	CoverURL    *string   `gorm:"size:1024" json:"cover_url,omitempty"`
	Codec       string    `gorm:"size:64" json:"codec,omitempty"`
	BitRate     int64     `json:"bit_rate,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SourceMetadataMapping points a source file at its current metadata row
type SourceMetadataMapping struct {
	SourceID   int64     `gorm:"primaryKey;autoIncrement:false" json:"source_id"`
	MetadataID int64     `gorm:"not null;index:idx_song_metadata_mappings_metadata" json:"metadata_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}
