package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"shpotify/internal/jobs"
	"shpotify/internal/models"
	"shpotify/internal/storage"
)

// SourceResponse is a source file with its current metadata, if scanned
type SourceResponse struct {
	ID        int64                `json:"id"`
	Filename  string               `json:"filename"`
	CreatedAt string               `json:"created_at"`
	Metadata  *models.SongMetadata `json:"metadata,omitempty"`
}

// StatsResponse summarizes the metadata store
type StatsResponse struct {
	SourceFiles  int64 `json:"source_files"`
	MetadataRows int64 `json:"metadata_rows"`
}

// Ping answers liveness probes
func (s *Server) Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// UploadSong stores the multipart "file" under its content name and queues it for ingestion
func (s *Server) UploadSong(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		s.deps.Metrics.Upload("invalid")
		return fiber.NewError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := header.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	bucket := s.cfg.Storage.Bucket
	name := storage.ContentName(data, header.Filename)

	exists, err := s.deps.Objects.Exists(ctx, bucket, name)
	if err != nil {
		return err
	}
	if exists {
		s.deps.Metrics.Upload("duplicate")
		return fiber.NewError(http.StatusBadRequest, "File already existed")
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := s.deps.Objects.Put(ctx, bucket, name, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		s.deps.Metrics.Upload("failed")
		return err
	}

	body, err := jobs.Encode(jobs.SongUploadJob{URL: url})
	if err != nil {
		return err
	}
	if err := s.deps.Publisher.Publish(ctx, s.cfg.Queues.SongUploads, body); err != nil {
		s.deps.Metrics.Upload("failed")
		return err
	}

	s.deps.Metrics.Upload("accepted")
	s.logger.Info().Str("url", url).Int("bytes", len(data)).Msg("Song uploaded")
	return c.SendString("Uploaded to " + url)
}

// RescanAllMeta asks the workers to rescan every source file
func (s *Server) RescanAllMeta(c *fiber.Ctx) error {
	body, err := jobs.Encode(jobs.RescanAllMeta)
	if err != nil {
		return err
	}
	if err := s.deps.Publisher.Publish(c.UserContext(), s.cfg.Queues.Misc, body); err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).SendString("Rescan requested")
}

// ScanSong queues a scan of one source file
func (s *Server) ScanSong(c *fiber.Ctx) error {
	id, err := sourceID(c)
	if err != nil {
		return err
	}
	body, err := jobs.Encode(jobs.SongScanJob{SourceID: id})
	if err != nil {
		return err
	}
	if err := s.deps.Publisher.Publish(c.UserContext(), s.cfg.Queues.ScanJobs, body); err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"source_id": id})
}

// GetSource returns a source file and the metadata its mapping points at
func (s *Server) GetSource(c *fiber.Ctx) error {
	id, err := sourceID(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	src, err := s.deps.Sources.GetSourceFile(ctx, id)
	if err != nil {
		return err
	}
	resp := SourceResponse{
		ID:        src.ID,
		Filename:  src.Filename,
		CreatedAt: src.CreatedAt.UTC().Format(time.RFC3339),
	}

	meta, err := s.deps.Sources.CurrentMetadata(ctx, id)
	if err == nil {
		resp.Metadata = meta
	} else if statusFor(err) != http.StatusNotFound {
		return err
	}
	return c.JSON(resp)
}

func sourceID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "id must be a positive integer")
	}
	return id, nil
}

// Stats reports how many source files and metadata rows are stored
func (s *Server) Stats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	sources, err := s.deps.Sources.CountSourceFiles(ctx)
	if err != nil {
		return err
	}
	rows, err := s.deps.Sources.CountMetadata(ctx)
	if err != nil {
		return err
	}
	return c.JSON(StatsResponse{SourceFiles: sources, MetadataRows: rows})
}
