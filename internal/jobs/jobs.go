// Package jobs defines the payloads carried on the pipeline queues and the
// validation applied to them when a message is taken off the broker.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Job type names, used for logging and metrics labels
const (
	TypeSongUpload  = "song_upload"
	TypeSongScan    = "song_scan"
	TypeMiscCommand = "misc_command"
)

// ErrInvalidPayload marks a message that can never be processed
var ErrInvalidPayload = errors.New("invalid job payload")

// ValidationError describes why a payload was rejected
type ValidationError struct {
	JobType string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.JobType, e.Reason)
}

// Is lets errors.Is match ErrInvalidPayload
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// SongUploadJob announces a file that has been put into the object store
type SongUploadJob struct {
	URL string `json:"url" validate:"required,url"`
}

// SongScanJob requests a metadata scan of one source file
type SongScanJob struct {
	SourceID int64 `json:"source_id" validate:"required,gt=0"`
}

// MiscCommand is an administrative command on the misc queue
type MiscCommand string

const (
	// RescanAllMeta re-drives the scan of every known source file
	RescanAllMeta MiscCommand = "rescan_all_meta"
)

var knownCommands = map[MiscCommand]struct{}{
	RescanAllMeta: {},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseSongUpload decodes and validates a song upload payload
func ParseSongUpload(body []byte) (SongUploadJob, error) {
	var job SongUploadJob
	if err := decodeStrict(body, &job); err != nil {
		return SongUploadJob{}, &ValidationError{JobType: TypeSongUpload, Reason: err.Error()}
	}
	if err := validate.Struct(job); err != nil {
		return SongUploadJob{}, &ValidationError{JobType: TypeSongUpload, Reason: describe(err)}
	}
	if _, err := FilenameFromURL(job.URL); err != nil {
		return SongUploadJob{}, &ValidationError{JobType: TypeSongUpload, Reason: err.Error()}
	}
	return job, nil
}

// ParseSongScan decodes and validates a scan request payload
func ParseSongScan(body []byte) (SongScanJob, error) {
	var job SongScanJob
	if err := decodeStrict(body, &job); err != nil {
		return SongScanJob{}, &ValidationError{JobType: TypeSongScan, Reason: err.Error()}
	}
	if err := validate.Struct(job); err != nil {
		return SongScanJob{}, &ValidationError{JobType: TypeSongScan, Reason: describe(err)}
	}
	return job, nil
}

// ParseMiscCommand accepts either the bare command text or a JSON string
func ParseMiscCommand(body []byte) (MiscCommand, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return "", &ValidationError{JobType: TypeMiscCommand, Reason: err.Error()}
		}
		text = strings.TrimSpace(s)
	}
	cmd := MiscCommand(text)
	if _, ok := knownCommands[cmd]; !ok {
		return "", &ValidationError{JobType: TypeMiscCommand, Reason: fmt.Sprintf("unknown command %q", text)}
	}
	return cmd, nil
}

// Encode serializes a job for publishing
func Encode(job interface{}) ([]byte, error) {
	switch j := job.(type) {
	case MiscCommand:
		return []byte(j), nil
	case SongUploadJob, SongScanJob:
		if err := validate.Struct(j); err != nil {
			return nil, fmt.Errorf("refusing to encode invalid job: %s", describe(err))
		}
		return json.Marshal(j)
	default:
		return nil, fmt.Errorf("unsupported job type %T", job)
	}
}

// FilenameFromURL returns the last path segment of an object URL, unescaped
// once so it matches the object name the URL was built from
func FilenameFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("unparseable url: %w", err)
	}
	escaped := u.EscapedPath()
	if escaped == "" || strings.HasSuffix(escaped, "/") {
		return "", fmt.Errorf("url %q has no file name", raw)
	}
	segment := escaped[strings.LastIndex(escaped, "/")+1:]
	name, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("url %q has a malformed file name: %w", raw, err)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("url %q has no file name", raw)
	}
	return name, nil
}

func decodeStrict(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after payload")
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
