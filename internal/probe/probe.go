// Package probe wraps the external media prober (ffprobe) and the JSON
// document it produces. The same document is stored verbatim on each
// source file row and parsed again by the scan worker.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrProbeFailed is returned when the prober could not inspect the media
	ErrProbeFailed = errors.New("probe failed")
	// ErrInvalidProbeData is returned when stored probe data cannot be parsed
	ErrInvalidProbeData = errors.New("invalid probe data")
)

// Prober inspects a media URL and returns its probe document
type Prober interface {
	Probe(ctx context.Context, url string) (*Result, error)
}

// Result represents the parsed output from an ffprobe inspection
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
	raw     []byte
}

// Stream describes a single stream in the media container
type Stream struct {
	Index       int               `json:"index"`
	CodecName   string            `json:"codec_name"`
	CodecType   string            `json:"codec_type"`
	Duration    string            `json:"duration,omitempty"`
	BitRate     string            `json:"bit_rate,omitempty"`
	SampleRate  string            `json:"sample_rate,omitempty"`
	Channels    int               `json:"channels,omitempty"`
	Disposition map[string]int    `json:"disposition,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Format captures container-level metadata
type Format struct {
	Filename   string            `json:"filename"`
	NBStreams  int               `json:"nb_streams"`
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration,omitempty"`
	Size       string            `json:"size,omitempty"`
	BitRate    string            `json:"bit_rate,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Parse decodes a probe document. Documents without a single stream are rejected.
func Parse(raw []byte) (*Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidProbeData)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProbeData, err)
	}
	if len(result.Streams) == 0 {
		return nil, fmt.Errorf("%w: no streams", ErrInvalidProbeData)
	}
	result.raw = append([]byte(nil), raw...)
	return &result, nil
}

// RawJSON returns the probe document as it was produced
func (r *Result) RawJSON() []byte {
	if len(r.raw) == 0 {
		data, _ := json.Marshal(r)
		return data
	}
	return append([]byte(nil), r.raw...)
}

// AudioStreams returns the audio streams in container order
func (r *Result) AudioStreams() []Stream {
	var streams []Stream
	for _, s := range r.Streams {
		if strings.EqualFold(s.CodecType, "audio") {
			streams = append(streams, s)
		}
	}
	return streams
}

// IsAttachedPicture reports whether the stream is embedded cover art
func (s Stream) IsAttachedPicture() bool {
	if s.Disposition["attached_pic"] == 1 {
		return true
	}
	if !strings.EqualFold(s.CodecType, "video") {
		return false
	}
	switch strings.ToLower(s.CodecName) {
	case "mjpeg", "png", "bmp", "gif", "webp":
		return true
	}
	return false
}

// DurationSeconds parses a duration string, reporting whether it held a usable value
func DurationSeconds(value string) (float64, bool) {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || parsed < 0 {
		return 0, false
	}
	return parsed, true
}

// FFProbe runs the ffprobe binary
type FFProbe struct {
	Binary string
	// Timeout bounds a single probe; zero leaves it to the caller's context.
	Timeout time.Duration
}

// NewFFProbe creates an ffprobe-backed prober
func NewFFProbe(binary string, timeout time.Duration) *FFProbe {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFProbe{Binary: binary, Timeout: timeout}
}

// Probe executes ffprobe against url and decodes the JSON response
func (f *FFProbe) Probe(ctx context.Context, url string) (*Result, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: empty url", ErrProbeFailed)
	}
	parent := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, f.Binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", url)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		// The caller's context ended; keep its error in the chain for the consumer
		if cerr := parent.Err(); cerr != nil {
			return nil, fmt.Errorf("%w: %w", ErrProbeFailed, cerr)
		}
		return nil, fmt.Errorf("%w: %v: %s", ErrProbeFailed, err, strings.TrimSpace(stderr.String()))
	}

	result, err := Parse(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	return result, nil
}
