package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shpotify/internal/config"
	"shpotify/internal/jobs"
)

func TestContentName(t *testing.T) {
	data := []byte("hello")
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592.mp3", ContentName(data, "Song.MP3"))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", ContentName(data, "noext"))
	assert.Equal(t, ContentName(data, "a.flac"), ContentName(data, "b.FLAC"))
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "http://localhost:19000/sourcefiles/abc.mp3", ObjectURL("http://localhost:19000/", "sourcefiles", "abc.mp3"))
	assert.Equal(t, "http://store/sourcefiles/a%20b.mp3", ObjectURL("http://store", "sourcefiles", "a b.mp3"))
}

func TestObjectURL_RoundTripsFilename(t *testing.T) {
	name := ContentName([]byte("audio"), "x.ogg")
	got, err := jobs.FilenameFromURL(ObjectURL("http://store", "sourcefiles", name))
	require.NoError(t, err)
	assert.Equal(t, name, got)

	// A percent sign in the uploaded extension survives the trip
	name = ContentName([]byte("abc"), "song.mp%41")
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72.mp%41", name)
	got, err = jobs.FilenameFromURL(ObjectURL("http://store", "sourcefiles", name))
	require.NoError(t, err)
	assert.Equal(t, name, got)
}

func TestNewMinioStore(t *testing.T) {
	s, err := NewMinioStore(config.StorageConfig{Endpoint: "localhost:19000", Bucket: "sourcefiles"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:19000", s.publicURL)

	s, err = NewMinioStore(config.StorageConfig{Endpoint: "s3.example.com", UseSSL: true, PublicURL: "https://cdn.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com", s.publicURL)
}
