// Package metadata turns a probe document into the song metadata recorded
// for one scan.
package metadata

import (
	"sort"
	"strconv"
	"strings"

	"shpotify/internal/probe"
)

// Song is the metadata derived from one probe document
type Song struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	Track       *int
	Disc        *int
	Date        *string
	Duration    float64
	CoverURL    *string
	Codec       string
	BitRate     int64
	// CoverArtStreams counts embedded pictures that were skipped
	CoverArtStreams int
}

// Tag key aliases, matched case-insensitively in order
var (
	titleKeys       = []string{"title"}
	artistKeys      = []string{"artist"}
	albumKeys       = []string{"album"}
	albumArtistKeys = []string{"album_artist", "albumartist", "album artist"}
	trackKeys       = []string{"track", "tracknumber"}
	discKeys        = []string{"disc", "discnumber"}
	dateKeys        = []string{"date", "year"}
)

// Derive extracts song metadata from a probe document. Container tags take
// precedence over tags on the first audio stream.
func Derive(result *probe.Result) Song {
	var song Song
	if result == nil {
		return song
	}

	audio := result.AudioStreams()
	sources := []tagSet{newTagSet(result.Format.Tags)}
	if len(audio) > 0 {
		sources = append(sources, newTagSet(audio[0].Tags))
	}

	lookup := func(keys []string) (string, bool) {
		for _, src := range sources {
			if v, ok := src.get(keys); ok {
				return v, true
			}
		}
		return "", false
	}

	song.Title, _ = lookup(titleKeys)
	song.Artist, _ = lookup(artistKeys)
	song.Album, _ = lookup(albumKeys)
	song.AlbumArtist, _ = lookup(albumArtistKeys)
	if v, ok := lookup(trackKeys); ok {
		song.Track = leadingInt(v)
	}
	if v, ok := lookup(discKeys); ok {
		song.Disc = leadingInt(v)
	}
	if v, ok := lookup(dateKeys); ok {
		song.Date = &v
	}

	if len(audio) > 0 {
		first := audio[0]
		song.Codec = first.CodecName
		if d, ok := probe.DurationSeconds(first.Duration); ok {
			song.Duration = d
		}
		if br, err := strconv.ParseInt(strings.TrimSpace(first.BitRate), 10, 64); err == nil {
			song.BitRate = br
		}
	}
	if song.Duration == 0 {
		if d, ok := probe.DurationSeconds(result.Format.Duration); ok {
			song.Duration = d
		}
	}
	if song.BitRate == 0 {
		if br, err := strconv.ParseInt(strings.TrimSpace(result.Format.BitRate), 10, 64); err == nil {
			song.BitRate = br
		}
	}

	for _, s := range result.Streams {
		if s.IsAttachedPicture() {
			song.CoverArtStreams++
		}
	}

	return song
}

// tagSet indexes tags by lower-cased key. When several keys differ only in
// case the one that sorts first wins, so derivation is deterministic.
type tagSet map[string]string

func newTagSet(tags map[string]string) tagSet {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := make(tagSet, len(tags))
	for _, k := range keys {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, exists := set[lk]; exists {
			continue
		}
		v := strings.TrimSpace(tags[k])
		if v == "" {
			continue
		}
		set[lk] = v
	}
	return set
}

func (t tagSet) get(keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := t[k]; ok {
			return v, true
		}
	}
	return "", false
}

// leadingInt parses the leading decimal digits of s, so "3/12" yields 3
func leadingInt(s string) *int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return nil
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return nil
	}
	return &n
}
