package segstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Segment is one immutable media chunk referenced by the playlist.
type Segment struct {
	Index    int64   `json:"index"`    // media sequence number
	Name     string  `json:"name"`     // URI as written by the worker
	Duration float64 `json:"duration"` // seconds, from #EXTINF
}

// Manifest is the parsed live playlist: an ordered window of the most recent
// segments plus the media sequence counter.
type Manifest struct {
	TargetDuration int       `json:"targetDuration"`
	MediaSequence  int64     `json:"mediaSequence"`
	Segments       []Segment `json:"segments"`
	Ended          bool      `json:"ended"`
}

// Names returns the segment URIs in playlist order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Segments))
	for i, s := range m.Segments {
		names[i] = s.Name
	}
	return names
}

// ErrNotPlaylist is returned when the input lacks the #EXTM3U header.
var ErrNotPlaylist = errors.New("missing #EXTM3U header")

// ParseManifest reads an HLS media playlist.
// Unknown tags are ignored; each URI line consumes the preceding #EXTINF.
func ParseManifest(r io.Reader) (*Manifest, error) {
	sc := bufio.NewScanner(r)

	m := &Manifest{Segments: []Segment{}}
	header := false
	pending := -1.0

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if !header {
			if line != "#EXTM3U" {
				return nil, ErrNotPlaylist
			}
			header = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("target duration: %w", err)
			}
			m.TargetDuration = v

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("media sequence: %w", err)
			}
			m.MediaSequence = v

		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("extinf: %w", err)
			}
			pending = d

		case line == "#EXT-X-ENDLIST":
			m.Ended = true

		case strings.HasPrefix(line, "#"):
			// other tags and comments

		default:
			if pending < 0 {
				return nil, fmt.Errorf("segment %q without #EXTINF", line)
			}
			m.Segments = append(m.Segments, Segment{
				Index:    m.MediaSequence + int64(len(m.Segments)),
				Name:     line,
				Duration: pending,
			})
			pending = -1
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !header {
		return nil, ErrNotPlaylist
	}
	return m, nil
}
