package workercmd

import "path/filepath"

// HLSOptions describes one live HLS packaging run that reads raw media from
// stdin and writes a rolling segment window plus a playlist into Dir.
type HLSOptions struct {
	Binary         string   // worker executable, e.g. "ffmpeg"
	Dir            string   // segment store directory
	Manifest       string   // playlist file name inside Dir
	SegmentPattern string   // printf-style segment file name, e.g. "segment%d.ts"
	SegmentSeconds int      // target segment duration
	ListSize       int      // segments kept in the playlist
	StartNumber    int      // first media sequence number
	VideoCodec     string   // "copy" avoids re-encoding
	ExtraArgs      []string // appended before the output section
}

// FromHLS maps HLSOptions onto a Builder.
//
// Ordering matches ffmpeg's CLI grammar:
//
//	ffmpeg [global] -i pipe:0 [codec] -f hls [hls flags] <playlist>
func FromHLS(o HLSOptions) *Builder {
	b := NewBuilder(o.Binary)

	b.WithString("-hide_banner").
		WithStringFlag("-i", "pipe:0").
		WithStringFlag("-c:v", o.VideoCodec).
		WithStrings(o.ExtraArgs...).
		WithStringFlag("-f", "hls").
		WithIntFlag("-hls_time", o.SegmentSeconds).
		WithIntFlag("-hls_list_size", o.ListSize).
		WithStringFlag("-hls_flags", "delete_segments+append_list").
		WithStringFlag("-hls_segment_type", "mpegts").
		WithIntFlag("-start_number", o.StartNumber).
		WithStringFlag("-hls_segment_filename", filepath.Join(o.Dir, o.SegmentPattern)).
		WithString(filepath.Join(o.Dir, o.Manifest))

	return b
}

// BuildHLS constructs the canonical worker argv.
// Pure convenience over FromHLS(o).BuildArgv().
func BuildHLS(o HLSOptions) []string {
	return FromHLS(o).BuildArgv()
}
