// Package ffprogress extracts encoder statistics from ffmpeg progress lines.
//
// ffmpeg prints periodic status lines to stderr such as:
//
//	frame=  120 fps= 30 q=-1.0 size=    1024kB time=00:00:04.00 bitrate=2097.2kbits/s drop=1 speed=1.01x
//
// Parse turns one such line into a Progress value. Lines without both fps= and
// bitrate= are not progress lines.
package ffprogress

import (
	"regexp"
	"strconv"
	"strings"
)

// Progress is one parsed status line.
type Progress struct {
	Frame       int64
	FPS         float64
	BitrateKbps float64
	Dropped     int64
	Speed       float64
}

var kvRe = regexp.MustCompile(`([a-z_]+)=\s*([^\s=]+)`)

// Parse reports whether line is a progress line and returns its fields.
// Unparseable values (e.g. "bitrate=N/A") are left at zero.
func Parse(line string) (Progress, bool) {
	if !strings.Contains(line, "fps=") || !strings.Contains(line, "bitrate=") {
		return Progress{}, false
	}

	var p Progress
	for _, m := range kvRe.FindAllStringSubmatch(line, -1) {
		key, val := m[1], m[2]
		switch key {
		case "frame":
			p.Frame, _ = strconv.ParseInt(val, 10, 64)
		case "fps":
			p.FPS, _ = strconv.ParseFloat(val, 64)
		case "bitrate":
			p.BitrateKbps, _ = strconv.ParseFloat(strings.TrimSuffix(val, "kbits/s"), 64)
		case "drop":
			p.Dropped, _ = strconv.ParseInt(val, 10, 64)
		case "speed":
			p.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(val, "x"), 64)
		}
	}
	return p, true
}

// LossPercent estimates the share of dropped frames over a window of
// windowSeconds at the current frame rate. Returns 0 when the rate is unknown.
func (p Progress) LossPercent(windowSeconds float64) float64 {
	if p.FPS <= 0 || windowSeconds <= 0 {
		return 0
	}
	total := p.FPS * windowSeconds
	return float64(p.Dropped) / total * 100
}
