package probe

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var errBadLine = errors.New("bad probe line")

// formatLine renders one probe packet.
func formatLine(seq int64, sentAt time.Time) string {
	return strconv.FormatInt(seq, 10) + ":" + strconv.FormatInt(sentAt.UnixMilli(), 10) + "\n"
}

// parseLine reads "SEQ" or "SEQ:TIMESTAMP". A missing timestamp yields the
// zero time.
func parseLine(line string) (seq int64, sentAt time.Time, err error) {
	line = strings.TrimSpace(line)
	seqPart, tsPart, hasTS := strings.Cut(line, ":")

	seq, err = strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return 0, time.Time{}, errBadLine
	}
	if !hasTS {
		return seq, time.Time{}, nil
	}
	ms, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, time.Time{}, errBadLine
	}
	return seq, time.UnixMilli(ms), nil
}
