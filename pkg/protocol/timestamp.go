package protocol

import (
	"strings"
	"time"
)

// SeoulOffset is assumed for server timestamps that carry no zone. The
// server formats createDate in Asia/Seoul, which has no DST.
var SeoulOffset = time.FixedZone("KST", 9*60*60)

// Fractional seconds are accepted by both layouts when parsing.
var zonelessLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseCreateDate parses a server createDate. RFC 3339 values keep their own
// offset; zone-less values are read at SeoulOffset.
func ParseCreateDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, SeoulOffset); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
