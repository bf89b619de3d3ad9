package wal

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
)

// DefaultSegmentSize is the roll threshold for segment files
const DefaultSegmentSize = 1 << 20

// segmentName builds the path of the segment whose first record
// carries the given LSN
func segmentName(prefix string, first page.Lsn) string {
	return fmt.Sprintf("%s-%016x", prefix, uint64(first))
}

// decodeSegmentName extracts the first LSN from a segment path, or
// false if the path is not a segment of this log
func decodeSegmentName(prefix, name string) (page.Lsn, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok || len(rest) != 16 {
		return 0, false
	}
	first, err := strconv.ParseUint(rest, 16, 64)
	if err != nil {
		return 0, false
	}
	return page.Lsn(first), true
}

// HasSegments reports whether any segment of this log exists
func HasSegments(e env.Env, prefix string) (bool, error) {
	segments, err := listSegments(e, prefix)
	return len(segments) > 0, err
}

type segmentInfo struct {
	path  string
	first page.Lsn
}

// listSegments returns this log's segments sorted by first LSN
func listSegments(e env.Env, prefix string) ([]segmentInfo, error) {
	names, err := e.List(filepath.Dir(prefix))
	if err != nil {
		return nil, err
	}
	var segments []segmentInfo
	for _, name := range names {
		if first, ok := decodeSegmentName(prefix, name); ok {
			segments = append(segments, segmentInfo{path: name, first: first})
		}
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].first < segments[j].first
	})
	return segments, nil
}
