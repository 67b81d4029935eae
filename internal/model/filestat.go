package model

import (
	"io/fs"
	"os"
)

// FileStat is the observed identity of a file on disk. Staleness is decided
// by equality of the whole record, never by mtime ordering, so clock
// regressions are detected the same way as forward edits.
type FileStat struct {
	MtimeNS int64  `json:"mtime_ns"`
	Size    uint64 `json:"size"`
}

// Equal reports whether two stats denote the same observed file state
func (s FileStat) Equal(other FileStat) bool {
	return s.MtimeNS == other.MtimeNS && s.Size == other.Size
}

// DirtyStat is the sentinel stored for a file after a filesystem event has
// invalidated it. No real file stats to this value, so the next comparison
// always classifies dependents as stale.
var DirtyStat = FileStat{MtimeNS: -1, Size: 0}

// StatOf converts a fs.FileInfo into a FileStat
func StatOf(info fs.FileInfo) FileStat {
	return FileStat{
		MtimeNS: info.ModTime().UnixNano(),
		Size:    uint64(info.Size()),
	}
}

// StatPath stats a file on disk. The second return is false when the file
// does not exist or cannot be statted.
func StatPath(path string) (FileStat, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return FileStat{}, false
	}
	return StatOf(info), true
}
