package depstate

import (
	"fmt"
	"os"
)

// Stamp summarises the on-disk state of a file well enough to detect
// change without a full content read. The zero value is StampMissing.
type Stamp struct {
	Size    int64
	MTime   int64 // unix nanoseconds
	Mode    uint32
	Present bool // false for StampMissing; exported so it survives gob round-trips
}

// StampMissing is the sentinel Stamp for a file that does not exist on disk.
var StampMissing = Stamp{}

// Valid reports whether the Stamp was taken from a real file, as opposed to
// being StampMissing.
func (s Stamp) Valid() bool { return s.Present }

// String renders the Stamp for diagnostic logging.
func (s Stamp) String() string {
	if !s.Present {
		return "missing"
	}
	return fmt.Sprintf("%d:%d:%o", s.Size, s.MTime, s.Mode)
}

// StatStamp stats path and returns its Stamp, or StampMissing if the file
// does not exist. Per spec, in-place-modification detection prefers mtime
// over ctime; StatStamp follows suit (the older ctime-based variant is not
// implemented).
func StatStamp(path string) (Stamp, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return StampMissing, nil
	}
	if err != nil {
		return StampMissing, err
	}
	return Stamp{
		Size:    info.Size(),
		MTime:   info.ModTime().UnixNano(),
		Mode:    uint32(info.Mode()),
		Present: true,
	}, nil
}
