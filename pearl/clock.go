package pearl

import (
	"time"

	brimtime "github.com/gholt/brimtime"
)

// systemNow returns the current time as Unix seconds, going through
// brimtime.TimeToUnixMicro the way the teacher's package doc describes
// for every timestamp in the system, then truncating to seconds since
// spec.md's BobMeta timestamp is second-resolution rather than the
// teacher's microsecond resolution.
func systemNow() int64 {
	return brimtime.TimeToUnixMicro(time.Now()) / 1e6
}
