package pit

import "time"

// Clock supplies the virtual clock's current instant in nanoseconds since
// an arbitrary fixed epoch. Implementations must be monotonic; the default
// is backed by the host monotonic clock.
type Clock func() int64

// processStart is systemClock's epoch; time.Since measures from it on the
// host monotonic clock.
var processStart = time.Now()

func systemClock() int64 {
	return int64(time.Since(processStart))
}
