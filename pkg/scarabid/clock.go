package scarabid

import "time"

// Clock yields the current wall time in unix milliseconds. Abstracted so
// tests can freeze, step and rewind it.
type Clock func() uint64

// WallClock is the production clock.
func WallClock() uint64 {
	return uint64(time.Now().UnixMilli())
}
