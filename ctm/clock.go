package ctm

import "github.com/benbjohnson/clock"

// Clock is the time source every timing-sensitive component depends on
// instead of the time package directly, so tests can drive a mock clock
// deterministically instead of sleeping on a wall clock. Production wiring
// uses clock.New(); tests use clock.NewMock().
type Clock = clock.Clock
