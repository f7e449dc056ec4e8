// Package poll provides the time source and the single bounded-wait
// primitive used by the driver.
//
// The preboot environment has no interrupts and no scheduler, so every wait
// for a hardware condition is a loop that samples a monotonic [Clock],
// evaluates a predicate, and gives up at a deadline:
//
//	err := poll.Until(clock, 16*time.Millisecond, 0, func() bool {
//	    return oper.Status()&xhci.StsHCH != 0
//	})
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // controller did not halt
//	}
//
// [FakeClock] makes those waits deterministic in tests.
package poll
