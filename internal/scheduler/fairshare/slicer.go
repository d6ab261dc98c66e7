// Package fairshare computes decayed historical resource usage per entity and
// derives scheduling-priority ranks from it. Everything in this package is pure
// computation: persistence of bucket deltas is left to a repository observer,
// which makes concurrent invocation from multiple cycles safe.
package fairshare

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sokovanproject/sokovan/internal/common/resource"
)

// SliceDuration is the fixed width of one usage slice.
const SliceDuration = 300 * time.Second

// KernelInterval is one kernel's runtime interval with its resource vector.
type KernelInterval struct {
	KernelID   uuid.UUID
	UserID     uuid.UUID
	ProjectID  uuid.UUID
	DomainName string
	Started    time.Time
	Ended      time.Time
	Slots      resource.Slots
}

// UsageSlice is the resource-seconds consumed within one slice window.
type UsageSlice struct {
	// WindowStart is aligned down to a SliceDuration boundary (UTC).
	WindowStart     time.Time
	ResourceSeconds resource.Slots
}

// SliceInterval cuts a kernel runtime interval into fixed-duration slices.
// Each slice's resource-seconds equal the kernel's resource vector multiplied
// by the overlap between the kernel interval and the slice window, so summing
// contiguous slices over [t0,t1] equals the resource-seconds computed directly
// over [t0,t1].
func SliceInterval(interval KernelInterval) []UsageSlice {
	start := interval.Started.UTC()
	end := interval.Ended.UTC()
	if !end.After(start) {
		return nil
	}

	var slices []UsageSlice
	window := start.Truncate(SliceDuration)
	for window.Before(end) {
		windowEnd := window.Add(SliceDuration)
		overlap := overlapSeconds(start, end, window, windowEnd)
		if overlap.IsPositive() {
			slices = append(slices, UsageSlice{
				WindowStart:     window,
				ResourceSeconds: interval.Slots.Mul(overlap),
			})
		}
		window = windowEnd
	}
	return slices
}

func overlapSeconds(aStart, aEnd, bStart, bEnd time.Time) decimal.Decimal {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(end.Sub(start).Seconds())
}
