package fairshare

import (
	"sort"
	"time"

	"github.com/sokovanproject/sokovan/internal/common/resource"
)

// EntityKind distinguishes the three usage-tracking scopes.
type EntityKind string

const (
	KindUser    EntityKind = "user"
	KindProject EntityKind = "project"
	KindDomain  EntityKind = "domain"
)

// BucketKey addresses one usage bucket: one entity's resource-seconds for one
// UTC calendar day.
type BucketKey struct {
	Kind     EntityKind
	EntityID string
	// Day is midnight UTC of the bucket's calendar day.
	Day time.Time
}

// BucketDelta is the resource-seconds to merge additively into one bucket.
type BucketDelta struct {
	Key             BucketKey
	ResourceSeconds resource.Slots
}

// AggregateIntervals slices the given kernel intervals and folds the slices
// into per-entity per-day bucket deltas. Every kernel contributes to its user,
// project and domain buckets simultaneously. Deltas are additive, so repeated
// aggregation of disjoint interval sets composes, and the caller may merge the
// result into persisted buckets with a plain upsert-add.
func AggregateIntervals(intervals []KernelInterval) []BucketDelta {
	buckets := make(map[BucketKey]resource.Slots)
	for _, interval := range intervals {
		for _, slice := range SliceInterval(interval) {
			day := slice.WindowStart.Truncate(24 * time.Hour)
			addTo(buckets, BucketKey{KindUser, interval.UserID.String(), day}, slice.ResourceSeconds)
			addTo(buckets, BucketKey{KindProject, interval.ProjectID.String(), day}, slice.ResourceSeconds)
			addTo(buckets, BucketKey{KindDomain, interval.DomainName, day}, slice.ResourceSeconds)
		}
	}

	deltas := make([]BucketDelta, 0, len(buckets))
	for key, seconds := range buckets {
		deltas = append(deltas, BucketDelta{Key: key, ResourceSeconds: seconds})
	}
	sort.Slice(deltas, func(i, j int) bool {
		a, b := deltas[i].Key, deltas[j].Key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Day.Before(b.Day)
	})
	return deltas
}

func addTo(buckets map[BucketKey]resource.Slots, key BucketKey, seconds resource.Slots) {
	if existing, ok := buckets[key]; ok {
		existing.Add(seconds)
		return
	}
	buckets[key] = seconds.DeepCopy()
}
