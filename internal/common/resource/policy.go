package resource

import "sort"

// DefaultForUnspecified selects how a resource policy treats resource kinds it
// does not name explicitly.
type DefaultForUnspecified int

const (
	// Limited treats unspecified kinds as a zero allowance.
	Limited DefaultForUnspecified = iota
	// Unlimited leaves unspecified kinds unchecked.
	Unlimited
)

func (d DefaultForUnspecified) String() string {
	if d == Unlimited {
		return "UNLIMITED"
	}
	return "LIMITED"
}

// PolicyExceededKinds returns the resource kinds for which total exceeds the
// policy limit, honoring the policy's defaultForUnspecified mode for kinds the
// limit vector does not name. The result is sorted for stable error messages.
func PolicyExceededKinds(total Slots, limit Slots, unspecified DefaultForUnspecified) []string {
	var kinds []string
	for k, v := range total {
		if v.IsZero() {
			continue
		}
		allowed, ok := limit[k]
		if !ok {
			if unspecified == Unlimited {
				continue
			}
			kinds = append(kinds, k)
			continue
		}
		if v.GreaterThan(allowed) {
			kinds = append(kinds, k)
		}
	}
	sort.Strings(kinds)
	return kinds
}
