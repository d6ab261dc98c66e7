package resource

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Slots is a vector of named resource quantities, e.g. {"cpu": 4, "mem": 8589934592, "cuda.device": 2}.
// A resource kind absent from the map is treated as zero.
type Slots map[string]decimal.Decimal

func New() Slots {
	return make(Slots)
}

// FromFloats is a convenience constructor used mostly in tests and config defaults.
func FromFloats(values map[string]float64) Slots {
	slots := make(Slots, len(values))
	for k, v := range values {
		slots[k] = decimal.NewFromFloat(v)
	}
	return slots
}

func (a Slots) Get(kind string) decimal.Decimal {
	if v, ok := a[kind]; ok {
		return v
	}
	return decimal.Zero
}

// Add mutates a by adding b, mirroring vector addition with absent kinds as zero.
func (a Slots) Add(b Slots) {
	for k, v := range b {
		existing, ok := a[k]
		if ok {
			a[k] = existing.Add(v)
		} else {
			a[k] = v
		}
	}
}

// Sub mutates a by subtracting b. The result may contain negative quantities;
// callers that require non-negativity should check IsValid afterwards.
func (a Slots) Sub(b Slots) {
	for k, v := range b {
		existing, ok := a[k]
		if ok {
			a[k] = existing.Sub(v)
		} else {
			a[k] = v.Neg()
		}
	}
}

func (a Slots) Mul(factor decimal.Decimal) Slots {
	result := make(Slots, len(a))
	for k, v := range a {
		result[k] = v.Mul(factor)
	}
	return result
}

func (a Slots) DeepCopy() Slots {
	result := make(Slots, len(a))
	for k, v := range a {
		result[k] = v
	}
	return result
}

func (a Slots) IsZero() bool {
	for _, v := range a {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

func (a Slots) IsValid() bool {
	for _, v := range a {
		if v.IsNegative() {
			return false
		}
	}
	return true
}

func (a Slots) Equal(b Slots) bool {
	for k, v := range a {
		if !v.Equal(b.Get(k)) {
			return false
		}
	}
	for k, v := range b {
		if !v.Equal(a.Get(k)) {
			return false
		}
	}
	return true
}

// IsContainedIn reports whether every quantity in a is at most the corresponding
// quantity in limit. Kinds absent from a count as zero; kinds absent from limit
// count as a zero allowance.
func (a Slots) IsContainedIn(limit Slots) bool {
	for k, v := range a {
		if v.IsZero() {
			continue
		}
		if v.GreaterThan(limit.Get(k)) {
			return false
		}
	}
	return true
}

// ExceededKinds returns the resource kinds in a that exceed limit, sorted for
// stable error messages.
func (a Slots) ExceededKinds(limit Slots) []string {
	var kinds []string
	for k, v := range a {
		if v.GreaterThan(limit.Get(k)) {
			kinds = append(kinds, k)
		}
	}
	sort.Strings(kinds)
	return kinds
}

func (a Slots) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+a[k].String())
	}
	return strings.Join(parts, ",")
}
