package fairshare

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sokovanproject/sokovan/internal/common/resource"
)

const (
	// DefaultHalfLifeDays halves a bucket's contribution every week.
	DefaultHalfLifeDays = 7
	// DefaultLookbackDays bounds how far back buckets still count.
	DefaultLookbackDays = 28

	secondsPerDay = 86400

	// Exponents beyond this range produce factors indistinguishable from the
	// 0/1 clamp and would overflow the precision worth keeping.
	maxFactorExponent = 10.0
)

// Parameters tunes the fair-share computation. The zero value is not usable;
// start from DefaultParameters.
type Parameters struct {
	HalfLifeDays int
	LookbackDays int
	// ResourceWeights maps slot kinds to their relative importance in the
	// usage score. Kinds not listed use DefaultResourceWeight.
	ResourceWeights       map[string]decimal.Decimal
	DefaultResourceWeight decimal.Decimal
}

func DefaultParameters() Parameters {
	return Parameters{
		HalfLifeDays:          DefaultHalfLifeDays,
		LookbackDays:          DefaultLookbackDays,
		ResourceWeights:       map[string]decimal.Decimal{},
		DefaultResourceWeight: decimal.NewFromInt(1),
	}
}

// EntityUsage is one entity's persisted usage buckets plus its configured
// fair-share weight. A zero Weight means the default weight of 1.
type EntityUsage struct {
	EntityID string
	Weight   decimal.Decimal
	// Buckets maps midnight-UTC days to resource-seconds.
	Buckets map[time.Time]resource.Slots
}

// UserUsage additionally carries the user's position in the scope hierarchy so
// ranks can be ordered domain-first.
type UserUsage struct {
	EntityUsage
	UserID     uuid.UUID
	ProjectID  uuid.UUID
	DomainName string
}

// FactorResult is the computed fair-share state of one entity.
type FactorResult struct {
	EntityID        string
	DecayedUsage    resource.Slots
	NormalizedUsage decimal.Decimal
	// Factor is in [0, 1]; higher means less recent usage and therefore
	// higher scheduling priority.
	Factor decimal.Decimal
}

// SchedulingRank orders users for sequencing. Rank 1 is scheduled first.
type SchedulingRank struct {
	UserID    uuid.UUID
	ProjectID uuid.UUID
	Rank      int
}

// CalculationResult holds factors for every entity of each scope plus the
// derived user ordering.
type CalculationResult struct {
	Domains  map[string]FactorResult
	Projects map[string]FactorResult
	Users    map[string]FactorResult
	Ranks    []SchedulingRank
}

// Calculator computes half-life decayed usage factors. It is stateless and
// safe for concurrent use.
type Calculator struct {
	params Parameters
}

func NewCalculator(params Parameters) *Calculator {
	if params.HalfLifeDays <= 0 {
		params.HalfLifeDays = DefaultHalfLifeDays
	}
	if params.LookbackDays <= 0 {
		params.LookbackDays = DefaultLookbackDays
	}
	if params.DefaultResourceWeight.IsZero() {
		params.DefaultResourceWeight = decimal.NewFromInt(1)
	}
	return &Calculator{params: params}
}

// Calculate computes factors for all given entities and ranks the users.
// today must be midnight UTC of the current day; buckets older than the
// lookback horizon are ignored.
func (c *Calculator) Calculate(today time.Time, domains, projects []EntityUsage, users []UserUsage) CalculationResult {
	result := CalculationResult{
		Domains:  make(map[string]FactorResult, len(domains)),
		Projects: make(map[string]FactorResult, len(projects)),
		Users:    make(map[string]FactorResult, len(users)),
	}
	for _, entity := range domains {
		result.Domains[entity.EntityID] = c.factorFor(today, entity)
	}
	for _, entity := range projects {
		result.Projects[entity.EntityID] = c.factorFor(today, entity)
	}
	for _, user := range users {
		result.Users[user.EntityID] = c.factorFor(today, user.EntityUsage)
	}
	result.Ranks = c.rankUsers(users, result)
	return result
}

func (c *Calculator) factorFor(today time.Time, entity EntityUsage) FactorResult {
	decayed := c.DecayedUsage(today, entity.Buckets)
	normalized := c.NormalizedUsage(decayed)
	return FactorResult{
		EntityID:        entity.EntityID,
		DecayedUsage:    decayed,
		NormalizedUsage: normalized,
		Factor:          c.Factor(normalized, entity.Weight),
	}
}

// DecayedUsage sums the entity's buckets with exponential half-life decay.
// Today's bucket is not decayed, and buckets stamped in the future are summed
// as-is rather than amplified.
func (c *Calculator) DecayedUsage(today time.Time, buckets map[time.Time]resource.Slots) resource.Slots {
	total := resource.New()
	for day, seconds := range buckets {
		daysAgo := int(today.Sub(day).Hours() / 24)
		if daysAgo > c.params.LookbackDays {
			continue
		}
		if daysAgo <= 0 {
			total.Add(seconds)
			continue
		}
		decay := decimal.NewFromFloat(math.Exp2(-float64(daysAgo) / float64(c.params.HalfLifeDays)))
		total.Add(seconds.Mul(decay))
	}
	return total
}

// NormalizedUsage converts decayed resource-seconds into a dimensionless
// score: a weighted average over resource kinds, divided by the time capacity
// of one half-life period.
func (c *Calculator) NormalizedUsage(decayed resource.Slots) decimal.Decimal {
	weightedSum := decimal.Zero
	weightSum := decimal.Zero
	for kind, value := range decayed {
		weight := c.resourceWeight(kind)
		weightedSum = weightedSum.Add(value.Mul(weight))
		weightSum = weightSum.Add(weight)
	}
	if weightSum.IsZero() {
		return decimal.Zero
	}
	score := weightedSum.Div(weightSum)
	timeCapacity := decimal.NewFromInt(int64(c.params.HalfLifeDays) * secondsPerDay)
	return score.Div(timeCapacity)
}

// Factor maps normalized usage to a priority factor in [0, 1]. Heavier recent
// usage pushes the factor toward 0; a larger entity weight slows that descent.
func (c *Calculator) Factor(normalized decimal.Decimal, weight decimal.Decimal) decimal.Decimal {
	if weight.Sign() <= 0 {
		weight = decimal.NewFromInt(1)
	}
	exponent, _ := normalized.Div(weight).Float64()
	if exponent > maxFactorExponent {
		exponent = maxFactorExponent
	} else if exponent < -maxFactorExponent {
		exponent = -maxFactorExponent
	}
	factor := decimal.NewFromFloat(math.Exp2(-exponent))
	one := decimal.NewFromInt(1)
	if factor.GreaterThan(one) {
		return one
	}
	if factor.Sign() < 0 {
		return decimal.Zero
	}
	return factor
}

// rankUsers orders users by domain factor, then project factor, then user
// factor, all descending. Ties are broken by user id for a stable order.
func (c *Calculator) rankUsers(users []UserUsage, result CalculationResult) []SchedulingRank {
	ordered := make([]UserUsage, len(users))
	copy(ordered, users)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if cmp := result.Domains[a.DomainName].Factor.Cmp(result.Domains[b.DomainName].Factor); cmp != 0 {
			return cmp > 0
		}
		if cmp := result.Projects[a.ProjectID.String()].Factor.Cmp(result.Projects[b.ProjectID.String()].Factor); cmp != 0 {
			return cmp > 0
		}
		if cmp := result.Users[a.EntityID].Factor.Cmp(result.Users[b.EntityID].Factor); cmp != 0 {
			return cmp > 0
		}
		return a.UserID.String() < b.UserID.String()
	})

	ranks := make([]SchedulingRank, len(ordered))
	for i, user := range ordered {
		ranks[i] = SchedulingRank{
			UserID:    user.UserID,
			ProjectID: user.ProjectID,
			Rank:      i + 1,
		}
	}
	return ranks
}

func (c *Calculator) resourceWeight(kind string) decimal.Decimal {
	if weight, ok := c.params.ResourceWeights[kind]; ok {
		return weight
	}
	return c.params.DefaultResourceWeight
}
