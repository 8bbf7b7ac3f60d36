package tally

import (
	"fmt"
	"strings"

	"github.com/metering/tally/internal/domain/shared"
)

// Granularity is the period length of a snapshot
type Granularity string

const (
	GranularityHourly    Granularity = "HOURLY"
	GranularityDaily     Granularity = "DAILY"
	GranularityWeekly    Granularity = "WEEKLY"
	GranularityMonthly   Granularity = "MONTHLY"
	GranularityQuarterly Granularity = "QUARTERLY"
	GranularityYearly    Granularity = "YEARLY"
)

// String returns the string representation of Granularity
func (g Granularity) String() string {
	return string(g)
}

// IsValid returns true if the granularity is known
func (g Granularity) IsValid() bool {
	return g.rank() >= 0
}

// Finer reports whether g has shorter periods than other
func (g Granularity) Finer(other Granularity) bool {
	return g.rank() < other.rank()
}

func (g Granularity) rank() int {
	for i, v := range AllGranularities() {
		if v == g {
			return i
		}
	}
	return -1
}

// ParseGranularity parses a granularity name (case-insensitive)
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToUpper(strings.TrimSpace(s)))
	if !g.IsValid() {
		return "", shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("invalid granularity: %s", s))
	}
	return g, nil
}

// AllGranularities returns every granularity from finest to coarsest
func AllGranularities() []Granularity {
	return []Granularity{
		GranularityHourly,
		GranularityDaily,
		GranularityWeekly,
		GranularityMonthly,
		GranularityQuarterly,
		GranularityYearly,
	}
}

// GranularitiesFrom returns finest and every coarser granularity
func GranularitiesFrom(finest Granularity) []Granularity {
	all := AllGranularities()
	if !finest.IsValid() {
		return all
	}
	out := make([]Granularity, 0, len(all))
	for _, g := range all {
		if !g.Finer(finest) {
			out = append(out, g)
		}
	}
	return out
}
