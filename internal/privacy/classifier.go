package privacy

import (
	"sort"
	"strings"

	"github.com/havenhub/haven/internal/models"
)

type Tier string

const (
	TierLow      Tier = "low"
	TierStandard Tier = "standard"
	TierHigh     Tier = "high"
)

// Classification is the result of classifying a capability reading under a
// given policy version.
type Classification struct {
	Class models.DataClass
	Tier  Tier
}

type rule struct {
	prefix string
	class  models.DataClass
	tier   Tier
}

// Rule tables are keyed by policy version and never edited after release;
// a new policy version gets a new table so historical decisions can be
// replayed byte-for-byte.
var rulesByVersion = map[int][]rule{
	1: {
		{"sensor.", models.ClassTelemetry, TierLow},
		{"meter.", models.ClassTelemetry, TierLow},
		{"switch.", models.ClassState, TierLow},
		{"lock.", models.ClassState, TierHigh},
		{"thermostat.", models.ClassState, TierStandard},
		{"diag.", models.ClassDiagnostic, TierStandard},
		{"net.", models.ClassIdentifier, TierHigh},
		{"camera.", models.ClassIdentifier, TierHigh},
		{"mic.", models.ClassIdentifier, TierHigh},
		{"gps.", models.ClassLocation, TierHigh},
		{"presence.", models.ClassLocation, TierStandard},
	},
	2: {
		{"sensor.", models.ClassTelemetry, TierLow},
		{"meter.", models.ClassTelemetry, TierLow},
		{"switch.", models.ClassState, TierLow},
		{"lock.", models.ClassState, TierHigh},
		{"thermostat.", models.ClassState, TierStandard},
		{"diag.", models.ClassDiagnostic, TierStandard},
		{"net.", models.ClassIdentifier, TierHigh},
		{"camera.", models.ClassIdentifier, TierHigh},
		{"mic.", models.ClassIdentifier, TierHigh},
		{"gps.", models.ClassLocation, TierHigh},
		// v2 treats presence as high-sensitivity location data.
		{"presence.", models.ClassLocation, TierHigh},
	},
}

// Classify maps a capability reading to a data class and sensitivity tier.
// It is pure and versioned: identical inputs always produce identical
// output, which is what makes audit replay possible. Unknown capabilities
// classify as identifier/high, the most restrictive bucket.
func Classify(capability string, value map[string]any, policyVersion int) Classification {
	rules := rulesFor(policyVersion)

	match := rule{class: models.ClassIdentifier, tier: TierHigh}
	matched := false
	for _, r := range rules {
		if strings.HasPrefix(capability, r.prefix) {
			if !matched || len(r.prefix) > len(match.prefix) {
				match = r
				matched = true
			}
		}
	}

	// A payload carrying coordinates is location data no matter what the
	// capability table says.
	if hasCoordinates(value) {
		tier := match.tier
		if tier == TierLow {
			tier = TierStandard
		}
		return Classification{Class: models.ClassLocation, Tier: tier}
	}

	return Classification{Class: match.class, Tier: match.tier}
}

// rulesFor selects the newest rule table not newer than the requested
// version, falling back to the oldest table for pre-v1 events.
func rulesFor(policyVersion int) []rule {
	versions := make([]int, 0, len(rulesByVersion))
	for v := range rulesByVersion {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	selected := versions[0]
	for _, v := range versions {
		if v <= policyVersion {
			selected = v
		}
	}
	return rulesByVersion[selected]
}

func hasCoordinates(value map[string]any) bool {
	if value == nil {
		return false
	}
	_, lat := value["lat"]
	_, lon := value["lon"]
	return lat && lon
}
