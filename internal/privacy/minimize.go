package privacy

import (
	"math"
	"time"

	"github.com/havenhub/haven/internal/models"
)

const (
	// Coordinates are rounded to one decimal degree, roughly room/zone
	// resolution for a home deployment.
	coordinatePrecision = 1
	// Timestamps are coarsened to the minute before leaving the boundary.
	timestampGrain = time.Minute
)

// Fields that carry free text or direct identifiers. Redacted wholesale.
var redactedFields = map[string]bool{
	"text":        true,
	"note":        true,
	"message":     true,
	"description": true,
	"serial":      true,
	"mac":         true,
	"owner":       true,
	"user":        true,
}

// Fields interpreted as timestamps and coarsened.
var timestampFields = map[string]bool{
	"ts":          true,
	"timestamp":   true,
	"observed_at": true,
}

// Fields dropped entirely when the purpose is analytics: aggregate
// pipelines never need per-reading precision hints.
var analyticsDropped = map[string]bool{
	"accuracy":  true,
	"raw":       true,
	"device_ip": true,
}

const redactedValue = "[redacted]"

// Minimize reduces payload to the least detail its data class and purpose
// require. The input map is never mutated. The transform is deterministic,
// never adds fields, and is idempotent: Minimize(Minimize(x)) == Minimize(x).
func Minimize(payload map[string]any, class models.DataClass, purpose models.Purpose, policyVersion int) map[string]any {
	if payload == nil {
		return nil
	}

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if purpose == models.PurposeAnalytics && analyticsDropped[k] {
			continue
		}
		if redactedFields[k] {
			out[k] = redactedValue
			continue
		}
		if timestampFields[k] {
			out[k] = coarsenTimestamp(v)
			continue
		}
		out[k] = v
	}

	switch class {
	case models.ClassLocation:
		roundCoordinates(out)
	case models.ClassDiagnostic:
		// Diagnostics leave the boundary in full only for troubleshooting;
		// other purposes get the error code alone.
		if purpose != models.PurposeTroubleshooting {
			trimmed := make(map[string]any, 1)
			if code, ok := out["code"]; ok {
				trimmed["code"] = code
			}
			return trimmed
		}
	case models.ClassIdentifier:
		// Identifiers are only ever useful to automation; every other
		// purpose sees them redacted.
		if purpose != models.PurposeAutomation {
			for k := range out {
				out[k] = redactedValue
			}
		}
	}

	return out
}

func roundCoordinates(payload map[string]any) {
	for _, k := range []string{"lat", "lon"} {
		if f, ok := asFloat(payload[k]); ok {
			payload[k] = roundTo(f, coordinatePrecision)
		}
	}
	delete(payload, "accuracy")
	delete(payload, "altitude")
}

func coarsenTimestamp(v any) any {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return redactedValue
		}
		return parsed.Truncate(timestampGrain).Format(time.RFC3339)
	case float64:
		grain := timestampGrain.Seconds()
		return math.Floor(t/grain) * grain
	case int64:
		grain := int64(timestampGrain.Seconds())
		return t - t%grain
	case int:
		grain := int(timestampGrain.Seconds())
		return t - t%grain
	default:
		return redactedValue
	}
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	default:
		return 0, false
	}
}

func roundTo(f float64, decimals int) float64 {
	shift := math.Pow(10, float64(decimals))
	return math.Round(f*shift) / shift
}
