package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenhub/haven/internal/models"
)

func TestMinimize_LocationRounding(t *testing.T) {
	payload := map[string]any{
		"lat":      51.50736,
		"lon":      -0.12776,
		"accuracy": 3.5,
		"altitude": 11.2,
		"battery":  80,
	}

	out := Minimize(payload, models.ClassLocation, models.PurposeAutomation, 1)

	assert.Equal(t, 51.5, out["lat"])
	assert.Equal(t, -0.1, out["lon"])
	assert.NotContains(t, out, "accuracy")
	assert.NotContains(t, out, "altitude")
	assert.Equal(t, 80, out["battery"])

	// Input must be untouched.
	assert.Equal(t, 51.50736, payload["lat"])
	assert.Contains(t, payload, "accuracy")
}

func TestMinimize_RedactedFields(t *testing.T) {
	payload := map[string]any{
		"text":   "unlock code is 4711",
		"serial": "SN-991",
		"mac":    "aa:bb:cc:dd:ee:ff",
		"level":  42,
	}

	out := Minimize(payload, models.ClassTelemetry, models.PurposeAnalytics, 1)

	assert.Equal(t, "[redacted]", out["text"])
	assert.Equal(t, "[redacted]", out["serial"])
	assert.Equal(t, "[redacted]", out["mac"])
	assert.Equal(t, 42, out["level"])
}

func TestMinimize_TimestampCoarsening(t *testing.T) {
	payload := map[string]any{
		"ts":          "2026-08-23T14:37:42Z",
		"observed_at": float64(1755959862), // epoch seconds
	}

	out := Minimize(payload, models.ClassTelemetry, models.PurposeAutomation, 1)

	assert.Equal(t, "2026-08-23T14:37:00Z", out["ts"])
	assert.Equal(t, float64(1755959862-1755959862%60), out["observed_at"])

	// Unparseable timestamps never leave as-is.
	out = Minimize(map[string]any{"ts": "yesterday"}, models.ClassTelemetry, models.PurposeAutomation, 1)
	assert.Equal(t, "[redacted]", out["ts"])
}

// TestMinimize_DiagnosticTrim verifies diagnostics shrink to the error code
// unless the purpose is troubleshooting.
func TestMinimize_DiagnosticTrim(t *testing.T) {
	payload := map[string]any{
		"code":  "E42",
		"stack": "goroutine 1 [running]...",
		"heap":  1048576,
	}

	analytics := Minimize(payload, models.ClassDiagnostic, models.PurposeAnalytics, 1)
	assert.Equal(t, map[string]any{"code": "E42"}, analytics)

	troubleshooting := Minimize(payload, models.ClassDiagnostic, models.PurposeTroubleshooting, 1)
	assert.Equal(t, "E42", troubleshooting["code"])
	assert.Contains(t, troubleshooting, "stack")
	assert.Contains(t, troubleshooting, "heap")
}

func TestMinimize_IdentifierRedaction(t *testing.T) {
	payload := map[string]any{"hostname": "kitchen-cam", "ip": "10.0.0.4"}

	analytics := Minimize(payload, models.ClassIdentifier, models.PurposeAnalytics, 1)
	assert.Equal(t, "[redacted]", analytics["hostname"])
	assert.Equal(t, "[redacted]", analytics["ip"])

	automation := Minimize(payload, models.ClassIdentifier, models.PurposeAutomation, 1)
	assert.Equal(t, "kitchen-cam", automation["hostname"])
}

func TestMinimize_AnalyticsDrops(t *testing.T) {
	payload := map[string]any{"value": 21.5, "raw": "0xDEAD", "accuracy": 0.1, "device_ip": "10.0.0.4"}

	out := Minimize(payload, models.ClassTelemetry, models.PurposeAnalytics, 1)
	assert.Equal(t, map[string]any{"value": 21.5}, out)

	// Other purposes keep the precision hints.
	out = Minimize(payload, models.ClassTelemetry, models.PurposeTroubleshooting, 1)
	assert.Contains(t, out, "raw")
}

func TestMinimize_NilPayload(t *testing.T) {
	assert.Nil(t, Minimize(nil, models.ClassTelemetry, models.PurposeAutomation, 1))
}

// TestMinimize_Idempotent applies the transform twice across classes and
// purposes: the second pass must be a no-op.
func TestMinimize_Idempotent(t *testing.T) {
	payloads := []map[string]any{
		{"lat": 51.50736, "lon": -0.12776, "accuracy": 3.5, "battery": 80},
		{"text": "hello", "serial": "SN-1", "level": 3},
		{"ts": "2026-08-23T14:37:42Z", "observed_at": int64(1755959862)},
		{"code": "E42", "stack": "trace", "heap": 1},
		{"hostname": "cam", "ip": "10.0.0.4"},
	}
	classes := []models.DataClass{
		models.ClassTelemetry, models.ClassState, models.ClassDiagnostic,
		models.ClassIdentifier, models.ClassLocation,
	}
	purposes := []models.Purpose{
		models.PurposeAutomation, models.PurposeTroubleshooting, models.PurposeAnalytics,
	}

	for _, payload := range payloads {
		for _, class := range classes {
			for _, purpose := range purposes {
				once := Minimize(payload, class, purpose, 1)
				twice := Minimize(once, class, purpose, 1)
				require.Equal(t, once, twice,
					"class=%s purpose=%s payload=%v", class, purpose, payload)
			}
		}
	}
}

// TestMinimize_NeverAddsFields verifies the output key set is always a
// subset of the input's.
func TestMinimize_NeverAddsFields(t *testing.T) {
	payload := map[string]any{"lat": 1.23, "lon": 4.56, "text": "x", "ts": "2026-08-23T10:00:30Z"}
	out := Minimize(payload, models.ClassLocation, models.PurposeAnalytics, 1)
	for k := range out {
		assert.Contains(t, payload, k)
	}
}
