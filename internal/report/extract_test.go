package report

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/threatwatch/internal/domain"
)

const sampleReport = `{
  "summary": {"scanDate": "2026-10-01", "timeWindow": "last 60 days", "totalIncidents": 1, "criticalCount": 1, "highCount": 0, "mediumCount": 0, "lowCount": 0},
  "incidents": [{
    "asset": "SonicWall TZ570",
    "incident": "SSLVPN auth bypass",
    "incidentDate": "2026-09-12",
    "sourceLinks": ["https://psirt.example.com/1"],
    "severity": "Critical",
    "cve": ["CVE-2026-0001"],
    "doesAffectOrg": true,
    "impactAnalysis": "Exposed SSLVPN on WAN",
    "recommendedActions": ["Upgrade to 7.1.2"]
  }],
  "executiveSummary": {"overallRiskLevel": "CRITICAL", "keyFindings": ["one"], "businessImpact": "high", "immediateActions": ["patch"]},
  "references": {"nvd": "https://nvd.example.com"}
}`

func TestExtractFenceForms(t *testing.T) {
	inputs := map[string]string{
		"labeled":           "```json\n" + sampleReport + "\n```",
		"labeled_upper":     "```JSON\n" + sampleReport + "\n```",
		"unlabeled":         "```\n" + sampleReport + "\n```",
		"no_fence":          sampleReport,
		"surrounding_ws":    "\n\n  ```json\n" + sampleReport + "\n```  \n",
		"labeled_same_line": "```json" + sampleReport + "```",
	}

	var want json.RawMessage
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			ext, err := Extract(input)
			require.NoError(t, err)
			require.NotNil(t, ext.Report)
			assert.Len(t, ext.Report.Incidents, 1)
			assert.Equal(t, "CRITICAL", ext.Report.ExecutiveSummary.OverallRiskLevel)
			assert.False(t, ext.Report.IsFallback())
			if want == nil {
				want = ext.Document
			}
			assert.JSONEq(t, string(want), string(ext.Document))
		})
	}
}

func TestExtractEmptyIncidents(t *testing.T) {
	raw := "```json\n{\"summary\":{\"totalIncidents\":0},\"incidents\":[]}\n```"

	ext, err := Extract(raw)
	require.NoError(t, err)
	require.NotNil(t, ext.Report.Incidents)
	assert.Empty(t, ext.Report.Incidents)
	assert.Equal(t, 0, ext.Report.Summary.TotalIncidents)
	assert.Empty(t, ext.Report.RawOutput)
}

func TestExtractMalformed(t *testing.T) {
	cases := []string{
		"I could not find any incidents, sorry.",
		"",
		"```json\n{\"summary\": \n```",
		`{"summary":{}} trailing words`,
	}
	for _, raw := range cases {
		_, err := Extract(raw)
		require.Error(t, err, "input %q", raw)
		assert.True(t, errors.Is(err, domain.ErrMalformedReport))

		var malformed *domain.MalformedReportError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, raw, malformed.Raw)
	}
}

func TestExtractAcceptsShapeMismatches(t *testing.T) {
	cases := map[string]struct {
		doc   string
		check func(t *testing.T, r *domain.ScanReport)
	}{
		"references_list": {
			doc: `{"summary":{"totalIncidents":0},"incidents":[],"references":["https://nvd.nist.gov"]}`,
			check: func(t *testing.T, r *domain.ScanReport) {
				assert.Nil(t, r.References)
				assert.NotNil(t, r.Incidents)
			},
		},
		"cve_string": {
			doc: `{"incidents":[{"asset":"nginx","cve":"CVE-2026-1234","severity":"High"}]}`,
			check: func(t *testing.T, r *domain.ScanReport) {
				require.Len(t, r.Incidents, 1)
				assert.Equal(t, "nginx", r.Incidents[0].Asset)
				assert.Equal(t, "High", r.Incidents[0].Severity)
				assert.Empty(t, r.Incidents[0].CVE)
			},
		},
		"count_string": {
			doc: `{"summary":{"totalIncidents":"3","highCount":2}}`,
			check: func(t *testing.T, r *domain.ScanReport) {
				assert.Equal(t, 0, r.Summary.TotalIncidents)
				assert.Equal(t, 2, r.Summary.HighCount)
			},
		},
		"affects_yes": {
			doc: `{"incidents":[{"incident":"RCE","doesAffectOrg":"Yes"}]}`,
			check: func(t *testing.T, r *domain.ScanReport) {
				require.Len(t, r.Incidents, 1)
				assert.Equal(t, "RCE", r.Incidents[0].Incident)
				assert.False(t, r.Incidents[0].DoesAffectOrg)
			},
		},
		"top_level_array": {
			doc: `[{"incident":"RCE"}]`,
			check: func(t *testing.T, r *domain.ScanReport) {
				assert.Empty(t, r.Incidents)
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ext, err := ExtractOrFallback("```json\n" + tc.doc + "\n```")
			require.NoError(t, err)
			require.NotNil(t, ext.Report)
			assert.False(t, ext.Report.IsFallback())
			assert.JSONEq(t, tc.doc, string(ext.Document))
			tc.check(t, ext.Report)
		})
	}
}

func TestExtractOrFallback(t *testing.T) {
	raw := "The analysis is complete but here is prose instead of JSON."

	ext, err := ExtractOrFallback(raw)
	require.Error(t, err)
	require.NotNil(t, ext)
	assert.True(t, ext.Report.IsFallback())
	assert.JSONEq(t, `{"rawOutput":"The analysis is complete but here is prose instead of JSON."}`, string(ext.Document))
}

func TestStripFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```json\n{}\n```", "{}"},
		{"```\n[1]\n```", "[1]"},
		{"{}", "{}"},
		{"```yaml\na: 1\n```", "a: 1"},
		{"```json\n{}", "{}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripFence(tt.in), "input %q", tt.in)
	}
}

func TestDecodeStoredDocument(t *testing.T) {
	r, err := Decode(json.RawMessage(sampleReport))
	require.NoError(t, err)
	assert.Equal(t, "SonicWall TZ570", r.Incidents[0].Asset)
	assert.Equal(t, []string{"CVE-2026-0001"}, r.Incidents[0].CVE)

	r, err = Decode(json.RawMessage(`{"incidents":[{"asset":"nginx","cve":"CVE-2026-1234"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "nginx", r.Incidents[0].Asset)

	_, err = Decode(json.RawMessage(`{"incidents":`))
	assert.Error(t, err)
}
