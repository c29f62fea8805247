package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/ashureev/threatwatch/internal/domain"
)

// Stage names in execution order.
const (
	StageDiscovery = "discovery"
	StageAnalysis  = "analysis"
	StageReport    = "report"
)

// Stage is one step of the fixed pipeline.
type Stage struct {
	Name string
	// Slot is the agents config key the stage runs with.
	Slot string
	// AgentName is the display name attached to the stage's trace events.
	AgentName      string
	ExpectedOutput string
	// DependsOn lists earlier stages whose full output is passed as context.
	DependsOn []string

	instructions *template.Template
}

// Stages returns the pipeline in execution order.
func Stages() []Stage {
	return []Stage{
		{
			Name:           StageDiscovery,
			Slot:           domain.AgentResearcher,
			AgentName:      "Threat Researcher Agent",
			ExpectedOutput: "A deep technical report resulting from multiple exhaustive searches, including validated source URLs, scraped data, and affected versions. Ignored sources and duplicates of addressed incidents are completely excluded.",
			instructions:   discoveryTemplate,
		},
		{
			Name:           StageAnalysis,
			Slot:           domain.AgentAnalyst,
			AgentName:      "Threat Analyst Agent",
			ExpectedOutput: "An impact analysis containing ONLY incidents that genuinely affect the configuration with solid evidence, with technical justification, business risk, the exact incident date and the validated source URLs.",
			DependsOn:      []string{StageDiscovery},
			instructions:   analysisTemplate,
		},
		{
			Name:           StageReport,
			Slot:           domain.AgentSummarizer,
			AgentName:      "Report Synthesis Agent",
			ExpectedOutput: "A valid JSON object following the specified schema containing ONLY incidents that affect the organization and fall within the time window.",
			DependsOn:      []string{StageAnalysis},
			instructions:   reportTemplate,
		},
	}
}

type templateData struct {
	Asset          string
	AssetConfig    string
	ScanDate       string
	TimeDuration   string
	IgnoredSources []domain.IgnoredSource
}

func newTemplateData(in Input) (templateData, error) {
	cfg := in.AssetConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return templateData{}, fmt.Errorf("%w: asset config: %v", domain.ErrInvalidRequest, err)
	}
	return templateData{
		Asset:          in.Asset,
		AssetConfig:    string(b),
		ScanDate:       in.ScanDate,
		TimeDuration:   in.TimeDuration,
		IgnoredSources: in.IgnoredSources,
	}, nil
}

func (s Stage) render(data templateData) (string, error) {
	var buf bytes.Buffer
	if err := s.instructions.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s instructions: %w", s.Name, err)
	}
	return buf.String(), nil
}

var discoveryTemplate = template.Must(template.New(StageDiscovery).Parse(
	`Find and research relevant security incidents for {{.Asset}} in the {{.TimeDuration}}.{{if .ScanDate}} Today's date is {{.ScanDate}}.{{end}}

CRITICAL INSTRUCTIONS:
1. QUERY EXPANSION: Run multiple, distinct searches to thoroughly cover the {{.TimeDuration}}. Do not rely on a single query returning everything. Use variations such as "[asset] CVE [year]", "[asset] vulnerability advisory" and "[asset] exploit".

2. DIVERSE SOURCES: Search across different types of sources to prevent blind spots, including:
   - Vendor security advisories (official PSIRT pages)
   - Vulnerability databases (NVD, MITRE CVE)
   - Exploit databases and PoC repositories (Exploit-DB, GitHub, Packet Storm)
   - Security news and blogs
   - Threat intel forums and social media

3. SOURCE VALIDATION AND FALLBACKS: Every link must be a valid, functioning HTTP/HTTPS URL that actually contains the threat intelligence. Do not invent URLs. If a site blocks scraping, search for other sources that summarise what the blocked site said instead of dropping the incident.

4. DETAIL EXTRACTION: For every incident extract the exact date of discovery or publication (YYYY-MM-DD), CVE IDs if applicable, affected firmware or software versions, the exploit condition or root cause, and direct remediation steps.

5. TIME WINDOW STRICTNESS: Report ONLY incidents published or discovered strictly within the {{.TimeDuration}}. Discard any incident whose date falls outside this window.
{{- if .IgnoredSources}}

6. IGNORED INCIDENTS AND SOURCES: The following URLs and incident summaries have already been addressed. Do NOT process these URLs. If a new URL describes an incident matching one of the summaries, do NOT report it; it is a duplicate of an addressed issue.
{{- range .IgnoredSources}}
- URL: {{.URL}}{{if .Summary}}
  Summary: {{.Summary}}{{end}}
{{- end}}
{{- end}}
`))

var analysisTemplate = template.Must(template.New(StageAnalysis).Parse(
	`Analyze each incident found by the researcher against the following configuration: {{.AssetConfig}}.
Determine "doesAffectOrg" (true/false) for each incident based on firmware and exposed services.
Include ALL validated source URLs and the exact incident date (publication date) in your analysis for each incident.
`))

var reportTemplate = template.Must(template.New(StageReport).Parse(
	`Generate a final report in STRICT JSON format for {{.Asset}}.
The output MUST exactly follow this schema:
{
  "summary": {"scanDate": "{{.ScanDate}}", "timeWindow": "{{.TimeDuration}}", "totalIncidents": 0, "criticalCount": 0, "highCount": 0, "mediumCount": 0, "lowCount": 0},
  "incidents": [{"asset": "...", "incident": "...", "incidentDate": "...", "source": "...", "sourceLinks": ["<URL1>", "<URL2>"], "severity": "...", "cve": ["..."], "doesAffectOrg": true, "impactAnalysis": "...", "recommendedActions": ["..."]}],
  "executiveSummary": {"overallRiskLevel": "...", "keyFindings": ["..."], "businessImpact": "...", "immediateActions": ["..."]},
  "references": {}
}

Provide only the JSON.
`))
