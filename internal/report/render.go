package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/ashureev/threatwatch/internal/domain"
)

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower":   strings.ToLower,
	"orDash":  orDash,
	"default": func(def, s string) string { return orDefault(s, def) },
}).Parse(`<html>
  <head>
    <style>
      body { font-family: sans-serif; color: #19314B; line-height: 1.6; }
      h1, h2, h3 { color: #19314B; }
      .container { max-width: 800px; margin: 0 auto; padding: 20px; }
      .card { border: 1px solid #e5e7eb; padding: 15px; margin-bottom: 20px; background-color: #f9fafb; }
      .critical { color: #dc2626; font-weight: bold; }
      .high { color: #ea580c; font-weight: bold; }
      .medium { color: #D2B589; font-weight: bold; }
      .low { color: #0E6246; font-weight: bold; }
    </style>
  </head>
  <body>
    <div class="container">
      <h1>Threat Intelligence Report</h1>
{{- if .RawOutput }}
      <div class="card">
        <h2>Unstructured Output</h2>
        <pre>{{ .RawOutput }}</pre>
      </div>
{{- else }}
      <div class="card">
        <h2>Executive Summary</h2>
        <p><strong>Overall Risk Level:</strong> <span class="{{ lower .ExecutiveSummary.OverallRiskLevel }}">{{ default "UNKNOWN" .ExecutiveSummary.OverallRiskLevel }}</span></p>
        <p>{{ .ExecutiveSummary.BusinessImpact }}</p>
{{- if .ExecutiveSummary.KeyFindings }}
        <ul>
{{- range .ExecutiveSummary.KeyFindings }}
          <li>{{ . }}</li>
{{- end }}
        </ul>
{{- end }}
      </div>
      <div class="card">
        <h2>Statistics</h2>
        <ul>
          <li>Total Incidents: {{ .Summary.TotalIncidents }}</li>
          <li>Critical: {{ .Summary.CriticalCount }}</li>
          <li>High: {{ .Summary.HighCount }}</li>
          <li>Medium: {{ .Summary.MediumCount }}</li>
          <li>Low: {{ .Summary.LowCount }}</li>
        </ul>
      </div>
      <h2>Identified Incidents ({{ len .Incidents }})</h2>
{{- range .Incidents }}
      <div class="card">
        <h3>{{ default "Unknown Incident" .Incident }}</h3>
        <p><strong>Severity:</strong> <span class="{{ lower .Severity }}">{{ default "UNKNOWN" .Severity }}</span></p>
        <p><strong>Date:</strong> {{ orDash .IncidentDate }}</p>
        <p><strong>Impact:</strong> {{ .ImpactAnalysis }}</p>
{{- if .SourceLinks }}
        <p><strong>Sources:</strong>{{ range .SourceLinks }} <a href="{{ . }}">{{ . }}</a>{{ end }}</p>
{{- end }}
        <h4>Recommended Actions</h4>
        <ul>
{{- range .RecommendedActions }}
          <li>{{ . }}</li>
{{- end }}
        </ul>
      </div>
{{- end }}
{{- end }}
    </div>
  </body>
</html>
`))

// RenderHTML renders a report as an HTML email body. Fallback reports are
// rendered as preformatted raw output.
func RenderHTML(r *domain.ScanReport) (string, error) {
	if r == nil {
		return "", fmt.Errorf("render report: %w", domain.ErrInvalidRequest)
	}
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// Subject builds the notification subject line from the overall risk level.
func Subject(r *domain.ScanReport) string {
	if r == nil || r.ExecutiveSummary.OverallRiskLevel == "" {
		return "Threat Intelligence Report"
	}
	return fmt.Sprintf("Action Required: Threat Intelligence Report [%s]", r.ExecutiveSummary.OverallRiskLevel)
}

func orDash(s string) string {
	return orDefault(s, "N/A")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
