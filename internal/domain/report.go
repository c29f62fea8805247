package domain

// ScanReport is the structured document produced by the report stage.
type ScanReport struct {
	Summary          ReportSummary    `json:"summary"`
	Incidents        []Incident       `json:"incidents"`
	ExecutiveSummary ExecutiveSummary `json:"executiveSummary"`
	References       map[string]any   `json:"references,omitempty"`

	// RawOutput is set only on fallback reports, when the final stage
	// output could not be parsed.
	RawOutput string `json:"rawOutput,omitempty"`
}

// ReportSummary holds incident counts by severity.
type ReportSummary struct {
	ScanDate       string `json:"scanDate,omitempty"`
	TimeWindow     string `json:"timeWindow,omitempty"`
	TotalIncidents int    `json:"totalIncidents"`
	CriticalCount  int    `json:"criticalCount"`
	HighCount      int    `json:"highCount"`
	MediumCount    int    `json:"mediumCount"`
	LowCount       int    `json:"lowCount"`
}

// Incident is one finding that affects the scanned asset.
type Incident struct {
	Asset              string   `json:"asset"`
	Incident           string   `json:"incident"`
	IncidentDate       string   `json:"incidentDate"`
	Source             string   `json:"source,omitempty"`
	SourceLinks        []string `json:"sourceLinks"`
	Severity           string   `json:"severity"`
	CVE                []string `json:"cve"`
	DoesAffectOrg      bool     `json:"doesAffectOrg"`
	ImpactAnalysis     string   `json:"impactAnalysis"`
	RecommendedActions []string `json:"recommendedActions"`
}

// ExecutiveSummary is the management-level digest of the report.
type ExecutiveSummary struct {
	OverallRiskLevel string   `json:"overallRiskLevel"`
	KeyFindings      []string `json:"keyFindings"`
	BusinessImpact   string   `json:"businessImpact"`
	ImmediateActions []string `json:"immediateActions"`
}

// IsFallback reports whether the report only wraps unparsed output.
func (r *ScanReport) IsFallback() bool {
	return r.RawOutput != ""
}
