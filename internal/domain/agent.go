package domain

import "sort"

// Required agent slots. Every session needs all three before a scan can run.
const (
	AgentResearcher = "researcher"
	AgentAnalyst    = "analyst"
	AgentSummarizer = "summarizer"
)

// RequiredAgents lists the agent slots in pipeline order.
var RequiredAgents = []string{AgentResearcher, AgentAnalyst, AgentSummarizer}

// AgentDefinition describes one agent handed to the execution engine.
type AgentDefinition struct {
	Role            string   `json:"role" yaml:"role"`
	Goal            string   `json:"goal" yaml:"goal"`
	Backstory       string   `json:"backstory" yaml:"backstory"`
	Tools           []string `json:"tools" yaml:"tools"`
	LLM             string   `json:"llm,omitempty" yaml:"llm,omitempty"`
	Verbose         bool     `json:"verbose" yaml:"verbose"`
	AllowDelegation bool     `json:"allow_delegation" yaml:"allow_delegation"`
}

// HasTool reports whether the agent is allowed to use the named tool.
func (a AgentDefinition) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// AgentsConfig maps agent slot names to their definitions.
type AgentsConfig map[string]AgentDefinition

// Missing returns the first required slot absent from the config, or "".
func (c AgentsConfig) Missing() string {
	for _, name := range RequiredAgents {
		if _, ok := c[name]; !ok {
			return name
		}
	}
	return ""
}

// Names returns the configured slot names in sorted order.
func (c AgentsConfig) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy so pipeline runs never share a config map
// with the caller.
func (c AgentsConfig) Clone() AgentsConfig {
	if c == nil {
		return AgentsConfig{}
	}
	out := make(AgentsConfig, len(c))
	for name, def := range c {
		tools := make([]string, len(def.Tools))
		copy(tools, def.Tools)
		def.Tools = tools
		out[name] = def
	}
	return out
}
