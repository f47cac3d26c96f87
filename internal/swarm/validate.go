package swarm

import (
	"fmt"
	"strings"
)

// Validate checks a specification and reports every violation together.
// Zero values that have defaults are accepted; call it on either the raw
// or the defaulted spec.
func Validate(spec SwarmSpec) error {
	v := &ValidationError{}

	if strings.TrimSpace(spec.Task) == "" {
		v.Add("task", "is required")
	}
	if spec.SwarmType != "" && !spec.SwarmType.Valid() {
		v.Add("swarm_type", "unknown swarm type %q", spec.SwarmType)
	}
	if spec.MaxLoops < 0 {
		v.Add("max_loops", "must be at least 1")
	}
	if len(spec.Agents) == 0 {
		v.Add("agents", "at least one agent is required")
	}
	if spec.Quorum < 0 || (len(spec.Agents) > 0 && spec.Quorum > len(spec.Agents)) {
		v.Add("quorum", "must be between 1 and the number of agents")
	}

	names := make(map[string]bool, len(spec.Agents))
	for i, a := range spec.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		name := strings.TrimSpace(a.AgentName)
		switch {
		case name == "":
			v.Add(field+".agent_name", "is required")
		case names[name]:
			v.Add(field+".agent_name", "duplicate agent name %q", name)
		default:
			names[name] = true
		}
		if strings.TrimSpace(a.ModelName) == "" {
			v.Add(field+".model_name", "is required")
		}
		if a.MaxTokens < 0 {
			v.Add(field+".max_tokens", "must be positive")
		}
		if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
			v.Add(field+".temperature", "must be between 0 and 2")
		}
		if a.MaxLoops < 0 {
			v.Add(field+".max_loops", "must be at least 1")
		}
	}

	if spec.Aggregator != "" && !names[spec.Aggregator] {
		v.Add("aggregator", "unknown agent %q", spec.Aggregator)
	}

	checkTopology(v, spec, spec.SwarmType)

	if spec.Schedule != nil && strings.TrimSpace(spec.Schedule.ScheduledTime) == "" {
		v.Add("schedule.scheduled_time", "is required")
	}

	return v.OrNil()
}

// ValidateResolved checks spec against the concrete topology it resolved
// to. Specs declared as auto only get these checks here.
func ValidateResolved(spec SwarmSpec, typ SwarmType) error {
	v := &ValidationError{}
	checkTopology(v, spec, typ)
	return v.OrNil()
}

func checkTopology(v *ValidationError, spec SwarmSpec, typ SwarmType) {
	switch typ {
	case Rearrange:
		if strings.TrimSpace(spec.RearrangeFlow) == "" {
			v.Add("rearrange_flow", "is required for %s", Rearrange)
		} else if _, err := CompileFlow(spec.RearrangeFlow, spec.Agents); err != nil {
			v.Add("rearrange_flow", "%v", err)
		}
	case Router:
		if len(spec.Agents) < 2 {
			v.Add("agents", "%s needs a router and at least one candidate", Router)
		}
	case Concurrent:
		if spec.Aggregator != "" && len(spec.Agents) < 2 {
			v.Add("aggregator", "needs at least one other agent to aggregate")
		}
	}
}
