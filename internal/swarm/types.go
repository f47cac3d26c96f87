package swarm

import "slices"

// SwarmType names an orchestration topology.
type SwarmType string

const (
	Sequential     SwarmType = "SequentialWorkflow"
	Concurrent     SwarmType = "ConcurrentWorkflow"
	Rearrange      SwarmType = "AgentRearrange"
	GroupChat      SwarmType = "GroupChat"
	Router         SwarmType = "MultiAgentRouter"
	MajorityVoting SwarmType = "MajorityVoting"
	Auto           SwarmType = "auto"
)

// SwarmTypes lists every accepted swarm type, auto included.
var SwarmTypes = []SwarmType{Sequential, Concurrent, Rearrange, GroupChat, Router, MajorityVoting, Auto}

func (t SwarmType) Valid() bool {
	return slices.Contains(SwarmTypes, t)
}

const (
	DefaultMaxTokens   = 8192
	DefaultTemperature = 0.5
	DefaultRole        = "worker"
	RouterRole         = "router"
)

type AgentSpec struct {
	AgentName          string   `json:"agent_name"`
	Description        string   `json:"description,omitempty"`
	SystemPrompt       string   `json:"system_prompt,omitempty"`
	ModelName          string   `json:"model_name"`
	Role               string   `json:"role,omitempty"`
	MaxTokens          int      `json:"max_tokens,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	MaxLoops           int      `json:"max_loops,omitempty"`
	AutoGeneratePrompt bool     `json:"auto_generate_prompt,omitempty"`
}

// Temp returns the sampling temperature, falling back to the default.
func (a AgentSpec) Temp() float64 {
	if a.Temperature == nil {
		return DefaultTemperature
	}
	return *a.Temperature
}

// ScheduleSpec asks for an execution at a future time. ScheduledTime is
// either RFC 3339 or a zone-less wall-clock time read in Timezone.
type ScheduleSpec struct {
	ScheduledTime string `json:"scheduled_time"`
	Timezone      string `json:"timezone,omitempty"`
	Repeat        string `json:"repeat,omitempty"`
}

type SwarmSpec struct {
	Name          string        `json:"name,omitempty"`
	Description   string        `json:"description,omitempty"`
	Task          string        `json:"task"`
	Img           string        `json:"img,omitempty"`
	Agents        []AgentSpec   `json:"agents"`
	SwarmType     SwarmType     `json:"swarm_type,omitempty"`
	MaxLoops      int           `json:"max_loops,omitempty"`
	RearrangeFlow string        `json:"rearrange_flow,omitempty"`
	ReturnHistory bool          `json:"return_history,omitempty"`
	Rules         string        `json:"rules,omitempty"`
	Aggregator    string        `json:"aggregator,omitempty"`
	Quorum        int           `json:"quorum,omitempty"`
	Schedule      *ScheduleSpec `json:"schedule,omitempty"`
}

// WithDefaults returns a deep copy of s with unset fields defaulted. The
// receiver is never modified.
func (s SwarmSpec) WithDefaults() SwarmSpec {
	out := s
	if out.SwarmType == "" {
		out.SwarmType = Sequential
	}
	if out.MaxLoops == 0 {
		out.MaxLoops = 1
	}
	if out.Quorum == 0 {
		out.Quorum = 1
	}
	if s.Schedule != nil {
		sched := *s.Schedule
		if sched.Timezone == "" {
			sched.Timezone = "UTC"
		}
		out.Schedule = &sched
	}
	out.Agents = make([]AgentSpec, len(s.Agents))
	for i, a := range s.Agents {
		if a.Role == "" {
			a.Role = DefaultRole
		}
		if a.MaxTokens == 0 {
			a.MaxTokens = DefaultMaxTokens
		}
		if a.MaxLoops == 0 {
			a.MaxLoops = 1
		}
		if a.Temperature != nil {
			t := *a.Temperature
			a.Temperature = &t
		} else {
			t := DefaultTemperature
			a.Temperature = &t
		}
		out.Agents[i] = a
	}
	return out
}

// Agent looks up an agent by name.
func (s SwarmSpec) Agent(name string) (AgentSpec, bool) {
	for _, a := range s.Agents {
		if a.AgentName == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// Step is one agent invocation in an execution's history.
type Step struct {
	Loop         int    `json:"loop"`
	Round        int    `json:"round,omitempty"`
	Agent        string `json:"agent"`
	Role         string `json:"role,omitempty"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	Failed       bool   `json:"failed,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	DurationMS   int64  `json:"duration_ms"`
}

// Result is the outcome of running a swarm. On failure it holds whatever
// history was produced before the failing step.
type Result struct {
	SwarmType    SwarmType `json:"swarm_type"`
	Output       string    `json:"output"`
	History      []Step    `json:"history"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Degraded     bool      `json:"degraded,omitempty"`
	Loops        int       `json:"loops"`
}

func (r *Result) record(steps ...Step) {
	for _, s := range steps {
		r.History = append(r.History, s)
		r.InputTokens += s.InputTokens
		r.OutputTokens += s.OutputTokens
	}
}
