package swarm

import "strings"

// AutoSelector picks a concrete topology for the auto swarm type. It must
// return the same answer for the same spec.
type AutoSelector interface {
	Select(spec SwarmSpec) SwarmType
}

// HeuristicSelector inspects the spec shape and task wording. Rules are
// tried in order:
//
//   - a single agent runs sequentially
//   - a rearrange flow selects AgentRearrange
//   - an agent with the router role selects MultiAgentRouter
//   - voting words ("vote", "consensus", "majority") select MajorityVoting
//   - discussion words ("discuss", "debate", "brainstorm") select GroupChat
//   - parallel words ("parallel", "independent", "compare") select ConcurrentWorkflow
//   - anything else runs sequentially
type HeuristicSelector struct{}

var (
	votingWords     = []string{"vote", "consensus", "majority"}
	discussionWords = []string{"discuss", "debate", "brainstorm", "deliberate"}
	parallelWords   = []string{"parallel", "independent", "compare", "simultaneous"}
)

func (HeuristicSelector) Select(spec SwarmSpec) SwarmType {
	if len(spec.Agents) <= 1 {
		return Sequential
	}
	if strings.TrimSpace(spec.RearrangeFlow) != "" {
		return Rearrange
	}
	for _, a := range spec.Agents {
		if a.Role == RouterRole {
			return Router
		}
	}
	task := NormalizeAnswer(spec.Task)
	switch {
	case containsAny(task, votingWords):
		return MajorityVoting
	case containsAny(task, discussionWords):
		return GroupChat
	case containsAny(task, parallelWords):
		return Concurrent
	}
	return Sequential
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
