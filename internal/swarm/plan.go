package swarm

import (
	"errors"
	"fmt"
	"strings"
)

// ExecutionPlan describes the order and grouping of agents for a rearrange
// flow.
type ExecutionPlan struct {
	Tiers []ExecutionTier // ordered groups; within a tier, agents run in parallel
}

// ExecutionTier is a group of agents that execute in parallel.
type ExecutionTier struct {
	Agents []string
}

// ErrFlowCycle is returned when a flow revisits an agent.
var ErrFlowCycle = errors.New("flow contains a cycle")

// CompileFlow parses a flow such as "a -> b, c -> d" into an execution
// plan. "->" separates sequential steps and "," separates agents running
// in parallel within a step. Every step feeds every agent of the next one;
// the resulting graph must be acyclic, so an agent may appear only once.
func CompileFlow(flow string, agents []AgentSpec) (*ExecutionPlan, error) {
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.AgentName] = true
	}

	if strings.TrimSpace(flow) == "" {
		return nil, errors.New("flow is empty")
	}

	var steps [][]string
	for i, raw := range strings.Split(flow, "->") {
		var step []string
		seen := make(map[string]bool)
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				return nil, fmt.Errorf("step %d has an empty agent name", i+1)
			}
			if !known[name] {
				return nil, fmt.Errorf("flow references unknown agent %q", name)
			}
			if seen[name] {
				return nil, fmt.Errorf("agent %q appears twice in step %d", name, i+1)
			}
			seen[name] = true
			step = append(step, name)
		}
		steps = append(steps, step)
	}

	// Node order follows first appearance in the flow.
	var nodes []string
	inDegree := make(map[string]int)
	edges := make(map[string]map[string]bool)
	for _, step := range steps {
		for _, name := range step {
			if _, ok := inDegree[name]; !ok {
				inDegree[name] = 0
				nodes = append(nodes, name)
			}
		}
	}
	for i := 0; i+1 < len(steps); i++ {
		for _, from := range steps[i] {
			for _, to := range steps[i+1] {
				if edges[from] == nil {
					edges[from] = make(map[string]bool)
				}
				if !edges[from][to] {
					edges[from][to] = true
					inDegree[to]++
				}
			}
		}
	}

	// Topological sort using Kahn's algorithm, grouping by depth
	depth := make(map[string]int)
	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range nodes {
			if !edges[node][next] {
				continue
			}
			inDegree[next]--
			if d := depth[node] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(nodes) {
		return nil, ErrFlowCycle
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	tiers := make([]ExecutionTier, maxDepth+1)
	for _, n := range nodes {
		tiers[depth[n]].Agents = append(tiers[depth[n]].Agents, n)
	}
	return &ExecutionPlan{Tiers: tiers}, nil
}
