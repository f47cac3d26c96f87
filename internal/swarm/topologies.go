package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// runSequential chains agents in declaration order. Each agent sees the
// outputs of every agent before it; the last output is the result.
func (e *Engine) runSequential(ctx context.Context, p *pass) (string, error) {
	var msgs []Message
	var last string
	for _, a := range p.spec.Agents {
		step, err := e.invoke(ctx, p, 0, a, Request{Task: p.task, Messages: cloneMessages(msgs), Rules: p.spec.Rules})
		p.res.record(step)
		if err != nil {
			return "", fatal(p, a.AgentName, err)
		}
		msgs = append(msgs, Message{Agent: a.AgentName, Content: step.Output})
		last = step.Output
	}
	return last, nil
}

// runConcurrent runs every worker on the same task. The aggregator, if
// any, combines the successful outputs; otherwise they are concatenated.
func (e *Engine) runConcurrent(ctx context.Context, p *pass) (string, error) {
	var workers []AgentSpec
	for _, a := range p.spec.Agents {
		if a.AgentName != p.spec.Aggregator {
			workers = append(workers, a)
		}
	}

	outcomes := e.fanOut(ctx, p, workers, Request{Task: p.task, Rules: p.spec.Rules})
	msgs, err := collect(p, outcomes, p.spec.Quorum)
	if err != nil {
		return "", err
	}

	if p.spec.Aggregator == "" {
		return concatOutputs(msgs), nil
	}

	agg, _ := p.spec.Agent(p.spec.Aggregator)
	task := p.task + "\n\nSynthesize the outputs of the other agents into a single cohesive answer."
	step, err := e.invoke(ctx, p, 0, agg, Request{Task: task, Messages: msgs, Rules: p.spec.Rules})
	p.res.record(step)
	if err != nil {
		return "", fatal(p, agg.AgentName, err)
	}
	return step.Output, nil
}

// runRearrange executes the compiled flow tier by tier. Agents of a tier
// run in parallel and see every output produced by earlier tiers.
func (e *Engine) runRearrange(ctx context.Context, p *pass) (string, error) {
	plan, err := CompileFlow(p.spec.RearrangeFlow, p.spec.Agents)
	if err != nil {
		return "", &ValidationError{Fields: []FieldError{{Field: "rearrange_flow", Message: err.Error()}}}
	}

	var msgs []Message
	var last []Message
	for i, tier := range plan.Tiers {
		agents := make([]AgentSpec, len(tier.Agents))
		for j, name := range tier.Agents {
			agents[j], _ = p.spec.Agent(name)
		}
		slog.Debug("executing tier", "swarm", p.spec.Name, "tier", i, "agents", tier.Agents)

		outcomes := e.fanOut(ctx, p, agents, Request{Task: p.task, Messages: msgs, Rules: p.spec.Rules})
		last = nil
		for _, o := range outcomes {
			p.res.record(o.step)
		}
		for _, o := range outcomes {
			if o.err != nil {
				return "", fatal(p, o.step.Agent, o.err)
			}
			last = append(last, Message{Agent: o.step.Agent, Content: o.step.Output})
		}
		msgs = append(msgs, last...)
	}
	return concatOutputs(last), nil
}

// runGroupChat lets agents take turns over a shared transcript for up to
// max_loops rounds, stopping after a round that adds nothing new.
func (e *Engine) runGroupChat(ctx context.Context, p *pass) (string, error) {
	var transcript []Message
	said := make(map[string]string, len(p.spec.Agents))
	var last string

	for round := 1; round <= p.spec.MaxLoops; round++ {
		fresh := false
		failures := 0
		var lastErr error
		for _, a := range p.spec.Agents {
			if err := ctx.Err(); err != nil {
				return "", fatal(p, a.AgentName, err)
			}
			step, err := e.invoke(ctx, p, round, a, Request{Task: p.task, Messages: cloneMessages(transcript), Rules: p.spec.Rules})
			p.res.record(step)
			if err != nil {
				failures++
				lastErr = err
				continue
			}
			norm := NormalizeAnswer(step.Output)
			if norm != "" && norm != said[a.AgentName] {
				fresh = true
			}
			said[a.AgentName] = norm
			transcript = append(transcript, Message{Agent: a.AgentName, Content: step.Output})
			last = step.Output
		}
		if failures == len(p.spec.Agents) {
			return "", fatal(p, "", fmt.Errorf("every agent failed in round %d: %w", round, lastErr))
		}
		if failures > 0 {
			p.res.Degraded = true
		}
		if !fresh {
			slog.Debug("group chat converged", "swarm", p.spec.Name, "round", round)
			break
		}
	}
	return last, nil
}

// runRouter asks the router agent which candidates should handle the task
// and runs only those.
func (e *Engine) runRouter(ctx context.Context, p *pass) (string, error) {
	router, candidates := splitRouter(p.spec.Agents)
	if len(candidates) == 0 {
		return "", &ValidationError{Fields: []FieldError{{Field: "agents", Message: fmt.Sprintf("%s needs a router and at least one candidate", Router)}}}
	}

	step, err := e.invoke(ctx, p, 0, router, Request{Task: buildRoutingPrompt(candidates, p.task), Rules: p.spec.Rules})
	p.res.record(step)
	if err != nil {
		return "", fatal(p, router.AgentName, err)
	}

	selected := parseSelection(step.Output, candidates)
	if len(selected) == 0 {
		slog.Warn("router selected no known agent, using first candidate",
			"swarm", p.spec.Name, "router", router.AgentName, "answer", truncate(step.Output, 80))
		selected = candidates[:1]
	}

	outcomes := e.fanOut(ctx, p, selected, Request{Task: p.task, Rules: p.spec.Rules})
	msgs, err := collect(p, outcomes, p.spec.Quorum)
	if err != nil {
		return "", err
	}
	return concatOutputs(msgs), nil
}

// splitRouter picks the first agent with the router role, or the first
// agent, as router; the rest are candidates.
func splitRouter(agents []AgentSpec) (AgentSpec, []AgentSpec) {
	idx := 0
	for i, a := range agents {
		if a.Role == RouterRole {
			idx = i
			break
		}
	}
	candidates := make([]AgentSpec, 0, len(agents)-1)
	candidates = append(candidates, agents[:idx]...)
	candidates = append(candidates, agents[idx+1:]...)
	return agents[idx], candidates
}

func buildRoutingPrompt(candidates []AgentSpec, task string) string {
	var sb strings.Builder
	sb.WriteString("You are a task router. Given the task, determine which agents should handle it.\n\n")
	sb.WriteString("Available agents:\n")
	for _, a := range candidates {
		desc := a.Description
		if desc == "" {
			desc = truncate(a.SystemPrompt, 200)
		}
		fmt.Fprintf(&sb, "- %s: %s\n", a.AgentName, desc)
	}
	sb.WriteString("\nTask: ")
	sb.WriteString(task)
	sb.WriteString("\n\nRespond with ONLY the agent names, separated by commas, nothing else.")
	return sb.String()
}

// parseSelection matches the router's answer against candidate names,
// case-insensitively, keeping declaration order.
func parseSelection(answer string, candidates []AgentSpec) []AgentSpec {
	picked := make(map[string]bool)
	for _, field := range strings.FieldsFunc(answer, func(r rune) bool { return r == ',' || r == '\n' || r == ';' }) {
		name := strings.Trim(strings.TrimSpace(field), "-*`'\". ")
		if name != "" {
			picked[NormalizeAnswer(name)] = true
		}
	}
	var out []AgentSpec
	for _, c := range candidates {
		if picked[NormalizeAnswer(c.AgentName)] {
			out = append(out, c)
		}
	}
	return out
}

// runVoting runs all agents concurrently and returns the most common
// normalized answer. Ties go to the answer of the earliest declared agent.
func (e *Engine) runVoting(ctx context.Context, p *pass) (string, error) {
	outcomes := e.fanOut(ctx, p, p.spec.Agents, Request{Task: p.task, Rules: p.spec.Rules})
	msgs, err := collect(p, outcomes, p.spec.Quorum)
	if err != nil {
		return "", err
	}
	winner, _ := tally(msgs)
	return winner, nil
}

// tally counts normalized answers and returns the winning original text
// and its vote count. msgs must be in declaration order.
func tally(msgs []Message) (string, int) {
	counts := make(map[string]int)
	first := make(map[string]string)
	var order []string
	for _, m := range msgs {
		key := NormalizeAnswer(m.Content)
		if _, ok := first[key]; !ok {
			first[key] = m.Content
			order = append(order, key)
		}
		counts[key]++
	}
	var best string
	bestCount := 0
	for _, key := range order {
		if counts[key] > bestCount {
			best, bestCount = key, counts[key]
		}
	}
	return first[best], bestCount
}
