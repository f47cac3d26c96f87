package swarm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Message is one prior agent output made visible to a later agent.
type Message struct {
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// Request is the immutable input of one agent invocation.
type Request struct {
	Task     string
	Messages []Message
	Rules    string
}

// Prompt renders the user-facing prompt for the request.
func (r Request) Prompt() string {
	var sb strings.Builder
	sb.WriteString("## Swarm Task\n\n")
	sb.WriteString(r.Task)
	if len(r.Messages) > 0 {
		sb.WriteString("\n\n## Context from Previous Agents\n")
		for _, m := range r.Messages {
			fmt.Fprintf(&sb, "\n### Output from %s\n\n%s\n", m.Agent, m.Content)
		}
	}
	return sb.String()
}

// SystemPrompt combines the agent's instructions with the swarm rules.
// Agents with AutoGeneratePrompt and no explicit prompt get one derived
// from their name, role and description.
func SystemPrompt(a AgentSpec, rules string) string {
	var sb strings.Builder
	prompt := a.SystemPrompt
	if prompt == "" && a.AutoGeneratePrompt {
		prompt = fmt.Sprintf("You are %s, acting as the %s of a team of agents.", a.AgentName, roleOr(a.Role))
		if a.Description != "" {
			prompt += " " + a.Description
		}
	}
	sb.WriteString(prompt)
	if rules != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Rules\n\n")
		sb.WriteString(rules)
	}
	return sb.String()
}

func roleOr(role string) string {
	if role == "" {
		return DefaultRole
	}
	return role
}

func cloneMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	return append([]Message(nil), msgs...)
}

func concatOutputs(msgs []Message) string {
	if len(msgs) == 1 {
		return msgs[0].Content
	}
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "### %s\n\n%s", m.Agent, m.Content)
	}
	return sb.String()
}

// continuation builds the task for a repeated pass over the plan.
func continuation(task, previous string) string {
	return task + "\n\n## Previous Result\n\n" + previous +
		"\n\nImprove on the previous result. If it is already complete, repeat it unchanged."
}

// NormalizeAnswer maps equivalent answers to the same string: Unicode
// compatibility forms are unified, case is folded, whitespace is collapsed
// and trailing punctuation is dropped.
func NormalizeAnswer(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".!?;:,")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
