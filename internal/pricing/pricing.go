// Package pricing turns swarm specifications and token usage into credit
// amounts.
package pricing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/swarm"
)

// Pricer computes the reservation for a run before it starts and the real
// cost after it finishes. Estimate must never be below Actual for the same
// spec and time.
type Pricer interface {
	Estimate(spec swarm.SwarmSpec, at time.Time) (credits.Amount, error)
	Actual(spec swarm.SwarmSpec, history []swarm.Step, at time.Time) (credits.Amount, error)
}

var million = apd.New(1_000_000, 0)

type multiplier struct {
	prefix string
	factor *apd.Decimal
}

// Table is the config-driven Pricer.
type Table struct {
	perAgent    *apd.Decimal
	perInput    *apd.Decimal
	perOutput   *apd.Decimal
	discount    *apd.Decimal
	zone        *time.Location
	startHour   int
	endHour     int
	multipliers []multiplier
}

var _ Pricer = (*Table)(nil)

// New builds a Table from cfg. Every price must be a non-negative decimal
// and the discount must lie in [0, 1].
func New(cfg config.PricingConfig) (*Table, error) {
	t := &Table{startHour: cfg.OffPeakStartHour, endHour: cfg.OffPeakEndHour}

	fields := []struct {
		name string
		raw  string
		dst  **apd.Decimal
	}{
		{"per_agent", cfg.PerAgent, &t.perAgent},
		{"per_million_input", cfg.PerMillionInput, &t.perInput},
		{"per_million_output", cfg.PerMillionOutput, &t.perOutput},
		{"off_peak_discount", cfg.OffPeakDiscount, &t.discount},
	}
	for _, f := range fields {
		d, err := parseDecimal(f.raw)
		if err != nil {
			return nil, fmt.Errorf("pricing %s: %w", f.name, err)
		}
		*f.dst = d
	}
	if t.discount.Cmp(apd.New(1, 0)) > 0 {
		return nil, fmt.Errorf("pricing off_peak_discount: must not exceed 1")
	}
	if t.startHour < 0 || t.startHour > 23 || t.endHour < 0 || t.endHour > 23 {
		return nil, fmt.Errorf("pricing off-peak hours must be between 0 and 23")
	}

	zone := cfg.OffPeakZone
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("pricing off_peak_zone: %w", err)
	}
	t.zone = loc

	for prefix, raw := range cfg.ModelMultipliers {
		d, err := parseDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("pricing multiplier %s: %w", prefix, err)
		}
		t.multipliers = append(t.multipliers, multiplier{prefix: strings.ToLower(prefix), factor: d})
	}
	// Longest prefix wins.
	sort.Slice(t.multipliers, func(i, j int) bool {
		if len(t.multipliers[i].prefix) != len(t.multipliers[j].prefix) {
			return len(t.multipliers[i].prefix) > len(t.multipliers[j].prefix)
		}
		return t.multipliers[i].prefix < t.multipliers[j].prefix
	})
	return t, nil
}

func parseDecimal(s string) (*apd.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return apd.New(0, 0), nil
	}
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if d.Negative || d.Form != apd.Finite {
		return nil, fmt.Errorf("%q must be a finite non-negative decimal", s)
	}
	return d, nil
}

// OffPeak reports whether token prices are discounted at t.
func (t *Table) OffPeak(at time.Time) bool {
	h := at.In(t.zone).Hour()
	if t.startHour == t.endHour {
		return false
	}
	if t.startHour < t.endHour {
		return h >= t.startHour && h < t.endHour
	}
	return h >= t.startHour || h < t.endHour
}

// Multiplier returns the tier factor for model.
func (t *Table) Multiplier(model string) *apd.Decimal {
	m := strings.ToLower(model)
	for _, mul := range t.multipliers {
		if strings.HasPrefix(m, mul.prefix) {
			return mul.factor
		}
	}
	return apd.New(1, 0)
}

// Estimate is an upper bound on what spec can consume. Every invocation is
// assumed to read the task, the rules and every output the swarm could
// produce, and to write its full max_tokens.
func (t *Table) Estimate(spec swarm.SwarmSpec, at time.Time) (credits.Amount, error) {
	spec = spec.WithDefaults()
	rounds := int64(spec.MaxLoops)

	var outputBound int64
	for _, a := range spec.Agents {
		outputBound += int64(a.MaxTokens) * int64(a.MaxLoops) * rounds
	}
	base := approxTokens(spec.Task) + approxTokens(spec.Rules)
	if spec.SwarmType == swarm.Router || spec.SwarmType == swarm.Auto {
		for _, a := range spec.Agents {
			base += approxTokens(a.Description) + approxTokens(a.AgentName) + 8
		}
	}

	usage := make([]usageLine, 0, len(spec.Agents))
	for _, a := range spec.Agents {
		calls := int64(a.MaxLoops) * rounds
		in := (base + approxTokens(swarm.SystemPrompt(a, spec.Rules)) + outputBound) * calls
		out := int64(a.MaxTokens) * calls
		usage = append(usage, usageLine{model: a.ModelName, in: in, out: out})
	}
	return t.price(len(spec.Agents), usage, at)
}

// Actual prices the tokens recorded in history, attributing each step to
// its agent's model.
func (t *Table) Actual(spec swarm.SwarmSpec, history []swarm.Step, at time.Time) (credits.Amount, error) {
	usage := make([]usageLine, 0, len(history))
	for _, s := range history {
		model := ""
		if a, ok := spec.Agent(s.Agent); ok {
			model = a.ModelName
		}
		usage = append(usage, usageLine{model: model, in: s.InputTokens, out: s.OutputTokens})
	}
	return t.price(len(spec.Agents), usage, at)
}

type usageLine struct {
	model string
	in    int64
	out   int64
}

// price sums the per-agent fee and the token cost of every usage line.
// Token costs are discounted off-peak; the agent fee is not.
func (t *Table) price(agents int, usage []usageLine, at time.Time) (credits.Amount, error) {
	ctx := credits.Context
	fee := new(apd.Decimal)
	if _, err := ctx.Mul(fee, t.perAgent, apd.New(int64(agents), 0)); err != nil {
		return 0, fmt.Errorf("price agents: %w", err)
	}

	weighted := apd.New(0, 0)
	for _, u := range usage {
		in, out, line, scaled, sum := new(apd.Decimal), new(apd.Decimal), new(apd.Decimal), new(apd.Decimal), new(apd.Decimal)
		if _, err := ctx.Mul(in, apd.New(u.in, 0), t.perInput); err != nil {
			return 0, fmt.Errorf("price input tokens: %w", err)
		}
		if _, err := ctx.Mul(out, apd.New(u.out, 0), t.perOutput); err != nil {
			return 0, fmt.Errorf("price output tokens: %w", err)
		}
		if _, err := ctx.Add(line, in, out); err != nil {
			return 0, fmt.Errorf("price tokens: %w", err)
		}
		if _, err := ctx.Mul(scaled, line, t.Multiplier(u.model)); err != nil {
			return 0, fmt.Errorf("apply multiplier: %w", err)
		}
		if _, err := ctx.Add(sum, weighted, scaled); err != nil {
			return 0, fmt.Errorf("price tokens: %w", err)
		}
		weighted = sum
	}

	tokens := new(apd.Decimal)
	if _, err := ctx.Quo(tokens, weighted, million); err != nil {
		return 0, fmt.Errorf("price tokens: %w", err)
	}
	if t.OffPeak(at) {
		keep, discounted := new(apd.Decimal), new(apd.Decimal)
		if _, err := ctx.Sub(keep, apd.New(1, 0), t.discount); err != nil {
			return 0, fmt.Errorf("apply discount: %w", err)
		}
		if _, err := ctx.Mul(discounted, tokens, keep); err != nil {
			return 0, fmt.Errorf("apply discount: %w", err)
		}
		tokens = discounted
	}

	total := new(apd.Decimal)
	if _, err := ctx.Add(total, fee, tokens); err != nil {
		return 0, fmt.Errorf("price total: %w", err)
	}
	return credits.FromDecimal(total)
}

// approxTokens bounds the token count of s by its byte length. Byte-level
// tokenizers never emit more tokens than bytes.
func approxTokens(s string) int64 {
	return int64(len(s))
}
