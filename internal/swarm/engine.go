package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Response is what a runner returns for one invocation.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Runner invokes a single agent. Implementations must not retain or mutate
// the request, and should return *InvocationError on failure.
type Runner interface {
	Run(ctx context.Context, agent AgentSpec, req Request) (Response, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, agent AgentSpec, req Request) (Response, error)

func (f RunnerFunc) Run(ctx context.Context, agent AgentSpec, req Request) (Response, error) {
	return f(ctx, agent, req)
}

// Engine executes swarm specifications against a Runner.
type Engine struct {
	runner   Runner
	selector AutoSelector
	tracer   trace.Tracer
}

type Option func(*Engine)

// WithAutoSelector replaces the heuristic used for the auto swarm type.
func WithAutoSelector(s AutoSelector) Option {
	return func(e *Engine) { e.selector = s }
}

func NewEngine(r Runner, opts ...Option) *Engine {
	e := &Engine{
		runner:   r,
		selector: HeuristicSelector{},
		tracer:   otel.Tracer("github.com/mtzanidakis/swarmd/internal/swarm"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve returns the concrete topology spec would run with.
func (e *Engine) Resolve(spec SwarmSpec) SwarmType {
	t := spec.SwarmType
	if t == "" {
		t = Sequential
	}
	if t == Auto {
		t = e.selector.Select(spec)
	}
	return t
}

// pass is the state of one loop over the plan.
type pass struct {
	spec SwarmSpec
	typ  SwarmType
	loop int
	task string
	res  *Result
}

type topology func(ctx context.Context, p *pass) (string, error)

// Run executes spec and returns its result. On a fatal failure it returns
// the partial result together with an *ExecutionError, or a
// *ValidationError when the spec is rejected before any agent runs.
func (e *Engine) Run(ctx context.Context, spec SwarmSpec) (*Result, error) {
	spec = spec.WithDefaults()
	if err := Validate(spec); err != nil {
		return nil, err
	}
	typ := e.Resolve(spec)
	if err := ValidateResolved(spec, typ); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "swarm.run", trace.WithAttributes(
		attribute.String("swarm.name", spec.Name),
		attribute.String("swarm.type", string(typ)),
		attribute.Int("swarm.agents", len(spec.Agents)),
	))
	defer span.End()

	res := &Result{SwarmType: typ}
	run := e.topology(typ)

	// GroupChat spends max_loops on its own rounds.
	loops := spec.MaxLoops
	if typ == GroupChat {
		loops = 1
	}

	slog.Info("starting swarm", "name", spec.Name, "type", typ, "agents", len(spec.Agents), "loops", loops)

	var prev string
	for loop := 1; loop <= loops; loop++ {
		task := spec.Task
		if loop > 1 {
			task = continuation(spec.Task, prev)
		}
		res.Loops = loop

		out, err := run(ctx, &pass{spec: spec, typ: typ, loop: loop, task: task, res: res})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("swarm failed", "name", spec.Name, "type", typ, "loop", loop, "error", err)
			return res, err
		}
		res.Output = out
		if loop > 1 && NormalizeAnswer(out) == NormalizeAnswer(prev) {
			slog.Debug("swarm output stabilized", "name", spec.Name, "loop", loop)
			break
		}
		prev = out
	}

	span.SetAttributes(
		attribute.Int64("swarm.input_tokens", res.InputTokens),
		attribute.Int64("swarm.output_tokens", res.OutputTokens),
		attribute.Bool("swarm.degraded", res.Degraded),
	)
	slog.Info("swarm finished", "name", spec.Name, "type", typ, "loops", res.Loops,
		"degraded", res.Degraded, "output", truncate(res.Output, 120))
	return res, nil
}

func (e *Engine) topology(t SwarmType) topology {
	switch t {
	case Concurrent:
		return e.runConcurrent
	case Rearrange:
		return e.runRearrange
	case GroupChat:
		return e.runGroupChat
	case Router:
		return e.runRouter
	case MajorityVoting:
		return e.runVoting
	default:
		return e.runSequential
	}
}

// invoke runs one agent, repeating it on its own answer for the agent's
// max_loops. The returned step always carries the tokens consumed.
func (e *Engine) invoke(ctx context.Context, p *pass, round int, a AgentSpec, req Request) (Step, error) {
	ctx, span := e.tracer.Start(ctx, "swarm.agent", trace.WithAttributes(
		attribute.String("agent.name", a.AgentName),
		attribute.String("agent.model", a.ModelName),
	))
	defer span.End()

	start := time.Now()
	step := Step{Loop: p.loop, Round: round, Agent: a.AgentName, Role: a.Role}

	var text string
	for i := 0; i < max(a.MaxLoops, 1); i++ {
		in := req
		if i > 0 {
			in.Messages = append(cloneMessages(req.Messages), Message{Agent: a.AgentName + " (previous answer)", Content: text})
		}
		resp, err := e.runner.Run(ctx, a, in)
		step.InputTokens += resp.InputTokens
		step.OutputTokens += resp.OutputTokens
		if err != nil {
			if _, ok := AsInvocationError(err); !ok {
				kind := KindFailed
				if errors.Is(err, context.DeadlineExceeded) {
					kind = KindTimeout
				}
				err = &InvocationError{Agent: a.AgentName, Kind: kind, Err: err}
			}
			step.Failed = true
			step.Error = err.Error()
			step.DurationMS = time.Since(start).Milliseconds()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("agent failed", "agent", a.AgentName, "model", a.ModelName, "error", err)
			return step, err
		}
		text = resp.Text
	}

	step.Output = text
	step.DurationMS = time.Since(start).Milliseconds()
	slog.Debug("agent completed", "agent", a.AgentName, "output", truncate(text, 80))
	return step, nil
}

type outcome struct {
	step Step
	err  error
}

// fanOut runs agents concurrently with the same request and returns their
// outcomes in the order the agents were given.
func (e *Engine) fanOut(ctx context.Context, p *pass, agents []AgentSpec, req Request) []outcome {
	out := make([]outcome, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a AgentSpec) {
			defer wg.Done()
			r := req
			r.Messages = cloneMessages(req.Messages)
			step, err := e.invoke(ctx, p, 0, a, r)
			out[i] = outcome{step: step, err: err}
		}(i, a)
	}
	wg.Wait()
	return out
}

// collect records fan-out results in order and enforces the quorum. It
// returns the successful outputs as messages.
func collect(p *pass, outcomes []outcome, quorum int) ([]Message, error) {
	var msgs []Message
	var firstErr error
	for _, o := range outcomes {
		p.res.record(o.step)
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		msgs = append(msgs, Message{Agent: o.step.Agent, Content: o.step.Output})
	}
	quorum = min(max(quorum, 1), len(outcomes))
	if len(msgs) < quorum {
		return msgs, &ExecutionError{
			SwarmType: p.typ,
			Err:       fmt.Errorf("%w: %d of %d agents succeeded, need %d: %w", ErrQuorumNotMet, len(msgs), len(outcomes), quorum, firstErr),
		}
	}
	if len(msgs) < len(outcomes) {
		p.res.Degraded = true
	}
	return msgs, nil
}

func fatal(p *pass, agent string, err error) error {
	return &ExecutionError{SwarmType: p.typ, Agent: agent, Err: err}
}
