package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/swarm"
)

// Retrying bounds every attempt of the wrapped runner with a timeout and
// retries transient failures with exponential backoff. Tokens spent by
// failed attempts are added to the final response.
type Retrying struct {
	next        swarm.Runner
	timeout     time.Duration
	maxAttempts uint
	interval    time.Duration
}

var _ swarm.Runner = (*Retrying)(nil)

func NewRetrying(next swarm.Runner, cfg config.AgentsConfig) *Retrying {
	r := &Retrying{
		next:        next,
		timeout:     cfg.Timeout,
		maxAttempts: uint(max(cfg.MaxAttempts, 1)),
		interval:    cfg.RetryInterval,
	}
	if r.interval <= 0 {
		r.interval = 500 * time.Millisecond
	}
	return r
}

func (r *Retrying) Run(ctx context.Context, a swarm.AgentSpec, req swarm.Request) (swarm.Response, error) {
	var spentIn, spentOut int64
	attempt := 0

	op := func() (swarm.Response, error) {
		attempt++
		attemptCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		resp, err := r.next.Run(attemptCtx, a, req)
		spentIn += resp.InputTokens
		spentOut += resp.OutputTokens
		if err == nil {
			return resp, nil
		}

		ie := classify(a.AgentName, err)
		if ctx.Err() != nil || !ie.Transient {
			return resp, backoff.Permanent(ie)
		}
		return resp, ie
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.MaxInterval = 30 * time.Second

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("agent call failed, retrying", "agent", a.AgentName, "model", a.ModelName,
				"attempt", attempt, "next_in", d, "error", err)
		}),
	)
	resp.InputTokens = spentIn
	resp.OutputTokens = spentOut
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if _, ok := swarm.AsInvocationError(err); !ok {
			err = classify(a.AgentName, err)
		}
		return resp, err
	}
	return resp, nil
}
