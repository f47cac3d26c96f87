package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/mtzanidakis/swarmd/internal/swarm"
)

var transientHints = []string{"rate limit", "overloaded", "unavailable", "timeout", "timed out", "connection reset"}

// classify turns a provider error into an InvocationError, deciding whether
// a retry could succeed.
func classify(agent string, err error) *swarm.InvocationError {
	if ie, ok := swarm.AsInvocationError(err); ok {
		return ie
	}

	ie := &swarm.InvocationError{Agent: agent, Kind: swarm.KindFailed, Err: err}

	switch status := statusCode(err); {
	case status == http.StatusTooManyRequests, status == 529, status >= 500:
		ie.Kind = swarm.KindModelUnavailable
		ie.Transient = true
		return ie
	case status == http.StatusRequestTimeout:
		ie.Kind = swarm.KindTimeout
		ie.Transient = true
		return ie
	case status >= 400:
		ie.Kind = swarm.KindInvalidConfig
		return ie
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ie.Kind = swarm.KindTimeout
		ie.Transient = true
	case errors.Is(err, context.Canceled):
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			ie.Kind = swarm.KindTimeout
			ie.Transient = true
			break
		}
		msg := strings.ToLower(err.Error())
		for _, hint := range transientHints {
			if strings.Contains(msg, hint) {
				ie.Kind = swarm.KindModelUnavailable
				ie.Transient = true
				break
			}
		}
	}
	return ie
}

// statusCode extracts the HTTP status from a provider API error, or 0.
func statusCode(err error) int {
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return aerr.StatusCode
	}
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return oerr.StatusCode
	}
	return 0
}
