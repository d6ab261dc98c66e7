package agent

import (
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
)

// RetryPolicy bounds how a RetryingClient treats a flaky agent.
type RetryPolicy struct {
	Attempts    uint
	Delay       time.Duration
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    3,
		Delay:       500 * time.Millisecond,
		CallTimeout: 30 * time.Second,
	}
}

// RetryingClient decorates a Client with bounded retries and a per-call
// timeout. Domain errors are never retried; retrying cannot fix a request the
// agent has already rejected as invalid.
type RetryingClient struct {
	inner  Client
	policy RetryPolicy
}

func NewRetryingClient(inner Client, policy RetryPolicy) *RetryingClient {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultRetryPolicy().Attempts
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = DefaultRetryPolicy().CallTimeout
	}
	return &RetryingClient{inner: inner, policy: policy}
}

func (c *RetryingClient) CreateKernels(ctx *sokovancontext.Context, agentAddr string, specs []KernelCreationSpec) error {
	return c.do(ctx, agentAddr, "CreateKernels", func(callCtx *sokovancontext.Context) error {
		return c.inner.CreateKernels(callCtx, agentAddr, specs)
	})
}

func (c *RetryingClient) DestroyKernels(ctx *sokovancontext.Context, agentAddr string, kernelIDs []uuid.UUID) error {
	return c.do(ctx, agentAddr, "DestroyKernels", func(callCtx *sokovancontext.Context) error {
		return c.inner.DestroyKernels(callCtx, agentAddr, kernelIDs)
	})
}

func (c *RetryingClient) HealthCheck(ctx *sokovancontext.Context, agentAddr string) error {
	return c.do(ctx, agentAddr, "HealthCheck", func(callCtx *sokovancontext.Context) error {
		return c.inner.HealthCheck(callCtx, agentAddr)
	})
}

func (c *RetryingClient) do(ctx *sokovancontext.Context, agentAddr string, call string, action func(*sokovancontext.Context) error) error {
	log := sokovancontext.WithLogFields(ctx, map[string]interface{}{
		"agent": agentAddr,
		"call":  call,
	})
	return retry.Do(
		func() error {
			callCtx, cancel := sokovancontext.WithTimeout(log, c.policy.CallTimeout)
			defer cancel()
			return action(callCtx)
		},
		retry.Attempts(c.policy.Attempts),
		retry.Delay(c.policy.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !sokovanerrors.IsNotRetryable(err)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			log.Log.WithError(err).Warnf("agent call failed, attempt %d of %d", attempt+1, c.policy.Attempts)
		}),
	)
}
