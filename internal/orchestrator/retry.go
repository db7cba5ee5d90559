package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// RetryConfig bounds the agent call. Retries apply only to the agent; local
// file I/O is never retried.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// AttemptTimeout bounds one agent call. Zero disables the bound.
	AttemptTimeout time.Duration

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff growth.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default agent retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		AttemptTimeout:    5 * time.Minute,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults fills unset fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// callAgent invokes the agent with bounded retries and exponential backoff.
// A result with status "error" counts as a failed attempt. Cancellation of
// the parent context returns immediately; exhaustion surfaces as a typed
// agent failure.
func (o *Orchestrator) callAgent(ctx context.Context, stage workflow.Stage, sc *StageContext) (*StageResult, error) {
	cfg := o.retry
	cfg.ApplyDefaults()

	attempts := 0
	timedOut := false
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &AgentError{Stage: stage, Attempts: attempts, Err: err}
		}
		attempts++

		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		}
		result, err := o.agent.RunStage(attemptCtx, stage, sc)
		if cancel != nil {
			cancel()
		}

		switch {
		case err == nil && result != nil && result.Status != ResultError:
			if attempt > 0 {
				o.logger.Info("agent recovered after retries",
					zap.String("stage", string(stage)),
					zap.Int("attempts", attempts),
				)
			}
			return result, nil
		case err == nil:
			lastErr = errors.New("agent reported error status")
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			timedOut = true
			lastErr = err
		case ctx.Err() != nil:
			// Parent cancelled mid-call: no more attempts.
			return nil, &AgentError{Stage: stage, Attempts: attempts, Err: ctx.Err()}
		default:
			timedOut = false
			lastErr = err
		}

		o.logger.Warn("agent attempt failed",
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempts),
			zap.Error(lastErr),
		)

		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, &AgentError{Stage: stage, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	if timedOut {
		return nil, &AgentTimeoutError{Stage: stage, Attempts: attempts}
	}
	return nil, &AgentError{Stage: stage, Attempts: attempts, Err: lastErr}
}
