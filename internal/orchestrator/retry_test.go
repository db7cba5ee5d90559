package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

func retryOrchestrator(a Agent, cfg RetryConfig) *Orchestrator {
	return &Orchestrator{agent: a, retry: cfg, logger: zap.NewNop()}
}

// flakyAgent fails a fixed number of times before succeeding.
type flakyAgent struct {
	failures int
	calls    int
}

func (a *flakyAgent) RunStage(_ context.Context, _ workflow.Stage, _ *StageContext) (*StageResult, error) {
	a.calls++
	if a.calls <= a.failures {
		return nil, errors.New("transient failure")
	}
	return &StageResult{Status: ResultSuccess, Content: []byte("ok")}, nil
}

// blockingAgent waits for its context to expire.
type blockingAgent struct {
	calls int
}

func (a *blockingAgent) RunStage(ctx context.Context, _ workflow.Stage, _ *StageContext) (*StageResult, error) {
	a.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

// errorStatusAgent returns a result whose status is error.
type errorStatusAgent struct {
	calls int
}

func (a *errorStatusAgent) RunStage(_ context.Context, _ workflow.Stage, _ *StageContext) (*StageResult, error) {
	a.calls++
	return &StageResult{Status: ResultError}, nil
}

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        maxRetries,
		AttemptTimeout:    time.Second,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestCallAgentRecoversAfterFailures(t *testing.T) {
	agent := &flakyAgent{failures: 2}
	o := retryOrchestrator(agent, fastRetry(2))

	res, err := o.callAgent(context.Background(), workflow.StageDesign, &StageContext{})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Status)
	assert.Equal(t, 3, agent.calls)
}

func TestCallAgentExhaustsRetries(t *testing.T) {
	agent := &flakyAgent{failures: 10}
	o := retryOrchestrator(agent, fastRetry(2))

	_, err := o.callAgent(context.Background(), workflow.StageDesign, &StageContext{})
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, 3, agentErr.Attempts)
	assert.Equal(t, 3, agent.calls)
}

func TestCallAgentTimesOut(t *testing.T) {
	agent := &blockingAgent{}
	cfg := fastRetry(1)
	cfg.AttemptTimeout = 20 * time.Millisecond
	o := retryOrchestrator(agent, cfg)

	_, err := o.callAgent(context.Background(), workflow.StageCoding, &StageContext{})
	var timeoutErr *AgentTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 2, timeoutErr.Attempts)
	assert.Equal(t, 2, agent.calls)
}

func TestCallAgentParentCancellationStopsRetries(t *testing.T) {
	agent := &blockingAgent{}
	cfg := fastRetry(5)
	cfg.AttemptTimeout = time.Minute
	o := retryOrchestrator(agent, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := o.callAgent(ctx, workflow.StageCoding, &StageContext{})
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, agent.calls)
}

func TestCallAgentErrorStatusCountsAsFailure(t *testing.T) {
	agent := &errorStatusAgent{}
	o := retryOrchestrator(agent, fastRetry(1))

	_, err := o.callAgent(context.Background(), workflow.StageDesign, &StageContext{})
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, 2, agent.calls)
	assert.Contains(t, agentErr.Error(), "error status")
}

func TestApplyDefaultsFillsZeroFields(t *testing.T) {
	var cfg RetryConfig
	cfg.ApplyDefaults()
	d := DefaultRetryConfig()
	assert.Equal(t, d.AttemptTimeout, cfg.AttemptTimeout)
	assert.Equal(t, d.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, d.MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, d.BackoffMultiplier, cfg.BackoffMultiplier)
	assert.Zero(t, cfg.MaxRetries)
}
