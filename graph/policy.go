package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/internal/backoff"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/internal/logger/tag"
)

// Action is what happens once a step's retries are exhausted.
type Action string

const (
	// ActionFail rethrows the last error.
	ActionFail Action = "fail"
	// ActionRetry retries up to RetryCount and then rethrows.
	ActionRetry Action = "retry"
	// ActionSkip swallows the error and records FallbackValue.
	ActionSkip Action = "skip"
	// ActionFallback executes FallbackNode once (never retried); when
	// no node is set, FallbackValue is recorded instead.
	ActionFallback Action = "fallback"
)

// ErrorPolicy governs step failure handling. A persistently failing
// step is attempted exactly RetryCount+1 times before the action
// applies.
type ErrorPolicy struct {
	OnError       Action
	RetryCount    int
	RetryDelay    time.Duration
	RetryBackoff  float64
	Timeout       time.Duration
	FallbackValue any
	FallbackNode  core.Node
}

// streamer is the optional streaming capability of terminal nodes and
// nested graphs.
type streamer interface {
	ExecuteStream(ctx context.Context, ec *core.ExecutionContext, onChunk func(chunk string) error) (any, error)
}

// runWithPolicy executes the node under policy. Timeout per attempt is
// treated like any other failure; cancellation is checked between
// attempts and is never retried.
func runWithPolicy(ctx context.Context, ec *core.ExecutionContext, policy *ErrorPolicy, n core.Node, onChunk func(chunk string) error) (any, error) {
	if policy == nil {
		policy = &ErrorPolicy{OnError: ActionFail}
	}

	factor := policy.RetryBackoff
	if factor <= 0 {
		factor = 1
	}
	retrier := backoff.NewRetrier(backoff.NewExponentialBackoffPolicy(policy.RetryDelay, factor, policy.RetryCount))

	var lastErr error
	for attempt := 0; attempt <= policy.RetryCount; attempt++ {
		out, err := runAttempt(ctx, ec, policy.Timeout, n, onChunk)
		if err == nil {
			return out, nil
		}
		lastErr = err

		// Cancellation and budget breaches end the loop immediately.
		switch core.KindOf(err) {
		case core.KindCanceled, core.KindBudgetExceeded:
			return nil, err
		}
		if cerr := ec.CheckCancelled(ctx); cerr != nil {
			return nil, cerr
		}
		if attempt == policy.RetryCount {
			break
		}

		interval, rerr := retrier.Next(err)
		if rerr != nil {
			break
		}
		logger.Warn(ctx, "step attempt failed, retrying",
			tag.Node(n.ID()), tag.Attempt(attempt+1), tag.MaxRetries(policy.RetryCount),
			tag.Interval(interval), tag.Error(err))
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ec.Cancel.Done():
				return nil, ec.Cancel.Check()
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
	}

	switch policy.OnError {
	case ActionSkip:
		logger.Warn(ctx, "step failed, skipping", tag.Node(n.ID()), tag.Error(lastErr))
		return policy.FallbackValue, nil
	case ActionFallback:
		if policy.FallbackNode == nil {
			logger.Warn(ctx, "step failed, using fallback value", tag.Node(n.ID()), tag.Error(lastErr))
			return policy.FallbackValue, nil
		}
		logger.Warn(ctx, "step failed, executing fallback node",
			tag.Node(n.ID()), tag.Error(lastErr))
		// Fallback executes exactly once, never retried.
		return runAttempt(ctx, ec, policy.Timeout, policy.FallbackNode, onChunk)
	default:
		return nil, lastErr
	}
}

// runAttempt executes one attempt, optionally bounded by a per-attempt
// timeout, streaming through onChunk when the node supports it.
func runAttempt(ctx context.Context, ec *core.ExecutionContext, timeout time.Duration, n core.Node, onChunk func(chunk string) error) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout,
			fmt.Errorf("attempt exceeded %s: %w", timeout, core.ErrTimeout))
		defer cancel()
	}
	if onChunk != nil {
		if s, ok := n.(streamer); ok {
			return s.ExecuteStream(ctx, ec, onChunk)
		}
	}
	return n.Execute(ctx, ec)
}
