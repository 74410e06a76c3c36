// File: internal/llmclient/fallback.go
package llmclient

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// FallbackResult is a successful chained call.
type FallbackResult struct {
	Response *Response
	// Tier that answered.
	Tier schemas.ModelTier
	// Attempt number on that tier, starting at 1.
	Attempt int
	// ChainUsed lists the tiers tried, ending with Tier.
	ChainUsed []schemas.ModelTier
}

// UsedFallback reports whether a tier other than the preferred one answered.
func (f *FallbackResult) UsedFallback() bool {
	return len(f.ChainUsed) > 1
}

// RouteWithFallback tries the preferred tier and then each tier of its chain.
// Each tier gets up to MaxRetriesPerTier attempts spaced by RetryDelay;
// non-retryable errors move on to the next tier immediately. When every tier
// fails the error is a *ChainError.
func (r *Router) RouteWithFallback(ctx context.Context, req Request) (*FallbackResult, error) {
	preferred, err := r.ResolveTier(req)
	if err != nil {
		return nil, err
	}
	sequence := r.chains.Sequence(preferred)
	chainErr := &ChainError{Task: req.Task, Chain: sequence}

	var used []schemas.ModelTier
	for _, tier := range sequence {
		if err := ctx.Err(); err != nil {
			chainErr.Cause = err
			return nil, chainErr
		}
		used = append(used, tier)

		var (
			resp    *Response
			attempt int
		)
		operation := func() error {
			attempt++
			var callErr error
			resp, callErr = r.routeTier(ctx, tier, req)
			if callErr == nil {
				return nil
			}
			chainErr.Attempts = append(chainErr.Attempts, AttemptError{Tier: tier, Attempt: attempt, Err: callErr})
			if ctx.Err() != nil || !IsRetryable(callErr) {
				return backoff.Permanent(callErr)
			}
			r.logger.Warn("Model call failed, retrying tier",
				zap.String("task", string(req.Task)),
				zap.Stringer("tier", tier),
				zap.Int("attempt", attempt),
				zap.Error(callErr),
			)
			return callErr
		}

		b := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryDelay), uint64(r.cfg.MaxRetriesPerTier-1)),
			ctx,
		)
		if err := backoff.Retry(operation, b); err == nil {
			if len(used) > 1 {
				r.logger.Info("Model call succeeded on fallback tier",
					zap.String("task", string(req.Task)),
					zap.Stringer("preferred", preferred),
					zap.Stringer("tier", tier),
					zap.Int("attempt", attempt),
				)
			}
			return &FallbackResult{Response: resp, Tier: tier, Attempt: attempt, ChainUsed: used}, nil
		}

		if err := ctx.Err(); err != nil {
			chainErr.Cause = err
			return nil, chainErr
		}
		r.logger.Warn("Model tier exhausted, falling back",
			zap.String("task", string(req.Task)),
			zap.Stringer("tier", tier),
			zap.Int("attempts", attempt),
		)
	}

	r.logger.Error("Fallback chain exhausted",
		zap.String("task", string(req.Task)),
		zap.Stringer("preferred", preferred),
		zap.Int("attempts", len(chainErr.Attempts)),
	)
	return nil, chainErr
}
