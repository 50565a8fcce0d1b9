package hostselector

import (
	"context"
	"errors"

	"github.com/bitrise-io/go-objectupload/metrics"
	"github.com/bitrise-io/go-utils/retry"
)

// Operation is one attempt against a selected host. ctx carries the host's
// adaptive timeout.
type Operation[T any] func(ctx context.Context, info HostInfo) (T, error)

// Do runs op up to tries times, each time on a freshly selected host.
// A success rewards the host and returns at once. A failure punishes the host;
// if the selector refuses to punish, the error is returned without further
// attempts. Otherwise the last error is returned once tries are exhausted.
func Do[T any](ctx context.Context, s *Selector, tries int, op Operation[T]) (T, error) {
	var result T
	if tries < 1 {
		tries = 1
	}

	err := retry.Times(uint(tries - 1)).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}

		info := s.SelectHost()
		attemptCtx, cancel := context.WithTimeout(ctx, info.Timeout)
		value, err := op(attemptCtx, info)
		cancel()

		if err == nil {
			s.Reward(info.Host)
			s.metrics.IncAttempts(s.name, metrics.OutcomeSuccess)
			result = value
			return nil, false
		}

		if ctx.Err() != nil {
			s.metrics.IncAttempts(s.name, metrics.OutcomeAborted)
			return err, true
		}
		if isTimeout(err) {
			s.IncreaseTimeoutPowerBy(info.Host, info.TimeoutPower)
		}
		if !s.Punish(info.Host, err) {
			s.metrics.IncAttempts(s.name, metrics.OutcomeAborted)
			s.logger.Debugf("Attempt %d on %s failed with a non-retryable error: %s", attempt+1, info.Host, err)
			return err, true
		}

		s.metrics.IncAttempts(s.name, metrics.OutcomePunished)
		s.logger.Debugf("Attempt %d/%d on %s failed: %s", attempt+1, tries, info.Host, err)
		return err, false
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
