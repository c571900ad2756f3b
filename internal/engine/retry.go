package engine

import (
	"context"
	"time"

	"inferd/pkg/types"
)

// RetryPolicy governs automatic retries of transient generation failures.
// A call makes the initial attempt plus at most MaxRetries retries; the delay
// before retry n (0-based) is BaseDelay * Multiplier^n. Fatal errors,
// unloaded engines and cancellations are never retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

// DefaultRetryPolicy matches the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// GenerateWithRetry runs Generate under the policy. On exhaustion it records
// the failure in the engine's health window and returns the last error.
func (e *Engine) GenerateWithRetry(ctx context.Context, prompt string, params types.GenerateParams, policy RetryPolicy) (string, error) {
	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			retriesTotal.Inc()
			if err := sleepCtx(ctx, policy.delay(attempt-1)); err != nil {
				return "", err
			}
		}
		text, err := e.Generate(ctx, prompt, params)
		if err == nil {
			return text, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err
		e.log.Warn().Err(err).Int("attempt", attempt+1).Msg("engine: transient generation failure")
	}
	e.markRetriesExhausted()
	e.log.Error().Err(lastErr).Int("attempts", retries+1).Msg("engine: retries exhausted")
	return "", lastErr
}

// StreamWithRetry retries transient stream admission and streams that fail
// before producing any fragment. Once a fragment has been forwarded the
// stream is committed and failures surface to the consumer instead.
func (e *Engine) StreamWithRetry(ctx context.Context, prompt string, params types.GenerateParams, policy RetryPolicy) (*Stream, error) {
	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			retriesTotal.Inc()
			if err := sleepCtx(ctx, policy.delay(attempt-1)); err != nil {
				return nil, err
			}
		}
		inner, err := e.Stream(ctx, prompt, params)
		if err == nil {
			out, committed := relayUntilFirstToken(ctx, inner)
			if committed {
				return out, nil
			}
			err = inner.Err()
			if err == nil {
				// Empty but successful stream.
				return out, nil
			}
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
		e.log.Warn().Err(err).Int("attempt", attempt+1).Msg("engine: transient stream failure")
	}
	e.markRetriesExhausted()
	e.log.Error().Err(lastErr).Int("attempts", retries+1).Msg("engine: stream retries exhausted")
	return nil, lastErr
}

// relayUntilFirstToken waits for the inner stream's first fragment. If the
// inner stream ends without one it reports committed=false so the caller can
// retry. Otherwise it returns a stream that replays the first fragment and
// pipes the rest through.
func relayUntilFirstToken(ctx context.Context, inner *Stream) (*Stream, bool) {
	first, ok := <-inner.Tokens()
	if !ok {
		done := newStream(inner.Close)
		done.setErr(inner.Err())
		close(done.ch)
		return done, false
	}
	out := newStream(inner.Close)
	go func() {
		defer close(out.ch)
		deliver := func(tok string) bool {
			select {
			case out.ch <- tok:
				return true
			case <-ctx.Done():
				inner.Close()
				return false
			}
		}
		if !deliver(first) {
			out.setErr(ctx.Err())
			return
		}
		for tok := range inner.Tokens() {
			if !deliver(tok) {
				out.setErr(ctx.Err())
				return
			}
		}
		out.setErr(inner.Err())
	}()
	return out, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
