package fedsearch

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by the engine or the builder wraps
// exactly one of these sentinels; callers classify with errors.Is.
var (
	// ErrInvalidArgument marks malformed requests: empty query, zero-norm
	// vectors, duplicate src_ids, oversized external batches, out-of-range
	// alpha.
	ErrInvalidArgument = errors.New("fedsearch: invalid argument")

	// ErrUnavailable marks dependency failures: the embedding service, the
	// centroid store, or all search sources at once.
	ErrUnavailable = errors.New("fedsearch: unavailable")

	// ErrDegenerate marks a centroid build whose mean fell below epsilon or
	// whose source count missed the minimum. Nothing was persisted.
	ErrDegenerate = errors.New("fedsearch: degenerate centroid")

	// ErrCancelled marks deadline expiry or explicit cancellation.
	ErrCancelled = errors.New("fedsearch: cancelled")

	// ErrInternal marks an invariant violation; details are logged, the
	// error stays opaque.
	ErrInternal = errors.New("fedsearch: internal")
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func unavailablef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

func internalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// classifyCtx rewraps context errors as ErrCancelled so callers see one kind
// for every cancellation path. Other errors pass through unchanged.
func classifyCtx(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}
