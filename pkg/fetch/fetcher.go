package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/retry"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
	"go.uber.org/zap"
)

// Fetcher retrieves records for one source newer than the given boundary.
// Implementations may return more records than strictly new (external APIs
// commonly return a fixed minimum page regardless of range); the sync engine
// re-applies the boundary. A call is finite and not restartable mid-stream.
type Fetcher interface {
	Fetch(ctx context.Context, src source.Source, since time.Time, pageSizeHint int) ([]models.RawRecord, error)
}

// TransientError marks a fetch failure worth retrying: timeouts, rate
// limits, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a fetch failure that will not succeed on retry:
// authentication failures, malformed requests, unsupported sources.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsRetryable reports whether a fetch error may be retried. Unclassified
// errors are treated as transient so an adapter that forgets to classify
// does not lose a source to a blip.
func IsRetryable(err error) bool {
	var fatal *FatalError
	return !errors.As(err, &fatal)
}

// Retrying decorates a Fetcher with a declarative retry policy. The sync
// engine only sees the final success or failure.
type Retrying struct {
	Inner  Fetcher
	Policy retry.Policy
	Logger *zap.Logger
}

// NewRetrying wires the fetch error taxonomy into the retry policy.
func NewRetrying(inner Fetcher, policy retry.Policy, logger *zap.Logger) *Retrying {
	policy.RetryIf = IsRetryable
	return &Retrying{Inner: inner, Policy: policy, Logger: logger}
}

func (r *Retrying) Fetch(ctx context.Context, src source.Source, since time.Time, pageSizeHint int) ([]models.RawRecord, error) {
	var records []models.RawRecord
	err := retry.WithBackoff(ctx, r.Policy, r.Logger, "fetch_"+src.ID, func() error {
		var fetchErr error
		records, fetchErr = r.Inner.Fetch(ctx, src, since, pageSizeHint)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
