package k8s

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"

	"provisioning-api-go/internal/provisioner"
)

// wrapErr tags an API error with the object it concerns and maps the
// conditions the workflow cares about onto provisioner sentinels
func wrapErr(op, kind, name string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%s %s %s: %w: %w", op, kind, name, provisioner.ErrResourceNotFound, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%s %s %s: %w: %w", op, kind, name, provisioner.ErrResourceExists, err)
	case isAmbiguous(err):
		return fmt.Errorf("%s %s %s: %w: %w", op, kind, name, provisioner.ErrOutcomeUnknown, err)
	default:
		return fmt.Errorf("%s %s %s: %w", op, kind, name, err)
	}
}

// isTransient reports errors returned before the API server acted on the
// request. Only these are safe to retry for a create.
func isTransient(err error) bool {
	return apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err)
}

// isAmbiguous reports errors after which the request may still have been
// applied: server-side timeouts and a deadline or cancellation hit in flight
func isAmbiguous(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// withRetry retries fn on transient API server errors with client-go's
// default backoff
func withRetry(fn func() error) error {
	return retry.OnError(retry.DefaultBackoff, isTransient, fn)
}
