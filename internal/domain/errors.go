package domain

import (
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons exposed over the API surface.
const (
	ReasonNoCompatibleInstance  = "NO_COMPATIBLE_INSTANCE"
	ReasonQueueFull             = "QUEUE_FULL"
	ReasonUnsatisfiedDependency = "UNSATISFIED_DEPENDENCY"
	ReasonAdmissionDenied       = "ADMISSION_DENIED"
	ReasonTaskTimeout           = "TASK_TIMEOUT"
	ReasonProviderError         = "PROVIDER_ERROR"
	ReasonPersistenceError      = "PERSISTENCE_ERROR"
	ReasonTaskNotFound          = "TASK_NOT_FOUND"
	ReasonContentRejected       = "CONTENT_REJECTED"
)

var (
	// ErrNoCompatibleInstance is returned when no active instance supports
	// the requested model within capacity and quota limits. Surfaced to the
	// caller, never retried internally.
	ErrNoCompatibleInstance = errors.New(503, ReasonNoCompatibleInstance, "no compatible instance available")

	// ErrQueueFull is returned at submission when the queue is at capacity.
	ErrQueueFull = errors.New(429, ReasonQueueFull, "task queue is full")

	// ErrUnsatisfiedDependency is returned at submission when a listed
	// dependency is unknown or already terminal without completing.
	ErrUnsatisfiedDependency = errors.New(400, ReasonUnsatisfiedDependency, "task dependency not satisfiable")

	// ErrAdmissionDenied is returned when the rate limiter rejects a request.
	ErrAdmissionDenied = errors.New(429, ReasonAdmissionDenied, "request denied by rate limiter")

	// ErrTaskTimeout marks an execution that lost the timeout race.
	// Treated as a retriable failure up to the retry budget.
	ErrTaskTimeout = errors.New(504, ReasonTaskTimeout, "task execution timed out")

	// ErrProviderError wraps a failure from the provider collaborator.
	ErrProviderError = errors.New(502, ReasonProviderError, "provider invocation failed")

	// ErrPersistence marks a snapshot save/load failure. Logged, never fatal.
	ErrPersistence = errors.New(500, ReasonPersistenceError, "persistence operation failed")

	// ErrTaskNotFound is returned for lookups of unknown task IDs.
	ErrTaskNotFound = errors.New(404, ReasonTaskNotFound, "task not found")

	// ErrContentRejected is returned when the content validator rejects a
	// payload, independent of rate limiting.
	ErrContentRejected = errors.New(400, ReasonContentRejected, "content rejected by validator")
)

// NewAdmissionDenied builds an AdmissionDenied error carrying retry-after metadata.
func NewAdmissionDenied(retryAfter time.Duration) *errors.Error {
	return errors.New(429, ReasonAdmissionDenied, "request denied by rate limiter").
		WithMetadata(map[string]string{
			"retry_after": retryAfter.String(),
		})
}

// NewProviderError wraps the underlying provider failure.
func NewProviderError(err error) *errors.Error {
	return errors.New(502, ReasonProviderError, fmt.Sprintf("provider invocation failed: %v", err))
}

// IsRetriable reports whether an execution failure may be retried by the
// queue. Selection and validation failures are surfaced, not retried.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNoCompatibleInstance),
		errors.Is(err, ErrContentRejected),
		errors.Is(err, ErrUnsatisfiedDependency):
		return false
	}
	return true
}
