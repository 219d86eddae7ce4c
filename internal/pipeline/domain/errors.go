package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrClaimLost is returned when a conditional claim matched no record,
	// because another dispatcher already moved it out of the expected status
	ErrClaimLost = errors.New("job already claimed or not in expected status")

	// ErrStoreUnavailable is returned when the job store cannot be reached
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrUpdateFailed is returned when a status write could not be committed
	ErrUpdateFailed = errors.New("job status update failed")

	// ErrUnknownJobType is returned for job types outside the allow-list
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrUnknownOrigin is returned for origins that are not configured
	ErrUnknownOrigin = errors.New("unknown origin")

	ErrInvalidStatus     = errors.New("invalid job status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorKind classifies pipeline failures for operators inspecting failed jobs.
type ErrorKind string

const (
	KindTransport       ErrorKind = "transport"
	KindRemoteRejection ErrorKind = "remote_rejection"
	KindTransform       ErrorKind = "transform"
)

// DeliveryError is a classified failure raised by a transform or a delivery
// client. All kinds are retried uniformly; the kind only shows up in the
// stored error text.
type DeliveryError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a network, timeout or transient remote failure.
func NewTransportError(op string, err error) error {
	return &DeliveryError{Kind: KindTransport, Op: op, Err: err}
}

// NewRemoteRejection wraps a validation failure reported by the destination.
func NewRemoteRejection(op string, err error) error {
	return &DeliveryError{Kind: KindRemoteRejection, Op: op, Err: err}
}

// NewTransformError wraps a payload that could not be mapped at all.
func NewTransformError(jobType string, err error) error {
	return &DeliveryError{Kind: KindTransform, Op: jobType, Err: err}
}

// KindOf extracts the ErrorKind of err. Unclassified errors count as
// transport failures, since a retry may still succeed.
func KindOf(err error) ErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransport
}
