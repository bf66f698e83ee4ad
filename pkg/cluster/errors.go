package cluster

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
)

// Class tells the engine whether retrying a failed cluster call can help.
type Class string

const (
	// Transient failures (network, timeouts, conflicts, throttling) are retried.
	Transient Class = "transient"

	// Permanent failures (invalid spec, forbidden, missing API) are not.
	Permanent Class = "permanent"
)

// Step identifies the cluster operation that failed.
type Step string

const (
	StepNamespace   Step = "namespace"
	StepWorkload    Step = "workload"
	StepRoute       Step = "route"
	StepCertificate Step = "certificate"
	StepTeardown    Step = "teardown"
)

// ApplySteps lists the apply steps in the order they are performed.
func ApplySteps() []Step {
	return []Step{StepNamespace, StepWorkload, StepRoute, StepCertificate}
}

var (
	// ErrTerminating is returned when an object Apply needs still exists from
	// an earlier teardown and is being removed by the cluster.
	ErrTerminating = errors.New("object is terminating")

	// ErrForeignObject is returned when an object with the desired name
	// already exists and is labelled for a different site.
	ErrForeignObject = errors.New("object belongs to another site")

	// ErrObjectsRemaining is returned by Teardown when deleted objects are
	// still present, typically because finalizers have not run yet.
	ErrObjectsRemaining = errors.New("objects still present after teardown")
)

// ClusterError is the error returned by Apply and Teardown.
type ClusterError struct {
	Class Class
	Step  Step
	Err   error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("%s cluster error at step %s: %v", e.Class, e.Step, e.Err)
}

func (e *ClusterError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient ClusterError.
func IsTransient(err error) bool {
	var cerr *ClusterError
	return errors.As(err, &cerr) && cerr.Class == Transient
}

// IsPermanent reports whether err is a permanent ClusterError.
func IsPermanent(err error) bool {
	var cerr *ClusterError
	return errors.As(err, &cerr) && cerr.Class == Permanent
}

// newError wraps err into a ClusterError for step. A ClusterError passed in
// keeps its class and step.
func newError(step Step, err error) *ClusterError {
	var cerr *ClusterError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &ClusterError{Class: Classify(err), Step: step, Err: err}
}

// Classify sorts a Kubernetes client error into Transient or Permanent.
// Errors that cannot be recognised are treated as transient; the engine's
// attempt budget bounds how long they are retried.
func Classify(err error) Class {
	if errs := multierr.Errors(err); len(errs) > 1 {
		for _, e := range errs {
			if Classify(e) == Transient {
				return Transient
			}
		}
		return Permanent
	}

	switch {
	case errors.Is(err, ErrForeignObject):
		return Permanent
	case errors.Is(err, ErrTerminating), errors.Is(err, ErrObjectsRemaining):
		return Transient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transient
	case meta.IsNoMatchError(err):
		return Permanent
	case apierrors.HasStatusCause(err, corev1.NamespaceTerminatingCause):
		return Transient
	case apierrors.IsConflict(err),
		apierrors.IsAlreadyExists(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err):
		return Transient
	case apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsNotAcceptable(err),
		apierrors.IsUnsupportedMediaType(err),
		apierrors.IsRequestEntityTooLargeError(err):
		return Permanent
	}

	// Network failures and anything else not recognised above.
	return Transient
}
