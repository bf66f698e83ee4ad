// Package testutil provides a controller-runtime client that fails on demand.
//
// It wraps any client.Client, usually the one from the controller-runtime
// fake package, and consults a FailureConfig before each call. Helpers build
// the common failure functions: fail for one object type, fail the first N
// matching calls, fail everything.
//
// Example:
//
//	c := testutil.NewFakeClientWithFailures(base, &testutil.FailureConfig{
//	    OnCreate: testutil.FailTimes(3, testutil.FailOnType[*gatewayv1.HTTPRoute](
//	        testutil.ErrUnavailable)),
//	})
//
// The first three HTTPRoute creations fail with a 503 and later ones reach
// the wrapped client.
package testutil
