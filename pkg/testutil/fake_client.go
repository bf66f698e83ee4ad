package testutil

import (
	"context"
	"errors"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// FailureConfig configures when the client returns errors. Each field is
// called before the matching operation; a non-nil return fails the operation
// without reaching the wrapped client.
//
// The functions may be called from several goroutines at once.
type FailureConfig struct {
	// OnGet is called before Get. obj is the (empty) destination object and
	// tells the caller which kind is being read.
	OnGet func(key client.ObjectKey, obj client.Object) error

	// OnList is called before List.
	OnList func(list client.ObjectList) error

	// OnCreate is called before Create.
	OnCreate func(obj client.Object) error

	// OnUpdate is called before Update.
	OnUpdate func(obj client.Object) error

	// OnDelete is called before Delete.
	OnDelete func(obj client.Object) error
}

type fakeClientWithFailures struct {
	client.Client
	config *FailureConfig
}

// NewFakeClientWithFailures wraps baseClient so that calls fail as configured.
func NewFakeClientWithFailures(baseClient client.Client, config *FailureConfig) client.Client {
	if config == nil {
		config = &FailureConfig{}
	}
	return &fakeClientWithFailures{
		Client: baseClient,
		config: config,
	}
}

func (c *fakeClientWithFailures) Get(
	ctx context.Context,
	key client.ObjectKey,
	obj client.Object,
	opts ...client.GetOption,
) error {
	if c.config.OnGet != nil {
		if err := c.config.OnGet(key, obj); err != nil {
			return err
		}
	}
	return c.Client.Get(ctx, key, obj, opts...)
}

func (c *fakeClientWithFailures) List(
	ctx context.Context,
	list client.ObjectList,
	opts ...client.ListOption,
) error {
	if c.config.OnList != nil {
		if err := c.config.OnList(list); err != nil {
			return err
		}
	}
	return c.Client.List(ctx, list, opts...)
}

func (c *fakeClientWithFailures) Create(
	ctx context.Context,
	obj client.Object,
	opts ...client.CreateOption,
) error {
	if c.config.OnCreate != nil {
		if err := c.config.OnCreate(obj); err != nil {
			return err
		}
	}
	return c.Client.Create(ctx, obj, opts...)
}

func (c *fakeClientWithFailures) Update(
	ctx context.Context,
	obj client.Object,
	opts ...client.UpdateOption,
) error {
	if c.config.OnUpdate != nil {
		if err := c.config.OnUpdate(obj); err != nil {
			return err
		}
	}
	return c.Client.Update(ctx, obj, opts...)
}

func (c *fakeClientWithFailures) Delete(
	ctx context.Context,
	obj client.Object,
	opts ...client.DeleteOption,
) error {
	if c.config.OnDelete != nil {
		if err := c.config.OnDelete(obj); err != nil {
			return err
		}
	}
	return c.Client.Delete(ctx, obj, opts...)
}

// Helper functions for common failure scenarios

// FailOnType returns err for objects of type T.
func FailOnType[T client.Object](err error) func(client.Object) error {
	return func(obj client.Object) error {
		if _, ok := obj.(T); ok {
			return err
		}
		return nil
	}
}

// FailGetOnType returns err for Get calls reading into an object of type T.
func FailGetOnType[T client.Object](err error) func(client.ObjectKey, client.Object) error {
	return func(_ client.ObjectKey, obj client.Object) error {
		if _, ok := obj.(T); ok {
			return err
		}
		return nil
	}
}

// FailListOnType returns err for List calls into a list of type T.
func FailListOnType[T client.ObjectList](err error) func(client.ObjectList) error {
	return func(list client.ObjectList) error {
		if _, ok := list.(T); ok {
			return err
		}
		return nil
	}
}

// FailOnName returns err for objects with the given name.
func FailOnName(name string, err error) func(client.Object) error {
	return func(obj client.Object) error {
		if obj.GetName() == name {
			return err
		}
		return nil
	}
}

// FailTimes lets fn fail at most n times. Calls for which fn returns nil do
// not count.
func FailTimes(n int, fn func(client.Object) error) func(client.Object) error {
	var mu sync.Mutex
	failed := 0
	return func(obj client.Object) error {
		err := fn(obj)
		if err == nil {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if failed >= n {
			return nil
		}
		failed++
		return err
	}
}

// Counter counts the calls that fn fails, for asserting how often a failure
// was hit.
type Counter struct {
	mu    sync.Mutex
	count int
}

// Wrap returns fn, counting every non-nil result.
func (c *Counter) Wrap(fn func(client.Object) error) func(client.Object) error {
	return func(obj client.Object) error {
		err := fn(obj)
		if err != nil {
			c.mu.Lock()
			c.count++
			c.mu.Unlock()
		}
		return err
	}
}

// Count returns the number of failures seen so far.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// AlwaysFail returns the given error for all operations.
func AlwaysFail(err error) func(client.Object) error {
	return func(client.Object) error {
		return err
	}
}

// Common errors for testing. ErrUnavailable and ErrTimeout are retryable API
// errors, ErrForbidden and ErrInvalid are not.
var (
	ErrInjected    = errors.New("injected test error")
	ErrUnavailable = apierrors.NewServiceUnavailable("injected outage")
	ErrTimeout     = apierrors.NewTimeoutError("injected timeout", 1)
	ErrForbidden   = apierrors.NewForbidden(
		schema.GroupResource{Resource: "injected"}, "test", errors.New("injected denial"))
	ErrInvalid = apierrors.NewBadRequest("injected invalid request")
)
