// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package asyncrt

// CancellablePromise pairs a [ChainedPromise] with the [AbortController] that
// can reject it early. It is built on the same AbortSignal/AbortController
// primitives abort.go already implements; this type just wires them to a
// promise's reject function.
type CancellablePromise struct {
	*ChainedPromise
	controller *AbortController
}

// NewCancellable creates a pending promise alongside an [AbortController].
// Calling the returned cancel function (or the promise's own Cancel method)
// rejects the promise with a [CancellationError] wrapping the abort reason,
// unless it has already settled.
func (a *Async) NewCancellable() (promise *CancellablePromise, resolve ResolveFunc, cancel func(reason any)) {
	p, resolveFn, reject := a.NewChainedPromise()
	controller := NewAbortController()

	controller.Signal().OnAbort(func(reason any) {
		reject(&CancellationError{Message: "promise canceled", Cause: asError(reason)})
	})

	promise = &CancellablePromise{ChainedPromise: p, controller: controller}
	return promise, resolveFn, controller.Abort
}

// Signal returns the [AbortSignal] backing this promise's cancellation, for
// passing down to nested operations that should also stop on cancellation.
func (c *CancellablePromise) Signal() *AbortSignal {
	return c.controller.Signal()
}

// Cancel aborts the promise with the given reason. A nil reason aborts with
// a default *AbortError as the cause. Canceling an already-settled promise
// has no effect.
func (c *CancellablePromise) Cancel(reason any) {
	c.controller.Abort(reason)
}

// asError coerces an abort reason into an error for CancellationError's cause
// chain, wrapping non-error reasons so errors.As/errors.Is keep working.
func asError(reason any) error {
	if reason == nil {
		return nil
	}
	if err, ok := reason.(error); ok {
		return err
	}
	return &ErrorWrapper{Value: reason}
}
