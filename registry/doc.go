// Package registry is the worker process's stand-in for "any callable
// value." The manager cannot ship a closure to a statically typed worker
// the way a dynamic-language host would, so instead a worker registers
// named functions before it starts serving, and the manager invokes them by
// name. Registration happens once at worker startup; lookups happen once
// per incoming call.
package registry
