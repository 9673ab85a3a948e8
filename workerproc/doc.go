// Package workerproc implements the worker side of the protocol: it
// accepts the manager's single connection, dispatches incoming calls
// against a registry.Registry, and hosts the RemoteChannel FIFOs that
// registered functions on either end can address by id. It is meant to run
// inside the worker's own process, driven by cmd/maltworker's main.
package workerproc
