// Package worker is the manager side of the protocol: it spawns a worker
// subprocess running cmd/maltworker (or any binary honoring the same
// handshake), dials the port the child prints on its standard output, and
// exposes Handle for issuing calls against the registry the worker process
// has registered. RemoteChannel builds on the same Handle to drive a
// worker-hosted FIFO by id.
package worker
