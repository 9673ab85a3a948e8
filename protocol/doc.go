// Package protocol implements the wire framing and payload encoding shared
// by the manager (package worker) and the worker process (package
// workerproc). Every frame on the connection is a fixed header, a
// CBOR-encoded body, and a fixed 10-byte delimiter used to resynchronize the
// stream after a body that failed to decode. There is exactly one encoder
// and one decoder for the body, so the two ends are always in sync on wire
// format by construction.
//
// The protocol carries at most one connection per worker process: the
// worker listens once, the manager connects once, and the connection's
// lifetime is the worker's lifetime.
package protocol
