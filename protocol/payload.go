package protocol

import "github.com/fxamacker/cbor/v2"

// RawValue is an undecoded CBOR item. Handlers that don't yet know the
// concrete Go type of an argument or return value carry it as RawValue and
// decode it lazily, the same way registry.Func arguments are threaded
// through without worker.Handle ever needing to know their shape.
type RawValue = cbor.RawMessage

// CallPayload is the body of a KindCall or KindCallNoReply frame: an
// invocation of a registered function by name. Args are kept raw so the
// receiving side can decode each one against the target function's expected
// parameter types rather than against a fixed envelope shape.
type CallPayload struct {
	Function string     `cbor:"function"`
	Args     []RawValue `cbor:"args"`
	// Discard is carried on the wire, but package worker leaves it false for
	// every call, including Do's call-no-reply frames. The worker dispatch
	// loop keys off the frame Kind and never reads this field.
	Discard bool `cbor:"discard,omitempty"`
}

// InterruptPayload is the body of a KindInterrupt frame. It carries no
// data: the frame's id is meaningless for interrupts (the worker cancels
// whatever call is currently running, not a specific one by id), but a
// body is still required so the framing stays uniform.
type InterruptPayload struct{}

// ResultPayload is the body of a KindResult frame: a successful return.
type ResultPayload struct {
	Value RawValue `cbor:"value"`
}

// FailurePayload is the body of a KindFailure frame: a call that panicked,
// returned an error, or named a function the worker has no registration
// for. Message is always populated; Traceback is worker-side debugging
// detail and may be empty.
type FailurePayload struct {
	Message   string `cbor:"message"`
	Traceback string `cbor:"traceback,omitempty"`
}

// EncodeArgs is a convenience for building a CallPayload's Args from
// ordinary Go values.
func EncodeArgs(args ...any) ([]RawValue, error) {
	raw := make([]RawValue, len(args))
	for i, a := range args {
		enc, err := EncodeBody(a)
		if err != nil {
			return nil, err
		}
		raw[i] = enc
	}
	return raw, nil
}
