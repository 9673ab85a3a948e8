package protocol

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes bodies with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest-form integers, no indefinite-length items. Two
// ends of a connection that agree on a body always agree on its bytes.
var encMode cbor.EncMode

// decMode decodes bodies permissively: worker and manager binaries are
// built from the same module and version skew between them is not a
// supported configuration, but unknown struct fields are still ignored
// rather than rejected outright.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeBody encodes a frame body to its on-wire CBOR representation.
func EncodeBody(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeBody decodes a frame body previously produced by EncodeBody into v.
func DecodeBody(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
