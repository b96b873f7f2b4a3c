package types

import (
	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR is the codec for everything that gets hashed, stored or
// put on the wire. Core deterministic encoding keeps hashes stable across
// implementations and versions.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalCBOR encodes v with the canonical chain codec.
func MarshalCBOR(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes data with the canonical chain codec.
func UnmarshalCBOR(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
