// Package codec configures a single CBOR encode/decode mode for the
// observer and exposes it through Marshal/Unmarshal so callers never
// import fxamacker/cbor directly.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer width, no indefinite-length items. The same
// manifest always encodes to the same bytes, which matters because the
// build engine may cache the encoded blob alongside the pip's fingerprint.
var encMode cbor.EncMode

// decMode tolerates unknown fields so a newer build engine can add manifest
// fields without breaking an older observer binary pinned in a toolchain.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: cbor encoder init failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder init failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using core deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
