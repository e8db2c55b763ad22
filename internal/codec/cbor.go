package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Records are encoded with Core Deterministic Encoding so identical
// snapshots and templates produce identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Pack marshals v and compresses the result with c.
func Pack(c Codec, v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.Compress(raw)
}

// Unpack reverses Pack.
func Unpack(c Codec, data []byte, v any) error {
	raw, err := c.Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
