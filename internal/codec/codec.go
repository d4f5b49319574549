// Package codec provides the byte encoding persistence.PutTyped and
// GetTyped use to serialize records for a Backend, grounded in
// the teacher's own use of a shared msgpack handle
// (nomad/structs.MsgpackHandle) for RPC and snapshot encoding.
package codec

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// handle is shared across every Encode/Decode call the way the
// teacher shares a single *codec.MsgpackHandle package-wide rather
// than allocating one per call.
var handle = &codec.MsgpackHandle{}

// Encode serializes v to msgpack bytes.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes msgpack bytes into out, which must be a pointer.
func Decode(data []byte, out any) error {
	dec := codec.NewDecoder(bytes.NewReader(data), handle)
	return dec.Decode(out)
}
