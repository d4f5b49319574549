package persistence

import (
	"context"

	"github.com/fleetsched/fleetsched/internal/codec"
	"github.com/fleetsched/fleetsched/internal/structs"
)

// PutTyped msgpack-encodes v via internal/codec and stores it under
// ns/id. The registry does not call it; nothing in this module flushes
// registry state to a Backend.
func PutTyped(ctx context.Context, b Backend, ns Namespace, id string, v any) error {
	data, err := codec.Encode(v)
	if err != nil {
		return structs.NewValidationError("persistence: encode %s/%s: %v", ns, id, err)
	}
	return b.Put(ctx, ns, id, data)
}

// GetTyped fetches and msgpack-decodes the value stored under ns/id
// into out, reporting ok=false if no value is stored.
func GetTyped(ctx context.Context, b Backend, ns Namespace, id string, out any) (bool, error) {
	data, ok, err := b.Get(ctx, ns, id)
	if err != nil || !ok {
		return ok, err
	}
	if err := codec.Decode(data, out); err != nil {
		return false, structs.NewValidationError("persistence: decode %s/%s: %v", ns, id, err)
	}
	return true, nil
}
