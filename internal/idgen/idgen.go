// Package idgen generates the opaque ids checkpoints, failure events,
// recovery plans, and audit actors need, grounded in the teacher's own
// use of github.com/hashicorp/go-uuid for allocation/eval ids.
package idgen

import "github.com/hashicorp/go-uuid"

// Generate returns a new random UUID, panicking only on a broken
// entropy source (the same failure mode go-uuid itself documents as
// unrecoverable).
func Generate() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic("idgen: failed to generate uuid: " + err.Error())
	}
	return id
}
