package idgen

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestGenerate_ProducesDistinctNonEmptyIDs(t *testing.T) {
	a := Generate()
	b := Generate()
	must.NotEq(t, "", a)
	must.NotEq(t, a, b)
}
