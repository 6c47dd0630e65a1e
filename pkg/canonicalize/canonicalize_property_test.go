//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
)

// Property: insertion order of object members never changes the output.
func TestKeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reversed member order renders identically", prop.ForAll(
		func(keys []string, values []int) bool {
			var forward []canonicalize.Member
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward = append(forward, canonicalize.Member{Key: keys[i], Value: canonicalize.Number(float64(values[i]))})
			}
			// Dedupe first so both orders keep the same entry per key.
			forward = canonicalize.Object(forward...).Members()
			reversed := make([]canonicalize.Member, len(forward))
			for i, m := range forward {
				reversed[len(forward)-1-i] = m
			}

			a, errA := canonicalize.Render(canonicalize.Object(forward...), canonicalize.DefaultOptions())
			b, errB := canonicalize.Render(canonicalize.Object(reversed...), canonicalize.DefaultOptions())
			return errA == nil && errB == nil && a == b
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.Int()),
	))

	properties.Property("undefined members never change the output", prop.ForAll(
		func(m map[string]string, extra string) bool {
			plain := make(map[string]any, len(m))
			withUndefined := make(map[string]any, len(m)+1)
			for k, v := range m {
				plain[k] = v
				withUndefined[k] = v
			}
			if _, taken := m[extra]; !taken {
				withUndefined[extra] = canonicalize.Undefined
			}
			a, errA := canonicalize.Canonicalize(plain)
			b, errB := canonicalize.Canonicalize(withUndefined)
			return errA == nil && errB == nil && a == b
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
