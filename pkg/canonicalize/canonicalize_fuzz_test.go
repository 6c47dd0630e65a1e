package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzCanonicalize(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"occurredAt":"2024-05-01T12:00:00Z","list":[3,1,2]}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		v, err := Parse(data)
		if err != nil {
			t.Skip("invalid JSON input")
		}

		first, err := Render(v, DefaultOptions())
		if err != nil {
			return
		}
		second, err := Render(v, DefaultOptions())
		if err != nil {
			t.Fatal("Render returned error on second call but not first")
		}
		if first != second {
			t.Errorf("non-deterministic output:\n  first:  %s\n  second: %s", first, second)
		}

		var check any
		if err := json.Unmarshal([]byte(first), &check); err != nil {
			t.Errorf("output is not valid JSON: %s", first)
		}

		// The canonical form is a fixed point.
		again, err := Parse([]byte(first))
		if err != nil {
			t.Fatalf("re-parse failed: %v", err)
		}
		third, err := Render(again, DefaultOptions())
		if err != nil {
			t.Fatalf("re-render failed: %v", err)
		}
		if third != first {
			t.Errorf("canonical form not idempotent:\n  first: %s\n  third: %s", first, third)
		}
	})
}
