package canonical

import (
	"encoding/json"
	"testing"
)

func TestMarshal_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json produces < escapes; RFC 8785 forbids them.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestDigest_Stability(t *testing.T) {
	// Semantically identical inputs constructed differently must hash equal.
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := Digest(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := Digest(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Digest mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestTransform_Fixpoint(t *testing.T) {
	inputs := []string{
		`{"z":{"y":"foo","x":"bar"},"a":[3,1,2]}`,
		`{"num":123.456,"bool":true,"null":null}`,
		`{"":"empty_key","a":""}`,
		`{"unicode":"こんにちは","emoji":"🚀"}`,
	}

	for _, in := range inputs {
		once, err := Transform([]byte(in))
		if err != nil {
			t.Fatalf("Transform(%s) failed: %v", in, err)
		}
		twice, err := Transform(once)
		if err != nil {
			t.Fatalf("Transform(Transform(%s)) failed: %v", in, err)
		}
		if string(once) != string(twice) {
			t.Errorf("not a fixpoint:\n  once:  %s\n  twice: %s", once, twice)
		}
	}
}

func TestWithoutField(t *testing.T) {
	raw := []byte(`{"signature":"abc","id":"E1","from":"x"}`)

	b, err := WithoutField(raw, "signature")
	if err != nil {
		t.Fatalf("WithoutField failed: %v", err)
	}

	expected := `{"from":"x","id":"E1"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}

	// Unknown wire fields must survive the strip.
	raw2 := []byte(`{"signature":"abc","id":"E1","x_extension":{"b":2,"a":1}}`)
	b2, err := WithoutField(raw2, "signature")
	if err != nil {
		t.Fatal(err)
	}
	expected2 := `{"id":"E1","x_extension":{"a":1,"b":2}}`
	if string(b2) != expected2 {
		t.Errorf("Expected %s, got %s", expected2, string(b2))
	}
}

func TestNFC(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) normalizes to U+00E9.
	decomposed := "café"
	composed := "café"

	if got := NFC(decomposed); got != composed {
		t.Errorf("NFC(%q) = %q, want %q", decomposed, got, composed)
	}
	if NFC(composed) != composed {
		t.Errorf("NFC must be idempotent on composed input")
	}
}

func FuzzTransform(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := Transform(data)
		if err != nil {
			// Some valid JSON is not representable (e.g. lone surrogates); fine.
			return
		}

		b2, err := Transform(data)
		if err != nil {
			t.Fatal("Transform returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("Transform non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		var check interface{}
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("Transform output is not valid JSON: %s", string(b1))
		}

		fixed, err := Transform(b1)
		if err != nil {
			t.Fatalf("Transform not re-applicable: %v", err)
		}
		if string(fixed) != string(b1) {
			t.Errorf("Transform is not a fixpoint: %s != %s", fixed, b1)
		}
	})
}
