// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1, "c": "three"}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same value produced different encodings")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	type wide struct {
		A string `cbor:"a"`
		B int    `cbor:"b"`
	}
	type narrow struct {
		A string `cbor:"a"`
	}

	data, err := Marshal(wide{A: "keep", B: 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out narrow
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal with extra field: %v", err)
	}
	if out.A != "keep" {
		t.Fatalf("A = %q, want %q", out.A, "keep")
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, s := range []string{"one", "two", "three"} {
		if err := enc.Encode(s); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for _, want := range []string{"one", "two", "three"} {
		var got string
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Fatalf("Decode = %q, want %q", got, want)
		}
	}
}
