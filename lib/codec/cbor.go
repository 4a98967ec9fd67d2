// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR wire codec for the collaboration engine.
// The gateway protocol and broker event payloads are encoded with Core
// Deterministic Encoding (RFC 8949 §4.2) so the same logical value
// always produces identical bytes, and decoded with a tolerant decoder
// that ignores unknown fields for forward compatibility.
//
// Consumers import only this package, not fxamacker/cbor directly.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Wire maps always have string keys. When decoding into an
		// any-typed target the decoder must pick a concrete map type;
		// map[string]any keeps decoded values usable by ordinary Go
		// code instead of CBOR's map[interface{}]interface{} default.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to carry pre-encoded
// payloads through the broker and gateway without re-encoding.
type RawMessage = cbor.RawMessage

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
