// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/loomworks/loom/fault"
	"github.com/loomworks/loom/lib/codec"
)

// descriptionPayload is the wire shape of an offer or answer payload.
type descriptionPayload struct {
	SDP string `cbor:"sdp"`
}

// candidatePayload is the wire shape of an ice-candidate payload. The
// mid and mline fields are relayed untouched; only the candidate line
// itself is required.
type candidatePayload struct {
	Candidate     string  `cbor:"candidate"`
	SDPMid        *string `cbor:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `cbor:"sdp_mline_index,omitempty"`
}

// validateSignal checks that a payload is well formed for its type
// before it is relayed. The server never interprets the contents; it
// only refuses to fan out garbage the receiving peers would choke on.
func validateSignal(signalType SignalType, payload codec.RawMessage) error {
	switch signalType {
	case SignalOffer, SignalAnswer:
		var body descriptionPayload
		if err := codec.Unmarshal(payload, &body); err != nil {
			return fault.New(fault.EmptyContent, "malformed %s payload: %v", signalType, err)
		}
		description := webrtc.SessionDescription{
			Type: webrtc.NewSDPType(string(signalType)),
			SDP:  body.SDP,
		}
		if _, err := description.Unmarshal(); err != nil {
			return fault.New(fault.EmptyContent, "invalid %s SDP: %v", signalType, err)
		}
		return nil
	case SignalCandidate:
		var body candidatePayload
		if err := codec.Unmarshal(payload, &body); err != nil {
			return fault.New(fault.EmptyContent, "malformed candidate payload: %v", err)
		}
		if body.Candidate == "" {
			return fault.New(fault.EmptyContent, "candidate payload has no candidate line")
		}
		if _, err := ice.UnmarshalCandidate(body.Candidate); err != nil {
			return fault.New(fault.EmptyContent, "invalid candidate line: %v", err)
		}
		return nil
	default:
		return fault.New(fault.EmptyContent, "unknown signal type %q", signalType)
	}
}
