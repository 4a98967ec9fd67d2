// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves bearer credentials to user ids. The
// collaboration engine treats identity as an external collaborator:
// the gateway calls [TokenDecoder.DecodeToken] once per connection
// during the hello handshake, and every later authorization check
// works from the resolved user id.
//
// [FileDecoder] is the production implementation: a yaml file mapping
// blake3 hashes of tokens to user ids, so the token material itself is
// never at rest. [StaticDecoder] backs tests.
package identity

import (
	"context"

	"github.com/loomworks/loom/fault"
)

// TokenDecoder maps a bearer credential to a user id.
type TokenDecoder interface {
	// DecodeToken resolves credential to a user id, or returns a
	// fault.Unauthenticated error if the credential is unknown,
	// malformed, or expired.
	DecodeToken(ctx context.Context, credential string) (string, error)
}

// StaticDecoder is an in-memory TokenDecoder for tests: a literal
// token → user id map.
type StaticDecoder map[string]string

// DecodeToken implements TokenDecoder.
func (d StaticDecoder) DecodeToken(_ context.Context, credential string) (string, error) {
	userID, ok := d[credential]
	if !ok {
		return "", fault.New(fault.Unauthenticated, "unknown credential")
	}
	return userID, nil
}
