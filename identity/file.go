// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/fault"
)

// FileDecoder resolves tokens against a static token file. The file
// maps lowercase hex blake3 digests of token strings to user ids:
//
//	tokens:
//	  "9f86d081884c7d65...": "alice"
//	  "60303ae22b998861...": "bob"
//
// Lookups hash the presented credential and index the map, so a
// compromised token file does not disclose usable tokens. The decoder
// is immutable after load; rotate by writing a new file and
// restarting.
type FileDecoder struct {
	byDigest map[string]string
}

// tokenFile is the yaml shape of the token file.
type tokenFile struct {
	Tokens map[string]string `yaml:"tokens"`
}

// LoadFile reads and parses a token file.
func LoadFile(path string) (*FileDecoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading token file %s: %w", path, err)
	}

	var parsed tokenFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("identity: parsing token file %s: %w", path, err)
	}

	byDigest := make(map[string]string, len(parsed.Tokens))
	for digest, userID := range parsed.Tokens {
		if len(digest) != 64 {
			return nil, fmt.Errorf("identity: token file %s: digest %q is not a 32-byte hex blake3 hash", path, digest)
		}
		if userID == "" {
			return nil, fmt.Errorf("identity: token file %s: digest %q has an empty user id", path, digest)
		}
		byDigest[digest] = userID
	}
	return &FileDecoder{byDigest: byDigest}, nil
}

// DecodeToken implements TokenDecoder.
func (d *FileDecoder) DecodeToken(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fault.New(fault.Unauthenticated, "empty credential")
	}
	userID, ok := d.byDigest[HashToken(credential)]
	if !ok {
		return "", fault.New(fault.Unauthenticated, "unknown credential")
	}
	return userID, nil
}

// HashToken returns the lowercase hex blake3 digest of a token, the
// form stored in the token file.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
