// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. Mains follow the
// run() error pattern; Fatal is the one place raw stderr output is
// allowed, for errors raised before the structured logger exists.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
