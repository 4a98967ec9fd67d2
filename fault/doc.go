// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the error vocabulary shared by the
// collaboration engine's components. Every user-visible failure is a
// [*Error] with a [Kind] drawn from a closed set, so that transport
// layers can map errors to wire responses without string matching and
// callers can distinguish authorization failures from transient
// infrastructure failures.
//
// Use [IsKind] to test for a specific kind:
//
//	if fault.IsKind(err, fault.NotAuthorized) { ... }
//
// Infrastructure failures (database unavailable, I/O errors) are
// wrapped as [Unavailable] and are retryable; they are never conflated
// with authorization or validation kinds.
package fault
