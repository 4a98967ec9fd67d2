// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// collab-gateway serves the Loom real-time collaboration protocol on a
// Unix socket: channel messaging, call signaling, and presence, backed
// by a sqlite database.
//
// Usage:
//
//	collab-gateway --config /etc/loom/gateway.yaml
//
// The config file names the socket path, database path, and token
// file; see Config for the full set of knobs.
package main
