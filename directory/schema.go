// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package directory

// Schema is the directory's DDL, run once per pool connection via the
// pool's OnConnect hook. The (channel_id, user_id) primary key is the
// at-most-one-participant-per-pair invariant.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	id         INTEGER PRIMARY KEY,
	name       TEXT    NOT NULL,
	visibility TEXT    NOT NULL,
	project_id TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	channel_id    INTEGER NOT NULL,
	user_id       TEXT    NOT NULL,
	role          TEXT    NOT NULL,
	joined_at     INTEGER NOT NULL,
	muted         INTEGER NOT NULL DEFAULT 0,
	video_enabled INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, user_id)
);
`
