package cache

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	key         TEXT PRIMARY KEY,
	total_count INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_items (
	id           TEXT PRIMARY KEY,
	snapshot_key TEXT NOT NULL REFERENCES snapshots(key) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	entryid      TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshot_items_key
	ON snapshot_items(snapshot_key, position);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_snapshot_items_entryid
	ON snapshot_items(entryid);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
