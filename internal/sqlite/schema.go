package sqlite

// Schema DDL, version 1.
const (
	createRecords = `CREATE TABLE records (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    sync_status TEXT NOT NULL,
    local_updated_at INTEGER NOT NULL,
    remote_updated_at INTEGER,
    local_revision INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_type, entity_id)
);`

	createQueueEntries = `CREATE TABLE queue_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id TEXT NOT NULL UNIQUE,
    operation TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    payload TEXT,
    enqueued_at INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);`

	idxRecordsProject = `CREATE INDEX idx_records_project ON records(entity_type, project_id, local_updated_at);`
	idxQueueEntity    = `CREATE INDEX idx_queue_entity ON queue_entries(entity_type, entity_id, seq);`
	idxQueueProject   = `CREATE INDEX idx_queue_project ON queue_entries(project_id, seq);`
)

// Schema DDL, version 2.
const (
	createTombstones = `CREATE TABLE tombstones (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    last_revision INTEGER NOT NULL,
    purged_at INTEGER NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);`

	addQueueInFlight = `ALTER TABLE queue_entries ADD COLUMN in_flight INTEGER NOT NULL DEFAULT 0;`
	addQueueHeld     = `ALTER TABLE queue_entries ADD COLUMN held INTEGER NOT NULL DEFAULT 0;`
	addQueueOverride = `ALTER TABLE queue_entries ADD COLUMN override TEXT NOT NULL DEFAULT '';`

	idxRecordsStatus = `CREATE INDEX idx_records_status ON records(entity_type, project_id, sync_status);`
)

// claimsVersion is the first schema with queue claim columns.
const claimsVersion = 2

// migration is one schema step. Steps run in version order inside a single
// transaction.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrations lists every schema step. Tests replace it to exercise upgrade
// and failure paths.
var migrations = []migration{
	{
		version:     1,
		description: "records and change queue",
		statements:  []string{createRecords, createQueueEntries, idxRecordsProject, idxQueueEntity, idxQueueProject},
	},
	{
		version:     2,
		description: "tombstones, queue claims and status index",
		statements:  []string{createTombstones, addQueueInFlight, addQueueHeld, addQueueOverride, idxRecordsStatus},
	},
}
