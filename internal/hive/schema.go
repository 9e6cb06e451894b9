package hive

import "github.com/basket/hive/internal/storage"

// Migrations returns the ledger + projection schema in version order.
// The event log is append-only; everything else is a projection rebuilt
// from it on replay.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "event ledger",
			SQL: `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    project_key TEXT NOT NULL,
    ts_ms INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    UNIQUE(project_key, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_key, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms);
`,
		},
		{
			Version:     2,
			Description: "bead projections",
			SQL: `
CREATE TABLE IF NOT EXISTS beads (
    id TEXT PRIMARY KEY,
    project_key TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    issue_type TEXT NOT NULL DEFAULT 'task' CHECK(issue_type IN ('bug', 'feature', 'task', 'epic', 'chore')),
    priority INTEGER NOT NULL DEFAULT 2 CHECK(priority BETWEEN 0 AND 3),
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'in_progress', 'blocked', 'closed', 'tombstone')),
    parent_id TEXT,
    assignee TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT '',
    close_reason TEXT NOT NULL DEFAULT '',
    files_touched TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    closed_at INTEGER,
    deleted_at INTEGER,
    content_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_beads_project_status ON beads(project_key, status);
CREATE INDEX IF NOT EXISTS idx_beads_parent ON beads(parent_id);
CREATE INDEX IF NOT EXISTS idx_beads_ready ON beads(project_key, status, priority, created_at);

CREATE TABLE IF NOT EXISTS bead_dependencies (
    bead_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    relationship TEXT NOT NULL DEFAULT 'blocks' CHECK(relationship IN ('blocks', 'related', 'discovered-from')),
    created_at INTEGER NOT NULL,
    PRIMARY KEY (bead_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON bead_dependencies(depends_on_id, relationship);

CREATE TABLE IF NOT EXISTS bead_labels (
    bead_id TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (bead_id, label)
);
CREATE INDEX IF NOT EXISTS idx_labels_label ON bead_labels(label);

CREATE TABLE IF NOT EXISTS bead_comments (
    id INTEGER PRIMARY KEY,
    bead_id TEXT NOT NULL,
    author TEXT NOT NULL,
    body TEXT NOT NULL,
    parent_comment_id INTEGER,
    created_at INTEGER NOT NULL,
    deleted_at INTEGER,
    metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_comments_bead ON bead_comments(bead_id, created_at);

CREATE TABLE IF NOT EXISTS blocked_beads_cache (
    bead_id TEXT PRIMARY KEY,
    project_key TEXT NOT NULL,
    blocker_ids TEXT NOT NULL DEFAULT '[]',
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocked_cache_project ON blocked_beads_cache(project_key);

CREATE TABLE IF NOT EXISTS dirty_beads (
    bead_id TEXT PRIMARY KEY,
    project_key TEXT NOT NULL,
    marked_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dirty_project ON dirty_beads(project_key, marked_at);

CREATE TABLE IF NOT EXISTS child_counters (
    parent_id TEXT PRIMARY KEY,
    last_child INTEGER NOT NULL DEFAULT 0
);
`,
		},
		{
			Version:     3,
			Description: "agent coordination projections",
			SQL: `
CREATE TABLE IF NOT EXISTS agents (
    project_key TEXT NOT NULL,
    name TEXT NOT NULL,
    program TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    registered_at INTEGER NOT NULL,
    last_seen_at INTEGER NOT NULL,
    PRIMARY KEY (project_key, name)
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY,
    project_key TEXT NOT NULL,
    sender TEXT NOT NULL,
    recipients TEXT NOT NULL DEFAULT '[]',
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    read_by TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_key, created_at);

CREATE TABLE IF NOT EXISTS reservations (
    project_key TEXT NOT NULL,
    agent TEXT NOT NULL,
    file_glob TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (project_key, agent, file_glob)
);
CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations(expires_at);

CREATE TABLE IF NOT EXISTS decision_traces (
    id INTEGER PRIMARY KEY,
    decision_type TEXT NOT NULL CHECK(decision_type IN ('strategy_selection', 'worker_spawn', 'review_decision', 'file_selection', 'scope_change')),
    epic_id TEXT,
    bead_id TEXT,
    agent_name TEXT NOT NULL,
    project_key TEXT NOT NULL,
    decision TEXT NOT NULL DEFAULT '{}',
    rationale TEXT,
    inputs_gathered TEXT,
    policy_evaluated TEXT,
    alternatives TEXT,
    precedent_cited TEXT,
    outcome_event_id INTEGER,
    ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_project ON decision_traces(project_key, ts_ms);
CREATE INDEX IF NOT EXISTS idx_decisions_bead ON decision_traces(bead_id);
`,
		},
		{
			Version:     4,
			Description: "sync state",
			SQL: `
CREATE TABLE IF NOT EXISTS sync_state (
    project_key TEXT PRIMARY KEY,
    last_flushed_seq INTEGER NOT NULL DEFAULT 0,
    flushed_at INTEGER
);
`,
		},
	}
}
