package memory

import "github.com/basket/hive/internal/storage"

// Migrations returns the memory-store schema. The FTS5 virtual table is
// kept in sync with memories by triggers so search never drifts from
// content.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     100,
			Description: "semantic memory store",
			SQL: `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    collection TEXT NOT NULL DEFAULT 'default',
    created_at INTEGER NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0 CHECK(confidence BETWEEN 0.0 AND 1.0),
    tags TEXT NOT NULL DEFAULT '[]',
    agent_type TEXT,
    session_id TEXT,
    message_role TEXT CHECK(message_role IN ('user', 'assistant', 'system')),
    message_idx INTEGER,
    source_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_collection ON memories(collection);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, message_idx);
CREATE INDEX IF NOT EXISTS idx_memories_agent_type ON memories(agent_type);
CREATE INDEX IF NOT EXISTS idx_memories_role ON memories(message_role);

CREATE TABLE IF NOT EXISTS memory_embeddings (
    memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
    embedding BLOB NOT NULL
);
`,
		},
		{
			Version:     101,
			Description: "session index state",
			SQL: `
CREATE TABLE IF NOT EXISTS session_index_state (
    source_path TEXT PRIMARY KEY,
    last_indexed_at INTEGER NOT NULL,
    file_mtime INTEGER NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0
);
`,
		},
	}
}
