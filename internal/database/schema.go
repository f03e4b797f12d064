package database

// schema holds the DDL for one student database. Observations carry a
// UNIQUE constraint so re-created entities union their facts instead of
// duplicating them; relations deliberately do not (the store accepts
// duplicate triples, callers dedup within an analysis pass).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
        name TEXT PRIMARY KEY,
        entity_type TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    )`,

	`CREATE TABLE IF NOT EXISTS observations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        entity_name TEXT NOT NULL,
        fact_key TEXT NOT NULL DEFAULT '',
        fact_value TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (entity_name) REFERENCES entities(name),
        UNIQUE (entity_name, fact_key, fact_value)
    )`,

	`CREATE TABLE IF NOT EXISTS relations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source TEXT NOT NULL,
        target TEXT NOT NULL,
        relation_type TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (source) REFERENCES entities(name),
        FOREIGN KEY (target) REFERENCES entities(name)
    )`,

	`CREATE TABLE IF NOT EXISTS map_locations (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        location_type TEXT NOT NULL,
        latitude REAL NOT NULL,
        longitude REAL NOT NULL,
        metadata TEXT NOT NULL DEFAULT '{}',
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        UNIQUE (name, location_type)
    )`,

	`CREATE TABLE IF NOT EXISTS location_source_chats (
        location_id TEXT NOT NULL,
        chat_id TEXT NOT NULL,
        PRIMARY KEY (location_id, chat_id),
        FOREIGN KEY (location_id) REFERENCES map_locations(id)
    )`,

	`CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY,
        title TEXT NOT NULL DEFAULT '',
        processed INTEGER NOT NULL DEFAULT 0,
        processed_at TEXT,
        processed_last_message_at TEXT,
        last_message_at TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    )`,

	`CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        chat_id TEXT NOT NULL,
        sender TEXT NOT NULL,
        content TEXT NOT NULL,
        sent_at TEXT NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats(id)
    )`,

	`CREATE TABLE IF NOT EXISTS tasks (
        id TEXT PRIMARY KEY,
        title TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        due_date TEXT,
        source_chat TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (title, due_date)
    )`,

	`CREATE INDEX IF NOT EXISTS idx_entities_created_at ON entities(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_name)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target)`,
	`CREATE INDEX IF NOT EXISTS idx_relations_src_tgt_type ON relations(source, target, relation_type)`,
	`CREATE INDEX IF NOT EXISTS idx_locations_key ON map_locations(name, location_type)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_processed ON chats(processed)`,
}
