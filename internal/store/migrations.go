package store

import (
	"database/sql"
	"fmt"
	"time"

	"hive/internal/logging"
)

// CurrentSchemaVersion is the highest migration version defined below.
const CurrentSchemaVersion = 2

// migration is one versioned, reversible schema change.
type migration struct {
	Version     int
	Description string
	Up          []string
	Down        []string
}

// migrations lists every schema migration in order. Unlike the teacher's
// additive-only ALTER TABLE list in migrations.go, each entry here carries a
// Down script so a failed upgrade can be rolled back cleanly.
var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema: conversations, stage outputs, curator truths, knowledge, memory",
		Up: []string{
			`CREATE TABLE conversations (
				id TEXT PRIMARY KEY,
				question TEXT NOT NULL,
				final_answer TEXT NOT NULL DEFAULT '',
				source_of_truth TEXT NOT NULL DEFAULT '',
				preceding_context TEXT NOT NULL DEFAULT '',
				profile TEXT NOT NULL DEFAULT '',
				routing TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				last_updated DATETIME NOT NULL
			)`,
			`CREATE INDEX idx_conversations_created_at ON conversations(created_at)`,

			`CREATE TABLE stage_outputs (
				conversation_id TEXT NOT NULL,
				stage TEXT NOT NULL,
				ordinal INTEGER NOT NULL,
				round INTEGER NOT NULL,
				provider TEXT NOT NULL DEFAULT '',
				model TEXT NOT NULL DEFAULT '',
				text TEXT NOT NULL DEFAULT '',
				char_count INTEGER NOT NULL DEFAULT 0,
				word_count INTEGER NOT NULL DEFAULT 0,
				temperature REAL NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				tokens_used INTEGER NOT NULL DEFAULT 0,
				partial INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				PRIMARY KEY (conversation_id, stage, round),
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,

			`CREATE TABLE curator_truths (
				conversation_id TEXT PRIMARY KEY,
				curator_output TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0,
				topic_summary TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,

			`CREATE TABLE knowledge_entries (
				conversation_id TEXT PRIMARY KEY,
				topics TEXT NOT NULL DEFAULT '[]',
				keywords TEXT NOT NULL DEFAULT '{}',
				embedding BLOB,
				relevance REAL NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,

			`CREATE VIRTUAL TABLE knowledge_fts USING fts5(
				conversation_id UNINDEXED,
				topic_summary,
				curator_output,
				content='curator_truths',
				content_rowid='rowid'
			)`,
			`CREATE TRIGGER knowledge_fts_ai AFTER INSERT ON curator_truths BEGIN
				INSERT INTO knowledge_fts(rowid, conversation_id, topic_summary, curator_output)
				VALUES (new.rowid, new.conversation_id, new.topic_summary, new.curator_output);
			END`,
			`CREATE TRIGGER knowledge_fts_ad AFTER DELETE ON curator_truths BEGIN
				INSERT INTO knowledge_fts(knowledge_fts, rowid, conversation_id, topic_summary, curator_output)
				VALUES ('delete', old.rowid, old.conversation_id, old.topic_summary, old.curator_output);
			END`,
			`CREATE TRIGGER knowledge_fts_au AFTER UPDATE ON curator_truths BEGIN
				INSERT INTO knowledge_fts(knowledge_fts, rowid, conversation_id, topic_summary, curator_output)
				VALUES ('delete', old.rowid, old.conversation_id, old.topic_summary, old.curator_output);
				INSERT INTO knowledge_fts(rowid, conversation_id, topic_summary, curator_output)
				VALUES (new.rowid, new.conversation_id, new.topic_summary, new.curator_output);
			END`,

			`CREATE TABLE consensus_iterations (
				conversation_id TEXT NOT NULL,
				round INTEGER NOT NULL,
				generator_vote INTEGER NOT NULL DEFAULT 0,
				refiner_vote INTEGER NOT NULL DEFAULT 0,
				validator_vote INTEGER NOT NULL DEFAULT 0,
				accepts INTEGER NOT NULL DEFAULT 0,
				cumulative_tokens INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (conversation_id, round),
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,

			`CREATE TABLE consensus_metrics (
				conversation_id TEXT PRIMARY KEY,
				consensus_type TEXT NOT NULL,
				final_confidence REAL NOT NULL DEFAULT 0,
				stage_agreement REAL NOT NULL DEFAULT 0,
				content_quality REAL NOT NULL DEFAULT 0,
				agreement_matrix TEXT NOT NULL DEFAULT '[]',
				total_rounds INTEGER NOT NULL DEFAULT 0,
				total_tokens INTEGER NOT NULL DEFAULT 0,
				total_latency_ms INTEGER NOT NULL DEFAULT 0,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,

			`CREATE TABLE patterns (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				normalized TEXT NOT NULL UNIQUE,
				sample TEXT NOT NULL,
				topic TEXT NOT NULL DEFAULT '',
				first_seen DATETIME NOT NULL,
				last_used DATETIME NOT NULL,
				frequency INTEGER NOT NULL DEFAULT 1
			)`,

			`CREATE TABLE preferences (
				name TEXT PRIMARY KEY,
				usage_count INTEGER NOT NULL DEFAULT 1,
				last_seen DATETIME NOT NULL
			)`,

			`CREATE TABLE themes (
				name TEXT PRIMARY KEY,
				message_count INTEGER NOT NULL DEFAULT 1,
				first_seen DATETIME NOT NULL,
				last_seen DATETIME NOT NULL
			)`,

			`CREATE TABLE conversation_threads (
				child_id TEXT PRIMARY KEY,
				parent_id TEXT NOT NULL,
				type TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY (child_id) REFERENCES conversations(id) ON DELETE CASCADE,
				FOREIGN KEY (parent_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,

			`CREATE TABLE memory_context_logs (
				correlation_id TEXT PRIMARY KEY,
				query TEXT NOT NULL,
				decision TEXT NOT NULL,
				framework TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL
			)`,
		},
		Down: []string{
			`DROP TABLE IF EXISTS memory_context_logs`,
			`DROP TABLE IF EXISTS conversation_threads`,
			`DROP TABLE IF EXISTS themes`,
			`DROP TABLE IF EXISTS preferences`,
			`DROP TABLE IF EXISTS patterns`,
			`DROP TABLE IF EXISTS consensus_metrics`,
			`DROP TABLE IF EXISTS consensus_iterations`,
			`DROP TRIGGER IF EXISTS knowledge_fts_au`,
			`DROP TRIGGER IF EXISTS knowledge_fts_ad`,
			`DROP TRIGGER IF EXISTS knowledge_fts_ai`,
			`DROP TABLE IF EXISTS knowledge_fts`,
			`DROP TABLE IF EXISTS knowledge_entries`,
			`DROP TABLE IF EXISTS curator_truths`,
			`DROP TABLE IF EXISTS stage_outputs`,
			`DROP TABLE IF EXISTS conversations`,
		},
	},
	{
		Version:     2,
		Description: "extraction tracking: per-conversation flag and derivation back-references",
		Up: []string{
			`CREATE TABLE extraction_log (
				conversation_id TEXT PRIMARY KEY,
				extracted_at DATETIME NOT NULL,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE pattern_derivations (
				pattern_id INTEGER NOT NULL,
				conversation_id TEXT NOT NULL,
				PRIMARY KEY (pattern_id, conversation_id),
				FOREIGN KEY (pattern_id) REFERENCES patterns(id) ON DELETE CASCADE,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE preference_derivations (
				preference_name TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				PRIMARY KEY (preference_name, conversation_id),
				FOREIGN KEY (preference_name) REFERENCES preferences(name) ON DELETE CASCADE,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE theme_derivations (
				theme_name TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				PRIMARY KEY (theme_name, conversation_id),
				FOREIGN KEY (theme_name) REFERENCES themes(name) ON DELETE CASCADE,
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
		},
		Down: []string{
			`DROP TABLE IF EXISTS theme_derivations`,
			`DROP TABLE IF EXISTS preference_derivations`,
			`DROP TABLE IF EXISTS pattern_derivations`,
			`DROP TABLE IF EXISTS extraction_log`,
		},
	},
}

// migrate brings the database up to CurrentSchemaVersion, recording each
// applied version in migration_history. If an Up statement fails, it rolls
// back the transaction and runs that migration's Down script before
// returning; a failure recording or committing the version rolls back the
// transaction only.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS migration_history (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migration_history: %w", err)
	}

	current := s.schemaVersion()
	logging.StoreDebug("current schema version: %d, target: %d", current, CurrentSchemaVersion)

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logging.Store("applying migration v%d: %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}

		failed := false
		for _, stmt := range m.Up {
			if _, err := tx.Exec(stmt); err != nil {
				logging.Get(logging.CategoryStore).Error("migration v%d failed: %v", m.Version, err)
				tx.Rollback()
				failed = true
				break
			}
		}
		if failed {
			s.rollback(m)
			return fmt.Errorf("migration v%d failed and was rolled back", m.Version)
		}

		if _, err := tx.Exec(
			`INSERT INTO migration_history (version, description, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Description, time.Now(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// rollback runs a migration's Down script directly against the database,
// best-effort, after an Up failure.
func (s *Store) rollback(m migration) {
	for i := len(m.Down) - 1; i >= 0; i-- {
		if _, err := s.db.Exec(m.Down[i]); err != nil {
			logging.Get(logging.CategoryStore).Warn("rollback statement failed for v%d: %v", m.Version, err)
		}
	}
}

func (s *Store) schemaVersion() int {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM migration_history`).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	return err == nil && count > 0
}
