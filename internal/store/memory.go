package store

import (
	"database/sql"
	"time"

	"hive/internal/errs"
	"hive/internal/types"
)

// UpsertPattern inserts a new mined pattern or bumps an existing one's
// frequency and last_used, keyed on its normalized form. Returns the
// pattern's row id so callers can record a derivation back-reference.
func (s *Store) UpsertPattern(p types.Pattern) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO patterns (normalized, sample, topic, first_seen, last_used, frequency)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT (normalized) DO UPDATE SET
			last_used = excluded.last_used,
			frequency = frequency + 1`,
		p.Normalized, p.Sample, p.Topic, p.FirstSeen, p.LastUsed,
	)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageError, "upsert pattern", err)
	}

	var id int64
	if err := s.db.QueryRow(`SELECT id FROM patterns WHERE normalized = ?`, p.Normalized).Scan(&id); err != nil {
		return 0, errs.Wrap(errs.KindStorageError, "resolve pattern id", err)
	}
	return id, nil
}

// LinkPatternDerivation records that conversationID contributed to pattern's
// frequency, idempotently.
func (s *Store) LinkPatternDerivation(patternID int64, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO pattern_derivations (pattern_id, conversation_id) VALUES (?, ?)`,
		patternID, conversationID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "link pattern derivation", err)
	}
	return nil
}

// LinkPreferenceDerivation records that conversationID contributed to a
// preference's usage count, idempotently.
func (s *Store) LinkPreferenceDerivation(name, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO preference_derivations (preference_name, conversation_id) VALUES (?, ?)`,
		name, conversationID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "link preference derivation", err)
	}
	return nil
}

// LinkThemeDerivation records that conversationID contributed to a theme's
// message count, idempotently.
func (s *Store) LinkThemeDerivation(name, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO theme_derivations (theme_name, conversation_id) VALUES (?, ?)`,
		name, conversationID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "link theme derivation", err)
	}
	return nil
}

// MarkExtracted records that a conversation's extraction pipeline has run at
// least once. Idempotent: a repeat call is a no-op, satisfying the
// at-least-once-per-conversation guarantee without double counting.
func (s *Store) MarkExtracted(conversationID string, at time.Time) (alreadyExtracted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err = s.db.QueryRow(`SELECT conversation_id FROM extraction_log WHERE conversation_id = ?`, conversationID).Scan(&existing)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, errs.Wrap(errs.KindStorageError, "check extraction log", err)
	}

	_, err = s.db.Exec(`INSERT INTO extraction_log (conversation_id, extracted_at) VALUES (?, ?)`, conversationID, at)
	if err != nil {
		return false, errs.Wrap(errs.KindStorageError, "mark extracted", err)
	}
	return false, nil
}

// PatternsByTopic returns patterns, optionally filtered by topic, ordered by
// frequency descending. An empty topic returns all patterns.
func (s *Store) PatternsByTopic(topic string, limit int) ([]types.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if topic == "" {
		rows, err = s.db.Query(
			`SELECT id, normalized, sample, topic, first_seen, last_used, frequency
			 FROM patterns ORDER BY frequency DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT id, normalized, sample, topic, first_seen, last_used, frequency
			 FROM patterns WHERE topic = ? ORDER BY frequency DESC LIMIT ?`, topic, limit)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "patterns by topic", err)
	}
	defer rows.Close()

	var out []types.Pattern
	for rows.Next() {
		var p types.Pattern
		if err := rows.Scan(&p.ID, &p.Normalized, &p.Sample, &p.Topic, &p.FirstSeen, &p.LastUsed, &p.Frequency); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "scan pattern", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPreference records usage of a technology/style preference.
func (s *Store) UpsertPreference(name string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO preferences (name, usage_count, last_seen)
		 VALUES (?, 1, ?)
		 ON CONFLICT (name) DO UPDATE SET usage_count = usage_count + 1, last_seen = excluded.last_seen`,
		name, seenAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "upsert preference", err)
	}
	return nil
}

// Preferences returns every recorded preference, ordered by usage count descending.
func (s *Store) Preferences() ([]types.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT name, usage_count, last_seen FROM preferences ORDER BY usage_count DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "list preferences", err)
	}
	defer rows.Close()

	var out []types.Preference
	for rows.Next() {
		var p types.Preference
		if err := rows.Scan(&p.Name, &p.UsageCount, &p.LastSeen); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "scan preference", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertTheme bumps a topical cluster's message count.
func (s *Store) UpsertTheme(name string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO themes (name, message_count, first_seen, last_seen)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET message_count = message_count + 1, last_seen = excluded.last_seen`,
		name, seenAt, seenAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "upsert theme", err)
	}
	return nil
}

// Themes returns every recorded theme, ordered by message count descending.
func (s *Store) Themes() ([]types.Theme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT name, message_count, first_seen, last_seen FROM themes ORDER BY message_count DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "list themes", err)
	}
	defer rows.Close()

	var out []types.Theme
	for rows.Next() {
		var t types.Theme
		if err := rows.Scan(&t.Name, &t.MessageCount, &t.FirstSeen, &t.LastSeen); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "scan theme", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
