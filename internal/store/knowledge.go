package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"hive/internal/errs"
	"hive/internal/logging"
	"hive/internal/types"
)

// KnowledgeMatch is one result from SearchKnowledge: a conversation whose
// curator truth matched the query, ranked by Relevance: the inverted bm25
// rank, averaged with cosine similarity when a vector search also ran.
// Relevance carries no recency weighting.
type KnowledgeMatch struct {
	ConversationID string
	TopicSummary   string
	CuratorOutput  string
	Relevance      float64
}

// UpsertKnowledgeEntry stores the indexable projection of a CuratorTruth.
func (s *Store) UpsertKnowledgeEntry(k types.KnowledgeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics, err := json.Marshal(k.Topics)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "marshal topics", err)
	}
	keywords, err := json.Marshal(k.Keywords)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "marshal keywords", err)
	}

	var embeddingBlob []byte
	if len(k.Embedding) > 0 {
		embeddingBlob = encodeFloat32SliceToBlob(k.Embedding)
	}

	_, err = s.db.Exec(
		`INSERT INTO knowledge_entries (conversation_id, topics, keywords, embedding, relevance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			topics = excluded.topics, keywords = excluded.keywords,
			embedding = excluded.embedding, relevance = excluded.relevance`,
		k.ConversationID, string(topics), string(keywords), embeddingBlob, k.Relevance, k.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "upsert knowledge entry", err)
	}
	return nil
}

// SearchKnowledge finds conversations whose curator output or topic summary
// matches query, via FTS5, and when sqlite-vec is available and
// queryEmbedding is non-empty, blends in cosine-similarity ranking over
// knowledge_entries.embedding. Results are ordered by relevance descending,
// limited to topK.
func (s *Store) SearchKnowledge(query string, queryEmbedding []float32, topK int) ([]KnowledgeMatch, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchKnowledge")
	defer timer.Stop()

	if topK <= 0 {
		topK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ftsMatches, err := s.searchFTS(query, topK*2)
	if err != nil {
		return nil, err
	}

	if !s.vecExt || len(queryEmbedding) == 0 {
		if len(ftsMatches) > topK {
			ftsMatches = ftsMatches[:topK]
		}
		return ftsMatches, nil
	}

	vecMatches, err := s.searchVector(queryEmbedding, topK*2)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("vector search failed, falling back to FTS only: %v", err)
		if len(ftsMatches) > topK {
			ftsMatches = ftsMatches[:topK]
		}
		return ftsMatches, nil
	}

	merged := mergeKnowledgeMatches(ftsMatches, vecMatches)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

func (s *Store) searchFTS(query string, limit int) ([]KnowledgeMatch, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT knowledge_fts.conversation_id, curator_truths.topic_summary, curator_truths.curator_output,
			bm25(knowledge_fts) AS rank
		 FROM knowledge_fts
		 JOIN curator_truths ON curator_truths.conversation_id = knowledge_fts.conversation_id
		 WHERE knowledge_fts MATCH ?
		 ORDER BY rank LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "fts search", err)
	}
	defer rows.Close()

	var matches []KnowledgeMatch
	for rows.Next() {
		var m KnowledgeMatch
		var rank float64
		if err := rows.Scan(&m.ConversationID, &m.TopicSummary, &m.CuratorOutput, &rank); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "scan fts row", err)
		}
		// bm25 is lower-is-better; invert onto a positive relevance scale.
		m.Relevance = 1.0 / (1.0 + rankAbs(rank))
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *Store) searchVector(queryEmbedding []float32, limit int) ([]KnowledgeMatch, error) {
	queryBlob := encodeFloat32SliceToBlob(queryEmbedding)

	rows, err := s.db.Query(
		`SELECT ke.conversation_id, ct.topic_summary, ct.curator_output,
			vec_distance_cosine(ke.embedding, ?) AS distance
		 FROM knowledge_entries ke
		 JOIN curator_truths ct ON ct.conversation_id = ke.conversation_id
		 WHERE ke.embedding IS NOT NULL
		 ORDER BY distance ASC LIMIT ?`,
		queryBlob, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "vector search", err)
	}
	defer rows.Close()

	var matches []KnowledgeMatch
	for rows.Next() {
		var m KnowledgeMatch
		var distance float64
		if err := rows.Scan(&m.ConversationID, &m.TopicSummary, &m.CuratorOutput, &distance); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "scan vector row", err)
		}
		m.Relevance = 1.0 - distance
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func mergeKnowledgeMatches(a, b []KnowledgeMatch) []KnowledgeMatch {
	byID := make(map[string]*KnowledgeMatch, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))
	for _, m := range a {
		m := m
		byID[m.ConversationID] = &m
		order = append(order, m.ConversationID)
	}
	for _, m := range b {
		if existing, ok := byID[m.ConversationID]; ok {
			existing.Relevance = (existing.Relevance + m.Relevance) / 2
			continue
		}
		m := m
		byID[m.ConversationID] = &m
		order = append(order, m.ConversationID)
	}

	result := make([]KnowledgeMatch, 0, len(order))
	for _, id := range order {
		result = append(result, *byID[id])
	}
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].Relevance > result[i].Relevance {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result
}

func rankAbs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// encodeFloat32SliceToBlob encodes a float32 slice as a little-endian binary
// blob, the format sqlite-vec expects. Mirrors the teacher's
// embedded_store.go helper of the same name.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

// RecordMemoryContextLog persists the ContextFramework and RoutingDecision
// computed for one query, for post-hoc audit.
func (s *Store) RecordMemoryContextLog(l types.MemoryContextLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	framework, err := json.Marshal(l.Framework)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "marshal context framework", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO memory_context_logs (correlation_id, query, decision, framework, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (correlation_id) DO UPDATE SET query = excluded.query, decision = excluded.decision, framework = excluded.framework`,
		l.CorrelationID, l.Query, string(l.Decision), string(framework), l.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "record memory context log", err)
	}
	return nil
}

// RecentCuratorTruths returns curator truths created since cutoff, newest
// first, used by the Memory Engine's temporal layers.
func (s *Store) RecentCuratorTruths(cutoff time.Time, limit int) ([]types.CuratorTruth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT conversation_id, curator_output, confidence, topic_summary, created_at
		 FROM curator_truths WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "recent curator truths", err)
	}
	defer rows.Close()

	var out []types.CuratorTruth
	for rows.Next() {
		var ct types.CuratorTruth
		if err := rows.Scan(&ct.ConversationID, &ct.CuratorOutput, &ct.Confidence, &ct.TopicSummary, &ct.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "scan curator truth", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}
