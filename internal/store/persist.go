package store

import (
	"encoding/json"

	"hive/internal/errs"
	"hive/internal/logging"
	"hive/internal/types"
)

// PersistConsensusResult writes a completed pipeline run's Conversation, all
// StageOutputs, the CuratorTruth, the KnowledgeEntry, and the
// ConsensusMetrics in a single transaction, per spec.md §4.5's
// persistence-in-one-transaction requirement.
func (s *Store) PersistConsensusResult(
	conv types.Conversation,
	stageOutputs []types.StageOutput,
	truth types.CuratorTruth,
	knowledge types.KnowledgeEntry,
	metrics types.ConsensusMetrics,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "begin consensus persist transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.Exec(
		`INSERT INTO conversations
			(id, question, final_answer, source_of_truth, preceding_context, profile, routing, created_at, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			final_answer = excluded.final_answer, source_of_truth = excluded.source_of_truth,
			last_updated = excluded.last_updated`,
		conv.ID, conv.Question, conv.FinalAnswer, conv.SourceOfTruth, conv.PrecedingContext,
		conv.Profile, string(conv.Routing), conv.CreatedAt, conv.LastUpdated,
	); err != nil {
		return errs.Wrap(errs.KindStorageError, "persist conversation", err)
	}

	for _, o := range stageOutputs {
		partial := 0
		if o.Partial {
			partial = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO stage_outputs
				(conversation_id, stage, ordinal, round, provider, model, text, char_count, word_count,
				 temperature, duration_ms, tokens_used, partial, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (conversation_id, stage, round) DO UPDATE SET
				text = excluded.text, char_count = excluded.char_count, word_count = excluded.word_count,
				duration_ms = excluded.duration_ms, tokens_used = excluded.tokens_used,
				partial = excluded.partial, error = excluded.error`,
			o.ConversationID, string(o.Stage), o.Ordinal, o.Round, o.Provider, o.Model, o.Text,
			o.CharCount, o.WordCount, o.Temperature, o.Duration.Milliseconds(), o.TokensUsed,
			partial, o.Error, o.CreatedAt,
		); err != nil {
			return errs.Wrap(errs.KindStorageError, "persist stage output", err)
		}
	}

	if truth.ConversationID != "" {
		if _, err := tx.Exec(
			`INSERT INTO curator_truths (conversation_id, curator_output, confidence, topic_summary, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (conversation_id) DO UPDATE SET
				curator_output = excluded.curator_output, confidence = excluded.confidence,
				topic_summary = excluded.topic_summary`,
			truth.ConversationID, truth.CuratorOutput, truth.Confidence, truth.TopicSummary, truth.CreatedAt,
		); err != nil {
			return errs.Wrap(errs.KindStorageError, "persist curator truth", err)
		}
	}

	if knowledge.ConversationID != "" {
		topics, err := json.Marshal(knowledge.Topics)
		if err != nil {
			return errs.Wrap(errs.KindStorageError, "marshal topics", err)
		}
		keywords, err := json.Marshal(knowledge.Keywords)
		if err != nil {
			return errs.Wrap(errs.KindStorageError, "marshal keywords", err)
		}
		var embeddingBlob []byte
		if len(knowledge.Embedding) > 0 {
			embeddingBlob = encodeFloat32SliceToBlob(knowledge.Embedding)
		}
		if _, err := tx.Exec(
			`INSERT INTO knowledge_entries (conversation_id, topics, keywords, embedding, relevance, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (conversation_id) DO UPDATE SET
				topics = excluded.topics, keywords = excluded.keywords,
				embedding = excluded.embedding, relevance = excluded.relevance`,
			knowledge.ConversationID, string(topics), string(keywords), embeddingBlob, knowledge.Relevance, knowledge.CreatedAt,
		); err != nil {
			return errs.Wrap(errs.KindStorageError, "persist knowledge entry", err)
		}
	}

	if metrics.ConversationID != "" {
		matrix, err := json.Marshal(metrics.AgreementMatrix)
		if err != nil {
			return errs.Wrap(errs.KindStorageError, "marshal agreement matrix", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO consensus_metrics
				(conversation_id, consensus_type, final_confidence, stage_agreement, content_quality,
				 agreement_matrix, total_rounds, total_tokens, total_latency_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (conversation_id) DO UPDATE SET
				consensus_type = excluded.consensus_type, final_confidence = excluded.final_confidence,
				stage_agreement = excluded.stage_agreement, content_quality = excluded.content_quality,
				agreement_matrix = excluded.agreement_matrix, total_rounds = excluded.total_rounds,
				total_tokens = excluded.total_tokens, total_latency_ms = excluded.total_latency_ms`,
			metrics.ConversationID, string(metrics.ConsensusType), metrics.FinalConfidence, metrics.StageAgreement,
			metrics.ContentQuality, string(matrix), metrics.TotalRounds, metrics.TotalTokens, metrics.TotalLatency.Milliseconds(),
		); err != nil {
			return errs.Wrap(errs.KindStorageError, "persist consensus metrics", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindStorageError, "commit consensus persist transaction", err)
	}
	committed = true
	logging.Store("persisted consensus result for conversation %s in a single transaction", conv.ID)
	return nil
}
