package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"hive/internal/errs"
	"hive/internal/logging"
	"hive/internal/types"
)

// AppendConversation inserts a new conversation record. Conversation IDs are
// caller-assigned (uuid) so the pipeline can reference one before it's
// persisted.
func (s *Store) AppendConversation(c types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO conversations
			(id, question, final_answer, source_of_truth, preceding_context, profile, routing, created_at, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Question, c.FinalAnswer, c.SourceOfTruth, c.PrecedingContext, c.Profile, string(c.Routing), c.CreatedAt, c.LastUpdated,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.Wrap(errs.KindConflict, "conversation already exists: "+c.ID, err)
		}
		return errs.Wrap(errs.KindStorageError, "append conversation", err)
	}
	logging.StoreDebug("appended conversation %s", c.ID)
	return nil
}

// UpdateConversationAnswer sets the final answer and source of truth once the
// Curator stage completes.
func (s *Store) UpdateConversationAnswer(conversationID, finalAnswer, sourceOfTruth string, updated time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE conversations SET final_answer = ?, source_of_truth = ?, last_updated = ? WHERE id = ?`,
		finalAnswer, sourceOfTruth, updated, conversationID,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "update conversation answer", err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c types.Conversation
	var routing string
	err := s.db.QueryRow(
		`SELECT id, question, final_answer, source_of_truth, preceding_context, profile, routing, created_at, last_updated
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Question, &c.FinalAnswer, &c.SourceOfTruth, &c.PrecedingContext, &c.Profile, &routing, &c.CreatedAt, &c.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindStorageError, "conversation not found: "+id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "get conversation", err)
	}
	c.Routing = types.RoutingDecision(routing)
	return &c, nil
}

// AppendStageOutput records one stage's output for one round. Idempotent on
// (conversation_id, stage, round): a retried stage overwrites its own prior
// attempt rather than producing a duplicate row.
func (s *Store) AppendStageOutput(o types.StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	partial := 0
	if o.Partial {
		partial = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO stage_outputs
			(conversation_id, stage, ordinal, round, provider, model, text, char_count, word_count,
			 temperature, duration_ms, tokens_used, partial, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id, stage, round) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			text = excluded.text,
			char_count = excluded.char_count,
			word_count = excluded.word_count,
			temperature = excluded.temperature,
			duration_ms = excluded.duration_ms,
			tokens_used = excluded.tokens_used,
			partial = excluded.partial,
			error = excluded.error,
			created_at = excluded.created_at`,
		o.ConversationID, string(o.Stage), o.Ordinal, o.Round, o.Provider, o.Model, o.Text,
		o.CharCount, o.WordCount, o.Temperature, o.Duration.Milliseconds(), o.TokensUsed,
		partial, o.Error, o.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "append stage output", err)
	}
	return nil
}

// GetStageOutputs returns every stage output recorded for a conversation,
// ordered by round then stage ordinal.
func (s *Store) GetStageOutputs(conversationID string) ([]types.StageOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT conversation_id, stage, ordinal, round, provider, model, text, char_count, word_count,
			temperature, duration_ms, tokens_used, partial, error, created_at
		 FROM stage_outputs WHERE conversation_id = ? ORDER BY round ASC, ordinal ASC`,
		conversationID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "get stage outputs", err)
	}
	defer rows.Close()

	var outputs []types.StageOutput
	for rows.Next() {
		var o types.StageOutput
		var stage string
		var durationMs int64
		var partial int
		if err := rows.Scan(
			&o.ConversationID, &stage, &o.Ordinal, &o.Round, &o.Provider, &o.Model, &o.Text,
			&o.CharCount, &o.WordCount, &o.Temperature, &durationMs, &o.TokensUsed, &partial, &o.Error, &o.CreatedAt,
		); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "scan stage output", err)
		}
		o.Stage = types.StageName(stage)
		o.Duration = time.Duration(durationMs) * time.Millisecond
		o.Partial = partial != 0
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// AppendCuratorTruth records the authoritative curator output for a
// conversation. A conversation may have exactly one CuratorTruth; a second
// insert is rejected as a conflict.
func (s *Store) AppendCuratorTruth(ct types.CuratorTruth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO curator_truths (conversation_id, curator_output, confidence, topic_summary, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ct.ConversationID, ct.CuratorOutput, ct.Confidence, ct.TopicSummary, ct.CreatedAt,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errs.Wrap(errs.KindConflict, "curator truth already recorded for "+ct.ConversationID, err)
		}
		return errs.Wrap(errs.KindStorageError, "append curator truth", err)
	}
	return nil
}

// GetCuratorTruth loads the curator truth for a conversation, if any.
func (s *Store) GetCuratorTruth(conversationID string) (*types.CuratorTruth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ct types.CuratorTruth
	err := s.db.QueryRow(
		`SELECT conversation_id, curator_output, confidence, topic_summary, created_at
		 FROM curator_truths WHERE conversation_id = ?`, conversationID,
	).Scan(&ct.ConversationID, &ct.CuratorOutput, &ct.Confidence, &ct.TopicSummary, &ct.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "get curator truth", err)
	}
	return &ct, nil
}

// AppendConsensusIteration records one deliberation round's vote outcome.
func (s *Store) AppendConsensusIteration(it types.ConsensusIteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	toInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	_, err := s.db.Exec(
		`INSERT INTO consensus_iterations
			(conversation_id, round, generator_vote, refiner_vote, validator_vote, accepts, cumulative_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id, round) DO UPDATE SET
			generator_vote = excluded.generator_vote,
			refiner_vote = excluded.refiner_vote,
			validator_vote = excluded.validator_vote,
			accepts = excluded.accepts,
			cumulative_tokens = excluded.cumulative_tokens`,
		it.ConversationID, it.Round, toInt(it.GeneratorVote), toInt(it.RefinerVote), toInt(it.ValidatorVote),
		it.Accepts, it.CumulativeTokens, it.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "append consensus iteration", err)
	}
	return nil
}

// AppendConsensusMetrics records the roll-up metrics for a finished pipeline run.
func (s *Store) AppendConsensusMetrics(m types.ConsensusMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matrix, err := json.Marshal(m.AgreementMatrix)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "marshal agreement matrix", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO consensus_metrics
			(conversation_id, consensus_type, final_confidence, stage_agreement, content_quality,
			 agreement_matrix, total_rounds, total_tokens, total_latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			consensus_type = excluded.consensus_type,
			final_confidence = excluded.final_confidence,
			stage_agreement = excluded.stage_agreement,
			content_quality = excluded.content_quality,
			agreement_matrix = excluded.agreement_matrix,
			total_rounds = excluded.total_rounds,
			total_tokens = excluded.total_tokens,
			total_latency_ms = excluded.total_latency_ms`,
		m.ConversationID, string(m.ConsensusType), m.FinalConfidence, m.StageAgreement, m.ContentQuality,
		string(matrix), m.TotalRounds, m.TotalTokens, m.TotalLatency.Milliseconds(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "append consensus metrics", err)
	}
	return nil
}

// ThreadLink records a parent/child relationship between two conversations.
func (s *Store) ThreadLink(t types.ConversationThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO conversation_threads (child_id, parent_id, type, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (child_id) DO UPDATE SET parent_id = excluded.parent_id, type = excluded.type, confidence = excluded.confidence`,
		t.ChildID, t.ParentID, string(t.Type), t.Confidence, t.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "thread link", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
