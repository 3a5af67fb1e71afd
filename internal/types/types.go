// Package types holds the shared data-model structs used across hive's
// subsystems (store, memory, context, consensus, planner, executor, quota).
// Kept dependency-free so every other package can import it without cycles.
package types

import "time"

// StageName identifies one of the four consensus pipeline stages.
type StageName string

const (
	StageGenerator StageName = "generator"
	StageRefiner   StageName = "refiner"
	StageValidator StageName = "validator"
	StageCurator   StageName = "curator"
)

// Ordinal returns the stage's fixed 1-based position in the pipeline.
func (s StageName) Ordinal() int {
	switch s {
	case StageGenerator:
		return 1
	case StageRefiner:
		return 2
	case StageValidator:
		return 3
	case StageCurator:
		return 4
	default:
		return 0
	}
}

// ConsensusType records how a conversation's pipeline run terminated.
type ConsensusType string

const (
	ConsensusUnanimous      ConsensusType = "unanimous"
	ConsensusMajority       ConsensusType = "majority"
	ConsensusCuratorOverride ConsensusType = "curator_override"
	ConsensusCancelled      ConsensusType = "cancelled"
	ConsensusFailed         ConsensusType = "failed"
)

// RoutingDecision is the Context Orchestrator's dispatch choice for a query.
type RoutingDecision string

const (
	RoutingDirectExecute RoutingDecision = "direct_execute"
	RoutingConsensus     RoutingDecision = "consensus"
)

// Conversation is the top-level record for one user query/answer exchange.
type Conversation struct {
	ID                     string
	Question               string
	FinalAnswer            string
	SourceOfTruth          string // equals CuratorTruth.CuratorOutput when one exists
	PrecedingContext       string
	Profile                string
	Routing                RoutingDecision
	CreatedAt              time.Time
	LastUpdated            time.Time
}

// StageOutput is one stage's complete output for one deliberation round of
// one conversation. The Text field is never truncated.
type StageOutput struct {
	ConversationID string
	Stage          StageName
	Ordinal        int
	Round          int
	Provider       string
	Model          string
	Text           string
	CharCount      int
	WordCount      int
	Temperature    float64
	Duration       time.Duration
	TokensUsed     int
	Partial        bool
	Error          string
	CreatedAt      time.Time
}

// CuratorTruth is the authoritative curator text for a consensus-reached
// conversation. Exactly one exists per such conversation.
type CuratorTruth struct {
	ConversationID string
	CuratorOutput  string
	Confidence     float64 // [0,1]
	TopicSummary   string
	CreatedAt      time.Time
}

// KnowledgeEntry is the indexable projection of a CuratorTruth.
type KnowledgeEntry struct {
	ConversationID string
	Topics         []string
	Keywords       map[string]int // keyword -> frequency
	Embedding      []float32      // optional
	Relevance      float64
	CreatedAt      time.Time
}

// ConsensusIteration records one deliberation round's vote outcome.
type ConsensusIteration struct {
	ConversationID string
	Round          int
	GeneratorVote  bool
	RefinerVote    bool
	ValidatorVote  bool
	Accepts        int
	CumulativeTokens int
	CreatedAt      time.Time
}

// ConsensusMetrics is the per-conversation roll-up of a pipeline run.
type ConsensusMetrics struct {
	ConversationID    string
	ConsensusType     ConsensusType
	FinalConfidence   float64
	StageAgreement    float64
	ContentQuality    float64
	AgreementMatrix   [4][4]float64
	TotalRounds       int
	TotalTokens       int
	TotalCost         float64
	TotalLatency      time.Duration
}

// TemporalLayer names one of the Memory Engine's fixed time-windowed views.
type TemporalLayer string

const (
	LayerRecent   TemporalLayer = "recent"   // <= 2h
	LayerToday    TemporalLayer = "today"    // 2h-24h
	LayerWeek     TemporalLayer = "week"     // 24h-7d
	LayerSemantic TemporalLayer = "semantic" // all-time
)

// RecencyWeight returns the layer's fixed weighting for relevance scoring.
func (l TemporalLayer) RecencyWeight() float64 {
	switch l {
	case LayerRecent:
		return 4
	case LayerToday:
		return 3
	case LayerWeek:
		return 2
	case LayerSemantic:
		return 1
	default:
		return 0
	}
}

// Pattern is a frequently recurring code/phrase snippet mined from curator text.
type Pattern struct {
	ID          int64
	Normalized  string
	Sample      string
	Topic       string
	FirstSeen   time.Time
	LastUsed    time.Time
	Frequency   int
}

// Preference is a technology/style affinity derived from conversation content.
type Preference struct {
	Name       string
	UsageCount int
	LastSeen   time.Time
}

// Theme is a topical cluster of conversations (e.g. "Authentication").
type Theme struct {
	Name         string
	MessageCount int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// ThreadType classifies a ConversationThread link.
type ThreadType string

const (
	ThreadFollowUp      ThreadType = "follow_up"
	ThreadClarification ThreadType = "clarification"
	ThreadListReference ThreadType = "list_reference"
	ThreadContinuation  ThreadType = "continuation"
)

// ConversationThread links a child conversation to its parent.
type ConversationThread struct {
	ChildID    string
	ParentID   string
	Type       ThreadType
	Confidence float64
	CreatedAt  time.Time
}

// OperationAction enumerates the kinds of file/command operation an
// ExecutionPlan may contain.
type OperationAction string

const (
	ActionCreateFile OperationAction = "create_file"
	ActionUpdateFile OperationAction = "update_file"
	ActionDeleteFile OperationAction = "delete_file"
	ActionRunCommand OperationAction = "run_command"
	ActionTest       OperationAction = "test"
)

// FindReplace is one find/replace pair within an update_file operation.
type FindReplace struct {
	Find    string `yaml:"find"`
	Replace string `yaml:"replace"`
}

// Operation is a single step of an ExecutionPlan.
type Operation struct {
	Step    int             `yaml:"step"`
	Action  OperationAction `yaml:"action"`
	Path    string          `yaml:"path,omitempty"`
	Content string          `yaml:"content,omitempty"`
	Changes []FindReplace   `yaml:"changes,omitempty"`
	Command string          `yaml:"command,omitempty"`
}

// SafetyLevel is the Curator Plan Parser's computed risk classification.
type SafetyLevel string

const (
	SafetyLow    SafetyLevel = "low"
	SafetyMedium SafetyLevel = "medium"
	SafetyHigh   SafetyLevel = "high"
)

// ExecutionPlan is the structured, Curator-authored instruction list parsed
// from a fenced block in the Curator's output. Immutable once parsed.
type ExecutionPlan struct {
	Overview    string      `yaml:"overview"`
	SafetyLevel SafetyLevel `yaml:"safety_level"`
	Operations  []Operation `yaml:"operations"`
}

// OperationStatus is the outcome of applying a single operation.
type OperationStatus string

const (
	OpStatusApplied OperationStatus = "applied"
	OpStatusSkipped OperationStatus = "skipped" // already satisfied (no-op)
	OpStatusFailed  OperationStatus = "failed"
	OpStatusUndone  OperationStatus = "undone"
)

// OperationResult records what happened when one Operation was executed.
type OperationResult struct {
	Step   int
	Action OperationAction
	Path   string
	Status OperationStatus
	Diff   string
	Error  string
}

// ExecutionReport is the Execution Engine's result for one applied plan.
// It is a separate, mutable record from the immutable ExecutionPlan it
// executed.
type ExecutionReport struct {
	PlanOverview string
	Results      []OperationResult
	StartedAt    time.Time
	FinishedAt   time.Time
}

// StageProfile configures a single pipeline stage for a ConsensusProfile.
type StageProfile struct {
	Model       string
	Temperature float64
}

// ConsensusProfile maps a profile id to the four models/temperatures used
// for its pipeline stages.
type ConsensusProfile struct {
	ID       string
	Stages   map[StageName]StageProfile
}

// ModelFor returns the model identifier configured for stage.
func (p ConsensusProfile) ModelFor(stage StageName) string {
	return p.Stages[stage].Model
}

// TemperatureFor returns the temperature configured for stage.
func (p ConsensusProfile) TemperatureFor(stage StageName) float64 {
	return p.Stages[stage].Temperature
}

// ContextFramework is the memory-derived bundle fed to every pipeline stage.
type ContextFramework struct {
	Summary             string
	PatternsIdentified  []Pattern
	RelevantTopics      []string
	PreferencesSnapshot []Preference
	RecentMessages      []WeightedMessage
	ThemeHits           []Theme
	PriorSolutions      []PriorSolution
	RelevanceScore      float64
}

// WeightedMessage is a verbatim excerpt carrying its temporal recency weight.
type WeightedMessage struct {
	ConversationID string
	Excerpt        string
	Weight         float64
	Layer          TemporalLayer
}

// PriorSolution references an earlier conversation that resembles the
// current problem.
type PriorSolution struct {
	ConversationID string
	Summary        string
	Similarity     float64
}

// MemoryContextLog records one query's ContextFramework + RoutingDecision
// for post-hoc audit, correlated by CorrelationID.
type MemoryContextLog struct {
	CorrelationID string
	Query         string
	Decision      RoutingDecision
	Framework     ContextFramework
	CreatedAt     time.Time
}
