// Package eventbus provides a typed, in-process publish/subscribe bus for
// hive's subsystems. It generalizes the teacher's GlassBoxEventBus
// (internal/transparency/event_bus.go): sequence-numbered events, buffered
// per-subscriber delivery, drop-on-full backpressure. Unlike the teacher's
// single GlassBoxEvent struct with a Category field, this bus dispatches one
// concrete Go struct per spec event Kind, delivered FIFO within that kind.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"hive/internal/logging"
)

// Kind identifies one of hive's fixed event types.
type Kind string

const (
	KindStageProgress         Kind = "stage_progress"
	KindStageComplete         Kind = "stage_complete"
	KindConsensusProgress     Kind = "consensus_progress"
	KindConsensusComplete     Kind = "consensus_complete"
	KindConsensusInterrupted  Kind = "consensus_interrupted"
	KindConsensusFailed       Kind = "consensus_failed"
	KindExecutionPreview      Kind = "execution_preview"
	KindExecutionReport       Kind = "execution_report"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindFatalStorage          Kind = "fatal_storage"
	KindFileChanged           Kind = "file_changed"
	KindConfigurationChanged  Kind = "configuration_changed"
)

// Event is the envelope every emitted value is wrapped in. Payload holds one
// of the concrete *Payload structs below, matching Kind.
type Event struct {
	ID        uint64
	Kind      Kind
	Timestamp time.Time
	Payload   interface{}
}

// StageProgressPayload reports incremental output from a running pipeline
// stage, along with the conversation's running token and cost totals so far
// (cost computed from modelrouter's pricing table; zero when the model's
// price is unknown).
type StageProgressPayload struct {
	ConversationID   string
	Stage            string
	Round            int
	DeltaText        string
	CumulativeTokens int
	CumulativeCost   float64
}

// StageCompletePayload reports a pipeline stage's final output.
type StageCompletePayload struct {
	ConversationID string
	Stage          string
	Round          int
	CharCount      int
	Duration       time.Duration
}

// ConsensusProgressPayload reports pipeline-level progress (stage transitions).
type ConsensusProgressPayload struct {
	ConversationID string
	CurrentStage   string
	Round          int
}

// ConsensusCompletePayload reports a finished pipeline run.
type ConsensusCompletePayload struct {
	ConversationID string
	ConsensusType  string
	TotalRounds    int
}

// ConsensusInterruptedPayload reports a cancelled pipeline run.
type ConsensusInterruptedPayload struct {
	ConversationID string
	AtStage        string
	Reason         string
}

// ConsensusFailedPayload reports an unrecoverable pipeline failure.
type ConsensusFailedPayload struct {
	ConversationID string
	Reason         string
}

// ExecutionPreviewPayload carries a computed plan preview (diffs, no writes).
type ExecutionPreviewPayload struct {
	PlanOverview string
	SafetyLevel  string
	DiffSummary  string
}

// ExecutionReportPayload carries a finished plan application's report.
type ExecutionReportPayload struct {
	PlanOverview string
	Applied      int
	Skipped      int
	Failed       int
	Undone       int
}

// QuotaExceededPayload reports a 403 quota-exceeded response from the Cost &
// Quota Authority.
type QuotaExceededPayload struct {
	Tier    string
	Message string
}

// FatalStoragePayload reports an unrecoverable Knowledge Store error.
type FatalStoragePayload struct {
	Operation string
	Err       string
}

// FileChangedPayload reports a workspace file-system change from the watcher.
type FileChangedPayload struct {
	Path string
	Op   string
}

// ConfigurationChangedPayload reports a reloaded configuration.
type ConfigurationChangedPayload struct {
	Path string
}

type subscriber struct {
	id      uint64
	kinds   map[Kind]bool // nil/empty means all kinds
	ch      chan Event
	handler func(Event)
	done    chan struct{}
}

// Bus is a typed, in-process event bus. Zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextSubID   uint64
	sequence    atomic.Uint64
	enabled     atomic.Bool
	bufferSize  int
}

// New creates a Bus with the given per-subscriber channel buffer size.
// A bufferSize <= 0 defaults to 64.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	b := &Bus{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  bufferSize,
	}
	b.enabled.Store(true)
	return b
}

// Enable activates dispatch.
func (b *Bus) Enable() { b.enabled.Store(true) }

// Disable deactivates dispatch; Emit becomes a no-op.
func (b *Bus) Disable() { b.enabled.Store(false) }

// Subscribe registers handler to be called, in a dedicated goroutine, for
// every event whose Kind is in kinds (or every kind if kinds is empty).
// Delivery to this subscriber is FIFO per kind and isolated from other
// subscribers: a panicking handler is recovered and logged, never crashes
// the bus or blocks other subscribers.
func (b *Bus) Subscribe(handler func(Event), kinds ...Kind) (unsubscribe func()) {
	kindSet := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	sub := &subscriber{
		id:      id,
		kinds:   kindSet,
		ch:      make(chan Event, b.bufferSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go b.dispatchLoop(sub)

	return func() { b.unsubscribe(id) }
}

func (b *Bus) dispatchLoop(sub *subscriber) {
	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			b.invoke(sub, ev)
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.EventBus("subscriber handler panicked on kind=%s: %v", ev.Kind, r)
		}
	}()
	sub.handler(ev)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Emit publishes an event of the given kind with the given payload. Subscribers
// whose channel is full have the event dropped for them (backpressure),
// logged at debug level; other subscribers still receive it.
func (b *Bus) Emit(kind Kind, payload interface{}) {
	if !b.enabled.Load() {
		return
	}

	ev := Event{
		ID:        b.sequence.Add(1),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if len(sub.kinds) > 0 && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			logging.EventBus("dropped event kind=%s id=%d: subscriber %d buffer full", kind, ev.ID, sub.id)
		}
	}
}

// Close unsubscribes every subscriber and stops dispatch.
func (b *Bus) Close() {
	b.Disable()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.done)
		delete(b.subscribers, id)
	}
}

// Stats reports current bus occupancy.
type Stats struct {
	Enabled         bool
	SubscriberCount int
	TotalEmitted    uint64
}

// Stats returns the bus's current statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Enabled:         b.enabled.Load(),
		SubscriberCount: len(b.subscribers),
		TotalEmitted:    b.sequence.Load(),
	}
}
