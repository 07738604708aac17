package models

import "time"

// EventKind is the discriminant tag carried by every event's payload and used
// as the `type` field on the wire.
type EventKind string

const (
	EventOrchestratorStatus    EventKind = "orchestrator_status"
	EventPhaseChange           EventKind = "phase_change"
	EventBatchStart            EventKind = "batch_start"
	EventBatchComplete         EventKind = "batch_complete"
	EventTriageUpdate          EventKind = "triage_update"
	EventPlannerUpdate         EventKind = "planner_update"
	EventWorkerUpdate          EventKind = "worker_update"
	EventReviewUpdate          EventKind = "review_update"
	EventTranscriptLine        EventKind = "transcript_line"
	EventPRCreated             EventKind = "pr_created"
	EventMergeUpdate           EventKind = "merge_update"
	EventHITLEscalation        EventKind = "hitl_escalation"
	EventHITLUpdate            EventKind = "hitl_update"
	EventQueueUpdate           EventKind = "queue_update"
	EventBackgroundWorkerStatus EventKind = "background_worker_status"
	EventMetricsUpdate         EventKind = "metrics_update"
	EventSystemAlert           EventKind = "system_alert"
	EventError                 EventKind = "error"
	EventPipelineUpdate        EventKind = "pipeline_update"
	EventIntentCreated         EventKind = "intent_created"
	EventIntentFailed          EventKind = "intent_failed"
	EventGap                   EventKind = "gap"
)

// Event is a single immutable record in the bus's append-only log. Ids are
// strictly increasing across a process lifetime; payloads are immutable once
// emitted. Data is one of the typed payload structs in payloads.go, kept as
// `any` at the bus boundary so the bus itself stays polymorphic over kinds.
type Event struct {
	ID        uint64    `json:"id"`
	Type      EventKind `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// BasePayload is the common header every typed payload struct embeds, mostly
// for documentation purposes since Event already carries Type/Timestamp —
// handlers that pull typed payload structs out of an Event's Data field use
// this to self-describe once serialized standalone (e.g. in tests).
type BasePayload struct {
	Type      EventKind `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
