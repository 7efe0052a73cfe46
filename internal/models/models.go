package models

// EventType classifies a captured error.
type EventType string

const (
	EventJavaScript         EventType = "javascript"
	EventUnhandledRejection EventType = "unhandled_rejection"
	EventResource           EventType = "resource"
	EventManual             EventType = "manual"
	EventAPI                EventType = "api"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventJavaScript, EventUnhandledRejection, EventResource, EventManual, EventAPI:
		return true
	}
	return false
}

// CapturedEvent is immutable once enqueued.
type CapturedEvent struct {
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Stack     string         `json:"stack,omitempty"`
	Timestamp int64          `json:"timestamp"` // epoch ms
	SessionID string         `json:"sessionId"`
	ErrorID   string         `json:"errorId"`
	URL       string         `json:"url,omitempty"`
	Context   map[string]any `json:"context,omitempty"` // arbitrary JSON
}

type SessionInfo struct {
	SessionID   string `json:"sessionId"`
	TotalErrors int    `json:"totalErrors"`
	URL         string `json:"url,omitempty"`
}

// ErrorBatch is the body of POST /api/analytics/errors.
type ErrorBatch struct {
	Errors      []CapturedEvent `json:"errors"`
	SessionInfo SessionInfo     `json:"sessionInfo"`
}

const (
	FunnelStarted       = "funnel_started"
	FunnelStepCompleted = "funnel_step_completed"
	FunnelCompleted     = "funnel_completed"
	FunnelAbandoned     = "funnel_abandoned"
)

// FunnelEvent is the flat body of POST /api/analytics/funnels. Fields that
// don't apply to Type are omitted.
type FunnelEvent struct {
	Type              string         `json:"type"`
	FunnelID          string         `json:"funnelId"`
	FunnelName        string         `json:"funnelName"`
	StepID            string         `json:"stepId,omitempty"`
	StepName          string         `json:"stepName,omitempty"`
	StepIndex         *int           `json:"stepIndex,omitempty"`
	TotalSteps        int            `json:"totalSteps,omitempty"`
	StepsCompleted    *int           `json:"stepsCompleted,omitempty"`
	LastCompletedStep string         `json:"lastCompletedStep,omitempty"`
	TimeFromStart     *int64         `json:"timeFromStart,omitempty"`
	CompletionTime    *int64         `json:"completionTime,omitempty"`
	TimeInFunnel      *int64         `json:"timeInFunnel,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Timestamp         int64          `json:"timestamp"`
	SessionID         string         `json:"sessionId"`
	Data              map[string]any `json:"data,omitempty"`
}

// Envelope is the response shape shared by the backend APIs.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
