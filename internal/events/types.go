// internal/events/types.go
package events

import (
	"time"

	"github.com/Yuphix/fafnir-sub000/internal/competition"
	"github.com/Yuphix/fafnir-sub000/internal/strategy"
)

// EventType represents the type of event.
type EventType string

const (
	// Session events
	SessionStatusChanged EventType = "session.status"

	// Trade events
	TradeExecuted    EventType = "trade.executed"
	TradeFailed      EventType = "trade.failed"
	PartialExecution EventType = "trade.partial"

	// Engine events
	CompetitionChanged EventType = "competition.changed"
	TickCompleted      EventType = "tick.completed"

	// All subscribes a handler to every event type.
	All EventType = "*"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType `json:"type"`
	EventTime time.Time `json:"timestamp"`
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// NewBase stamps an event of type t with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// SessionStatusEvent is emitted when a session is assigned, stopped,
// reconfigured, activated or recovered.
type SessionStatusEvent struct {
	BaseEvent
	Wallet    string `json:"wallet"`
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
	Status    string `json:"status"`
	Active    bool   `json:"active"`
}

// TradeEvent carries one executed or failed trade result.
type TradeEvent struct {
	BaseEvent
	SessionID string               `json:"session_id"`
	Result    strategy.TradeResult `json:"result"`
}

// PartialExecutionEvent is the alert for an attempt that stopped after at
// least one leg was filled. Funds may be stranded in an intermediate token.
type PartialExecutionEvent struct {
	BaseEvent
	AttemptID   string `json:"attempt_id"`
	Strategy    string `json:"strategy"`
	Wallet      string `json:"wallet"`
	FailedLeg   int    `json:"failed_leg"`
	FilledLegs  int    `json:"filled_legs"`
	StrandedIn  string `json:"stranded_in"`
	StrandedAmt string `json:"stranded_amount"`
	Error       string `json:"error"`
}

// CompetitionEvent is emitted when the competition level changes.
type CompetitionEvent struct {
	BaseEvent
	Previous        competition.Level `json:"previous"`
	Level           competition.Level `json:"level"`
	Signatures      int               `json:"signatures"`
	Recommendations []string          `json:"recommendations"`
}

// TickEvent summarizes one orchestrator tick.
type TickEvent struct {
	BaseEvent
	Tick      uint64        `json:"tick"`
	Duration  time.Duration `json:"duration"`
	Sessions  int           `json:"sessions"`
	Activated int           `json:"activated"`
	Executed  int           `json:"executed"`
	Failed    int           `json:"failed"`
}
