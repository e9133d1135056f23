// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each one is something significant that happened to a learner's progress.
const (
	EventXPCredited      EventType = "progress.xp_credited"
	EventDailyCapReached EventType = "progress.daily_cap_reached"
	EventStreakBroken    EventType = "progress.streak_broken"
	EventLearnerRemoved  EventType = "progress.learner_removed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventID uniquely identifies this occurrence.
	EventID() string

	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventID implements Event interface.
func (e BaseEvent) EventID() string { return e.ID }

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType { return e.Type }

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string { return e.AggregateId }

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XPCreditedEvent is emitted after every successful write of a learner's aggregate.
// It carries the full ranking standing so subscribers never need to read the store.
type XPCreditedEvent struct {
	BaseEvent
	LearnerID string        `json:"learner_id"`
	Version   uint64        `json:"version"`
	Source    string        `json:"source"`
	Nominal   int           `json:"nominal"`
	Credited  int           `json:"credited"`
	TotalXP   int           `json:"total_xp"`
	WeekStart timeutil.Date `json:"week_start"`
	WeeklyXP  int           `json:"weekly_xp"`
	EventDate timeutil.Date `json:"event_date"`
}

// Payload implements Event interface.
func (e XPCreditedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id": e.LearnerID,
		"version":    e.Version,
		"source":     e.Source,
		"nominal":    e.Nominal,
		"credited":   e.Credited,
		"total_xp":   e.TotalXP,
		"week_start": e.WeekStart.String(),
		"weekly_xp":  e.WeeklyXP,
		"event_date": e.EventDate.String(),
	}
}

// NewXPCreditedEvent creates a new XPCreditedEvent.
func NewXPCreditedEvent(learnerID string, version uint64, source string, nominal, credited, totalXP int, weekStart timeutil.Date, weeklyXP int, eventDate timeutil.Date) XPCreditedEvent {
	return XPCreditedEvent{
		BaseEvent: NewBaseEvent(EventXPCredited, learnerID),
		LearnerID: learnerID,
		Version:   version,
		Source:    source,
		Nominal:   nominal,
		Credited:  credited,
		TotalXP:   totalXP,
		WeekStart: weekStart,
		WeeklyXP:  weeklyXP,
		EventDate: eventDate,
	}
}

// DailyCapReachedEvent is emitted when a credit fills the learner's daily cap.
type DailyCapReachedEvent struct {
	BaseEvent
	LearnerID string        `json:"learner_id"`
	Cap       int           `json:"cap"`
	Date      timeutil.Date `json:"date"`
}

// Payload implements Event interface.
func (e DailyCapReachedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id": e.LearnerID,
		"cap":        e.Cap,
		"date":       e.Date.String(),
	}
}

// NewDailyCapReachedEvent creates a new DailyCapReachedEvent.
func NewDailyCapReachedEvent(learnerID string, cap int, date timeutil.Date) DailyCapReachedEvent {
	return DailyCapReachedEvent{
		BaseEvent: NewBaseEvent(EventDailyCapReached, learnerID),
		LearnerID: learnerID,
		Cap:       cap,
		Date:      date,
	}
}

// StreakBrokenEvent is emitted when a gap of more than one day restarts the streak.
type StreakBrokenEvent struct {
	BaseEvent
	LearnerID      string        `json:"learner_id"`
	PreviousStreak int           `json:"previous_streak"`
	LastActiveDate timeutil.Date `json:"last_active_date"`
}

// Payload implements Event interface.
func (e StreakBrokenEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id":       e.LearnerID,
		"previous_streak":  e.PreviousStreak,
		"last_active_date": e.LastActiveDate.String(),
	}
}

// NewStreakBrokenEvent creates a new StreakBrokenEvent.
func NewStreakBrokenEvent(learnerID string, previous int, lastActive timeutil.Date) StreakBrokenEvent {
	return StreakBrokenEvent{
		BaseEvent:      NewBaseEvent(EventStreakBroken, learnerID),
		LearnerID:      learnerID,
		PreviousStreak: previous,
		LastActiveDate: lastActive,
	}
}

// LearnerRemovedEvent is emitted after a learner's progress has been deleted.
type LearnerRemovedEvent struct {
	BaseEvent
	LearnerID string `json:"learner_id"`
}

// Payload implements Event interface.
func (e LearnerRemovedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"learner_id": e.LearnerID}
}

// NewLearnerRemovedEvent creates a new LearnerRemovedEvent.
func NewLearnerRemovedEvent(learnerID string) LearnerRemovedEvent {
	return LearnerRemovedEvent{
		BaseEvent: NewBaseEvent(EventLearnerRemoved, learnerID),
		LearnerID: learnerID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(ctx context.Context, event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
