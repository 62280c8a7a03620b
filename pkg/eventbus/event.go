package eventbus

import "time"

// Well-known topics.
const (
	TopicStateChanged      = "machine.state_changed"
	TopicFinished          = "machine.finished"
	TopicError             = "error"
	TopicRecovery          = "recovery.attempted"
	TopicCheckpointSaved   = "checkpoint.saved"
	TopicCheckpointLoaded  = "checkpoint.loaded"
	TopicProgress          = "exploration.progress"
	TopicExplorationDone   = "exploration.completed"
	TopicExplorationFailed = "exploration.failed"

	// AllTopics is the pseudo-topic used by SubscribeAll.
	AllTopics = "*"
)

// Event severity levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Event is a message delivered on the bus. Events are treated as immutable
// once emitted.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Topic is the event topic.
	Topic string `json:"topic"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SessionID is the associated exploration session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message,omitempty"`

	// Level is the event severity level.
	Level string `json:"level"`

	// Payload is event specific data.
	Payload any `json:"payload,omitempty"`
}

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		LevelInfo:    0,
		LevelWarning: 1,
		LevelError:   2,
	}
	floor := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= floor
	}
}

// FilterByTopic allows events whose topic is one of topics.
func FilterByTopic(topics ...string) EventFilter {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Topic]
	}
}

// FilterBySession allows events for one session.
func FilterBySession(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}
