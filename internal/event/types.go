package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// ProjectEvent records a project root being added to or removed from the watch set.
type ProjectEvent struct {
	EventType   string    `json:"type"`
	Path        string    `json:"path"`
	Directories int       `json:"directories"`
	OccurredAt  time.Time `json:"timestamp"`
}

const (
	ProjectRegistered   = "project_registered"
	ProjectUnregistered = "project_unregistered"
)

func NewProjectEvent(eventType, path string, directories int) ProjectEvent {
	return ProjectEvent{
		EventType:   eventType,
		Path:        path,
		Directories: directories,
		OccurredAt:  time.Now().UTC(),
	}
}

func (e ProjectEvent) Type() string {
	return e.EventType
}

func (e ProjectEvent) Timestamp() time.Time {
	return e.OccurredAt
}
