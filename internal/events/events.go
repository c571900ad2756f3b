// Package events carries lifecycle events from the download manager and the
// inference engine to interested observers.
package events

// Event represents a lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// NoopPublisher drops events; it is the default everywhere.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
