package executor

import "time"

// EventType enumerates the streaming protocol's event kinds.
type EventType string

const (
	EventStart    EventType = "start"
	EventStatus   EventType = "status"
	EventSetup    EventType = "setup"
	EventOutput   EventType = "output"
	EventExit     EventType = "exit"
	EventTimeout  EventType = "timeout"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Event is one streaming protocol message. Fields beyond the first
// three are type-specific and omitted when empty.
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   float64   `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`

	// status and setup
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// output
	Data     string `json:"data,omitempty"`
	FD       string `json:"fd,omitempty"`
	Encoding string `json:"encoding,omitempty"`

	// exit
	ExitCode *int `json:"exit_code,omitempty"`

	// terminals
	ExecutionTime float64 `json:"execution_time,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Terminal reports whether this event ends the stream. Every accepted
// execution produces exactly one terminal event.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventTimeout, EventError:
		return true
	}
	return false
}

func newEvent(t EventType, execID string) Event {
	return Event{
		Type:        t,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
		ExecutionID: execID,
	}
}
