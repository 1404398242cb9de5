package task

import (
	"encoding/json"
	"time"
)

// EventType identifies an entry in the Task Registry's append-only event log.
type EventType string

const (
	EventTaskCreated    EventType = "TaskCreated"
	EventTaskReady      EventType = "TaskReady"
	EventTaskAssigned   EventType = "TaskAssigned"
	EventTaskCompleted  EventType = "TaskCompleted"
	EventTaskFailed     EventType = "TaskFailed"
	EventRunnerStarted  EventType = "RunnerStarted"
	EventRunnerFinished EventType = "RunnerFinished"
)

// Event is one record in the event log.
type Event struct {
	Type      EventType      `json:"event_type"`
	SpecName  string         `json:"spec_name"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType EventType, specName, taskID string, details map[string]any) *Event {
	return &Event{
		Type:      eventType,
		SpecName:  specName,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}

// ToJSONL serialises the event as a single JSON line.
func (e *Event) ToJSONL() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EventFromJSONL parses one line of the event log.
func EventFromJSONL(line string) (*Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
