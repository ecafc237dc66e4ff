// Package events publishes run lifecycle events.
//
// Every run emits run.started followed by exactly one of run.finished,
// run.cancelled or run.failed. Each model that reaches a final state emits
// one model.* event. Events for a run share the workflow ID as their
// partition key so consumers see them in order.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	RunStarted          = "run.started"
	RunFinished         = "run.finished"
	RunCancelled        = "run.cancelled"
	RunFailed           = "run.failed"
	ModelCompleted      = "model.completed"
	ModelFailed         = "model.failed"
	ModelAncestorFailed = "model.ancestor_failed"
)

// Event is the JSON envelope written for every lifecycle change.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Subject   string                 `json:"subject,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ToJSON marshals the event.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Run identifies the run an event belongs to.
type Run struct {
	TeamID     int64
	WorkflowID string
	RunID      string
}

// NewEvent builds an event for the run with a fresh ID. data may be nil.
func (r Run) NewEvent(eventType string, data map[string]interface{}) Event {
	payload := map[string]interface{}{
		"team_id":     r.TeamID,
		"workflow_id": r.WorkflowID,
		"run_id":      r.RunID,
	}
	for k, v := range data {
		payload[k] = v
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "modelrun",
		Timestamp: time.Now().UTC(),
		Subject:   r.WorkflowID,
		Data:      payload,
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
