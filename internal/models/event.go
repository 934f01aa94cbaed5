package models

import "time"

// TaskStatusEvent describes one task status change. The gateway's
// TaskEventPoller broadcasts it to the supplemental /ws/tasks stream when it
// sees a task's status or tick change in the fast store; StatusManager also
// hands one to its event sink after each successful publish.
type TaskStatusEvent struct {
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	Tick          *int      `json:"tick,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
