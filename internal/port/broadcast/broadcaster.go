// Package broadcast defines the port for broadcasting real-time events to
// the viewers of a task.
package broadcast

import "context"

// Broadcaster fans events out to every viewer currently joined to a
// task's room. Viewers of the same task observe events in publish order;
// there is no ordering guarantee across different tasks.
type Broadcaster interface {
	// Publish sends a typed event to all members of the task's room.
	Publish(ctx context.Context, taskID, eventType string, payload any)
}
