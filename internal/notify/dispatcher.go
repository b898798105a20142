// internal/notify/dispatcher.go
package notify

import (
	"context"

	"shiftmatch/internal/models"
)

// Dispatcher receives fire-and-forget lifecycle events. Delivery failures
// are the dispatcher's concern, never the caller's: implementations must
// not return errors into the core's transition paths.
type Dispatcher interface {
	AssignmentStateChanged(ctx context.Context, assignmentID string, oldStatus, newStatus models.AssignmentStatus)
	EscrowSettled(ctx context.Context, assignmentID string, outcome models.EscrowStatus)
}

// NopDispatcher discards all events.
type NopDispatcher struct{}

func (NopDispatcher) AssignmentStateChanged(context.Context, string, models.AssignmentStatus, models.AssignmentStatus) {
}

func (NopDispatcher) EscrowSettled(context.Context, string, models.EscrowStatus) {}
