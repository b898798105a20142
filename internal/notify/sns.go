// internal/notify/sns.go
package notify

import (
	"context"
	"encoding/json"
	"time"

	commonaws "shiftmatch/internal/common/aws"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/models"
)

const (
	eventAssignmentStateChanged = "assignment.state_changed"
	eventEscrowSettled          = "escrow.settled"
)

type snsEvent struct {
	Type         string `json:"type"`
	AssignmentID string `json:"assignmentId"`
	OldStatus    string `json:"oldStatus,omitempty"`
	NewStatus    string `json:"newStatus,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// SNSDispatcher publishes lifecycle events to an SNS topic. Publish
// failures are logged and dropped; downstream consumers own delivery.
type SNSDispatcher struct {
	client   *commonaws.SNSClient
	topicARN string
	logger   logger.Logger
}

func NewSNSDispatcher(ctx context.Context, region, topicARN string, log logger.Logger) (*SNSDispatcher, error) {
	client, err := commonaws.NewSNSClient(ctx, region)
	if err != nil {
		return nil, err
	}
	return &SNSDispatcher{
		client:   client,
		topicARN: topicARN,
		logger:   log.WithFields(map[string]interface{}{"component": "sns-dispatcher"}),
	}, nil
}

func (d *SNSDispatcher) AssignmentStateChanged(ctx context.Context, assignmentID string, oldStatus, newStatus models.AssignmentStatus) {
	d.publish(ctx, snsEvent{
		Type:         eventAssignmentStateChanged,
		AssignmentID: assignmentID,
		OldStatus:    string(oldStatus),
		NewStatus:    string(newStatus),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *SNSDispatcher) EscrowSettled(ctx context.Context, assignmentID string, outcome models.EscrowStatus) {
	d.publish(ctx, snsEvent{
		Type:         eventEscrowSettled,
		AssignmentID: assignmentID,
		Outcome:      string(outcome),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *SNSDispatcher) publish(ctx context.Context, ev snsEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to marshal event", map[string]interface{}{"error": err})
		return
	}

	if _, err := d.client.PublishMessage(ctx, d.topicARN, string(body)); err != nil {
		d.logger.Error("failed to publish event", map[string]interface{}{
			"type":         ev.Type,
			"assignmentId": ev.AssignmentID,
			"error":        err,
		})
	}
}
