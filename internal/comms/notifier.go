package comms

import (
	"context"
	"log"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/queue/streams"
)

// StreamNotifier publishes committed action lifecycle changes.
type StreamNotifier struct {
	pub    streams.Publisher
	stream string
	logger *log.Logger
}

// NewStreamNotifier builds a crm.Notifier over pub.
func NewStreamNotifier(pub streams.Publisher, stream string, logger *log.Logger) *StreamNotifier {
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)
	}
	return &StreamNotifier{pub: pub, stream: stream, logger: logger}
}

type lifecyclePayload struct {
	ActionID            string            `json:"action_id"`
	OpportunityID       string            `json:"opportunity_id"`
	Type                crm.ActionType    `json:"type"`
	Status              crm.ActionStatus  `json:"status"`
	Priority            int               `json:"priority,omitempty"`
	Reasoning           string            `json:"reasoning,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	ResultingActivities []crm.ActivityRef `json:"resulting_activities,omitempty"`
}

// ActionChanged never fails the caller; publish errors are logged.
func (n *StreamNotifier) ActionChanged(ctx context.Context, event string, a crm.ProposedAction) {
	payload := lifecyclePayload{
		ActionID:            a.ID,
		OpportunityID:       a.OpportunityID,
		Type:                a.Type,
		Status:              a.Status,
		Priority:            a.Priority,
		Reasoning:           a.Reasoning,
		FailureReason:       a.FailureReason,
		ResultingActivities: a.ResultingActivities,
	}
	if _, err := streams.PublishRaw(ctx, n.pub, n.stream, event, payload, a.OpportunityID, a.ID); err != nil {
		n.logger.Printf("publish %s for action %s failed: %v", event, a.ID, err)
	}
}
