package payments

import (
	"context"
	"time"
)

// ResolutionMessage is published exactly once per attempt, when it reaches a
// terminal status. The notification worker consumes it and tells the payer.
type ResolutionMessage struct {
	AttemptID     string    `json:"attemptId"`
	CorrelationID string    `json:"correlationId"`
	Method        Method    `json:"method"`
	Status        Status    `json:"status"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PayerContact  string    `json:"payerContact"`
	SubjectRef    string    `json:"subjectRef"`
	Reason        string    `json:"reason,omitempty"`
	ResolvedAt    time.Time `json:"resolvedAt"`
}

// ResolutionPublisher hands resolution events to the notification
// collaborator. Publish failures must not unwind the state transition that
// produced them.
type ResolutionPublisher interface {
	PublishResolution(ctx context.Context, msg ResolutionMessage) error
}
