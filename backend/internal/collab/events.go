package collab

import (
	"context"
	"encoding/json"
	"time"
)

const EventCalculationApplied = "CALCULATION_APPLIED"

// CalculationEvent is emitted once per applied result for external
// collaborators (persistence, analytics). Delivery is best effort.
type CalculationEvent struct {
	EventType          string          `json:"eventType"` // 固定 "CALCULATION_APPLIED"
	RoomID             string          `json:"roomId"`
	SubjectID          string          `json:"subjectId"`
	ComputationID      string          `json:"computationId"`
	CalculationVersion int64           `json:"calculationVersion"`
	RequesterID        string          `json:"requesterId"`
	Inputs             json.RawMessage `json:"inputs"`
	Result             json.RawMessage `json:"result"`
	Cached             bool            `json:"cached"`
	AppliedAt          time.Time       `json:"appliedAt"`
}

// ResultSink receives applied calculations. Implementations must not block for long.
type ResultSink interface {
	Publish(ctx context.Context, evt CalculationEvent) error
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(ctx context.Context, evt CalculationEvent) error

func (f SinkFunc) Publish(ctx context.Context, evt CalculationEvent) error { return f(ctx, evt) }
