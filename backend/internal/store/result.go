package store

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"calcsync/backend/internal/collab"
	"calcsync/backend/internal/protocol"
)

// ResultStore keeps the history of applied calculations. It is a
// collab.ResultSink; sync falls back to it when a room has no results in memory.
type ResultStore struct {
	db *gorm.DB
}

func NewResultStore(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

func (r *ResultStore) Publish(ctx context.Context, evt collab.CalculationEvent) error {
	if r.db == nil {
		return nil
	}
	rec := toRecord(evt)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// 同一版本重复写入（重试 / 多个 sink）视为成功
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

// Latest returns the newest result for every computation of a room.
func (r *ResultStore) Latest(ctx context.Context, roomID string) ([]protocol.CalculationResult, error) {
	if r.db == nil {
		return nil, nil
	}
	sub := r.db.Model(&CalculationRecord{}).
		Select("MAX(id)").
		Where("room_id = ?", roomID).
		Group("computation_id")
	var recs []CalculationRecord
	err := r.db.WithContext(ctx).
		Where("id IN (?)", sub).
		Order("computation_id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]protocol.CalculationResult, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toResult())
	}
	return out, nil
}

func toRecord(evt collab.CalculationEvent) CalculationRecord {
	return CalculationRecord{
		RoomID:             evt.RoomID,
		ComputationID:      evt.ComputationID,
		CalculationVersion: evt.CalculationVersion,
		SubjectID:          evt.SubjectID,
		RequesterID:        evt.RequesterID,
		Inputs:             []byte(evt.Inputs),
		Result:             []byte(evt.Result),
		Cached:             evt.Cached,
		AppliedAt:          evt.AppliedAt,
	}
}

func (rec CalculationRecord) toResult() protocol.CalculationResult {
	return protocol.CalculationResult{
		Type:               protocol.TypeCalculationResult,
		RoomID:             rec.RoomID,
		ComputationID:      rec.ComputationID,
		Result:             json.RawMessage(rec.Result),
		CalculationVersion: rec.CalculationVersion,
		RequesterID:        rec.RequesterID,
		Cached:             rec.Cached,
	}
}
