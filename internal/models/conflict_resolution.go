package models

import "time"

// ConflictType classifies a conflict from the operation pair.
type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "UPDATE_UPDATE"
	ConflictUpdateDelete ConflictType = "UPDATE_DELETE"
	ConflictDeleteUpdate ConflictType = "DELETE_UPDATE"
	ConflictCreateCreate ConflictType = "CREATE_CREATE"
	ConflictConstraint   ConflictType = "CONSTRAINT"
)

// StrategyPriorityThenTimestamp is the only resolution strategy.
const StrategyPriorityThenTimestamp = "PRIORITY_THEN_TIMESTAMP"

// ConflictResolution is the append-only audit record of one resolved conflict.
type ConflictResolution struct {
	ID                 string       `db:"id" json:"id"`
	Table              string       `db:"table_name" json:"tableName"`
	RecordID           string       `db:"record_id" json:"recordId"`
	ConflictType       ConflictType `db:"conflict_type" json:"conflictType"`
	WinningEventID     string       `db:"winning_event_id" json:"winningEventId"`
	LosingEventIDs     []string     `db:"losing_event_ids" json:"losingEventIds"`
	ResolutionStrategy string       `db:"resolution_strategy" json:"resolutionStrategy"`
	CreatedAt          int64        `db:"created_at" json:"timestamp"`
}

// TableName returns the table name for ConflictResolution.
func (ConflictResolution) TableName() string {
	return "sync_conflict_resolutions"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (c *ConflictResolution) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}
