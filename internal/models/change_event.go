package models

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// Operation is the kind of mutation a ChangeEvent records.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpUpsert Operation = "UPSERT"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpUpsert:
		return true
	}
	return false
}

// Origin tells whether an event was captured here or received from a peer.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Outcome records what processing did with an event.
type Outcome string

const (
	OutcomePending Outcome = ""
	// OutcomeApplied events changed the local store.
	OutcomeApplied Outcome = "applied"
	// OutcomeSuperseded events were causally older than the applied state.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeDiscarded events lost a conflict.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeExcluded events referenced a table that is never synced.
	OutcomeExcluded Outcome = "excluded"
)

// Metadata is a free-form string map persisted as JSON.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into Metadata", value)
	}
	out := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("invalid metadata: %w", err)
		}
	}
	*m = Metadata(out)
	return nil
}

// ChangeEvent is a durable record of one mutation.
type ChangeEvent struct {
	EventID         string          `db:"event_id" json:"eventId"`
	SourceNodeID    string          `db:"source_node_id" json:"sourceNodeId"`
	SourceSeq       uint64          `db:"source_seq" json:"sourceSeq"`
	Table           string          `db:"table_name" json:"tableName"`
	RecordID        string          `db:"record_id" json:"recordId"`
	Operation       Operation       `db:"operation" json:"operation"`
	ChangeData      json.RawMessage `db:"change_data" json:"changeData"`
	BeforeData      json.RawMessage `db:"before_data" json:"beforeData,omitempty"`
	VectorClock     VectorClock     `db:"vector_clock" json:"vectorClock"`
	LamportClock    uint64          `db:"lamport_clock" json:"lamportClock,string"`
	Checksum        string          `db:"checksum" json:"checksum"`
	Priority        int             `db:"priority" json:"priority"`
	Metadata        Metadata        `db:"metadata" json:"metadata,omitempty"`
	Origin          Origin          `db:"origin" json:"origin"`
	Outcome         Outcome         `db:"outcome" json:"outcome,omitempty"`
	Processed       bool            `db:"processed" json:"processed"`
	ProcessedAt     int64           `db:"processed_at" json:"processedAt,omitempty"`
	RetryCount      int             `db:"retry_count" json:"retryCount"`
	ProcessingError string          `db:"processing_error" json:"processingError,omitempty"`
	DeadLettered    bool            `db:"dead_lettered" json:"deadLettered"`
	CreatedAt       int64           `db:"created_at" json:"createdAt"`
	ReceivedAt      int64           `db:"received_at" json:"receivedAt"`
}

// TableName returns the table name for ChangeEvent.
func (ChangeEvent) TableName() string {
	return "sync_events"
}

// Key returns the (table, record) key the event mutates.
func (e *ChangeEvent) Key() RecordKey {
	return RecordKey{Table: e.Table, RecordID: e.RecordID}
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *ChangeEvent) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// Stamp returns the causal stamp used by conflict detection.
func (e *ChangeEvent) Stamp() Stamp {
	return Stamp{
		EventID:      e.EventID,
		SourceNodeID: e.SourceNodeID,
		Operation:    e.Operation,
		VectorClock:  e.VectorClock,
		LamportClock: e.LamportClock,
		Priority:     e.Priority,
	}
}

// RecordKey identifies one business row.
type RecordKey struct {
	Table    string
	RecordID string
}

// String returns "table/recordId".
func (k RecordKey) String() string {
	return k.Table + "/" + k.RecordID
}

// Stamp carries the fields that order events for one record.
type Stamp struct {
	EventID      string
	SourceNodeID string
	Operation    Operation
	VectorClock  VectorClock
	LamportClock uint64
	Priority     int
}

// ComputeChecksum returns the SHA-256 hex digest of the compacted JSON data.
// Compacting first keeps the digest stable across re-encoding on the wire.
func ComputeChecksum(data json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := json.Compact(&buf, data); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "change data is not valid JSON", err)
	}
	hash := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(hash[:]), nil
}

// VerifyChecksum checks e.Checksum against e.ChangeData.
func (e *ChangeEvent) VerifyChecksum() error {
	sum, err := ComputeChecksum(e.ChangeData)
	if err != nil {
		return err
	}
	if sum != e.Checksum {
		return apperrors.Newf(apperrors.ErrSyncChecksumMismatch,
			"checksum mismatch for event %s: got %s, computed %s", e.EventID, e.Checksum, sum)
	}
	return nil
}
