package models

// DeliveryStatus is the state of one event towards one peer.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	// DeliveryRejected means the peer dead-lettered the event; it is not retried.
	DeliveryRejected DeliveryStatus = "rejected"
)

// Done reports whether no further attempts will be made.
func (s DeliveryStatus) Done() bool {
	return s == DeliveryDelivered || s == DeliveryRejected
}

// EventDelivery tracks outbound delivery of a local event to one peer.
type EventDelivery struct {
	EventID       string         `db:"event_id" json:"eventId"`
	PeerNodeID    string         `db:"peer_node_id" json:"peerNodeId"`
	Status        DeliveryStatus `db:"status" json:"status"`
	Attempts      int            `db:"attempts" json:"attempts"`
	LastError     string         `db:"last_error" json:"lastError,omitempty"`
	NextAttemptAt int64          `db:"next_attempt_at" json:"nextAttemptAt"`
	UpdatedAt     int64          `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for EventDelivery.
func (EventDelivery) TableName() string {
	return "sync_event_deliveries"
}

// RecordHead is the event whose state is currently applied for a record.
// DELETE heads are kept as tombstones.
type RecordHead struct {
	Table        string      `db:"table_name" json:"tableName"`
	RecordID     string      `db:"record_id" json:"recordId"`
	EventID      string      `db:"event_id" json:"eventId"`
	SourceNodeID string      `db:"source_node_id" json:"sourceNodeId"`
	Operation    Operation   `db:"operation" json:"operation"`
	VectorClock  VectorClock `db:"vector_clock" json:"vectorClock"`
	LamportClock uint64      `db:"lamport_clock" json:"lamportClock,string"`
	Priority     int         `db:"priority" json:"priority"`
	UpdatedAt    int64       `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for RecordHead.
func (RecordHead) TableName() string {
	return "sync_record_heads"
}

// Stamp returns the causal stamp of the applied event.
func (h *RecordHead) Stamp() Stamp {
	return Stamp{
		EventID:      h.EventID,
		SourceNodeID: h.SourceNodeID,
		Operation:    h.Operation,
		VectorClock:  h.VectorClock,
		LamportClock: h.LamportClock,
		Priority:     h.Priority,
	}
}

// HeadFromEvent builds the head row an applied event produces.
func HeadFromEvent(e *ChangeEvent, now int64) *RecordHead {
	return &RecordHead{
		Table:        e.Table,
		RecordID:     e.RecordID,
		EventID:      e.EventID,
		SourceNodeID: e.SourceNodeID,
		Operation:    e.Operation,
		VectorClock:  e.VectorClock.Copy(),
		LamportClock: e.LamportClock,
		Priority:     e.Priority,
		UpdatedAt:    now,
	}
}
