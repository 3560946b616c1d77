// Package transport carries change events and peer advertisements between
// nodes over HTTP.
package transport

import (
	"encoding/json"
	"time"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

// Request headers.
const (
	HeaderNodeID          = "X-Sync-Node-Id"
	HeaderAuth            = "X-Sync-Auth"
	HeaderSchemaVersion   = "X-Sync-Schema-Version"
	HeaderSchemaHash      = "X-Sync-Schema-Hash"
	HeaderSchemaMigration = "X-Sync-Schema-Migration"
	HeaderSession         = "X-Sync-Session-Id"

	EncodingSnappy = "snappy"
)

// Per-event status values in a push response.
const (
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// WireEvent is the JSON form of a ChangeEvent inside a push batch.
type WireEvent struct {
	ID           string             `json:"id"`
	SourceNodeID string             `json:"sourceNodeId"`
	Table        string             `json:"table"`
	RecordID     string             `json:"recordId"`
	Operation    models.Operation   `json:"operation"`
	Data         json.RawMessage    `json:"data"`
	BeforeData   json.RawMessage    `json:"beforeData,omitempty"`
	Checksum     string             `json:"checksum,omitempty"`
	VectorClock  models.VectorClock `json:"vectorClock"`
	LamportClock uint64             `json:"lamportClock,string"`
	Priority     int                `json:"priority"`
	Metadata     models.Metadata    `json:"metadata,omitempty"`
	CreatedAt    int64              `json:"createdAt,omitempty"`
}

// FromEvent converts a logged event to its wire form.
func FromEvent(e *models.ChangeEvent) WireEvent {
	return WireEvent{
		ID:           e.EventID,
		SourceNodeID: e.SourceNodeID,
		Table:        e.Table,
		RecordID:     e.RecordID,
		Operation:    e.Operation,
		Data:         e.ChangeData,
		BeforeData:   e.BeforeData,
		Checksum:     e.Checksum,
		VectorClock:  e.VectorClock,
		LamportClock: e.LamportClock,
		Priority:     e.Priority,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt,
	}
}

// ToEvent converts a received wire event into an inbox entry. A missing
// checksum is computed from the data, so only a present checksum is an
// integrity check.
func (w WireEvent) ToEvent(now time.Time) (*models.ChangeEvent, error) {
	checksum := w.Checksum
	if checksum == "" {
		sum, err := models.ComputeChecksum(w.Data)
		if err != nil {
			return nil, err
		}
		checksum = sum
	}
	createdAt := w.CreatedAt
	if createdAt == 0 {
		createdAt = now.Unix()
	}
	metadata := w.Metadata
	if metadata == nil {
		metadata = models.Metadata{}
	}
	return &models.ChangeEvent{
		EventID:      w.ID,
		SourceNodeID: w.SourceNodeID,
		SourceSeq:    w.VectorClock.Get(w.SourceNodeID),
		Table:        w.Table,
		RecordID:     w.RecordID,
		Operation:    w.Operation,
		ChangeData:   w.Data,
		BeforeData:   w.BeforeData,
		VectorClock:  w.VectorClock,
		LamportClock: w.LamportClock,
		Checksum:     checksum,
		Priority:     w.Priority,
		Metadata:     metadata,
		Origin:       models.OriginRemote,
		CreatedAt:    createdAt,
		ReceivedAt:   now.Unix(),
	}, nil
}

// PushRequest is the body of POST /api/sync/events.
type PushRequest struct {
	SessionID    string      `json:"sessionId"`
	SourceNodeID string      `json:"sourceNodeId"`
	Events       []WireEvent `json:"events"`
}

// NewPushRequest wraps events into a batch.
func NewPushRequest(sessionID, source string, events []*models.ChangeEvent) *PushRequest {
	req := &PushRequest{SessionID: sessionID, SourceNodeID: source, Events: make([]WireEvent, 0, len(events))}
	for _, e := range events {
		req.Events = append(req.Events, FromEvent(e))
	}
	return req
}

// EventResult is the receiver's verdict on one event.
type EventResult struct {
	EventID string `json:"eventId"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Processed reports whether the receiver accepted the event.
func (r EventResult) Processed() bool {
	return r.Status == StatusProcessed
}

// Processed builds a success result.
func Processed(eventID string) EventResult {
	return EventResult{EventID: eventID, Status: StatusProcessed}
}

// Failed builds a failure result carrying the error code.
func Failed(eventID string, err error) EventResult {
	return EventResult{
		EventID: eventID,
		Status:  StatusFailed,
		Error:   err.Error(),
		Code:    string(apperrors.CodeOf(err)),
	}
}

// PushResponse is the body returned by POST /api/sync/events.
type PushResponse struct {
	Success        bool          `json:"success"`
	ProcessedCount int           `json:"processedCount"`
	TotalReceived  int           `json:"totalReceived"`
	Events         []EventResult `json:"events"`
}

// NewPushResponse tallies results. Success means every event was processed.
func NewPushResponse(results []EventResult) *PushResponse {
	resp := &PushResponse{TotalReceived: len(results), Events: results}
	if resp.Events == nil {
		resp.Events = []EventResult{}
	}
	for _, r := range results {
		if r.Processed() {
			resp.ProcessedCount++
		}
	}
	resp.Success = resp.ProcessedCount == resp.TotalReceived
	return resp
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Inbound is one decoded entry of a received batch. Err is set when the
// entry could not be decoded; EventID is best effort in that case.
type Inbound struct {
	EventID string
	Event   *models.ChangeEvent
	Err     error
}

// Batch is a received push after authentication and the schema gate.
type Batch struct {
	From      string
	SessionID string
	Bytes     int
	Events    []Inbound
}

// decodeBatch parses a push body. Entries that fail to decode are reported
// individually instead of failing the batch.
func decodeBatch(body []byte, now time.Time) (*PushRequest, []Inbound, error) {
	var raw struct {
		SessionID    string            `json:"sessionId"`
		SourceNodeID string            `json:"sourceNodeId"`
		Events       []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInvalid, "malformed push body", err)
	}

	req := &PushRequest{SessionID: raw.SessionID, SourceNodeID: raw.SourceNodeID}
	inbound := make([]Inbound, 0, len(raw.Events))
	for _, item := range raw.Events {
		var w WireEvent
		if err := json.Unmarshal(item, &w); err != nil {
			var partial struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(item, &partial)
			inbound = append(inbound, Inbound{
				EventID: partial.ID,
				Err:     apperrors.Wrap(apperrors.ErrInvalid, "malformed event", err),
			})
			continue
		}
		e, err := w.ToEvent(now)
		if err != nil {
			inbound = append(inbound, Inbound{EventID: w.ID, Err: err})
			continue
		}
		inbound = append(inbound, Inbound{EventID: w.ID, Event: e})
	}
	return req, inbound, nil
}
