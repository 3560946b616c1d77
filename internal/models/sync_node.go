package models

import (
	"net"
	"strconv"
	"time"
)

// SyncNode is a peer (or the local node) as recorded in the directory.
// The JSON form is the peer record exchanged by heartbeats and the shared
// directory.
type SyncNode struct {
	NodeID          string      `db:"node_id" json:"nodeId"`
	NodeName        string      `db:"node_name" json:"nodeName"`
	IPAddress       string      `db:"ip_address" json:"ipAddress"`
	Port            int         `db:"port" json:"port"`
	IsActive        bool        `db:"is_active" json:"isActive"`
	IsLocal         bool        `db:"is_local" json:"-"`
	LastSeen        int64       `db:"last_seen" json:"lastSeen"`
	SchemaVersion   string      `db:"schema_version" json:"schemaVersion"`
	SchemaHash      string      `db:"schema_hash" json:"schemaHash"`
	MigrationName   string      `db:"migration_name" json:"migrationName"`
	SchemaAppliedAt int64       `db:"schema_applied_at" json:"schemaAppliedAt"`
	Priority        int         `db:"priority" json:"priority"`
	VectorClock     VectorClock `db:"vector_clock" json:"-"`
	LamportClock    uint64      `db:"lamport_clock" json:"-"`
	CreatedAt       int64       `db:"created_at" json:"-"`
	UpdatedAt       int64       `db:"updated_at" json:"-"`
}

// TableName returns the table name for SyncNode.
func (SyncNode) TableName() string {
	return "sync_nodes"
}

// Address returns host:port.
func (n *SyncNode) Address() string {
	return net.JoinHostPort(n.IPAddress, strconv.Itoa(n.Port))
}

// BaseURL returns the HTTP base URL of the node.
func (n *SyncNode) BaseURL() string {
	return "http://" + n.Address()
}

// LastSeenTime returns the LastSeen as time.Time.
func (n *SyncNode) LastSeenTime() time.Time {
	return time.Unix(n.LastSeen, 0)
}

// IsLive reports whether the node is flagged active and was seen within window.
func (n *SyncNode) IsLive(now time.Time, window time.Duration) bool {
	return n.IsActive && now.Sub(n.LastSeenTime()) <= window
}
