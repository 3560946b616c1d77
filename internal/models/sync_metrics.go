package models

// SyncMetrics holds one node's additive counters for one calendar day.
type SyncMetrics struct {
	NodeID            string `db:"node_id" json:"nodeId"`
	Day               string `db:"day" json:"day"`
	EventsGenerated   int64  `db:"events_generated" json:"eventsGenerated"`
	EventsReceived    int64  `db:"events_received" json:"eventsReceived"`
	EventsProcessed   int64  `db:"events_processed" json:"eventsProcessed"`
	EventsFailed      int64  `db:"events_failed" json:"eventsFailed"`
	ConflictsDetected int64  `db:"conflicts_detected" json:"conflictsDetected"`
	ConflictsResolved int64  `db:"conflicts_resolved" json:"conflictsResolved"`
	LatencyTotalMs    int64  `db:"latency_total_ms" json:"latencyTotalMs"`
	LatencySamples    int64  `db:"latency_samples" json:"latencySamples"`
	BytesTransferred  int64  `db:"bytes_transferred" json:"bytesTransferred"`
	PeersConnected    int64  `db:"peers_connected" json:"peersConnected"`
	PeersDiscovered   int64  `db:"peers_discovered" json:"peersDiscovered"`
	BulkUntracked     int64  `db:"bulk_untracked" json:"bulkUntracked"`
	CausalGaps        int64  `db:"causal_gaps" json:"causalGaps"`
}

// TableName returns the table name for SyncMetrics.
func (SyncMetrics) TableName() string {
	return "sync_metrics"
}

// AverageLatencyMs returns the mean recorded latency, or 0 without samples.
func (m *SyncMetrics) AverageLatencyMs() float64 {
	if m.LatencySamples == 0 {
		return 0
	}
	return float64(m.LatencyTotalMs) / float64(m.LatencySamples)
}
