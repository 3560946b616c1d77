package sync

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/events"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/applier"
	"github.com/kimhsiao/nodesync/internal/sync/capture"
	"github.com/kimhsiao/nodesync/internal/sync/clock"
	"github.com/kimhsiao/nodesync/internal/sync/conflict"
	"github.com/kimhsiao/nodesync/internal/sync/discovery"
	"github.com/kimhsiao/nodesync/internal/sync/eventlog"
	"github.com/kimhsiao/nodesync/internal/sync/keylock"
	"github.com/kimhsiao/nodesync/internal/sync/metrics"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
	"github.com/kimhsiao/nodesync/internal/sync/transport"
)

// SyncStatus represents the sync state towards one peer.
type SyncStatus string

const (
	SyncStatusIdle         SyncStatus = "idle"
	SyncStatusSyncing      SyncStatus = "syncing"
	SyncStatusFailed       SyncStatus = "failed"
	SyncStatusIncompatible SyncStatus = "incompatible"
)

// Defaults applied by NewEngine.
const (
	DefaultBatchSize  = 100
	DefaultMaxRetries = 5
	DefaultRetryBase  = 2 * time.Second
)

// Options tunes the engine.
type Options struct {
	NodeID         string
	BatchSize      int
	MaxRetries     int
	LivenessWindow time.Duration
	// RetryBase is the first delay of the per-peer delivery backoff.
	RetryBase time.Duration
}

// Deps are the collaborators the engine wires together.
type Deps struct {
	Clock     *clock.Manager
	Schema    *schema.Manager
	Directory *discovery.Directory
	Tables    *capture.TableFilter
	Registry  *applier.Registry
	Client    Pusher
	Events    EventSink
	// Locks is shared with the capture interceptor. Nil creates a private
	// locker.
	Locks *keylock.Locker
}

// SyncResult summarizes one push to one peer.
type SyncResult struct {
	PeerID    string        `json:"peerId"`
	Sent      int           `json:"sent"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Rejected  int           `json:"rejected"`
	Bytes     int           `json:"bytes"`
	Completed int64         `json:"completed"`
	Duration  time.Duration `json:"duration"`
}

// PeerStatus is the engine's view of one peer.
type PeerStatus struct {
	NodeID    string      `json:"nodeId"`
	Status    SyncStatus  `json:"status"`
	LastSync  *time.Time  `json:"lastSync,omitempty"`
	LastError string      `json:"lastError,omitempty"`
	Last      *SyncResult `json:"last,omitempty"`
}

// Engine processes received events and pushes local ones.
type Engine struct {
	db       *db.DB
	opts     Options
	clock    *clock.Manager
	schema   *schema.Manager
	dir      *discovery.Directory
	tables   *capture.TableFilter
	registry *applier.Registry
	client   Pusher
	sink     EventSink
	resolver *conflict.Resolver
	locks    *keylock.Locker
	recorder *metrics.Recorder
	now      func() time.Time

	mu    gosync.RWMutex
	peers map[string]*PeerStatus
}

var _ SyncEngineInterface = (*Engine)(nil)
var _ transport.Receiver = (*Engine)(nil)

// NewEngine creates an engine. New peers recorded by the directory are
// counted and announced.
func NewEngine(d *db.DB, deps Deps, opts Options) *Engine {
	if opts.NodeID == "" {
		opts.NodeID = deps.Clock.NodeID()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = discovery.DefaultLivenessWindow
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	if deps.Events == nil {
		// a nil hub drops every event
		deps.Events = (*events.Hub)(nil)
	}

	e := &Engine{
		db:       d,
		opts:     opts,
		clock:    deps.Clock,
		schema:   deps.Schema,
		dir:      deps.Directory,
		tables:   deps.Tables,
		registry: deps.Registry,
		client:   deps.Client,
		sink:     deps.Events,
		resolver: conflict.NewResolver(),
		locks:    deps.Locks,
		recorder: metrics.NewRecorder(d, opts.NodeID),
		now:      time.Now,
		peers:    map[string]*PeerStatus{},
	}
	e.dir.OnDiscovered(e.peerDiscovered)
	return e
}

func (e *Engine) log(q db.Querier) *eventlog.Store {
	return eventlog.New(q).WithClock(e.now)
}

func (e *Engine) peerDiscovered(ctx context.Context, n *models.SyncNode) {
	logging.Info("Discovered peer", map[string]interface{}{
		"peer":    n.NodeID,
		"address": n.Address(),
	})
	if err := e.recorder.Increment(ctx, metrics.Counters{PeersDiscovered: 1}); err != nil {
		logging.Error("Failed to count discovered peer", err, map[string]interface{}{"peer": n.NodeID})
	}
	e.sink.BroadcastPeerDiscovered(n.NodeID, n.Address())
}

// =====================================================
// Membership
// =====================================================

// Self returns the local node record as advertised to peers.
func (e *Engine) Self(ctx context.Context) (*models.SyncNode, error) {
	self, found, err := e.dir.Local(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.New(apperrors.ErrNotFound, "local node not registered")
	}
	self.IsActive = true
	self.LastSeen = e.now().Unix()
	return self, nil
}

// HandleHeartbeat records a peer advertisement and answers with the local
// record. Incompatible peers are recorded too; the push cycle skips them.
func (e *Engine) HandleHeartbeat(ctx context.Context, peer *models.SyncNode) (*models.SyncNode, error) {
	if peer.NodeID == e.opts.NodeID {
		return nil, apperrors.New(apperrors.ErrInvalid, "heartbeat from own node id")
	}
	peer.IsActive = true
	peer.LastSeen = e.now().Unix()
	if _, err := e.dir.Upsert(ctx, peer); err != nil {
		return nil, err
	}
	if res := e.schema.CheckNode(peer); !res.Status.Syncable() {
		e.markIncompatible(peer.NodeID, res)
	}
	return e.Self(ctx)
}

// HandleLeave marks a departing peer inactive. Its row stays, and its next
// heartbeat reactivates it.
func (e *Engine) HandleLeave(ctx context.Context, nodeID string) error {
	if nodeID == e.opts.NodeID {
		return apperrors.New(apperrors.ErrInvalid, "departure from own node id")
	}
	if err := e.dir.MarkInactive(ctx, nodeID); err != nil {
		return err
	}
	logging.Info("Peer left", map[string]interface{}{"peer": nodeID})
	return nil
}

// TargetPeers returns active peers whose schema allows sync.
func (e *Engine) TargetPeers(ctx context.Context) ([]*models.SyncNode, error) {
	active, err := e.dir.ListActive(ctx, e.opts.LivenessWindow)
	if err != nil {
		return nil, err
	}
	targets := make([]*models.SyncNode, 0, len(active))
	for _, p := range active {
		res := e.schema.CheckNode(p)
		if !res.Status.Syncable() {
			e.markIncompatible(p.NodeID, res)
			continue
		}
		targets = append(targets, p)
	}
	return targets, nil
}

// markIncompatible records the peer as excluded and announces it once per
// transition.
func (e *Engine) markIncompatible(nodeID string, res schema.Result) {
	e.mu.Lock()
	st := e.peerLocked(nodeID)
	changed := st.Status != SyncStatusIncompatible
	st.Status = SyncStatusIncompatible
	st.LastError = res.Reason
	e.mu.Unlock()

	if changed {
		logging.Warn("Peer schema incompatible, excluded from sync", map[string]interface{}{
			"peer":   nodeID,
			"status": string(res.Status),
			"reason": res.Reason,
		})
		e.sink.BroadcastPeerIncompatible(nodeID, string(res.Status), res.Reason)
	}
}

func (e *Engine) peerLocked(nodeID string) *PeerStatus {
	st, ok := e.peers[nodeID]
	if !ok {
		st = &PeerStatus{NodeID: nodeID, Status: SyncStatusIdle}
		e.peers[nodeID] = st
	}
	return st
}

// PeerStatus returns a copy of the per-peer state, ordered by node id.
func (e *Engine) PeerStatus() []PeerStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PeerStatus, 0, len(e.peers))
	for _, st := range e.peers {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// =====================================================
// Reporting
// =====================================================

// StatusReport is the body of GET /api/sync/status.
type StatusReport struct {
	NodeID       string                    `json:"nodeId"`
	VectorClock  models.VectorClock        `json:"vectorClock"`
	LamportClock uint64                    `json:"lamportClock,string"`
	Schema       schema.Identity           `json:"schema"`
	Events       eventlog.Stats            `json:"events"`
	Deliveries   map[string]int            `json:"deliveries"`
	Progress     []eventlog.SourceProgress `json:"progress"`
	ActivePeers  []*models.SyncNode        `json:"activePeers"`
	Peers        []PeerStatus              `json:"peers"`
	Today        *models.SyncMetrics       `json:"today"`
	Conflicts    int                       `json:"conflicts"`
	GeneratedAt  int64                     `json:"generatedAt"`
}

// Status reports clocks, pending work, peers and today's metrics.
func (e *Engine) Status(ctx context.Context) (interface{}, error) {
	return e.Report(ctx)
}

// Report builds the status report.
func (e *Engine) Report(ctx context.Context) (*StatusReport, error) {
	vc, lamport := e.clock.Snapshot()
	log := e.log(e.db)

	stats, err := log.Stats(ctx)
	if err != nil {
		return nil, err
	}
	deliveries, err := log.DeliveryStats(ctx)
	if err != nil {
		return nil, err
	}
	progress, err := log.Progress(ctx)
	if err != nil {
		return nil, err
	}
	active, err := e.dir.ListActive(ctx, e.opts.LivenessWindow)
	if err != nil {
		return nil, err
	}
	today, err := e.recorder.Today(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := conflict.NewJournal(e.db).Count(ctx)
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		NodeID:       e.opts.NodeID,
		VectorClock:  vc,
		LamportClock: lamport,
		Schema:       e.schema.Identity(),
		Events:       stats,
		Deliveries:   deliveries,
		Progress:     progress,
		ActivePeers:  active,
		Peers:        e.PeerStatus(),
		Today:        today,
		Conflicts:    conflicts,
		GeneratedAt:  e.now().Unix(),
	}, nil
}

// Compatibility classifies every known peer against the local schema.
func (e *Engine) Compatibility(ctx context.Context) (schema.Report, error) {
	peers, err := e.dir.List(ctx)
	if err != nil {
		return schema.Report{}, err
	}
	return e.schema.Report(peers), nil
}
