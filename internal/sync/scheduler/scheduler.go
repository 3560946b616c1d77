// Package scheduler runs the background loops of a node: one push worker per
// target peer, heartbeats, shared-directory scans and retention cleanup.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	syncpkg "github.com/kimhsiao/nodesync/internal/sync"
	"github.com/kimhsiao/nodesync/internal/sync/discovery"
	"github.com/kimhsiao/nodesync/internal/sync/metrics"
)

// Heartbeater runs one advertisement round. discovery.Advertiser implements it.
type Heartbeater interface {
	Heartbeat(ctx context.Context) (discovery.HeartbeatResult, error)
}

// Scanner reads peers from a shared directory. discovery.SharedDirectory
// implements it.
type Scanner interface {
	Scan(ctx context.Context) (int, error)
}

// Cleaner runs retention. metrics.Housekeeper implements it.
type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (metrics.CleanupResult, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PushInterval      time.Duration // How often each peer worker pushes (default: 5s)
	HeartbeatInterval time.Duration // How often the node advertises itself (default: 10s)
	ScanInterval      time.Duration // How often the shared directory is read (default: 30s)
	CleanupInterval   time.Duration // How often retention runs (default: 1h)
	CycleTimeout      time.Duration // Upper bound of one push cycle (default: 30s)
	Retention         time.Duration // Age of processed events to delete
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PushInterval:      5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ScanInterval:      30 * time.Second,
		CleanupInterval:   time.Hour,
		CycleTimeout:      30 * time.Second,
		Retention:         metrics.DefaultRetention,
	}
}

// Tasks are the optional collaborators besides the engine. Nil entries
// disable their loop.
type Tasks struct {
	Heartbeat Heartbeater
	Scanner   Scanner
	// Publish refreshes the local record in the shared directory before a scan.
	Publish func(ctx context.Context) error
	Cleaner Cleaner
}

// worker pushes to one peer until stopped.
type worker struct {
	peer    *models.SyncNode
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	tasks  Tasks
	config SchedulerConfig

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	isOnline  bool
	workers   map[string]*worker

	lastHeartbeat time.Time
	lastScan      time.Time
	lastCleanup   time.Time
	lastSyncTime  time.Time
}

// NewScheduler creates a new Scheduler. Zero config fields take defaults.
func NewScheduler(engine syncpkg.SyncEngineInterface, tasks Tasks, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = defaults.PushInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaults.ScanInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaults.CycleTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	return &Scheduler{
		engine:   engine,
		tasks:    tasks,
		config:   cfg,
		stopCh:   make(chan struct{}),
		isOnline: true, // Assume online initially
		workers:  map[string]*worker{},
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, s.config.PushInterval, s.reconcileWorkers)

	if s.tasks.Heartbeat != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.config.HeartbeatInterval, s.runHeartbeat)
	}
	if s.tasks.Scanner != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.config.ScanInterval, s.runScan)
	}
	if s.tasks.Cleaner != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.config.CleanupInterval, s.runCleanup)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"push_interval":      s.config.PushInterval.String(),
		"heartbeat_interval": s.config.HeartbeatInterval.String(),
	})
}

// Stop stops every loop and worker and waits for them to exit. A push in
// flight is cancelled; its delivery state stays consistent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	workers := s.workers
	s.workers = map[string]*worker{}
	s.mu.Unlock()
	for _, w := range workers {
		w.cancel()
		<-w.done
	}

	logging.Info("Background sync scheduler stopped", nil)
}

// loop runs fn once immediately and then on every tick.
func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SetOnlineStatus pauses or resumes network activity. Capture keeps running
// while offline; the outbox drains once the node is back online.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// =====================================================
// Peer workers
// =====================================================

// reconcileWorkers starts a worker per target peer, stops workers of peers
// that left the target set and nudges the rest.
func (s *Scheduler) reconcileWorkers(ctx context.Context) {
	if !s.IsOnline() {
		return
	}
	targets, err := s.engine.TargetPeers(ctx)
	if err != nil {
		logging.Error("Failed to list target peers", err, nil)
		return
	}

	want := make(map[string]*models.SyncNode, len(targets))
	for _, p := range targets {
		want[p.NodeID] = p
	}

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	var stopped []*worker
	for id, w := range s.workers {
		if _, ok := want[id]; !ok {
			stopped = append(stopped, w)
			delete(s.workers, id)
		}
	}
	for id, p := range want {
		if w, ok := s.workers[id]; ok {
			w.peer = p
			w.nudge()
			continue
		}
		s.workers[id] = s.startWorker(ctx, p)
	}
	s.mu.Unlock()

	for _, w := range stopped {
		w.cancel()
		<-w.done
		logging.Info("Stopped push worker", map[string]interface{}{"peer": w.peer.NodeID})
	}
}

// startWorker must be called with s.mu held.
func (s *Scheduler) startWorker(ctx context.Context, peer *models.SyncNode) *worker {
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		peer:    peer,
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	w.nudge()
	go s.runWorker(wctx, w)
	logging.Info("Started push worker", map[string]interface{}{"peer": peer.NodeID, "address": peer.Address()})
	return w
}

func (w *worker) nudge() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runWorker(ctx context.Context, w *worker) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			s.drain(ctx, w)
		}
	}
}

// drain pushes batches until the peer's outbox is empty or a cycle fails.
func (s *Scheduler) drain(ctx context.Context, w *worker) {
	for ctx.Err() == nil && s.IsOnline() {
		s.mu.RLock()
		peer := w.peer
		s.mu.RUnlock()

		cycleCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
		res, err := s.engine.PushTo(cycleCtx, peer)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				logging.ErrorWithCode("Push cycle failed", errors.CodeOf(err), err,
					map[string]interface{}{"peer": peer.NodeID})
			}
			return
		}

		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()

		if res.Sent == 0 || res.Processed == 0 {
			return
		}
	}
}

// TriggerSync nudges every worker to push now. It returns false when the
// scheduler is stopped or offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning || !s.isOnline {
		return false
	}
	for _, w := range s.workers {
		w.nudge()
	}
	return true
}

// Notify is the capture hook: a freshly recorded event triggers an early push.
func (s *Scheduler) Notify(*models.ChangeEvent) {
	s.TriggerSync(context.Background())
}

// SyncNow pushes one batch to every target peer and waits for completion.
// Peers are pushed in parallel, each under its own cycle timeout, so a slow
// peer never holds up the others. Results keep the target order.
func (s *Scheduler) SyncNow(ctx context.Context) ([]*syncpkg.SyncResult, error) {
	targets, err := s.engine.TargetPeers(ctx)
	if err != nil {
		return nil, err
	}

	pushed := make([]*syncpkg.SyncResult, len(targets))
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p *models.SyncNode) {
			defer wg.Done()
			peerCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
			defer cancel()
			pushed[i], errs[i] = s.engine.PushTo(peerCtx, p)
		}(i, p)
	}
	wg.Wait()

	var results []*syncpkg.SyncResult
	var firstErr error
	for i := range targets {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		results = append(results, pushed[i])
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"peers":     len(targets),
			"succeeded": len(results),
		})
	return results, firstErr
}

// =====================================================
// Membership and housekeeping
// =====================================================

func (s *Scheduler) runHeartbeat(ctx context.Context) {
	if !s.IsOnline() {
		return
	}
	res, err := s.tasks.Heartbeat.Heartbeat(ctx)
	if err != nil {
		logging.Error("Heartbeat round failed", err, nil)
		return
	}
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	if res.Discovered > 0 {
		// new peers get a worker without waiting for the next push tick
		s.reconcileWorkers(ctx)
	}
}

func (s *Scheduler) runScan(ctx context.Context) {
	if s.tasks.Publish != nil {
		if err := s.tasks.Publish(ctx); err != nil {
			logging.Error("Failed to publish local node record", err, nil)
		}
	}
	n, err := s.tasks.Scanner.Scan(ctx)
	if err != nil {
		logging.Error("Shared directory scan failed", err, nil)
		return
	}
	s.mu.Lock()
	s.lastScan = time.Now()
	s.mu.Unlock()

	if n > 0 {
		logging.Info("Discovered peers in shared directory", map[string]interface{}{"count": n})
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	res, err := s.tasks.Cleaner.Cleanup(ctx, s.config.Retention)
	if err != nil {
		logging.Error("Retention cleanup failed", err, nil)
		return
	}
	s.mu.Lock()
	s.lastCleanup = time.Now()
	s.mu.Unlock()

	if res.Deleted > 0 {
		logging.Info("Retention cleanup completed", map[string]interface{}{
			"deleted":  res.Deleted,
			"archived": res.Archived,
		})
	}
}

// =====================================================
// Status
// =====================================================

// SchedulerStatus reports the state of the background loops.
type SchedulerStatus struct {
	IsRunning     bool                 `json:"isRunning"`
	IsOnline      bool                 `json:"isOnline"`
	Workers       []string             `json:"workers"`
	LastSyncTime  *time.Time           `json:"lastSyncTime,omitempty"`
	LastHeartbeat *time.Time           `json:"lastHeartbeat,omitempty"`
	LastScan      *time.Time           `json:"lastScan,omitempty"`
	LastCleanup   *time.Time           `json:"lastCleanup,omitempty"`
	Peers         []syncpkg.PeerStatus `json:"peers"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:     s.isRunning,
		IsOnline:      s.isOnline,
		Workers:       make([]string, 0, len(s.workers)),
		LastSyncTime:  timePtr(s.lastSyncTime),
		LastHeartbeat: timePtr(s.lastHeartbeat),
		LastScan:      timePtr(s.lastScan),
		LastCleanup:   timePtr(s.lastCleanup),
	}
	for id := range s.workers {
		status.Workers = append(status.Workers, id)
	}
	s.mu.RUnlock()

	sort.Strings(status.Workers)
	status.Peers = s.engine.PeerStatus()
	return status
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
