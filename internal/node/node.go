// Package node assembles a complete sync node: database, capture, engine,
// transport, discovery, scheduler and housekeeping.
package node

import (
	"context"
	"io/fs"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/kimhsiao/nodesync/internal/config"
	"github.com/kimhsiao/nodesync/internal/crypto"
	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/events"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/records"
	syncpkg "github.com/kimhsiao/nodesync/internal/sync"
	"github.com/kimhsiao/nodesync/internal/sync/applier"
	"github.com/kimhsiao/nodesync/internal/sync/capture"
	"github.com/kimhsiao/nodesync/internal/sync/clock"
	"github.com/kimhsiao/nodesync/internal/sync/discovery"
	"github.com/kimhsiao/nodesync/internal/sync/metrics"
	"github.com/kimhsiao/nodesync/internal/sync/scheduler"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
	"github.com/kimhsiao/nodesync/internal/sync/storage"
	"github.com/kimhsiao/nodesync/internal/sync/transport"
)

// Options lets an embedding application supply its own schema.
type Options struct {
	// Migrations is the migration set; defaults to the embedded one.
	Migrations fs.FS
	// Tables describes the business tables; defaults to records.DefaultTables.
	Tables []records.TableDef
}

// Node is one running member of the cluster.
type Node struct {
	cfg *config.Config

	db          *db.DB
	clock       *clock.Manager
	schema      *schema.Manager
	dir         *discovery.Directory
	shared      *discovery.SharedDirectory
	store       *records.Store
	repo        *capture.Repository
	interceptor *capture.Interceptor
	client      *transport.Client
	hub         *events.Hub
	engine      *syncpkg.Engine
	server      *transport.Server
	advertiser  *discovery.Advertiser
	housekeeper *metrics.Housekeeper
	sched       *scheduler.Scheduler

	mu      sync.Mutex
	serving bool
	serveWG sync.WaitGroup
}

// New opens the node's database and wires every component. cfg must already
// be validated. Nothing listens or runs until Start or Serve.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	if opts.Migrations == nil {
		opts.Migrations = db.Migrations()
	}
	if len(opts.Tables) == 0 {
		opts.Tables = records.DefaultTables()
	}

	d, err := db.OpenWith(cfg.Node.DataDir, opts.Migrations)
	if err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, db: d}
	if err := n.wire(ctx, opts); err != nil {
		d.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) wire(ctx context.Context, opts Options) error {
	cfg := n.cfg
	nodeID := cfg.Node.ID

	n.clock = clock.NewManager(nodeID)
	if err := n.clock.Load(ctx, n.db); err != nil {
		return err
	}

	matrix, err := schema.ParseMatrix(cfg.Schema.Compatibility)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "invalid compatibility matrix", err)
	}
	n.schema = schema.NewManager(n.db, nodeID, cfg.Schema.Version, opts.Migrations, matrix)
	if _, err := n.schema.Load(ctx); err != nil {
		return err
	}

	n.dir = discovery.NewDirectory(n.db)
	n.store = records.NewStore(n.db, opts.Tables...)
	tables := capture.NewTableFilter(cfg.Sync.SyncedTables, cfg.ExcludedTables())
	n.interceptor = capture.NewInterceptor(n.db, n.clock, capture.Options{
		Priority:   cfg.Node.Priority,
		BulkPolicy: cfg.Sync.BulkPolicy,
		Tables:     tables,
		OnRecorded: n.notify,
	})
	n.repo = capture.Wrap(n.store, n.interceptor)

	n.client = transport.NewClient(transport.ClientOptions{
		NodeID:      nodeID,
		AuthHash:    crypto.RegistrationHash(cfg.Sync.Secret, cfg.Sync.Cluster),
		Identity:    n.schema.Identity,
		Compression: cfg.Sync.Compression,
		Timeout:     cfg.Sync.RequestTimeout,
	})
	n.hub = events.NewHub()

	n.engine = syncpkg.NewEngine(n.db, syncpkg.Deps{
		Clock:     n.clock,
		Schema:    n.schema,
		Directory: n.dir,
		Tables:    tables,
		Registry:  applier.ForStore(n.store),
		Client:    n.client,
		Events:    n.hub,
		Locks:     n.interceptor.Locks(),
	}, syncpkg.Options{
		NodeID:         nodeID,
		BatchSize:      cfg.Sync.BatchSize,
		MaxRetries:     cfg.Sync.MaxRetries,
		LivenessWindow: cfg.Sync.LivenessWindow,
	})
	n.advertiser = discovery.NewAdvertiser(n.dir, n.client, cfg.Sync.Seeds, n.engine.Self)

	sharedStore, err := storage.Open(ctx, cfg.Discovery.S3, cfg.Discovery.SharedDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to open shared directory", err)
	}
	if sharedStore != nil {
		n.shared = discovery.NewSharedDirectory(sharedStore, n.dir, nodeID)
	}

	var archiver metrics.Archiver
	if cfg.Archive.Enabled {
		archiveDir := cfg.Archive.Dir
		if archiveDir == "" && !cfg.Archive.S3.Enabled() {
			archiveDir = filepath.Join(cfg.Node.DataDir, "archive")
		}
		archiveStore, err := storage.Open(ctx, cfg.Archive.S3, archiveDir)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, "failed to open archive store", err)
		}
		archiver = storage.NewArchive(archiveStore, nodeID, cfg.Archive.Passphrase)
	}
	n.housekeeper = metrics.NewHousekeeper(n.db, metrics.NewRecorder(n.db, nodeID), archiver)

	tasks := scheduler.Tasks{
		Heartbeat: n.advertiser,
		Publish:   n.publish,
		Cleaner:   n.housekeeper,
	}
	if n.shared != nil {
		tasks.Scanner = n.shared
	}
	n.sched = scheduler.NewScheduler(n.engine, tasks, &scheduler.SchedulerConfig{
		PushInterval:      cfg.Sync.PushInterval,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		ScanInterval:      cfg.Discovery.ScanInterval,
		CleanupInterval:   cfg.Sync.CleanupInterval,
		CycleTimeout:      cfg.Sync.CycleTimeout,
		Retention:         cfg.Sync.Retention,
	})

	n.server = transport.NewServer(n.engine, n.schema, transport.ServerOptions{
		AuthHash:       crypto.RegistrationHash(cfg.Sync.Secret, cfg.Sync.Cluster),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Stream:         n.hub.Handler(),
		Admin:          newAdminRouter(n),
		OnIncompatible: n.engine.PeerIncompatible,
	})
	return nil
}

// notify forwards committed local events to the scheduler.
func (n *Node) notify(e *models.ChangeEvent) {
	if n.sched != nil {
		n.sched.Notify(e)
	}
}

// publish writes the schema identity to the local row and the shared directory.
func (n *Node) publish(ctx context.Context) error {
	if n.shared != nil {
		return n.schema.Publish(ctx, n.shared)
	}
	return n.schema.Publish(ctx)
}

// Serve registers the local node at ln's port and serves the transport on
// ln in the background. The scheduler is not started.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	port := n.cfg.Server.Port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	if err := n.dir.SetLocal(ctx, &models.SyncNode{
		NodeID:    n.cfg.Node.ID,
		NodeName:  n.cfg.Node.Name,
		IPAddress: n.cfg.AdvertiseHost(),
		Port:      port,
		Priority:  n.cfg.Node.Priority,
	}); err != nil {
		return err
	}
	if err := n.publish(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	n.serving = true
	n.mu.Unlock()
	n.serveWG.Add(1)
	go func() {
		defer n.serveWG.Done()
		if err := n.server.Serve(ln); err != nil {
			logging.Error("Sync transport stopped", err, map[string]interface{}{"address": ln.Addr().String()})
		}
	}()

	logging.Info("Sync node ready", map[string]interface{}{
		"node_id":        n.cfg.Node.ID,
		"address":        ln.Addr().String(),
		"schema_version": n.schema.Identity().Version,
		"schema_hash":    n.schema.Identity().Hash,
	})
	return nil
}

// Start listens on the configured address, serves and starts the scheduler.
func (n *Node) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddr())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to listen on "+n.cfg.ListenAddr(), err)
	}
	if err := n.Serve(ctx, ln); err != nil {
		ln.Close()
		return err
	}
	n.sched.Start(ctx)
	return nil
}

// departTimeout bounds the departure notices sent by Close.
const departTimeout = 2 * time.Second

// Close stops the scheduler, tells active peers this node is leaving, stops
// the server and closes the database.
func (n *Node) Close(ctx context.Context) error {
	n.sched.Stop()

	n.mu.Lock()
	serving := n.serving
	n.serving = false
	n.mu.Unlock()
	var shutdownErr error
	if serving {
		departCtx, cancel := context.WithTimeout(ctx, departTimeout)
		if reached := n.advertiser.Depart(departCtx); reached > 0 {
			logging.Info("Announced departure", map[string]interface{}{"node_id": n.cfg.Node.ID, "peers": reached})
		}
		cancel()
		shutdownErr = n.server.Shutdown(ctx)
		n.serveWG.Wait()
	}
	n.hub.Close()

	if err := n.db.Close(); err != nil {
		return err
	}
	return shutdownErr
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.cfg.Node.ID
}

// Records returns the captured business repository. Writes through it are
// recorded as change events.
func (n *Node) Records() *capture.Repository {
	return n.repo
}

// Store returns the raw record store. Writes through it are not captured.
func (n *Node) Store() *records.Store {
	return n.store
}

// Engine returns the sync engine.
func (n *Node) Engine() *syncpkg.Engine {
	return n.engine
}

// Scheduler returns the background scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler {
	return n.sched
}

// Housekeeper returns the retention and reset runner.
func (n *Node) Housekeeper() *metrics.Housekeeper {
	return n.housekeeper
}

// DB returns the node's database.
func (n *Node) DB() *db.DB {
	return n.db
}

// Heartbeat runs one advertisement round outside the scheduler.
func (n *Node) Heartbeat(ctx context.Context) (discovery.HeartbeatResult, error) {
	return n.advertiser.Heartbeat(ctx)
}
