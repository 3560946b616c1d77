// Package node tests for multi-node synchronization over real listeners.
package node

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"testing/fstest"

	"github.com/kimhsiao/nodesync/internal/config"
	"github.com/kimhsiao/nodesync/internal/crypto"
	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/records"
	"github.com/kimhsiao/nodesync/internal/sync/clock"
	"github.com/kimhsiao/nodesync/internal/sync/conflict"
	"github.com/kimhsiao/nodesync/internal/sync/eventlog"
	"github.com/kimhsiao/nodesync/internal/sync/schema"
	"github.com/kimhsiao/nodesync/internal/sync/transport"
	"github.com/kimhsiao/nodesync/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

const testSecret = "correct-horse-battery-staple"

type testNode struct {
	*Node
	addr string
	port int
}

func nodeConfig(t *testing.T, id string, seeds ...string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Node.ID = id
	cfg.Node.Name = "node-" + id
	cfg.Node.DataDir = t.TempDir()
	cfg.Server.Listen = "127.0.0.1"
	cfg.Sync.Secret = testSecret
	cfg.Sync.Seeds = seeds
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, opts Options) *testNode {
	t.Helper()
	ctx := context.Background()
	n, err := New(ctx, cfg, opts)
	if err != nil {
		t.Fatalf("New(%s) error = %v", cfg.Node.ID, err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Serve(ctx, ln); err != nil {
		t.Fatalf("Serve(%s) error = %v", cfg.Node.ID, err)
	}
	t.Cleanup(func() { n.Close(context.Background()) })
	port := ln.Addr().(*net.TCPAddr).Port
	return &testNode{Node: n, addr: ln.Addr().String(), port: port}
}

// extendedMigrations is the bundled set plus one more migration, giving a
// different schema hash.
func extendedMigrations(t *testing.T) fs.FS {
	t.Helper()
	base := db.Migrations()
	out := fstest.MapFS{}
	entries, err := fs.ReadDir(base, ".")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		data, err := fs.ReadFile(base, e.Name())
		if err != nil {
			t.Fatal(err)
		}
		out[e.Name()] = &fstest.MapFile{Data: data}
	}
	out["V3__product_color.up.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE products ADD COLUMN color TEXT;\n")}
	out["V3__product_color.down.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE products DROP COLUMN color;\n")}
	return out
}

func heartbeat(t *testing.T, n *testNode, wantReached int) {
	t.Helper()
	res, err := n.Heartbeat(context.Background())
	if err != nil {
		t.Fatalf("Heartbeat(%s) error = %v", n.ID(), err)
	}
	if res.Reached != wantReached {
		t.Fatalf("Heartbeat(%s) reached = %d, want %d (%+v)", n.ID(), res.Reached, wantReached, res)
	}
}

func syncNow(t *testing.T, n *testNode, wantPeers int) {
	t.Helper()
	results, err := n.Scheduler().SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow(%s) error = %v", n.ID(), err)
	}
	if len(results) != wantPeers {
		t.Fatalf("SyncNow(%s) results = %d, want %d", n.ID(), len(results), wantPeers)
	}
}

func product(t *testing.T, n *testNode, id string) records.Lookup {
	t.Helper()
	got, err := n.Store().Get(context.Background(), "products", id)
	if err != nil {
		t.Fatalf("Get(%s) on %s error = %v", id, n.ID(), err)
	}
	return got
}

func eventsFor(t *testing.T, n *testNode, key models.RecordKey) []*models.ChangeEvent {
	t.Helper()
	events, err := eventlog.New(n.DB()).ForKey(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func eventFrom(t *testing.T, events []*models.ChangeEvent, source string, op models.Operation) *models.ChangeEvent {
	t.Helper()
	for _, e := range events {
		if e.SourceNodeID == source && e.Operation == op {
			return e
		}
	}
	t.Fatalf("no %s event from %s among %d events", op, source, len(events))
	return nil
}

// =====================================================
// Scenario A: replication to an identical peer
// =====================================================

func TestScenarioA_replicatesToIdenticalPeer(t *testing.T) {
	ctx := context.Background()
	b := startNode(t, nodeConfig(t, "B"), Options{})
	a := startNode(t, nodeConfig(t, "A", b.addr), Options{})
	heartbeat(t, a, 1)

	if _, err := a.Records().Create(ctx, "products", records.Row{
		"id": "X", "sku": "X-1", "name": "Widget", "price": 5.0, "stock": 3,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	key := models.RecordKey{Table: "products", RecordID: "X"}
	created := eventFrom(t, eventsFor(t, a, key), "A", models.OpCreate)
	if created.VectorClock["A"] != 1 || len(created.VectorClock) != 1 {
		t.Errorf("VectorClock = %v, want {A:1}", created.VectorClock)
	}

	report, err := a.Engine().Compatibility(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Identical != 1 {
		t.Errorf("Identical = %d, want 1 (%+v)", report.Identical, report)
	}

	syncNow(t, a, 1)

	got := product(t, b, "X")
	if !got.Found {
		t.Fatal("X not replicated to B")
	}
	if got.Row["name"] != "Widget" || fmt.Sprint(got.Row["price"]) != "5" {
		t.Errorf("B row = %v, want Widget at 5", got.Row)
	}
	onB, found, err := eventlog.New(b.DB()).Get(ctx, created.EventID)
	if err != nil || !found {
		t.Fatalf("event on B found=%v err=%v", found, err)
	}
	if !onB.Processed || onB.Outcome != models.OutcomeApplied {
		t.Errorf("event on B processed=%v outcome=%q, want applied", onB.Processed, onB.Outcome)
	}

	onA, _, err := eventlog.New(a.DB()).Get(ctx, created.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if !onA.Processed {
		t.Error("event on A not completed after delivery to every peer")
	}

	// a second round sends nothing
	results, err := a.Scheduler().SyncNow(ctx)
	if err != nil || len(results) != 1 || results[0].Sent != 0 {
		t.Errorf("second SyncNow() = %+v, %v, want one empty result", results, err)
	}
}

// =====================================================
// Scenario B: concurrent updates converge
// =====================================================

func TestScenarioB_concurrentUpdatesConverge(t *testing.T) {
	ctx := context.Background()
	b := startNode(t, nodeConfig(t, "B"), Options{})
	a := startNode(t, nodeConfig(t, "A", b.addr), Options{})
	heartbeat(t, a, 1)

	if _, err := a.Records().Create(ctx, "products", records.Row{
		"id": "X", "sku": "X-1", "name": "Widget", "price": 5.0, "stock": 3,
	}); err != nil {
		t.Fatal(err)
	}
	syncNow(t, a, 1)

	// A: {A:2}, lamport 2. B has observed A's create: {A:1,B:1}, lamport 3.
	if _, err := a.Records().Update(ctx, "products", "X", records.Row{"price": 10.0}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Records().Update(ctx, "products", "X", records.Row{"price": 20.0}); err != nil {
		t.Fatal(err)
	}

	key := models.RecordKey{Table: "products", RecordID: "X"}
	fromA := eventFrom(t, eventsFor(t, a, key), "A", models.OpUpdate)
	fromB := eventFrom(t, eventsFor(t, b, key), "B", models.OpUpdate)
	if got := clock.Compare(fromA.VectorClock, fromB.VectorClock); got != models.Concurrent {
		t.Fatalf("Compare(%v, %v) = %v, want concurrent", fromA.VectorClock, fromB.VectorClock, got)
	}
	if fromB.LamportClock <= fromA.LamportClock {
		t.Fatalf("lamport A=%d B=%d, want B higher", fromA.LamportClock, fromB.LamportClock)
	}

	syncNow(t, a, 1)
	syncNow(t, b, 1)

	for _, n := range []*testNode{a, b} {
		got := product(t, n, "X")
		if fmt.Sprint(got.Row["price"]) != "20" {
			t.Errorf("%s price = %v, want 20", n.ID(), got.Row["price"])
		}
		resolutions, err := conflict.NewJournal(n.DB()).List(ctx, key, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(resolutions) != 1 {
			t.Fatalf("%s resolutions = %d, want 1", n.ID(), len(resolutions))
		}
		if resolutions[0].WinningEventID != fromB.EventID {
			t.Errorf("%s winner = %s, want B's update %s", n.ID(), resolutions[0].WinningEventID, fromB.EventID)
		}
	}
}

// =====================================================
// Scenario C: incompatible schema is excluded
// =====================================================

func TestScenarioC_incompatiblePeerExcluded(t *testing.T) {
	ctx := context.Background()
	b := startNode(t, nodeConfig(t, "B"), Options{})

	cCfg := nodeConfig(t, "C")
	cCfg.Schema.Version = "2.0.0"
	tables := records.DefaultTables()
	tables[0].Columns = append(tables[0].Columns, "color")
	c := startNode(t, cCfg, Options{Migrations: extendedMigrations(t), Tables: tables})

	a := startNode(t, nodeConfig(t, "A", b.addr, c.addr), Options{})
	heartbeat(t, a, 2)

	report, err := a.Engine().Compatibility(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Incompatible != 1 || report.Identical != 1 {
		t.Fatalf("report = %+v, want one identical and one incompatible", report)
	}
	var cReport *schema.PeerReport
	for i := range report.Peers {
		if report.Peers[i].NodeID == "C" {
			cReport = &report.Peers[i]
		}
	}
	if cReport == nil || cReport.Status != schema.StatusIncompatible || cReport.Reason == "" {
		t.Fatalf("C report = %+v, want incompatible with a reason", cReport)
	}

	if _, err := a.Records().Create(ctx, "products", records.Row{
		"id": "X", "sku": "X-1", "name": "Widget", "price": 5.0,
	}); err != nil {
		t.Fatal(err)
	}
	syncNow(t, a, 1) // B only

	if product(t, c, "X").Found {
		t.Error("X reached incompatible node C")
	}
	created := eventFrom(t, eventsFor(t, a, models.RecordKey{Table: "products", RecordID: "X"}), "A", models.OpCreate)
	if _, found, _ := eventlog.New(a.DB()).Delivery(ctx, created.EventID, "C"); found {
		t.Error("delivery to C was attempted")
	}

	// C's side: A is incompatible too, and a forced push is refused locally.
	if _, err := c.Records().Create(ctx, "products", records.Row{
		"id": "Y", "sku": "Y-1", "name": "Gadget", "color": "red",
	}); err != nil {
		t.Fatal(err)
	}
	syncNow(t, c, 0)
	peerA, found, err := c.dir.Get(ctx, "A")
	if err != nil || !found {
		t.Fatalf("C does not know A: found=%v err=%v", found, err)
	}
	if _, err := c.Engine().PushTo(ctx, peerA); !apperrors.Is(err, apperrors.ErrSyncSchemaIncompatible) {
		t.Errorf("PushTo(A) error = %v, want SYNC_SCHEMA_INCOMPATIBLE", err)
	}
	if product(t, a, "Y").Found {
		t.Error("Y reached A from incompatible node C")
	}
}

// =====================================================
// Scenario D: excluded table is a no-op
// =====================================================

func TestScenarioD_excludedTableIsNoop(t *testing.T) {
	ctx := context.Background()
	b := startNode(t, nodeConfig(t, "B"), Options{})

	data := []byte(`{"id":"s1","user_id":"u1","token":"secret"}`)
	sum, err := models.ComputeChecksum(data)
	if err != nil {
		t.Fatal(err)
	}
	ev := &models.ChangeEvent{
		EventID:      uuid.New(),
		SourceNodeID: "A",
		SourceSeq:    1,
		Table:        "sessions",
		RecordID:     "s1",
		Operation:    models.OpCreate,
		ChangeData:   data,
		VectorClock:  models.VectorClock{"A": 1},
		LamportClock: 1,
		Checksum:     sum,
	}
	client := transport.NewClient(transport.ClientOptions{
		NodeID:   "A",
		AuthHash: crypto.RegistrationHash(testSecret, "nodesync"),
		Identity: b.schema.Identity,
	})
	peer := &models.SyncNode{NodeID: "B", IPAddress: "127.0.0.1", Port: b.port}

	resp, _, err := client.Push(ctx, peer, transport.NewPushRequest(uuid.New(), "A", []*models.ChangeEvent{ev}))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !resp.Success || resp.ProcessedCount != 1 || !resp.Events[0].Processed() {
		t.Errorf("response = %+v, want success", resp)
	}

	if _, found, _ := eventlog.New(b.DB()).Get(ctx, ev.EventID); found {
		t.Error("excluded event was stored")
	}
	got, err := b.Store().Get(ctx, "sessions", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Found {
		t.Error("excluded event was applied")
	}
}

// =====================================================
// Transport and admin surface
// =====================================================

func TestNode_rejectsWrongSecret(t *testing.T) {
	b := startNode(t, nodeConfig(t, "B"), Options{})
	client := transport.NewClient(transport.ClientOptions{
		NodeID:   "A",
		AuthHash: crypto.RegistrationHash("wrong", "nodesync"),
	})

	_, err := client.Heartbeat(context.Background(), b.addr, &models.SyncNode{NodeID: "A"})
	if !apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
		t.Errorf("Heartbeat() error = %v, want SYNC_AUTH_FAILED", err)
	}
}

func TestNode_admin(t *testing.T) {
	b := startNode(t, nodeConfig(t, "B"), Options{})
	srv := httptest.NewServer(b.server.Handler())
	defer srv.Close()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/sync/admin/status", http.StatusOK},
		{http.MethodPost, "/api/sync/admin/sync", http.StatusOK},
		{http.MethodGet, "/api/sync/admin/dead-letters?limit=5", http.StatusOK},
		{http.MethodGet, "/api/sync/admin/conflicts", http.StatusOK},
		{http.MethodGet, "/api/sync/admin/conflicts?table=products", http.StatusBadRequest},
		{http.MethodPost, "/api/sync/admin/cleanup", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set(transport.HeaderNodeID, "operator")
			req.Header.Set(transport.HeaderAuth, crypto.RegistrationHash(testSecret, "nodesync"))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sync/admin/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}

func TestNode_StartClose(t *testing.T) {
	cfg := nodeConfig(t, "A")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	n, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !n.Scheduler().IsRunning() {
		t.Error("scheduler not running after Start")
	}
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/api/health")
	if err != nil {
		t.Fatalf("health check error = %v", err)
	}
	resp.Body.Close()
	if err := n.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// TestNode_departure verifies a closing node is dropped from its peers'
// target set without waiting for the liveness window.
func TestNode_departure(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, nodeConfig(t, "A"), Options{})

	b, err := New(ctx, nodeConfig(t, "B", a.addr), Options{})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Serve(ctx, ln); err != nil {
		t.Fatal(err)
	}
	res, err := b.Heartbeat(ctx)
	if err != nil || res.Reached != 1 {
		t.Fatalf("Heartbeat(B) = %+v, %v", res, err)
	}

	targets, err := a.Engine().TargetPeers(ctx)
	if err != nil || len(targets) != 1 || targets[0].NodeID != "B" {
		t.Fatalf("TargetPeers(A) = %v, %v, want [B]", targets, err)
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close(B) error = %v", err)
	}

	targets, err = a.Engine().TargetPeers(ctx)
	if err != nil || len(targets) != 0 {
		t.Errorf("TargetPeers(A) after departure = %v, %v, want none", targets, err)
	}
	peer, found, err := a.dir.Get(ctx, "B")
	if err != nil || !found {
		t.Fatalf("Get(B) found=%v err=%v", found, err)
	}
	if peer.IsActive {
		t.Error("B still active after departure")
	}
}
