package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
)

// Heartbeater sends the local record to addr and returns the peer's record.
type Heartbeater interface {
	Heartbeat(ctx context.Context, addr string, self *models.SyncNode) (*models.SyncNode, error)
}

// Leaver tells the node at addr that this node is leaving.
// transport.Client implements it.
type Leaver interface {
	Leave(ctx context.Context, addr string) error
}

// HeartbeatResult summarizes one advertisement round.
type HeartbeatResult struct {
	Targets    int
	Reached    int
	Failed     int
	Discovered int
}

// Advertiser announces the local node to seeds and known peers.
type Advertiser struct {
	dir    *Directory
	client Heartbeater
	seeds  []string
	self   func(ctx context.Context) (*models.SyncNode, error)
	now    func() time.Time
}

// NewAdvertiser creates an advertiser. self returns the record to announce.
func NewAdvertiser(dir *Directory, client Heartbeater, seeds []string, self func(ctx context.Context) (*models.SyncNode, error)) *Advertiser {
	return &Advertiser{dir: dir, client: client, seeds: seeds, self: self, now: time.Now}
}

// Heartbeat posts the local record to every seed and every known peer in
// parallel. Peers that answer are recorded as seen. Failures are logged and
// never returned: having no reachable peer is a normal state.
func (a *Advertiser) Heartbeat(ctx context.Context) (HeartbeatResult, error) {
	self, err := a.self(ctx)
	if err != nil {
		return HeartbeatResult{}, err
	}

	targets := map[string]bool{}
	for _, s := range a.seeds {
		targets[s] = true
	}
	peers, err := a.dir.List(ctx)
	if err != nil {
		return HeartbeatResult{}, err
	}
	for _, p := range peers {
		if p.IPAddress != "" && p.Port > 0 {
			targets[net.JoinHostPort(p.IPAddress, strconv.Itoa(p.Port))] = true
		}
	}
	delete(targets, self.Address())

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = HeartbeatResult{Targets: len(targets)}
	)
	for addr := range targets {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			peer, err := a.client.Heartbeat(ctx, addr, self)
			if err != nil {
				logging.Warn("Heartbeat failed", map[string]interface{}{"address": addr, "error": err.Error()})
				mu.Lock()
				result.Failed++
				mu.Unlock()
				return
			}
			if peer == nil || peer.NodeID == "" || peer.NodeID == self.NodeID {
				mu.Lock()
				result.Reached++
				mu.Unlock()
				return
			}

			peer.IsActive = true
			peer.LastSeen = a.now().Unix()
			created, err := a.dir.Upsert(ctx, peer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Error("Failed to record heartbeat response", err, map[string]interface{}{"peer": peer.NodeID})
				result.Failed++
				return
			}
			result.Reached++
			if created {
				result.Discovered++
			}
		}(addr)
	}
	wg.Wait()

	logging.Debug("Heartbeat round complete", map[string]interface{}{
		"targets":    result.Targets,
		"reached":    result.Reached,
		"failed":     result.Failed,
		"discovered": result.Discovered,
	})
	return result, nil
}

// Depart announces the local node's departure to every active peer so they
// stop pushing to it before the liveness window runs out. It returns the
// number of peers reached. Clients that cannot announce a departure reach
// nobody.
func (a *Advertiser) Depart(ctx context.Context) int {
	leaver, ok := a.client.(Leaver)
	if !ok {
		return 0
	}
	peers, err := a.dir.List(ctx)
	if err != nil {
		logging.Error("Failed to list peers for departure", err, nil)
		return 0
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		reached int
	)
	for _, p := range peers {
		if !p.IsActive || p.IPAddress == "" || p.Port <= 0 {
			continue
		}
		wg.Add(1)
		go func(p *models.SyncNode) {
			defer wg.Done()
			if err := leaver.Leave(ctx, p.Address()); err != nil {
				logging.Warn("Departure notice failed", map[string]interface{}{"peer": p.NodeID, "error": err.Error()})
				return
			}
			mu.Lock()
			reached++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return reached
}
