package schema

import (
	"sort"

	"github.com/kimhsiao/nodesync/internal/models"
)

// PeerReport is one peer's line in a compatibility report.
type PeerReport struct {
	NodeID   string   `json:"nodeId"`
	NodeName string   `json:"nodeName,omitempty"`
	Address  string   `json:"address,omitempty"`
	Identity Identity `json:"identity"`
	Status   Status   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
}

// Report aggregates compatibility across known peers.
type Report struct {
	Local        Identity     `json:"local"`
	Total        int          `json:"total"`
	Identical    int          `json:"identical"`
	Compatible   int          `json:"compatible"`
	Incompatible int          `json:"incompatible"`
	Unknown      int          `json:"unknown"`
	Peers        []PeerReport `json:"peers"`
}

// Report classifies every peer, ordered by node id.
func (m *Manager) Report(peers []*models.SyncNode) Report {
	r := Report{Local: m.Identity(), Peers: []PeerReport{}}
	for _, p := range peers {
		res := m.CheckNode(p)
		r.Total++
		switch res.Status {
		case StatusIdentical:
			r.Identical++
		case StatusCompatible:
			r.Compatible++
		case StatusIncompatible:
			r.Incompatible++
		default:
			r.Unknown++
		}
		r.Peers = append(r.Peers, PeerReport{
			NodeID:   p.NodeID,
			NodeName: p.NodeName,
			Address:  p.Address(),
			Identity: IdentityOf(p),
			Status:   res.Status,
			Reason:   res.Reason,
		})
	}
	sort.Slice(r.Peers, func(i, j int) bool { return r.Peers[i].NodeID < r.Peers[j].NodeID })
	return r
}
