// Package conflict detects concurrent writes to the same record and picks a
// deterministic winner: priority first, then Lamport clock.
package conflict

import (
	"sort"
	"time"

	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/uuid"
)

// Verdict is what the receive pipeline should do with an incoming event.
type Verdict int

const (
	// Apply means every candidate happened before the incoming event.
	Apply Verdict = iota
	// Superseded means the applied state already includes the event's history.
	Superseded
	// Conflict means at least one candidate is concurrent with the event.
	Conflict
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Superseded:
		return "superseded"
	default:
		return "conflict"
	}
}

// Decision is the result of Detect.
type Decision struct {
	Verdict Verdict
	// Concurrent holds the candidates concurrent with the incoming event.
	Concurrent []models.Stamp
}

// Detect compares incoming against the record head and the locally pending
// events for the same record.
//
// Pending events the head already supersedes are ignored. Candidates that are
// causally ordered with incoming never conflict.
func Detect(incoming models.Stamp, head *models.RecordHead, pending []*models.ChangeEvent) Decision {
	seen := map[string]bool{incoming.EventID: true}
	var concurrent []models.Stamp

	if head != nil {
		if head.EventID == incoming.EventID {
			return Decision{Verdict: Superseded}
		}
		switch incoming.VectorClock.Compare(head.VectorClock) {
		case models.Before, models.Equal:
			return Decision{Verdict: Superseded}
		case models.Concurrent:
			concurrent = append(concurrent, head.Stamp())
		}
		seen[head.EventID] = true
	}

	for _, p := range pending {
		if seen[p.EventID] {
			continue
		}
		seen[p.EventID] = true
		if head != nil && p.VectorClock.Compare(head.VectorClock) == models.Before {
			continue
		}
		if incoming.VectorClock.Compare(p.VectorClock) == models.Concurrent {
			concurrent = append(concurrent, p.Stamp())
		}
	}

	if len(concurrent) > 0 {
		return Decision{Verdict: Conflict, Concurrent: concurrent}
	}
	return Decision{Verdict: Apply}
}

// Classify names a conflict from the operation already held locally and the
// incoming operation. UPSERT counts as UPDATE.
func Classify(local, incoming models.Operation) models.ConflictType {
	norm := func(op models.Operation) models.Operation {
		if op == models.OpUpsert {
			return models.OpUpdate
		}
		return op
	}
	switch l, r := norm(local), norm(incoming); {
	case l == models.OpUpdate && r == models.OpUpdate:
		return models.ConflictUpdateUpdate
	case l == models.OpUpdate && r == models.OpDelete:
		return models.ConflictUpdateDelete
	case l == models.OpDelete && r == models.OpUpdate:
		return models.ConflictDeleteUpdate
	case l == models.OpCreate && r == models.OpCreate:
		return models.ConflictCreateCreate
	default:
		return models.ConflictConstraint
	}
}

// Less orders stamps by priority desc, lamport desc, source desc, event id
// desc. The first stamp in this order wins a conflict.
func Less(a, b models.Stamp) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.LamportClock != b.LamportClock {
		return a.LamportClock > b.LamportClock
	}
	if a.SourceNodeID != b.SourceNodeID {
		return a.SourceNodeID > b.SourceNodeID
	}
	return a.EventID > b.EventID
}

// Rank returns a sorted copy of candidates, winner first.
func Rank(candidates []models.Stamp) []models.Stamp {
	ranked := make([]models.Stamp, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Less(ranked[i], ranked[j])
	})
	return ranked
}

// Outcome is a resolved conflict.
type Outcome struct {
	Winner models.Stamp
	Losers []models.Stamp
	Record *models.ConflictResolution
}

// Won reports whether the event with eventID won.
func (o *Outcome) Won(eventID string) bool {
	return o.Winner.EventID == eventID
}

// Resolver resolves conflicts and builds their audit records.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Resolve ranks incoming against the concurrent candidates.
func (r *Resolver) Resolve(key models.RecordKey, incoming models.Stamp, concurrent []models.Stamp) (*Outcome, error) {
	if len(concurrent) == 0 {
		return nil, ErrNoCandidates
	}

	ranked := Rank(append([]models.Stamp{incoming}, concurrent...))
	winner, losers := ranked[0], ranked[1:]

	// the type describes the pair the incoming event collided with
	ctype := Classify(concurrent[0].Operation, incoming.Operation)

	loserIDs := make([]string, len(losers))
	for i, l := range losers {
		loserIDs[i] = l.EventID
	}

	record := &models.ConflictResolution{
		ID:                 uuid.New(),
		Table:              key.Table,
		RecordID:           key.RecordID,
		ConflictType:       ctype,
		WinningEventID:     winner.EventID,
		LosingEventIDs:     loserIDs,
		ResolutionStrategy: models.StrategyPriorityThenTimestamp,
		CreatedAt:          r.now().Unix(),
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"table":          key.Table,
			"record_id":      key.RecordID,
			"conflict_type":  ctype,
			"winner":         winner.EventID,
			"winner_source":  winner.SourceNodeID,
			"winner_lamport": winner.LamportClock,
			"losers":         loserIDs,
		})

	return &Outcome{Winner: winner, Losers: losers, Record: record}, nil
}

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ErrNoCandidates is returned when Resolve has nothing to rank against.
var ErrNoCandidates = &ConflictError{Message: "conflict has no concurrent candidates"}
