package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// Status classifies a peer's schema relative to the local one.
type Status string

const (
	StatusIdentical    Status = "IDENTICAL"
	StatusCompatible   Status = "COMPATIBLE"
	StatusIncompatible Status = "INCOMPATIBLE"
	// StatusUnknown means the peer identity is missing or unparseable.
	// It is treated as incompatible.
	StatusUnknown Status = "UNKNOWN"
)

// Syncable reports whether events may flow.
func (s Status) Syncable() bool {
	return s == StatusIdentical || s == StatusCompatible
}

// Identity is a node's published schema tuple.
type Identity struct {
	Version       string `json:"schemaVersion"`
	Hash          string `json:"schemaHash"`
	MigrationName string `json:"migrationName"`
	AppliedAt     int64  `json:"schemaAppliedAt"`
}

// Result is the outcome of one compatibility check.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Matrix maps a major version to the majors it may exchange events with.
// A major is always compatible with itself; an entry on either side suffices.
type Matrix map[int][]int

// ParseMatrix builds a Matrix from config, where keys and values are majors
// as strings.
func ParseMatrix(cfg map[string][]string) (Matrix, error) {
	m := Matrix{}
	for k, vs := range cfg {
		major, err := Major(k)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid compatibility matrix key", err)
		}
		for _, v := range vs {
			other, err := Major(v)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid compatibility matrix entry", err)
			}
			m[major] = append(m[major], other)
		}
		sort.Ints(m[major])
	}
	return m, nil
}

// Compatible reports whether majors a and b may sync.
func (m Matrix) Compatible(a, b int) bool {
	if a == b {
		return true
	}
	for _, v := range m[a] {
		if v == b {
			return true
		}
	}
	for _, v := range m[b] {
		if v == a {
			return true
		}
	}
	return false
}

// Major parses the major component of a version like "v2.1.0", "2.1" or "2".
func Major(version string) (int, error) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if v == "" {
		return 0, fmt.Errorf("empty version")
	}
	head := strings.SplitN(v, ".", 2)[0]
	major, err := strconv.Atoi(head)
	if err != nil || major < 0 {
		return 0, fmt.Errorf("invalid version %q", version)
	}
	return major, nil
}

// Check classifies peer against local in priority order: identical hash,
// then major version compatibility. Missing or unparseable identities fail
// closed as UNKNOWN.
func Check(local, peer Identity, m Matrix) Result {
	if peer.Version == "" && peer.Hash == "" {
		return Result{Status: StatusUnknown, Reason: "peer has not published a schema identity"}
	}
	if local.Hash != "" && peer.Hash == local.Hash {
		return Result{Status: StatusIdentical}
	}

	peerMajor, err := Major(peer.Version)
	if err != nil {
		return Result{Status: StatusUnknown, Reason: fmt.Sprintf("peer schema version is unparseable: %v", err)}
	}
	localMajor, err := Major(local.Version)
	if err != nil {
		return Result{Status: StatusUnknown, Reason: fmt.Sprintf("local schema version is unparseable: %v", err)}
	}

	compatible := m.Compatible(localMajor, peerMajor)
	if peer.Version == local.Version {
		if compatible {
			return Result{Status: StatusCompatible, Reason: fmt.Sprintf("same version %s with a different schema hash", local.Version)}
		}
		return Result{Status: StatusIncompatible, Reason: fmt.Sprintf("version %s is excluded by the compatibility matrix", local.Version)}
	}
	if compatible {
		return Result{
			Status: StatusCompatible,
			Reason: fmt.Sprintf("peer version %s is compatible with local version %s", peer.Version, local.Version),
		}
	}
	return Result{
		Status: StatusIncompatible,
		Reason: fmt.Sprintf("peer major version %d (%s) is not compatible with local major version %d (%s)",
			peerMajor, peer.Version, localMajor, local.Version),
	}
}
