package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	// Equal clocks describe the same causal history.
	Equal Ordering = iota
	// Before means the receiver happened-before the argument.
	Before
	// After means the argument happened-before the receiver.
	After
	// Concurrent clocks are causally unrelated.
	Concurrent
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock maps node ids to per-node counters. Missing entries are zero.
type VectorClock map[string]uint64

// Get returns the counter for nodeID.
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc[nodeID]
}

// Copy returns an independent copy.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge returns the component-wise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Copy()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare returns the causal relation of vc to other over the union of ids.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for k, a := range vc {
		b := other[k]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}
	for k, b := range other {
		if _, ok := vc[k]; ok {
			continue
		}
		if b > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether vc is After or Equal to other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	o := vc.Compare(other)
	return o == After || o == Equal
}

// String renders the clock with sorted keys, e.g. {A:2,B:1}.
func (vc VectorClock) String() string {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Value implements driver.Valuer, storing the clock as JSON.
func (vc VectorClock) Value() (driver.Value, error) {
	if vc == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]uint64(vc))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (vc *VectorClock) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*vc = VectorClock{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into VectorClock", value)
	}
	parsed, err := ParseVectorClock(raw)
	if err != nil {
		return err
	}
	*vc = parsed
	return nil
}

// ParseVectorClock decodes a JSON object of counters.
func ParseVectorClock(raw []byte) (VectorClock, error) {
	m := map[string]uint64{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid vector clock: %w", err)
		}
	}
	return VectorClock(m), nil
}
