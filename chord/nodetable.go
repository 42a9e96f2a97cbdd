package chord

import (
	"time"
)

// NodeTable is an unordered mapping from identifier to node record, with
// secondary lookup by name, a find-nearest query over the circular
// space, and an audit/evict pass (§4.2). It backs both a host's local
// VNode set and each VNode's finger table.
//
// Grounded on original_source/chord-node-table.cc: a plain identifier
// map plus a name map, touched under a single goroutine's ownership
// (no locking, matching the cooperative event-loop model of §5).
type NodeTable struct {
	byID   map[string]*NodeRecord
	byName map[string]*NodeRecord
}

// NewNodeTable returns an empty node table.
func NewNodeTable() *NodeTable {
	return &NodeTable{
		byID:   make(map[string]*NodeRecord),
		byName: make(map[string]*NodeRecord),
	}
}

func idKey(id Identifier) string { return string(id) }

// Upsert inserts node, or, if the identifier is already present,
// refreshes the existing record's LastSeen, Routable and addressing
// fields from node. Also indexes by name when node.Name is non-empty.
func (t *NodeTable) Upsert(node *NodeRecord) {
	k := idKey(node.ID)
	if existing, ok := t.byID[k]; ok {
		existing.LastSeen = node.LastSeen
		existing.Routable = node.Routable
		existing.IP = node.IP
		existing.ChordPort = node.ChordPort
		existing.AppPort = node.AppPort
		existing.ObjectPort = node.ObjectPort
		if node.Name != "" {
			existing.Name = node.Name
		}
		node = existing
	} else {
		t.byID[k] = node
	}
	if node.Name != "" {
		t.byName[node.Name] = node
	}
}

// FindByID returns the record for id, if present.
func (t *NodeTable) FindByID(id Identifier) (*NodeRecord, bool) {
	n, ok := t.byID[idKey(id)]
	return n, ok
}

// FindByName returns the record registered under name, if present.
func (t *NodeTable) FindByName(name string) (*NodeRecord, bool) {
	n, ok := t.byName[name]
	return n, ok
}

// Remove deletes the record for id from both indices.
func (t *NodeTable) Remove(id Identifier) {
	k := idKey(id)
	n, ok := t.byID[k]
	if !ok {
		return
	}
	delete(t.byID, k)
	if n.Name != "" {
		delete(t.byName, n.Name)
	}
}

// RemoveByName deletes the record registered under name from both
// indices.
func (t *NodeTable) RemoveByName(name string) {
	n, ok := t.byName[name]
	if !ok {
		return
	}
	delete(t.byName, name)
	delete(t.byID, idKey(n.ID))
}

// FindNearest returns the routable node whose id maximises "furthest
// clockwise from 0 but not past target"; if no such node exists,
// returns the node with the greatest id overall. Non-routable nodes
// are skipped entirely. Fails only when the table holds no routable
// node at all.
//
// Grounded on original_source/chord-node-table.cc's FindNearestNode.
func (t *NodeTable) FindNearest(target Identifier) (*NodeRecord, bool) {
	zero := make(Identifier, len(target))

	var closestOnRight *NodeRecord
	var closestOverall *NodeRecord

	for _, node := range t.byID {
		if !node.Routable {
			continue
		}
		if closestOverall == nil || node.ID.Compare(closestOverall.ID) > 0 {
			closestOverall = node
		}
		if node.ID.InBetween(zero, target) {
			if closestOnRight == nil || node.ID.Compare(closestOnRight.ID) > 0 {
				closestOnRight = node
			}
		}
	}

	if closestOnRight != nil {
		return closestOnRight, true
	}
	if closestOverall != nil {
		return closestOverall, true
	}
	return nil, false
}

// Audit evicts every entry whose LastSeen is older than now-window.
func (t *NodeTable) Audit(window time.Duration) {
	cutoff := time.Now().Add(-window)
	for k, n := range t.byID {
		if n.LastSeen.Before(cutoff) {
			delete(t.byID, k)
			if n.Name != "" {
				delete(t.byName, n.Name)
			}
		}
	}
}

// Len returns the number of distinct identifiers in the table.
func (t *NodeTable) Len() int { return len(t.byID) }

// Each calls fn for every record currently in the table. fn must not
// mutate the table.
func (t *NodeTable) Each(fn func(*NodeRecord)) {
	for _, n := range t.byID {
		fn(n)
	}
}
