package mirror

import (
	"encoding/json"
	"fmt"

	"github.com/fclairamb/objsync/internal/objdb"
)

// State is the serialized outcome of a full setup: the mirror plus
// the newest transaction it reflects. It is handed from a one-shot
// setup child process to the long-lived watcher as a single JSON
// message, bounding the parent's peak memory during the initial tree
// walk.
type State struct {
	LastVisible objdb.TID   `json:"last_visible"`
	Nodes       []StateNode `json:"nodes"`
}

// StateNode is one mirrored node; children maps are rebuilt from the
// parent links on import.
type StateNode struct {
	OID    objdb.OID `json:"oid"`
	Parent objdb.OID `json:"parent"`
	Name   string    `json:"name,omitempty"`
}

// ExportState snapshots the watcher's mirror for handoff.
func (w *Watcher) ExportState() State {
	nodes := make([]StateNode, 0, w.tree.Len())
	for oid, n := range w.tree.nodes {
		nodes = append(nodes, StateNode{OID: oid, Parent: n.Parent, Name: n.Name})
	}
	return State{LastVisible: w.lastVisible, Nodes: nodes}
}

// ImportState replaces the watcher's mirror with a state produced by
// ExportState in another process. The watcher is then ready for Run
// without its own Setup.
func (w *Watcher) ImportState(state State) error {
	tree := NewTree()
	for _, n := range state.Nodes {
		tree.nodes[n.OID] = &Node{
			OID:      n.OID,
			Parent:   n.Parent,
			Name:     n.Name,
			Children: make(map[objdb.OID]string),
		}
		if n.Parent.IsZero() {
			tree.root = n.OID
		}
	}
	for _, n := range state.Nodes {
		if n.Parent.IsZero() {
			continue
		}
		parent, ok := tree.nodes[n.Parent]
		if !ok {
			return fmt.Errorf("node %v references unknown parent %v", n.OID, n.Parent)
		}
		parent.Children[n.OID] = n.Name
	}
	if tree.root.IsZero() && len(state.Nodes) > 0 {
		return fmt.Errorf("state has no root node")
	}
	w.tree = tree
	w.lastVisible = state.LastVisible
	return nil
}

// Encode renders the state as one JSON document.
func (s State) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode setup state: %w", err)
	}
	return data, nil
}

// DecodeState parses a JSON state document.
func DecodeState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode setup state: %w", err)
	}
	return s, nil
}
