// Package mirror maintains an in-memory replica of the store's object
// hierarchy keyed by OID, so that object identifiers taken from the
// transaction log can be resolved to filesystem paths even as objects
// are moved, renamed or deleted. It also owns the polling watcher that
// drives incremental recording.
package mirror

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
)

// Node is one mirrored object. The parent is stored as an OID key
// rather than a pointer, so the structure has no ownership cycles; a
// zero parent on a non-root node marks it as detached pending orphan
// resolution.
type Node struct {
	OID      objdb.OID
	Parent   objdb.OID
	Name     string
	Children map[objdb.OID]string
}

// Tree is an arena of nodes addressed by OID. It is not safe for
// concurrent use; the watcher runs exactly one pass at a time.
type Tree struct {
	nodes map[objdb.OID]*Node
	root  objdb.OID
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{nodes: make(map[objdb.OID]*Node)}
}

// Len returns the number of mirrored nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// Root returns the root OID, zero before Build.
func (t *Tree) Root() objdb.OID { return t.root }

// Lookup returns the node for oid, if mirrored.
func (t *Tree) Lookup(oid objdb.OID) (*Node, bool) {
	n, ok := t.nodes[oid]
	return n, ok
}

// Insert creates a node under parent and records the child edge in the
// parent's children map in the same step. A zero parent inserts the
// root.
func (t *Tree) Insert(oid, parent objdb.OID, name string) *Node {
	n := &Node{
		OID:      oid,
		Parent:   parent,
		Name:     name,
		Children: make(map[objdb.OID]string),
	}
	t.nodes[oid] = n
	if parent.IsZero() {
		t.root = oid
	} else if p, ok := t.nodes[parent]; ok {
		p.Children[oid] = name
	}
	return n
}

// PathOf computes the path of oid by walking parent links up to the
// root. Paths are always derived, never cached, so a rename or move
// anywhere along the chain is reflected immediately.
func (t *Tree) PathOf(oid objdb.OID) (string, error) {
	n, ok := t.nodes[oid]
	if !ok {
		return "", fmt.Errorf("oid %v: %w", oid, apperrors.ErrObjectNotFound)
	}
	var parts []string
	for !n.Parent.IsZero() {
		parts = append(parts, n.Name)
		n, ok = t.nodes[n.Parent]
		if !ok {
			// Detached ancestor: the node is mid-orphaning.
			return "", fmt.Errorf("oid %v: broken parent chain: %w", oid, apperrors.ErrObjectNotFound)
		}
	}
	if len(parts) == 0 {
		return "/", nil
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String(), nil
}

// Detach clears oid's parent link and removes the edge from the old
// parent's children map. The node stays in the arena as an orphan
// candidate until the batch resolves it.
func (t *Tree) Detach(oid objdb.OID) {
	n, ok := t.nodes[oid]
	if !ok {
		return
	}
	if p, ok := t.nodes[n.Parent]; ok {
		delete(p.Children, oid)
	}
	n.Parent = objdb.OID{}
}

// RemoveSubtree deletes oid and, recursively, every child still owned
// by it. A descendant whose parent link was retargeted earlier in the
// same batch is skipped, so an independently reparented subtree
// survives the removal of its former ancestor.
func (t *Tree) RemoveSubtree(oid objdb.OID) {
	n, ok := t.nodes[oid]
	if !ok {
		return
	}
	if p, ok := t.nodes[n.Parent]; ok {
		delete(p.Children, oid)
	}
	delete(t.nodes, oid)
	children := make([]objdb.OID, 0, len(n.Children))
	for child := range n.Children {
		children = append(children, child)
	}
	for _, child := range children {
		if c, ok := t.nodes[child]; ok && c.Parent == oid {
			t.RemoveSubtree(child)
		}
	}
}

// Build replaces the tree with a full mirror of the snapshot's object
// graph, walking children depth-first in lexicographic name order so
// identical store states yield identical mirrors. progress, when
// non-nil, is called with the path currently being visited.
func (t *Tree) Build(snap *objdb.Snapshot, progress func(path string)) error {
	t.nodes = make(map[objdb.OID]*Node)
	t.root = objdb.OID{}
	root := snap.Root()
	if _, ok := snap.Get(root); !ok {
		return fmt.Errorf("root: %w", apperrors.ErrObjectNotFound)
	}
	t.Insert(root, objdb.OID{}, "")
	return t.buildSubtree(snap, root, "/", progress)
}

// InsertSubtree mirrors the object at oid, and everything below it,
// under parent.
func (t *Tree) InsertSubtree(snap *objdb.Snapshot, oid, parent objdb.OID, name string, progress func(path string)) error {
	t.Insert(oid, parent, name)
	path, err := t.PathOf(oid)
	if err != nil {
		return err
	}
	return t.buildSubtree(snap, oid, path, progress)
}

func (t *Tree) buildSubtree(snap *objdb.Snapshot, oid objdb.OID, path string, progress func(path string)) error {
	if progress != nil {
		progress(path)
	}
	obj, ok := snap.Get(oid)
	if !ok {
		// Vanished mid-walk is impossible within one snapshot; a miss
		// here means the parent's children map is stale in the store
		// itself. Skip the entry rather than fail the whole build.
		t.RemoveSubtree(oid)
		return nil
	}
	names := make([]string, 0, len(obj.Children))
	for name := range obj.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := obj.Children[name]
		t.Insert(child, oid, name)
		childPath := path + "/" + name
		if path == "/" {
			childPath = "/" + name
		}
		if err := t.buildSubtree(snap, child, childPath, progress); err != nil {
			return err
		}
	}
	return nil
}
