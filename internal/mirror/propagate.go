package mirror

import (
	"log/slog"

	"github.com/fclairamb/objsync/internal/objdb"
)

// propagate applies a batch of changed OIDs to the tree: for every
// changed object still mirrored it re-reads the current children from
// the snapshot, inserts new subtrees, claims moved children under
// their new parent and tentatively detaches children no longer
// reported. Detached nodes become orphan candidates; a candidate is
// removed only if no other parent in the same batch claimed it, since
// a move is observed as two independent diff outcomes that may arrive
// in either order.
//
// Not every OID in the batch is resolvable: during initial catch-up
// the batch can name objects that no longer existed when the mirror
// was built. The loop stops once no remaining OID is mirrored; the
// leftovers are not an error.
func (t *Tree) propagate(snap *objdb.Snapshot, changed map[objdb.OID]struct{}, logger *slog.Logger) error {
	remaining := make(map[objdb.OID]struct{}, len(changed))
	for oid := range changed {
		remaining[oid] = struct{}{}
	}
	var candidates []objdb.OID

	for len(remaining) > 0 {
		var resolvable []objdb.OID
		for oid := range remaining {
			if _, ok := t.nodes[oid]; ok {
				resolvable = append(resolvable, oid)
			}
		}
		if len(resolvable) == 0 {
			break
		}

		for _, oid := range resolvable {
			delete(remaining, oid)
			node := t.nodes[oid]

			obj, ok := snap.Get(oid)
			if !ok {
				// Gone from the store entirely: a deletion, not an
				// error. Deferred to end-of-batch resolution so that a
				// descendant reparented in this same batch survives.
				logger.Debug("mirrored object vanished", "oid", oid)
				t.Detach(oid)
				candidates = append(candidates, oid)
				continue
			}

			newChildren := make(map[objdb.OID]string, len(obj.Children))
			for name, childOID := range obj.Children {
				newChildren[childOID] = name
				if child, ok := t.nodes[childOID]; ok {
					// Known elsewhere or renamed in place: claim it
					// here and refresh the name. The derived path of
					// every descendant follows automatically.
					if old, ok := t.nodes[child.Parent]; ok && child.Parent != oid {
						delete(old.Children, childOID)
					}
					child.Parent = oid
					child.Name = name
				} else {
					if err := t.InsertSubtree(snap, childOID, oid, name, nil); err != nil {
						return err
					}
					// New subtrees must be serialized too.
					changed[childOID] = struct{}{}
				}
			}

			for childOID := range node.Children {
				if _, ok := newChildren[childOID]; ok {
					continue
				}
				child, ok := t.nodes[childOID]
				if !ok || child.Parent != oid {
					// Already claimed by its new parent.
					continue
				}
				// The new parent may still turn up later in this
				// batch, so only detach for now.
				child.Parent = objdb.OID{}
				candidates = append(candidates, childOID)
			}
			node.Children = newChildren
		}
	}

	for _, oid := range candidates {
		if node, ok := t.nodes[oid]; ok && node.Parent.IsZero() {
			logger.Debug("removing orphaned subtree", "oid", oid, "name", node.Name)
			t.RemoveSubtree(oid)
		}
	}
	return nil
}

// changedPaths resolves the batch's OIDs to current paths, skipping
// identifiers no longer mirrored. Deletions surface through their
// recorded parent, whose recursive recording prunes the directory.
func (t *Tree) changedPaths(changed map[objdb.OID]struct{}) []string {
	seen := make(map[string]struct{})
	var paths []string
	for oid := range changed {
		path, err := t.PathOf(oid)
		if err != nil {
			continue
		}
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			paths = append(paths, path)
		}
	}
	return paths
}
