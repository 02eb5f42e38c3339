package objdb

import (
	"fmt"
	"strings"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// getter is any view that can look up an object by OID: a read
// snapshot, or a write transaction reading through its own staged
// writes.
type getter interface {
	Get(oid OID) (*Object, bool)
}

// SplitPath breaks a slash-separated store path into its non-empty
// segments. "/" and "" both resolve to the root.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolvePath walks the children maps from the root down to path.
func resolvePath(g getter, path string) (OID, *Object, error) {
	oid := RootOID
	obj, ok := g.Get(oid)
	if !ok {
		return OID{}, nil, fmt.Errorf("root object: %w", apperrors.ErrObjectNotFound)
	}
	for _, part := range SplitPath(path) {
		child, ok := obj.Children[part]
		if !ok {
			return OID{}, nil, fmt.Errorf("%s: %w", path, apperrors.ErrObjectNotFound)
		}
		next, ok := g.Get(child)
		if !ok {
			return OID{}, nil, fmt.Errorf("%s: %w", path, apperrors.ErrObjectNotFound)
		}
		oid, obj = child, next
	}
	return oid, obj, nil
}

// ResolvePath resolves a slash-separated path against the snapshot
// and returns the object's OID and a copy of its current state.
func (sn *Snapshot) ResolvePath(path string) (OID, *Object, error) {
	return resolvePath(sn, path)
}

// Get returns the staged version of oid if this transaction wrote it,
// falling back to the latest committed version. Write transactions
// therefore read their own writes, which recursive playback relies on
// when it creates a parent and its children in the same transaction.
func (t *Txn) Get(oid OID) (*Object, bool) {
	if idx, ok := t.seen[oid]; ok {
		if t.writes[idx].obj == nil {
			return nil, false
		}
		return t.writes[idx].obj.Clone(), true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	versions := t.store.versions[oid]
	if len(versions) == 0 || versions[len(versions)-1].obj == nil {
		return nil, false
	}
	return versions[len(versions)-1].obj.Clone(), true
}

// ResolvePath resolves a slash-separated path through the
// transaction's view, staged writes included.
func (t *Txn) ResolvePath(path string) (OID, *Object, error) {
	return resolvePath(t, path)
}
