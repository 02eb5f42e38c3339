package sync

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
	"github.com/fclairamb/objsync/internal/objdb/adapters"
)

// PlaybackOptions controls a playback pass.
type PlaybackOptions struct {
	// Recurse plays back each path's whole subtree and reconciles
	// children. Without it only the named objects' metadata is
	// written, though paths gone from the filesystem are still
	// removed from the store.
	Recurse bool
	// Override replaces an existing object when its type differs from
	// the recorded one instead of failing.
	Override bool
	// SkipErrors logs per-object failures and leaves the object for a
	// later pass instead of aborting the transaction.
	SkipErrors bool
	// Note is the transaction note; by convention the topmost changed
	// path.
	Note string
}

// Playback writes the filesystem state of the given store paths back
// into the store as a single transaction. The target state is always
// recomputed from the current filesystem content, so replaying after
// a partial earlier attempt converges.
func (s *Syncer) Playback(paths []string, opts PlaybackOptions) error {
	if len(paths) == 0 {
		return nil
	}
	if opts.Recurse {
		paths = RemoveRedundantPaths(paths)
	}
	note := opts.Note
	if note == "" {
		note = paths[0]
	}

	s.numCurrent = 0
	s.numTotal = len(paths)

	txn := s.store.Begin(note)
	for _, path := range paths {
		if err := s.playbackPath(txn, path, &opts); err != nil {
			txn.Abort()
			return fmt.Errorf("playback %s: %w", path, err)
		}
	}
	if _, err := txn.Commit(); err != nil {
		return fmt.Errorf("playback commit: %w", err)
	}
	return nil
}

// playbackPath plays a single path back into the store through the
// transaction's read-own-writes view.
func (s *Syncer) playbackPath(txn *objdb.Txn, path string, opts *PlaybackOptions) error {
	if _, err := os.Stat(s.fsPath(path)); os.IsNotExist(err) {
		// Gone from the filesystem: remove the object and subtree.
		return s.playbackRemove(txn, path)
	}

	rec, err := s.FSRead(path)
	if err != nil {
		return err
	}
	rec, err = s.mergeContents(rec, path)
	if err != nil {
		return err
	}
	if _, unsupported := rec["unsupported"]; unsupported {
		s.logger.Warn("skipping unsupported object", "path", path)
		return nil
	}

	oid, obj, resolveErr := txn.ResolvePath(path)
	exists := resolveErr == nil
	if resolveErr != nil && !errors.Is(resolveErr, apperrors.ErrObjectNotFound) {
		return resolveErr
	}

	contents := rec.Contents()

	// Remove store children gone from the filesystem before comparing
	// records, so the child lists line up.
	if exists && opts.Recurse {
		for name, childOID := range obj.Children {
			if !slices.Contains(contents, name) {
				s.logger.Warn("deleting object", "path", path, "name", name)
				deleteSubtree(txn, childOID)
				delete(obj.Children, name)
				txn.Put(oid, obj)
			}
		}
	}

	s.numTotal += len(contents)
	s.reportProgress("uploading", path)

	if err := s.playbackObject(txn, path, rec, oid, obj, exists, opts); err != nil {
		if !opts.SkipErrors {
			return err
		}
		s.logger.Warn("skipping object", "path", path, "type", rec.Type(), "error", err)
		return nil
	}

	if !opts.Recurse {
		return nil
	}
	for _, name := range contents {
		if IsIgnored(name) {
			continue
		}
		childPath := path
		if childPath == "" || childPath == "/" {
			childPath = "/" + name
		} else {
			childPath = childPath + "/" + name
		}
		if err := s.playbackPath(txn, childPath, opts); err != nil {
			return err
		}
	}
	return nil
}

// playbackObject creates or updates one object from its record.
func (s *Syncer) playbackObject(txn *objdb.Txn, path string, rec adapters.Record, oid objdb.OID, obj *objdb.Object, exists bool, opts *PlaybackOptions) error {
	if exists && obj.Type != rec.Type() {
		if !opts.Override {
			return fmt.Errorf("%s is %q, recorded as %q: %w", path, obj.Type, rec.Type(), apperrors.ErrTypeMismatch)
		}
		s.logger.Warn("replacing object of mismatched type",
			"path", path,
			"have", obj.Type,
			"want", rec.Type())
		deleteSubtree(txn, oid)
		exists = false
	}

	if exists {
		current := s.registry.Read(obj)
		if s.recordsEqual(current, rec) {
			return nil
		}
		s.logger.Debug("uploading", "path", path, "type", rec.Type())
		if err := s.registry.Write(obj, rec); err != nil {
			return err
		}
		s.applyDefaultOwner(obj, rec)
		txn.Put(oid, obj)
		return nil
	}

	// New object: create it and attach it to its parent.
	created, err := s.registry.Create(rec)
	if err != nil {
		return err
	}
	s.applyDefaultOwner(created, rec)

	newOID := s.store.AllocOID()
	if isRootPath(path) {
		// The root always exists; reaching here means the store is
		// uninitialized, which Open prevents.
		return fmt.Errorf("root object: %w", apperrors.ErrObjectNotFound)
	}
	parentPath, name := splitParent(path)
	parentOID, parent, err := txn.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	if parent.Children == nil {
		parent.Children = map[string]objdb.OID{}
	}
	parent.Children[name] = newOID
	txn.Put(parentOID, parent)
	txn.Put(newOID, created)
	s.logger.Debug("created object", "path", path, "type", rec.Type())
	return nil
}

// playbackRemove deletes the object at path, and its subtree, from
// the store.
func (s *Syncer) playbackRemove(txn *objdb.Txn, path string) error {
	if isRootPath(path) {
		// Never delete the root; an absent site directory means
		// nothing was recorded yet.
		return nil
	}
	oid, _, err := txn.ResolvePath(path)
	if err != nil {
		if errors.Is(err, apperrors.ErrObjectNotFound) {
			return nil
		}
		return err
	}
	parentPath, name := splitParent(path)
	parentOID, parent, err := txn.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	s.logger.Warn("deleting object", "path", path)
	delete(parent.Children, name)
	txn.Put(parentOID, parent)
	deleteSubtree(txn, oid)
	return nil
}

// applyDefaultOwner fills in the configured default owner when the
// record carries none, the inverse of recording's owner suppression.
func (s *Syncer) applyDefaultOwner(obj *objdb.Object, rec adapters.Record) {
	if _, ok := rec["owner"]; !ok && s.defaultOwner != "" {
		obj.Owner = s.defaultOwner
	}
}

// deleteSubtree stages deletion of oid and every descendant reachable
// through the transaction's view.
func deleteSubtree(txn *objdb.Txn, oid objdb.OID) {
	if obj, ok := txn.Get(oid); ok {
		for _, child := range obj.Children {
			deleteSubtree(txn, child)
		}
	}
	txn.Delete(oid)
}
