package sync

import (
	"errors"
	"fmt"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
)

// Record serializes the objects at the given store paths into the
// repository, observing one consistent snapshot for the whole pass.
// With recurse set, each path's entire subtree is recorded and
// redundant subpaths are dropped beforehand. With skipErrors set,
// failures on single objects are logged and the object is left for a
// later pass instead of aborting.
func (s *Syncer) Record(paths []string, recurse, skipErrors bool) error {
	snap := s.store.Snapshot()
	defer snap.Close()

	if recurse {
		paths = RemoveRedundantPaths(paths)
	}
	s.numCurrent = 0
	s.numTotal = len(paths)

	for _, path := range paths {
		oid, obj, err := snap.ResolvePath(path)
		if err != nil {
			if errors.Is(err, apperrors.ErrObjectNotFound) {
				// Vanished between being named and being read: a
				// deletion, handled when the parent is recorded.
				s.logger.Debug("path no longer exists, skipping", "path", path)
				continue
			}
			return err
		}
		if err := s.recordObj(snap, oid, obj, path, recurse, skipErrors); err != nil {
			return err
		}
	}
	// Pruning removes entries, not the directories an interrupted pass
	// or a version-control operation left behind empty.
	return s.sweepEmptyDirs("/")
}

// recordObj writes one object and, when recursing, its subtree.
func (s *Syncer) recordObj(snap *objdb.Snapshot, oid objdb.OID, obj *objdb.Object, path string, recurse, skipErrors bool) error {
	rec := s.registry.Read(obj)
	contents, err := s.FSWrite(path, rec)
	if err != nil {
		if !skipErrors {
			return fmt.Errorf("record %s: %w", path, err)
		}
		s.logger.Warn("skipping object", "path", path, "error", err)
		return nil
	}

	s.numTotal += len(contents)
	s.reportProgress("recording", path)

	if !recurse {
		return nil
	}
	for _, name := range contents {
		if IsIgnored(name) {
			continue
		}
		childOID, ok := obj.Children[name]
		if !ok {
			continue
		}
		child, ok := snap.Get(childOID)
		if !ok {
			// Gone in this snapshot; the next pass of the parent
			// prunes its directory.
			s.logger.Debug("child vanished from snapshot", "path", path, "name", name)
			continue
		}
		childPath := path
		if childPath == "" || childPath == "/" {
			childPath = "/" + name
		} else {
			childPath = childPath + "/" + name
		}
		if err := s.recordObj(snap, childOID, child, childPath, recurse, skipErrors); err != nil {
			return err
		}
	}
	return nil
}

// RecentChanges walks the store's transaction journal newest-first
// and collects the distinct paths noted by transactions after
// sinceTID. It reports fallback when the journal does not reach back
// to sinceTID (or holds no usable notes), in which case the caller
// must record everything from the root.
func (s *Syncer) RecentChanges(sinceTID objdb.TID, limit int) (paths []string, newest objdb.TID, fallback bool) {
	entries := s.store.Journal(limit)
	if len(entries) == 0 {
		return nil, objdb.TID{}, true
	}
	newest = entries[0].TID

	seen := make(map[string]struct{})
	for _, entry := range entries {
		if !sinceTID.IsZero() && entry.TID.Compare(sinceTID) <= 0 {
			return paths, newest, false
		}
		// Notes that are not paths cannot drive an incremental pass.
		if len(entry.Note) == 0 || entry.Note[0] != '/' {
			continue
		}
		if _, ok := seen[entry.Note]; !ok {
			seen[entry.Note] = struct{}{}
			paths = append(paths, entry.Note)
		}
	}
	// Journal exhausted before reaching sinceTID.
	return paths, newest, true
}
