package sync

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
)

// newTestSyncer creates a store and a syncer over two temp dirs.
func newTestSyncer(t *testing.T) *Syncer {
	t.Helper()
	store, err := objdb.Open(filepath.Join(t.TempDir(), "data.log"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(t.TempDir(), store, WithLogger(logger))
}

// addChild commits a new child object under the parent path and
// returns its OID.
func addChild(t *testing.T, store *objdb.FileStore, parentPath, name string, obj *objdb.Object) objdb.OID {
	t.Helper()
	txn := store.Begin(NormalizePath(parentPath + "/" + name))
	parentOID, parent, err := txn.ResolvePath(parentPath)
	if err != nil {
		t.Fatalf("resolve %q: %v", parentPath, err)
	}
	oid := store.AllocOID()
	if parent.Children == nil {
		parent.Children = map[string]objdb.OID{}
	}
	parent.Children[name] = oid
	txn.Put(parentOID, parent)
	txn.Put(oid, obj)
	if _, err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return oid
}

// seedTree builds /a (folder) with /a/b (document "hello").
func seedTree(t *testing.T, s *Syncer) {
	t.Helper()
	addChild(t, s.Store(), "/", "a", &objdb.Object{
		Type:     "folder",
		Title:    "A",
		Children: map[string]objdb.OID{},
	})
	addChild(t, s.Store(), "/a", "b", &objdb.Object{
		Type:       "document",
		Source:     []byte("hello"),
		SourceText: true,
	})
}

func TestRecordWritesTree(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)

	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	for _, path := range []string{"/", "/a", "/a/b"} {
		if _, err := os.Stat(filepath.Join(s.fsPath(path), metaFile)); err != nil {
			t.Errorf("missing metadata for %s: %v", path, err)
		}
	}
	src, err := os.ReadFile(filepath.Join(s.fsPath("/a/b"), "__source-utf8__.txt"))
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if string(src) != "hello" {
		t.Errorf("source = %q, want hello", src)
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)

	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Backdate the files; an idempotent second pass must not rewrite
	// them.
	old := time.Now().Add(-time.Hour)
	meta := filepath.Join(s.fsPath("/a/b"), metaFile)
	src := filepath.Join(s.fsPath("/a/b"), "__source-utf8__.txt")
	for _, path := range []string{meta, src} {
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	for _, path := range []string{meta, src} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if !info.ModTime().Equal(old) {
			t.Errorf("%s was rewritten without a content change", filepath.Base(path))
		}
	}
}

func TestRecordPrunesStaleEntries(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)

	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	stray := filepath.Join(s.fsPath("/a"), "gone")
	if err := os.MkdirAll(stray, dirPerm); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	straySrc := filepath.Join(s.fsPath("/a"), "__source__.bin")
	if err := os.WriteFile(straySrc, []byte("x"), filePerm); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Record([]string{"/a"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("stale child directory survived recording")
	}
	if _, err := os.Stat(straySrc); !os.IsNotExist(err) {
		t.Error("stray source file survived recording")
	}
}

func TestPlaybackUpdatesSource(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)
	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	src := filepath.Join(s.fsPath("/a/b"), "__source-utf8__.txt")
	if err := os.WriteFile(src, []byte("edited"), filePerm); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Playback([]string{"/a/b"}, PlaybackOptions{}); err != nil {
		t.Fatalf("playback: %v", err)
	}

	snap := s.Store().Snapshot()
	defer snap.Close()
	_, obj, err := snap.ResolvePath("/a/b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(obj.Source) != "edited" {
		t.Errorf("source = %q, want edited", obj.Source)
	}
}

func TestPlaybackCreatesObject(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)
	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	dir := s.fsPath("/a/c")
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	meta := []byte("{\n  \"title\": \"C\",\n  \"type\": \"document\"\n}\n")
	if err := os.WriteFile(filepath.Join(dir, metaFile), meta, filePerm); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "__source-utf8__.txt"), []byte("new"), filePerm); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := s.Playback([]string{"/a"}, PlaybackOptions{Recurse: true}); err != nil {
		t.Fatalf("playback: %v", err)
	}

	snap := s.Store().Snapshot()
	defer snap.Close()
	_, obj, err := snap.ResolvePath("/a/c")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if obj.Type != "document" || string(obj.Source) != "new" || obj.Title != "C" {
		t.Errorf("created object = %+v", obj)
	}
}

func TestPlaybackRemovesDeletedPaths(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)
	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := os.RemoveAll(s.fsPath("/a/b")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Playback([]string{"/a"}, PlaybackOptions{Recurse: true}); err != nil {
		t.Fatalf("playback: %v", err)
	}

	snap := s.Store().Snapshot()
	defer snap.Close()
	if _, _, err := snap.ResolvePath("/a/b"); !errors.Is(err, apperrors.ErrObjectNotFound) {
		t.Errorf("resolve deleted path: err = %v, want ErrObjectNotFound", err)
	}
	_, parent, err := snap.ResolvePath("/a")
	if err != nil {
		t.Fatalf("resolve parent: %v", err)
	}
	if _, ok := parent.Children["b"]; ok {
		t.Error("parent still lists the deleted child")
	}
}

func TestPlaybackTypeMismatch(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)
	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	meta := []byte("{\n  \"type\": \"script\"\n}\n")
	if err := os.WriteFile(filepath.Join(s.fsPath("/a/b"), metaFile), meta, filePerm); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	err := s.Playback([]string{"/a/b"}, PlaybackOptions{})
	if !errors.Is(err, apperrors.ErrTypeMismatch) {
		t.Fatalf("playback: err = %v, want ErrTypeMismatch", err)
	}

	if err := s.Playback([]string{"/a/b"}, PlaybackOptions{Override: true}); err != nil {
		t.Fatalf("playback with override: %v", err)
	}
	snap := s.Store().Snapshot()
	defer snap.Close()
	_, obj, err := snap.ResolvePath("/a/b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if obj.Type != "script" {
		t.Errorf("type = %q, want script", obj.Type)
	}
}

func TestRecentChanges(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)

	commit := func(note string) objdb.TID {
		txn := s.Store().Begin(note)
		oid, root, err := txn.ResolvePath("/")
		if err != nil {
			t.Fatalf("resolve root: %v", err)
		}
		root.Title = note
		txn.Put(oid, root)
		tid, err := txn.Commit()
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		return tid
	}

	since := commit("/a")
	commit("/b")
	commit("/b")
	commit("setup step")

	paths, newest, fallback := s.RecentChanges(since, 100)
	if fallback {
		t.Fatal("unexpected fallback with a reachable watermark")
	}
	if len(paths) != 1 || paths[0] != "/b" {
		t.Errorf("paths = %v, want [/b]", paths)
	}
	if newest.Compare(since) <= 0 {
		t.Error("newest TID did not advance")
	}

	// A zero watermark is older than anything the journal holds.
	if _, _, fallback := s.RecentChanges(objdb.TID{}, 100); !fallback {
		t.Error("expected fallback for an unreachable watermark")
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)

	if _, err := s.ReadWatermark(); !errors.Is(err, apperrors.ErrNoWatermark) {
		t.Fatalf("read before write: err = %v, want ErrNoWatermark", err)
	}

	tid := s.Store().LastTID()
	if err := s.WriteWatermark(tid); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.ReadWatermark()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != tid {
		t.Errorf("watermark = %v, want %v", got, tid)
	}
}

func TestLockContention(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := NewLock(dir, logger)
	if err := first.Acquire(time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	second := NewLock(dir, logger)
	if err := second.Acquire(50 * time.Millisecond); !errors.Is(err, apperrors.ErrLockTimeout) {
		t.Fatalf("contended acquire: err = %v, want ErrLockTimeout", err)
	}

	first.Release()
	if err := second.Acquire(time.Second); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
}

func TestSourceExt(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		rec  map[string]any
		want string
	}{
		{"index_html", map[string]any{"type": "document"}, "txt"},
		{"style.css", map[string]any{"type": "document"}, "css"},
		{"job", map[string]any{"type": "script"}, "py"},
		{"logo", map[string]any{
			"type":  "image",
			"props": map[string]string{"content_type": "image/png"},
		}, "png"},
	}
	for _, tc := range cases {
		if got := sourceExt(tc.name, tc.rec); got != tc.want {
			t.Errorf("sourceExt(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRecordIdempotentAfterReopen(t *testing.T) {
	t.Parallel()
	baseDir := t.TempDir()
	logPath := filepath.Join(t.TempDir(), "data.log")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := objdb.Open(logPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(baseDir, store, WithLogger(logger))
	addChild(t, store, "/", "empty", &objdb.Object{
		Type:     "folder",
		Children: map[string]objdb.OID{},
	})
	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	meta := filepath.Join(s.fsPath("/empty"), metaFile)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(meta, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A replayed store must serialize the empty folder exactly as the
	// original did.
	reopened, err := objdb.Open(logPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	s2 := New(baseDir, reopened, WithLogger(logger))
	if err := s2.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record after reopen: %v", err)
	}

	info, err := os.Stat(meta)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Equal(old) {
		t.Error("empty folder metadata rewritten after reopen")
	}
	data, err := os.ReadFile(meta)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if !strings.Contains(string(data), `"contents": []`) {
		t.Errorf("metadata lost the empty child list: %s", data)
	}
}

func TestRecordSweepsEmptyDirs(t *testing.T) {
	t.Parallel()
	s := newTestSyncer(t)
	seedTree(t, s)
	if err := s.Record([]string{"/"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}

	// An empty directory outside the recorded paths, as an interrupted
	// pass would leave behind.
	stale := filepath.Join(s.baseDir, SiteDir, "stale")
	if err := os.MkdirAll(stale, dirPerm); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := s.Record([]string{"/a/b"}, true, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("empty directory survived recording")
	}
	if _, err := os.Stat(filepath.Join(s.fsPath("/a/b"), metaFile)); err != nil {
		t.Errorf("recorded metadata missing: %v", err)
	}
}

func TestLockReentrantUnderParentMarker(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	held := NewLock(dir, logger)
	if err := held.Acquire(time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	// A child process spawned by the holder carries the marker and must
	// not contend with its parent.
	t.Setenv(LockedEnv, "1")
	nested := NewLock(dir, logger)
	if err := nested.Acquire(50 * time.Millisecond); err != nil {
		t.Fatalf("nested acquire under marker: %v", err)
	}
	nested.Release()
}
