package objdb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// newTestStore creates a fresh store in a temp dir.
func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data.log"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// addChild commits a new child object under the parent path and
// returns its OID.
func addChild(t *testing.T, store *FileStore, parentPath, name string, obj *Object) OID {
	t.Helper()
	txn := store.Begin(parentPath)
	parentOID, parent, err := txn.ResolvePath(parentPath)
	if err != nil {
		t.Fatalf("resolve %q: %v", parentPath, err)
	}
	oid := store.AllocOID()
	if parent.Children == nil {
		parent.Children = map[string]OID{}
	}
	parent.Children[name] = oid
	txn.Put(parentOID, parent)
	txn.Put(oid, obj)
	if _, err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return oid
}

func TestStoreInit(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	snap := store.Snapshot()
	defer snap.Close()

	root, ok := snap.Get(RootOID)
	if !ok {
		t.Fatal("expected root object to exist")
	}
	if root.Type != "folder" {
		t.Errorf("root type = %q, want folder", root.Type)
	}
	if store.LastTID().IsZero() {
		t.Error("expected a committed transaction after init")
	}
}

func TestStoreCommitVisibility(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	before := store.Snapshot()
	defer before.Close()

	oid := addChild(t, store, "/", "a", &Object{Type: "document", Source: []byte("hi"), SourceText: true})

	// The earlier snapshot must not see the commit.
	if _, ok := before.Get(oid); ok {
		t.Error("stale snapshot sees later commit")
	}

	after := store.Snapshot()
	defer after.Close()
	got, ok := after.Get(oid)
	if !ok {
		t.Fatal("expected new object in fresh snapshot")
	}
	if string(got.Source) != "hi" {
		t.Errorf("source = %q, want hi", got.Source)
	}

	if _, _, err := after.ResolvePath("/a"); err != nil {
		t.Errorf("resolve /a: %v", err)
	}
	if _, _, err := after.ResolvePath("/missing"); !errors.Is(err, apperrors.ErrObjectNotFound) {
		t.Errorf("resolve /missing: got %v, want ErrObjectNotFound", err)
	}
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	oid := addChild(t, store, "/", "a", &Object{Type: "document"})

	txn := store.Begin("/")
	rootOID, root, err := txn.ResolvePath("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	delete(root.Children, "a")
	txn.Put(rootOID, root)
	txn.Delete(oid)
	if _, err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap := store.Snapshot()
	defer snap.Close()
	if _, ok := snap.Get(oid); ok {
		t.Error("deleted object still visible")
	}
}

func TestStoreReopenReplays(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data.log")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	oid := addChild(t, store, "/", "doc", &Object{Type: "document", Source: []byte("v1"), SourceText: true})
	lastTID := store.LastTID()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	if reopened.LastTID() != lastTID {
		t.Errorf("replayed lastTID = %s, want %s", reopened.LastTID(), lastTID)
	}
	snap := reopened.Snapshot()
	defer snap.Close()
	got, ok := snap.Get(oid)
	if !ok {
		t.Fatal("replayed store lost the object")
	}
	if string(got.Source) != "v1" {
		t.Errorf("source = %q, want v1", got.Source)
	}

	// A fresh OID allocation must not collide with replayed ones.
	if fresh := reopened.AllocOID(); fresh.Compare(oid) <= 0 {
		t.Errorf("allocated OID %s not beyond existing %s", fresh, oid)
	}
}

func TestRefreshSeesExternalCommit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data.log")

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	writer, err := Open(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer func() { _ = writer.Close() }()

	oid := addChild(t, writer, "/", "a", &Object{Type: "document", Source: []byte("hi"), SourceText: true})

	// The reader replayed the log before the commit landed.
	if reader.LastTID().Compare(writer.LastTID()) >= 0 {
		t.Fatal("reader already ahead of writer")
	}
	stale := reader.Snapshot()
	if _, ok := stale.Get(oid); ok {
		t.Error("stale state sees external commit without refresh")
	}
	stale.Close()

	if err := reader.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if reader.LastTID() != writer.LastTID() {
		t.Errorf("refreshed lastTID = %s, want %s", reader.LastTID(), writer.LastTID())
	}
	snap := reader.Snapshot()
	defer snap.Close()
	got, ok := snap.Get(oid)
	if !ok {
		t.Fatal("refreshed store misses externally committed object")
	}
	if string(got.Source) != "hi" {
		t.Errorf("source = %q, want hi", got.Source)
	}
	if entries := reader.Journal(1); len(entries) == 0 || entries[0].TID != writer.LastTID() {
		t.Error("journal did not catch up on refresh")
	}

	// Refresh resets the append position, so commits from this side
	// keep the byte accounting right and flow back the other way.
	oid2 := addChild(t, reader, "/", "b", &Object{Type: "document"})
	if err := writer.Refresh(); err != nil {
		t.Fatalf("refresh writer: %v", err)
	}
	back := writer.Snapshot()
	defer back.Close()
	if _, ok := back.Get(oid2); !ok {
		t.Error("commit after refresh not visible to the other store")
	}
}

func TestRefreshWithoutChangesIsNoop(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	before := store.LastTID()
	if err := store.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if store.LastTID() != before {
		t.Error("refresh of an unchanged log moved the visible transaction")
	}
}

func TestStoreCorruptLog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data.log")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addChild(t, store, "/", "a", &Object{Type: "document"})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Truncate mid-transaction.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, apperrors.ErrCorruptLog) {
		t.Errorf("open truncated log: got %v, want ErrCorruptLog", err)
	}
}

func TestTxnReadsOwnWrites(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	txn := store.Begin("/")
	rootOID, root, err := txn.ResolvePath("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	child := store.AllocOID()
	root.Children["lib"] = child
	txn.Put(rootOID, root)
	txn.Put(child, &Object{Type: "folder", Children: map[string]OID{}})

	// Staged writes must be visible through the transaction itself.
	if _, _, err := txn.ResolvePath("/lib"); err != nil {
		t.Errorf("resolve staged /lib: %v", err)
	}

	// But not through a snapshot until commit.
	snap := store.Snapshot()
	defer snap.Close()
	if _, _, err := snap.ResolvePath("/lib"); err == nil {
		t.Error("snapshot sees uncommitted write")
	}

	if _, err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := txn.Commit(); !errors.Is(err, apperrors.ErrTxnFinished) {
		t.Errorf("double commit: got %v, want ErrTxnFinished", err)
	}
}

func TestJournal(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	addChild(t, store, "/", "a", &Object{Type: "folder", Children: map[string]OID{}})
	addChild(t, store, "/a", "b", &Object{Type: "document"})

	entries := store.Journal(2)
	if len(entries) != 2 {
		t.Fatalf("journal length = %d, want 2", len(entries))
	}
	if entries[0].Note != "/a" || entries[1].Note != "/" {
		t.Errorf("journal notes = %q, %q; want /a, /", entries[0].Note, entries[1].Note)
	}
	if entries[0].TID.Compare(entries[1].TID) <= 0 {
		t.Error("journal not newest-first")
	}
}
