package objdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fclairamb/objsync/internal/apperrors"
)

const (
	// journalLimit bounds how many transaction notes are kept in
	// memory for recent-change lookups.
	journalLimit = 1000

	filePerm = 0600 // File permissions: rw-------
)

// version is one committed state of an object. A nil obj marks the
// object as deleted at that transaction.
type version struct {
	tid TID
	obj *Object
}

// JournalEntry is one transaction's identity and note, newest-first in
// the journal returned by Journal.
type JournalEntry struct {
	TID  TID
	Note string
}

// FileStore is an object store backed by a single append-only
// transaction log. All committed versions stay addressable, so reads
// against a pinned TID observe one consistent snapshot without
// blocking writers.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	f        *os.File
	logger   *slog.Logger
	versions map[OID][]version
	lastTID  TID
	nextOID  uint64
	journal  []JournalEntry

	// size is the byte offset just past the last applied transaction.
	// Refresh replays anything another process appended beyond it.
	size int64
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *FileStore) {
		s.logger = l
	}
}

// Open opens the transaction log at path, creating it with an empty
// root object if it does not exist, and replays it to rebuild the
// current state.
func Open(path string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		logger:   slog.Default(),
		versions: make(map[OID][]version),
		nextOID:  RootOID.Uint64(),
	}
	for _, opt := range opts {
		opt(s)
	}

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)
	if statErr != nil && !fresh {
		return nil, fmt.Errorf("stat log: %w", statErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, filePerm) //nolint:gosec // path is application controlled
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	s.f = f

	if fresh {
		if err := s.initLog(); err != nil {
			_ = f.Close()
			return nil, err
		}
		return s, nil
	}

	if err := s.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// initLog writes the magic and the initial transaction creating the
// root object.
func (s *FileStore) initLog() error {
	if _, err := s.f.Write(logMagic[:]); err != nil {
		return fmt.Errorf("write log magic: %w", err)
	}
	s.size = int64(len(logMagic))
	txn := s.Begin("/")
	txn.Put(RootOID, &Object{Type: "folder", Children: map[string]OID{}})
	if _, err := txn.Commit(); err != nil {
		return fmt.Errorf("initialize root: %w", err)
	}
	s.logger.Info("created new store", "path", s.path)
	return nil
}

// replay rebuilds in-memory state from the log.
func (s *FileStore) replay() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}
	r := bufio.NewReader(s.f)
	var magic [idLen]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != logMagic {
		return fmt.Errorf("log %s: %w", s.path, apperrors.ErrCorruptLog)
	}

	count := 0
	for {
		txn, err := readTxn(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("replay log %s: %w", s.path, err)
		}
		if err := s.applyTxn(txn); err != nil {
			return fmt.Errorf("replay log %s: %w", s.path, err)
		}
		count++
	}
	end, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek log end: %w", err)
	}
	s.size = end
	s.logger.Debug("store opened", "path", s.path, "transactions", count, "objects", len(s.versions))
	return nil
}

// Refresh applies transactions that other processes appended to the
// log since this store last read it. Callers holding the working-tree
// lock see a quiescent log, so Refresh either applies whole
// transactions or reports the log corrupt.
func (s *FileStore) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	if info.Size() == s.size {
		return nil
	}
	if info.Size() < s.size {
		// The log is append-only; it can only shrink by external damage.
		return fmt.Errorf("log %s shrank: %w", s.path, apperrors.ErrCorruptLog)
	}

	f, err := os.Open(s.path) //nolint:gosec // path is application controlled
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(s.size, io.SeekStart); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}

	r := bufio.NewReader(f)
	count := 0
	for {
		txn, err := readTxn(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("refresh log %s: %w", s.path, err)
		}
		if err := s.applyTxn(txn); err != nil {
			return fmt.Errorf("refresh log %s: %w", s.path, err)
		}
		s.size += int64(idLen + 2*lenFieldSize + len(txn.note) + len(txn.data))
		count++
	}
	s.logger.Debug("refreshed store", "path", s.path, "transactions", count, "tid", s.lastTID)
	return nil
}

// applyTxn applies one decoded transaction to the in-memory state.
func (s *FileStore) applyTxn(txn *txnRecord) error {
	pos := 0
	for pos < len(txn.data) {
		var oid OID
		copy(oid[:], txn.data[pos:pos+idLen])
		plen := int(binary.BigEndian.Uint32(txn.data[pos+idLen : pos+idLen+lenFieldSize]))
		pos += idLen + lenFieldSize
		var obj *Object
		if plen > 0 {
			decoded, err := decodeObject(txn.data[pos : pos+plen])
			if err != nil {
				return err
			}
			obj = decoded
		}
		pos += plen
		s.versions[oid] = append(s.versions[oid], version{tid: txn.tid, obj: obj})
		if oid.Uint64() > s.nextOID {
			s.nextOID = oid.Uint64()
		}
	}
	s.lastTID = txn.tid
	s.appendJournal(JournalEntry{TID: txn.tid, Note: txn.note})
	return nil
}

func (s *FileStore) appendJournal(entry JournalEntry) {
	s.journal = append(s.journal, entry)
	if len(s.journal) > journalLimit {
		s.journal = s.journal[len(s.journal)-journalLimit:]
	}
}

// Close closes the underlying log file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Path returns the filesystem path of the transaction log.
func (s *FileStore) Path() string { return s.path }

// LastTID returns the TID of the most recently committed transaction.
func (s *FileStore) LastTID() TID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTID
}

// AllocOID hands out a fresh, never-used object identifier.
func (s *FileStore) AllocOID() OID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOID++
	return OIDFromUint64(s.nextOID)
}

// Journal returns up to limit of the most recent transaction notes,
// newest first.
func (s *FileStore) Journal(limit int) []JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.journal)
	if limit > n {
		limit = n
	}
	out := make([]JournalEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.journal[i])
	}
	return out
}

// Snapshot pins the currently visible transaction and returns a
// consistent read-only view. The snapshot stays valid across later
// commits; Close releases it.
func (s *FileStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{store: s, tid: s.lastTID}
}

// Snapshot is a consistent read-only view of the store as of a single
// transaction.
type Snapshot struct {
	store *FileStore
	tid   TID
}

// TID returns the transaction the snapshot observes.
func (sn *Snapshot) TID() TID { return sn.tid }

// Root returns the root object's OID.
func (sn *Snapshot) Root() OID { return RootOID }

// Get returns a copy of the object as of the snapshot's transaction,
// or false if it does not exist (never created, or deleted at or
// before the snapshot).
func (sn *Snapshot) Get(oid OID) (*Object, bool) {
	sn.store.mu.RLock()
	defer sn.store.mu.RUnlock()
	versions := sn.store.versions[oid]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].tid.Compare(sn.tid) <= 0 {
			if versions[i].obj == nil {
				return nil, false
			}
			return versions[i].obj.Clone(), true
		}
	}
	return nil, false
}

// Close releases the snapshot. Reads against a closed snapshot are a
// programming error.
func (sn *Snapshot) Close() {
	sn.store = nil
}

// Txn is a pending write transaction. Writes are staged in memory and
// become durable and visible atomically on Commit.
type Txn struct {
	store  *FileStore
	note   string
	writes []rawWrite
	seen   map[OID]int
	done   bool
}

type rawWrite struct {
	oid OID
	obj *Object
}

// Begin starts a write transaction. The note is kept in the journal;
// by convention it is the path of the topmost object being changed.
func (s *FileStore) Begin(note string) *Txn {
	return &Txn{store: s, note: note, seen: make(map[OID]int)}
}

// Put stages a write of obj under oid, replacing any earlier staged
// write for the same oid.
func (t *Txn) Put(oid OID, obj *Object) {
	if idx, ok := t.seen[oid]; ok {
		t.writes[idx].obj = obj.Clone()
		return
	}
	t.seen[oid] = len(t.writes)
	t.writes = append(t.writes, rawWrite{oid: oid, obj: obj.Clone()})
}

// Delete stages a deletion of oid.
func (t *Txn) Delete(oid OID) {
	if idx, ok := t.seen[oid]; ok {
		t.writes[idx].obj = nil
		return
	}
	t.seen[oid] = len(t.writes)
	t.writes = append(t.writes, rawWrite{oid: oid})
}

// Commit appends the staged writes to the log as one transaction and
// makes them visible. An empty transaction commits without touching
// the log and returns the current TID.
func (t *Txn) Commit() (TID, error) {
	if t.done {
		return TID{}, apperrors.ErrTxnFinished
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if len(t.writes) == 0 {
		return t.store.lastTID, nil
	}

	records := make([]rawRecord, 0, len(t.writes))
	for _, w := range t.writes {
		rec := rawRecord{oid: w.oid}
		if w.obj != nil {
			payload, err := w.obj.encode()
			if err != nil {
				return TID{}, err
			}
			rec.payload = payload
		}
		records = append(records, rec)
	}

	tid := t.store.lastTID.Next()
	buf := encodeTxn(tid, t.note, records)
	if _, err := t.store.f.Write(buf); err != nil {
		return TID{}, fmt.Errorf("append transaction: %w", err)
	}
	t.store.size += int64(len(buf))
	if err := t.store.f.Sync(); err != nil {
		return TID{}, fmt.Errorf("sync log: %w", err)
	}

	for _, w := range t.writes {
		t.store.versions[w.oid] = append(t.store.versions[w.oid], version{tid: tid, obj: w.obj})
		if w.oid.Uint64() > t.store.nextOID {
			t.store.nextOID = w.oid.Uint64()
		}
	}
	t.store.lastTID = tid
	t.store.appendJournal(JournalEntry{TID: tid, Note: t.note})

	t.store.logger.Debug("committed transaction",
		"tid", tid,
		"note", t.note,
		"records", len(records))
	return tid, nil
}

// Abort discards the staged writes.
func (t *Txn) Abort() {
	t.done = true
	t.writes = nil
}
