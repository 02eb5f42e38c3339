package sync

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
)

// watermarkFile stores the last transaction whose effects are fully
// reflected on disk, base64-encoded.
const watermarkFile = "__last_txn__"

// ReadWatermark returns the persisted watermark. An absent file
// yields apperrors.ErrNoWatermark, which callers treat as "resync
// everything from the beginning".
func (s *Syncer) ReadWatermark() (objdb.TID, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, watermarkFile)) //nolint:gosec // path is application controlled
	if err != nil {
		if os.IsNotExist(err) {
			return objdb.TID{}, apperrors.ErrNoWatermark
		}
		return objdb.TID{}, fmt.Errorf("read watermark: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return objdb.TID{}, fmt.Errorf("decode watermark: %w", err)
	}
	var tid objdb.TID
	if len(raw) != len(tid) {
		return objdb.TID{}, fmt.Errorf("watermark: %w", apperrors.ErrBadIDLength)
	}
	copy(tid[:], raw)
	return tid, nil
}

// WriteWatermark persists the watermark. It must only be called after
// every filesystem effect of the corresponding scan is applied: a
// crash in between makes the next run re-scan a superset of the
// missed range, which the serializer's content-equality checks make
// harmless.
func (s *Syncer) WriteWatermark(tid objdb.TID) error {
	encoded := base64.StdEncoding.EncodeToString(tid[:])
	path := filepath.Join(s.baseDir, watermarkFile)
	if err := os.WriteFile(path, []byte(encoded+"\n"), filePerm); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	s.logger.Debug("watermark advanced", "tid", tid)
	return nil
}
