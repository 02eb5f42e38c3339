package sync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fclairamb/objsync/internal/objdb/adapters"
)

// Metadata files hold one canonical JSON object: two-space indent,
// keys sorted, trailing newline. Byte-for-byte stability is what
// keeps version-control diffs minimal, so any change here changes
// every recorded file.

// encodeMeta serializes a record for the metadata file. The source
// and its text flag live in the separate content file and are
// stripped; the owner key is suppressed when it matches the default
// owner.
func (s *Syncer) encodeMeta(rec adapters.Record) ([]byte, error) {
	meta := rec.Clone()
	delete(meta, "source")
	delete(meta, "source_text")
	if owner, _ := meta["owner"].(string); owner != "" && owner == s.defaultOwner {
		delete(meta, "owner")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeMeta parses a metadata file back into a record, restoring the
// concrete types the adapters expect.
func decodeMeta(data []byte) (adapters.Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	rec := adapters.Record{}
	for key, val := range raw {
		switch key {
		case "contents":
			items, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("decode metadata: contents is %T", val)
			}
			names := make([]string, 0, len(items))
			for _, item := range items {
				name, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("decode metadata: contents entry is %T", item)
				}
				names = append(names, name)
			}
			rec[key] = names
		case "props":
			entries, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("decode metadata: props is %T", val)
			}
			props := make(map[string]string, len(entries))
			for k, v := range entries {
				str, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("decode metadata: prop %q is %T", k, v)
				}
				props[k] = str
			}
			rec[key] = props
		default:
			rec[key] = val
		}
	}
	return rec, nil
}

// recordsEqual compares two records by their canonical encodings plus
// their sources.
func (s *Syncer) recordsEqual(a, b adapters.Record) bool {
	ea, errA := s.encodeMeta(a)
	eb, errB := s.encodeMeta(b)
	if errA != nil || errB != nil {
		return false
	}
	if !bytes.Equal(ea, eb) {
		return false
	}
	srcA, textA := a.Source()
	srcB, textB := b.Source()
	return bytes.Equal(srcA, srcB) && (srcA == nil || textA == textB)
}
