// Package objdb implements the append-only object store that objsync
// mirrors to the filesystem: fixed-size object and transaction
// identifiers, a file-backed transaction log, consistent read
// snapshots and a sequential log range scanner.
package objdb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// idLen is the size in bytes of both object and transaction identifiers.
const idLen = 8

// OID is an opaque, fixed-length object identifier. It is totally
// ordered by its big-endian byte value and usable as a map key.
type OID [idLen]byte

// TID is a transaction identifier. TIDs increase monotonically with
// every committed transaction and act as a big-endian counter, so a
// scan range can be widened or narrowed by one transaction at a time.
type TID [idLen]byte

// RootOID is the identifier of the store's root object, created when
// the store is initialized.
var RootOID = OIDFromUint64(1)

// OIDFromUint64 builds an OID from a counter value.
func OIDFromUint64(n uint64) OID {
	var o OID
	binary.BigEndian.PutUint64(o[:], n)
	return o
}

// TIDFromUint64 builds a TID from a counter value.
func TIDFromUint64(n uint64) TID {
	var t TID
	binary.BigEndian.PutUint64(t[:], n)
	return t
}

// Uint64 returns the counter value of the OID.
func (o OID) Uint64() uint64 { return binary.BigEndian.Uint64(o[:]) }

// IsZero reports whether the OID is the zero value, which never names
// a live object.
func (o OID) IsZero() bool { return o == OID{} }

// String returns the hex form of the OID.
func (o OID) String() string { return hex.EncodeToString(o[:]) }

// MarshalText implements encoding.TextMarshaler so OIDs serialize as
// hex strings, including as JSON map keys.
func (o OID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(o[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode oid %q: %w", text, err)
	}
	if len(b) != idLen {
		return fmt.Errorf("decode oid %q: %w", text, apperrors.ErrBadIDLength)
	}
	copy(o[:], b)
	return nil
}

// Compare orders two OIDs by their big-endian byte value.
func (o OID) Compare(other OID) int { return bytes.Compare(o[:], other[:]) }

// Uint64 returns the counter value of the TID.
func (t TID) Uint64() uint64 { return binary.BigEndian.Uint64(t[:]) }

// IsZero reports whether the TID is the zero value. The zero TID
// precedes every committed transaction.
func (t TID) IsZero() bool { return t == TID{} }

// String returns the hex form of the TID.
func (t TID) String() string { return hex.EncodeToString(t[:]) }

// MarshalText implements encoding.TextMarshaler.
func (t TID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(t[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TID) UnmarshalText(text []byte) error {
	var o OID
	if err := o.UnmarshalText(text); err != nil {
		return err
	}
	*t = TID(o)
	return nil
}

// Compare orders two TIDs by their big-endian byte value.
func (t TID) Compare(other TID) int { return bytes.Compare(t[:], other[:]) }

// Next returns the TID plus one, carrying across byte boundaries.
func (t TID) Next() TID {
	out := t
	for pos := idLen - 1; pos >= 0; pos-- {
		if out[pos] == 0xff {
			out[pos] = 0
			continue
		}
		out[pos]++
		break
	}
	return out
}

// Prev returns the TID minus one, borrowing across byte boundaries.
func (t TID) Prev() TID {
	out := t
	for pos := idLen - 1; pos >= 0; pos-- {
		if out[pos] == 0 {
			out[pos] = 0xff
			continue
		}
		out[pos]--
		break
	}
	return out
}
