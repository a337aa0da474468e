package pebblestore

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrStopScan may be returned by a scan callback to end iteration early.
var ErrStopScan = errors.New("pebble: stop scan")

// Reader is satisfied by *pebble.DB, *pebble.Batch (indexed) and *pebble.Snapshot.
type Reader interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// PrefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ScanPrefix iterates every key under prefix in order. Key and value slices
// are only valid for the duration of fn.
func ScanPrefix(r Reader, prefix []byte, fn func(key, value []byte) error) error {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			_ = it.Close()
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return it.Close()
}

// ScanPrefix iterates the committed keys under prefix.
func (db *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return ScanPrefix(db.inner, prefix, fn)
}

func vfsMem() vfs.FS { return vfs.NewMem() }
