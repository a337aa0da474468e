// Package index keeps per-process caches derived from store events.
//
// ContentIndex knows which element positions are live in each channel and
// answers remaining-message counts. RollbackIndex knows, per subscriber
// group and channel, where a subscriber should resume. Both are fed only by
// committed store events and can be rebuilt from an empty state by scanning
// the store.
package index

// Scanner is the read surface needed to rebuild an index.
type Scanner interface {
	Scan(prefix []byte, fn func(key, value []byte) error) error
}
